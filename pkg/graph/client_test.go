package graph

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/efficientgo/core/testutil"
	"github.com/go-kit/log"

	"github.com/openshift/planner-proxy/pkg/graph/mock"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, func()) {
	t.Helper()

	ts := httptest.NewServer(h)
	return NewClient(log.NewNopLogger(), ts.Client(), ts.URL), ts.Close
}

func TestClientHeaders(t *testing.T) {
	var (
		mu  sync.Mutex
		got *http.Request
	)
	c, stop := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = r.Clone(context.Background())
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer stop()

	ctx := context.Background()

	for _, tc := range []struct {
		name            string
		req             Request
		wantContentType string
		wantIfMatch     string
		wantQuery       string
	}{
		{
			name: "read",
			req:  Request{Method: http.MethodGet, Path: "/me/planner/plans", Token: "tok"},
		},
		{
			name:      "read with query",
			req:       Request{Method: http.MethodGet, Path: "/me", Token: "tok", Query: url.Values{"$select": {"id"}}},
			wantQuery: "%24select=id",
		},
		{
			name:            "create",
			req:             Request{Method: http.MethodPost, Path: "/planner/tasks", Token: "tok", Body: map[string]string{"title": "t"}},
			wantContentType: "application/json",
		},
		{
			name:            "update",
			req:             Request{Method: http.MethodPatch, Path: "/planner/tasks/T1", Token: "tok", Body: map[string]string{"title": "t"}, IfMatch: `W/"abc"`},
			wantContentType: "application/json",
			wantIfMatch:     `W/"abc"`,
		},
		{
			name:        "delete",
			req:         Request{Method: http.MethodDelete, Path: "/planner/tasks/T1", Token: "tok", IfMatch: `W/"abc"`},
			wantIfMatch: `W/"abc"`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Do(ctx, tc.req)
			testutil.Ok(t, err)

			mu.Lock()
			defer mu.Unlock()
			testutil.Equals(t, tc.req.Method, got.Method)
			testutil.Equals(t, tc.req.Path, got.URL.Path)
			testutil.Equals(t, "Bearer tok", got.Header.Get("Authorization"))
			testutil.Equals(t, tc.wantContentType, got.Header.Get("Content-Type"))
			testutil.Equals(t, tc.wantIfMatch, got.Header.Get("If-Match"))
			testutil.Equals(t, tc.wantQuery, got.URL.RawQuery)
		})
	}
}

func TestClientDownstreamErrorIsVerbatim(t *testing.T) {
	body := `{"error":{"code":"Forbidden","message":"You do not have the required permissions."}}`
	c, stop := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(body))
	}))
	defer stop()

	err := c.Get(context.Background(), "tok", "/me/planner/plans", nil, nil)
	testutil.NotOk(t, err)

	var derr *DownstreamError
	testutil.Assert(t, errors.As(err, &derr), "expected DownstreamError, got %T", err)
	testutil.Equals(t, http.StatusForbidden, derr.StatusCode)
	testutil.Equals(t, http.StatusForbidden, derr.HTTPStatusCode())
	testutil.Equals(t, body, string(derr.Body))
	testutil.Equals(t, http.MethodGet, derr.Method)
	testutil.Equals(t, "/me/planner/plans", derr.Path)
}

func TestClientConcurrency(t *testing.T) {
	planner := mock.NewPlanner()
	task := planner.AddTask(mock.Task{ID: "T1", PlanID: "P1", BucketID: "B1", Title: "Old", ETag: `W/"abc"`})

	c, stop := newTestClient(t, planner.Handler())
	defer stop()

	ctx := context.Background()

	resp, err := c.GetRaw(ctx, "tok", "/planner/tasks/T1", nil)
	testutil.Ok(t, err)
	testutil.Equals(t, task.ETag, resp.ETag())

	t.Run("missing If-Match conflicts", func(t *testing.T) {
		_, err := c.Patch(ctx, "tok", "/planner/tasks/T1", map[string]string{"title": "New"}, "")
		var derr *DownstreamError
		testutil.Assert(t, errors.As(err, &derr), "expected DownstreamError, got %v", err)
		testutil.Equals(t, http.StatusConflict, derr.StatusCode)
	})

	t.Run("fresh etag", func(t *testing.T) {
		_, err := c.Patch(ctx, "tok", "/planner/tasks/T1", map[string]string{"title": "New"}, `W/"abc"`)
		testutil.Ok(t, err)

		updated, _ := planner.Task("T1")
		testutil.Equals(t, "New", updated.Title)
	})

	t.Run("stale etag", func(t *testing.T) {
		_, err := c.Patch(ctx, "tok", "/planner/tasks/T1", map[string]string{"title": "Newer"}, `W/"abc"`)
		var derr *DownstreamError
		testutil.Assert(t, errors.As(err, &derr), "expected DownstreamError, got %v", err)
		testutil.Equals(t, http.StatusPreconditionFailed, derr.StatusCode)
	})

	t.Run("delete with stale etag", func(t *testing.T) {
		err := c.Delete(ctx, "tok", "/planner/tasks/T1", `W/"abc"`)
		var derr *DownstreamError
		testutil.Assert(t, errors.As(err, &derr), "expected DownstreamError, got %v", err)
		testutil.Equals(t, http.StatusPreconditionFailed, derr.StatusCode)
	})

	t.Run("delete with current etag", func(t *testing.T) {
		current, _ := planner.Task("T1")
		testutil.Ok(t, c.Delete(ctx, "tok", "/planner/tasks/T1", current.ETag))
		_, ok := planner.Task("T1")
		testutil.Assert(t, !ok, "expected task to be deleted")
	})
}

func TestResponseETag(t *testing.T) {
	for _, tc := range []struct {
		name   string
		resp   Response
		expect string
	}{
		{
			name:   "body field",
			resp:   Response{Header: http.Header{"Etag": {`W/"header"`}}, Body: []byte(`{"@odata.etag":"W/\"body\""}`)},
			expect: `W/"body"`,
		},
		{
			name:   "header fallback",
			resp:   Response{Header: http.Header{"Etag": {`W/"header"`}}, Body: []byte(`{"id":"T1"}`)},
			expect: `W/"header"`,
		},
		{
			name:   "non JSON body",
			resp:   Response{Header: http.Header{"Etag": {`W/"header"`}}, Body: []byte(`<html>`)},
			expect: `W/"header"`,
		},
		{
			name:   "none",
			resp:   Response{Header: http.Header{}},
			expect: "",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testutil.Equals(t, tc.expect, tc.resp.ETag())
		})
	}
}

func TestRateLimited(t *testing.T) {
	var calls int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&calls, 1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	rt := NewRateLimited(ts.Client().Transport, time.Hour, 2)
	c := NewClient(log.NewNopLogger(), &http.Client{Transport: rt}, ts.URL)
	ctx := context.Background()

	testutil.Ok(t, c.Get(ctx, "alice", "/me", nil, nil))
	testutil.Ok(t, c.Get(ctx, "alice", "/me", nil, nil))

	err := c.Get(ctx, "alice", "/me", nil, nil)
	testutil.NotOk(t, err)
	testutil.Assert(t, errors.Is(err, ErrRateLimited), "expected ErrRateLimited, got %v", err)

	var coded interface{ HTTPStatusCode() int }
	testutil.Assert(t, errors.As(err, &coded), "expected an error with a status code")
	testutil.Equals(t, http.StatusTooManyRequests, coded.HTTPStatusCode())

	// Budgets are per credential.
	testutil.Ok(t, c.Get(ctx, "bob", "/me", nil, nil))
	testutil.Equals(t, int64(3), atomic.LoadInt64(&calls))
}

func TestRateLimitedPrune(t *testing.T) {
	rl := NewRateLimited(nil, time.Millisecond, 1).(*rateLimited)
	now := time.Now()

	for i := 0; i < maxLimiters; i++ {
		rl.allow(uint64(i), now)
	}
	testutil.Equals(t, maxLimiters, len(rl.limiters))

	// Every limiter has recovered an hour later, so adding one more prunes them.
	testutil.Assert(t, rl.allow(uint64(maxLimiters), now.Add(time.Hour)), "expected request to be allowed")
	testutil.Equals(t, 1, len(rl.limiters))
}
