package planner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/efficientgo/core/testutil"
	"github.com/go-kit/log"

	"github.com/openshift/planner-proxy/pkg/graph"
	"github.com/openshift/planner-proxy/pkg/graph/mock"
)

func newTestService(t *testing.T) (*Service, *mock.Planner, func()) {
	t.Helper()

	planner := mock.NewPlanner()
	ts := httptest.NewServer(planner.Handler())
	return NewService(graph.NewClient(log.NewNopLogger(), ts.Client(), ts.URL)), planner, ts.Close
}

func lastRequest(p *mock.Planner) mock.Request {
	reqs := p.Requests()
	return reqs[len(reqs)-1]
}

func TestCreateTask(t *testing.T) {
	s, planner, stop := newTestService(t)
	defer stop()

	out, err := s.CreateTask(context.Background(), "tok", "P1", &TaskCreate{BucketID: "B1", Title: "Draft release notes"})
	testutil.Ok(t, err)

	req := lastRequest(planner)
	testutil.Equals(t, http.MethodPost, req.Method)
	testutil.Equals(t, "/planner/tasks", req.Path)

	var sent map[string]string
	testutil.Ok(t, json.Unmarshal(req.Body, &sent))
	testutil.Equals(t, map[string]string{"planId": "P1", "bucketId": "B1", "title": "Draft release notes"}, sent)

	var created mock.Task
	testutil.Ok(t, json.Unmarshal(out, &created))
	testutil.Equals(t, "Draft release notes", created.Title)
	testutil.Assert(t, created.ETag != "", "expected the created task to carry an etag")
}

func TestCreateBucketOrderHint(t *testing.T) {
	s, planner, stop := newTestService(t)
	defer stop()

	ctx := context.Background()
	hint := "8585269235419217847"

	for _, tc := range []struct {
		name string
		in   *BucketCreate
		want string
	}{
		{name: "default", in: &BucketCreate{Name: "To do"}, want: DefaultOrderHint},
		{name: "empty", in: &BucketCreate{Name: "To do", OrderHint: new(string)}, want: DefaultOrderHint},
		{name: "given", in: &BucketCreate{Name: "To do", OrderHint: &hint}, want: hint},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CreateBucket(ctx, "tok", "P1", tc.in)
			testutil.Ok(t, err)

			var sent map[string]string
			testutil.Ok(t, json.Unmarshal(lastRequest(planner).Body, &sent))
			testutil.Equals(t, tc.want, sent["orderHint"])
			testutil.Equals(t, "P1", sent["planId"])
		})
	}
}

func TestCreatePlan(t *testing.T) {
	s, planner, stop := newTestService(t)
	defer stop()

	_, err := s.CreatePlan(context.Background(), "tok", &PlanCreate{GroupID: "G1", Title: "Launch"})
	testutil.Ok(t, err)

	var sent map[string]string
	testutil.Ok(t, json.Unmarshal(lastRequest(planner).Body, &sent))
	testutil.Equals(t, map[string]string{"owner": "G1", "title": "Launch"}, sent)
}

func TestTaskConcurrency(t *testing.T) {
	s, planner, stop := newTestService(t)
	defer stop()

	ctx := context.Background()
	planner.AddTask(mock.Task{ID: "T1", PlanID: "P1", BucketID: "B1", Title: "Old", ETag: `W/"abc"`})

	etag, err := s.GetTaskETag(ctx, "tok", "T1")
	testutil.Ok(t, err)
	testutil.Equals(t, `W/"abc"`, etag)

	title := "New"
	_, err = s.UpdateTask(ctx, "tok", "T1", &TaskUpdate{Title: &title}, etag)
	testutil.Ok(t, err)

	req := lastRequest(planner)
	testutil.Equals(t, http.MethodPatch, req.Method)
	testutil.Equals(t, "/planner/tasks/T1", req.Path)
	testutil.Equals(t, `W/"abc"`, req.Header.Get("If-Match"))
	testutil.Equals(t, `{"title":"New"}`, string(req.Body))

	// The etag changed with the update.
	_, err = s.UpdateTask(ctx, "tok", "T1", &TaskUpdate{Title: &title}, etag)
	var derr *graph.DownstreamError
	testutil.Assert(t, errors.As(err, &derr), "expected DownstreamError, got %v", err)
	testutil.Equals(t, http.StatusPreconditionFailed, derr.StatusCode)

	// Without an etag the downstream reports the conflict.
	err = s.DeleteTask(ctx, "tok", "T1", "")
	testutil.Assert(t, errors.As(err, &derr), "expected DownstreamError, got %v", err)
	testutil.Equals(t, http.StatusConflict, derr.StatusCode)

	etag, err = s.GetTaskETag(ctx, "tok", "T1")
	testutil.Ok(t, err)
	testutil.Ok(t, s.DeleteTask(ctx, "tok", "T1", etag))
}

func TestListGroups(t *testing.T) {
	s, planner, stop := newTestService(t)
	defer stop()

	planner.AddGroup(mock.Group{ID: "G1", DisplayName: "Team"})

	out, err := s.ListGroups(context.Background(), "tok")
	testutil.Ok(t, err)
	testutil.Equals(t, "/me/memberOf/microsoft.graph.group", lastRequest(planner).Path)

	var page struct {
		Value []mock.Group `json:"value"`
	}
	testutil.Ok(t, json.Unmarshal(out, &page))
	testutil.Equals(t, []mock.Group{{ID: "G1", DisplayName: "Team"}}, page.Value)
}

func TestRead(t *testing.T) {
	s, planner, stop := newTestService(t)
	defer stop()

	ctx := context.Background()

	resp, err := s.Read(ctx, "tok", "/me?$select=id")
	testutil.Ok(t, err)
	testutil.Equals(t, http.StatusOK, resp.StatusCode)
	testutil.Equals(t, "/me", lastRequest(planner).Path)

	for _, p := range []string{"", "me", "//evil.example.com/x", "/me/../users", "/me/%2e%2e/users", "/me/./x", "/me//x"} {
		t.Run(p, func(t *testing.T) {
			before := len(planner.Requests())
			_, err := s.Read(ctx, "tok", p)
			var verr *ValidationError
			testutil.Assert(t, errors.As(err, &verr), "expected ValidationError for %q, got %v", p, err)
			testutil.Equals(t, before, len(planner.Requests()))
		})
	}
}
