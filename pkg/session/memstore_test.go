package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/efficientgo/core/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	t.Run("unknown token", func(t *testing.T) {
		_, err := s.Get(ctx, "unknown")
		testutil.NotOk(t, err)

		var nerr *NotSignedInError
		testutil.Assert(t, errors.As(err, &nerr), "expected NotSignedInError, got %T", err)
		testutil.Equals(t, "not signed in; complete interactive sign-in and retry with the returned correlation token", err.Error())
		testutil.Equals(t, http.StatusUnauthorized, nerr.HTTPStatusCode())
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := s.Get(ctx, "")
		var nerr *NotSignedInError
		testutil.Assert(t, errors.As(err, &nerr), "expected NotSignedInError, got %T", err)
	})

	t.Run("put then get", func(t *testing.T) {
		in := &Entry{Subject: "object-1", AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour)}
		testutil.Ok(t, s.Put(ctx, "state-1", in))

		out, err := s.Get(ctx, "state-1")
		testutil.Ok(t, err)
		testutil.Equals(t, "object-1", out.Subject)
		testutil.Equals(t, "access-1", out.AccessToken)
		testutil.Equals(t, "refresh-1", out.RefreshToken)
		testutil.Assert(t, !out.CreatedAt.IsZero(), "expected CreatedAt to be stamped")
	})

	t.Run("copies", func(t *testing.T) {
		in := &Entry{AccessToken: "access-2"}
		testutil.Ok(t, s.Put(ctx, "state-2", in))
		in.AccessToken = "mutated after put"

		out, err := s.Get(ctx, "state-2")
		testutil.Ok(t, err)
		testutil.Equals(t, "access-2", out.AccessToken)

		out.AccessToken = "mutated after get"
		again, err := s.Get(ctx, "state-2")
		testutil.Ok(t, err)
		testutil.Equals(t, "access-2", again.AccessToken)
	})

	t.Run("last write wins", func(t *testing.T) {
		testutil.Ok(t, s.Put(ctx, "state-1", &Entry{AccessToken: "access-3"}))
		out, err := s.Get(ctx, "state-1")
		testutil.Ok(t, err)
		testutil.Equals(t, "access-3", out.AccessToken)
	})

	t.Run("keys keep insertion order", func(t *testing.T) {
		keys, err := s.Keys(ctx)
		testutil.Ok(t, err)
		testutil.Equals(t, []string{"state-1", "state-2"}, keys)
	})

	t.Run("delete", func(t *testing.T) {
		testutil.Ok(t, s.Delete(ctx, "state-1"))
		testutil.Ok(t, s.Delete(ctx, "never-existed"))

		_, err := s.Get(ctx, "state-1")
		testutil.NotOk(t, err)

		keys, err := s.Keys(ctx)
		testutil.Ok(t, err)
		testutil.Equals(t, []string{"state-2"}, keys)
	})
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()

	now := time.Unix(1700000000, 0)
	s := NewMemoryStore(WithTTL(time.Hour)).(*memoryStore)
	s.now = func() time.Time { return now }

	testutil.Ok(t, s.Put(ctx, "old", &Entry{AccessToken: "a"}))
	now = now.Add(30 * time.Minute)
	testutil.Ok(t, s.Put(ctx, "new", &Entry{AccessToken: "b"}))

	now = now.Add(30 * time.Minute)
	_, err := s.Get(ctx, "old")
	testutil.NotOk(t, err)

	_, err = s.Get(ctx, "new")
	testutil.Ok(t, err)

	keys, err := s.Keys(ctx)
	testutil.Ok(t, err)
	testutil.Equals(t, []string{"new"}, keys)

	now = now.Add(time.Hour)
	keys, err = s.Keys(ctx)
	testutil.Ok(t, err)
	testutil.Equals(t, 0, len(keys))
}

func TestMemoryStoreConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := fmt.Sprintf("state-%d", i%5)
			_ = s.Put(ctx, token, &Entry{AccessToken: fmt.Sprintf("access-%d", i)})
			_, _ = s.Get(ctx, token)
			_, _ = s.Keys(ctx)
		}(i)
	}
	wg.Wait()

	keys, err := s.Keys(ctx)
	testutil.Ok(t, err)
	testutil.Equals(t, 5, len(keys))
}

func TestInstrumentedStore(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()

	s := NewInstrumentedStore(NewMemoryStore(), reg).(*instrumented)

	testutil.Ok(t, s.Put(ctx, "state-1", &Entry{AccessToken: "a"}))
	testutil.Ok(t, s.Put(ctx, "state-2", &Entry{AccessToken: "b"}))
	testutil.Equals(t, 2.0, promtestutil.ToFloat64(s.sessions))

	_, err := s.Get(ctx, "state-1")
	testutil.Ok(t, err)
	_, err = s.Get(ctx, "missing")
	testutil.NotOk(t, err)

	testutil.Ok(t, s.Delete(ctx, "state-1"))
	testutil.Equals(t, 1.0, promtestutil.ToFloat64(s.sessions))

	testutil.Equals(t, 2.0, promtestutil.ToFloat64(s.operations.WithLabelValues("put", "success")))
	testutil.Equals(t, 1.0, promtestutil.ToFloat64(s.operations.WithLabelValues("get", "success")))
	testutil.Equals(t, 1.0, promtestutil.ToFloat64(s.operations.WithLabelValues("get", "miss")))
	testutil.Equals(t, 1.0, promtestutil.ToFloat64(s.operations.WithLabelValues("delete", "success")))
}

func TestNewCorrelationToken(t *testing.T) {
	a, b := NewCorrelationToken(), NewCorrelationToken()
	testutil.Assert(t, a != "" && b != "", "expected non-empty tokens")
	testutil.Assert(t, a != b, "expected distinct tokens")
}
