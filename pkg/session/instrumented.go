package session

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type instrumented struct {
	next Store

	operations *prometheus.CounterVec
	sessions   prometheus.Gauge
}

// NewInstrumentedStore wraps next and counts its operations by result.
func NewInstrumentedStore(next Store, reg prometheus.Registerer) Store {
	return &instrumented{
		next: next,
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_store_operations_total",
				Help: "Tracks the number of session store operations.",
			}, []string{"operation", "result"},
		),
		sessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "session_store_sessions",
				Help: "Tracks the number of sessions held by the store.",
			},
		),
	}
}

func (s *instrumented) Put(ctx context.Context, token string, e *Entry) error {
	err := s.next.Put(ctx, token, e)
	s.observe("put", err)
	s.refresh(ctx)
	return err
}

func (s *instrumented) Get(ctx context.Context, token string) (*Entry, error) {
	e, err := s.next.Get(ctx, token)
	s.observe("get", err)
	return e, err
}

func (s *instrumented) Delete(ctx context.Context, token string) error {
	err := s.next.Delete(ctx, token)
	s.observe("delete", err)
	s.refresh(ctx)
	return err
}

func (s *instrumented) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.next.Keys(ctx)
	s.observe("keys", err)
	if err == nil {
		s.sessions.Set(float64(len(keys)))
	}
	return keys, err
}

func (s *instrumented) observe(operation string, err error) {
	var nerr *NotSignedInError
	switch {
	case err == nil:
		s.operations.WithLabelValues(operation, "success").Inc()
	case errors.As(err, &nerr):
		s.operations.WithLabelValues(operation, "miss").Inc()
	default:
		s.operations.WithLabelValues(operation, "error").Inc()
	}
}

func (s *instrumented) refresh(ctx context.Context) {
	if keys, err := s.next.Keys(ctx); err == nil {
		s.sessions.Set(float64(len(keys)))
	}
}
