package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instrumenter records per-handler request metrics into the registry it
// was created with.
type Instrumenter struct {
	requestDuration *prometheus.HistogramVec
	requestSize     *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	inFlight        *prometheus.GaugeVec
}

// NewInstrumenter registers the request metrics with reg.
func NewInstrumenter(reg prometheus.Registerer) *Instrumenter {
	labels := []string{"code", "handler", "method"}
	return &Instrumenter{
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:                            "http_request_duration_seconds",
				Help:                            "Tracks the latencies for HTTP requests.",
				NativeHistogramBucketFactor:     1.1,
				NativeHistogramMaxBucketNumber:  100,
				NativeHistogramMinResetDuration: 1 * time.Hour,
				Buckets:                         prometheus.DefBuckets,
			},
			labels,
		),
		requestSize: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:                            "http_request_size_bytes",
				Help:                            "Tracks the size of HTTP requests.",
				NativeHistogramBucketFactor:     1.1,
				NativeHistogramMaxBucketNumber:  100,
				NativeHistogramMinResetDuration: 1 * time.Hour,
				Buckets:                         []float64{256, 1024, 8192, 65536, 262144, 1048576},
			},
			labels,
		),
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Tracks the number of HTTP requests.",
			},
			labels,
		),
		inFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being served.",
			},
			[]string{"handler"},
		),
	}
}

// Handler wraps next so that its requests are recorded under handlerName.
func (i *Instrumenter) Handler(handlerName string, next http.Handler) http.Handler {
	labels := prometheus.Labels{"handler": handlerName}
	return promhttp.InstrumentHandlerInFlight(
		i.inFlight.With(labels),
		promhttp.InstrumentHandlerDuration(
			i.requestDuration.MustCurryWith(labels),
			promhttp.InstrumentHandlerRequestSize(
				i.requestSize.MustCurryWith(labels),
				promhttp.InstrumentHandlerCounter(
					i.requestsTotal.MustCurryWith(labels),
					next,
				),
			),
		),
	)
}

// HandlerFunc is Handler for plain functions.
func (i *Instrumenter) HandlerFunc(handlerName string, next http.HandlerFunc) http.Handler {
	return i.Handler(handlerName, next)
}
