// Package api exposes the sign-in flow and the Planner operations over
// HTTP. Each /api request is authorized either by the correlation token of
// an interactive session or by the caller's own bearer token, which is
// exchanged on behalf of the caller.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openshift/planner-proxy/pkg/authorize"
	"github.com/openshift/planner-proxy/pkg/oauth2"
	"github.com/openshift/planner-proxy/pkg/planner"
	"github.com/openshift/planner-proxy/pkg/runutil"
	"github.com/openshift/planner-proxy/pkg/server"
	"github.com/openshift/planner-proxy/pkg/session"
)

// DefaultLimitBytes bounds request bodies.
const DefaultLimitBytes = 1 << 20

type Config struct {
	Verifier  authorize.Verifier
	Exchanger *oauth2.Exchanger
	Sessions  session.Store
	Planner   *planner.Service

	// RedirectURL is the callback URL registered with the identity provider.
	RedirectURL string
	// AllowedOrigins for CORS; any origin is allowed when empty.
	AllowedOrigins []string
	LimitBytes     int64

	// Registerer receives the per-handler request metrics. A private
	// registry is used when nil.
	Registerer prometheus.Registerer
}

type API struct {
	cfg        Config
	logger     log.Logger
	instrument *server.Instrumenter
	now        func() time.Time
}

type Paths struct {
	Paths []string `json:"paths"`
}

var externalPaths = []string{
	"/",
	"/login",
	"/auth/callback",
	"/logout",
	"/api/plans",
	"/api/plans/{planID}/buckets",
	"/api/buckets/{bucketID}",
	"/api/plans/{planID}/tasks",
	"/api/tasks/{taskID}",
	"/api/tasks/{taskID}/etag",
	"/api/groups",
	"/api/graph",
}

func New(logger log.Logger, cfg Config) *API {
	if cfg.LimitBytes <= 0 {
		cfg.LimitBytes = DefaultLimitBytes
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	return &API{
		cfg:        cfg,
		logger:     log.With(logger, "component", "api"),
		instrument: server.NewInstrumenter(cfg.Registerer),
		now:        time.Now,
	}
}

// Router returns the external router.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(server.RequestLogger(a.logger))
	r.Use(a.cors())
	r.Use(a.limitBody)

	pathsJSON, _ := json.MarshalIndent(Paths{Paths: externalPaths}, "", "  ")
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Add("Content-Type", "application/json")
		if _, err := w.Write(pathsJSON); err != nil {
			level.Error(a.logger).Log("msg", "could not write external paths", "err", err)
		}
	})

	r.Method(http.MethodGet, "/login", a.instrument.HandlerFunc("login", a.login))
	r.Method(http.MethodGet, "/auth/callback", a.instrument.HandlerFunc("callback", a.callback))
	r.Method(http.MethodPost, "/logout", a.instrument.HandlerFunc("logout", a.logout))

	r.Route("/api", func(r chi.Router) {
		r.Use(a.authenticate)
		r.Method(http.MethodGet, "/plans", a.instrument.HandlerFunc("list_plans", a.listPlans))
		r.Method(http.MethodPost, "/plans", a.instrument.HandlerFunc("create_plan", a.createPlan))
		r.Method(http.MethodGet, "/plans/{planID}/buckets", a.instrument.HandlerFunc("list_buckets", a.listBuckets))
		r.Method(http.MethodPost, "/plans/{planID}/buckets", a.instrument.HandlerFunc("create_bucket", a.createBucket))
		r.Method(http.MethodDelete, "/buckets/{bucketID}", a.instrument.HandlerFunc("delete_bucket", a.deleteBucket))
		r.Method(http.MethodGet, "/plans/{planID}/tasks", a.instrument.HandlerFunc("list_tasks", a.listTasks))
		r.Method(http.MethodPost, "/plans/{planID}/tasks", a.instrument.HandlerFunc("create_task", a.createTask))
		r.Method(http.MethodGet, "/tasks/{taskID}", a.instrument.HandlerFunc("get_task", a.getTask))
		r.Method(http.MethodPatch, "/tasks/{taskID}", a.instrument.HandlerFunc("update_task", a.updateTask))
		r.Method(http.MethodDelete, "/tasks/{taskID}", a.instrument.HandlerFunc("delete_task", a.deleteTask))
		r.Method(http.MethodGet, "/tasks/{taskID}/etag", a.instrument.HandlerFunc("get_task_etag", a.getTaskETag))
		r.Method(http.MethodGet, "/groups", a.instrument.HandlerFunc("list_groups", a.listGroups))
		r.Method(http.MethodGet, "/graph", a.instrument.HandlerFunc("graph_read", a.read))
	})

	return r
}

// authenticate verifies the bearer credential of /api requests that carry
// one and no correlation token. Requests with a correlation token are
// resolved against the session store by the handlers.
func (a *API) authenticate(next http.Handler) http.Handler {
	verified := authorize.NewAuthorizeHandler(a.logger, a.cfg.Verifier, next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != "" || r.Header.Get("Authorization") == "" {
			next.ServeHTTP(w, r)
			return
		}
		verified.ServeHTTP(w, r)
	})
}

// DebugStates lists the live correlation tokens. It must only be served on
// the internal listener.
func (a *API) DebugStates(w http.ResponseWriter, r *http.Request) {
	keys, err := a.cfg.Sessions.Keys(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, a.logger, http.StatusOK, map[string][]string{"states": keys})
}

func (a *API) cors() func(http.Handler) http.Handler {
	origins := a.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"ETag"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}

func (a *API) limitBody(next http.Handler) http.Handler {
	return runutil.ExhaustCloseRequestBodyHandler(a.logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, a.cfg.LimitBytes)
		}
		next.ServeHTTP(w, r)
	}))
}

func writeJSON(w http.ResponseWriter, logger log.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Error(logger).Log("msg", "writing response failed", "err", err)
	}
}

func writeRaw(w http.ResponseWriter, logger log.Logger, status int, body []byte) {
	if len(body) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		level.Error(logger).Log("msg", "writing response failed", "err", err)
	}
}
