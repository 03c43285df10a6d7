package main

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	oidc "github.com/coreos/go-oidc"
	"github.com/go-chi/chi"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	xoauth2 "golang.org/x/oauth2"

	"github.com/openshift/planner-proxy/pkg/api"
	"github.com/openshift/planner-proxy/pkg/authorize/jwt"
	"github.com/openshift/planner-proxy/pkg/graph"
	proxyhttp "github.com/openshift/planner-proxy/pkg/http"
	"github.com/openshift/planner-proxy/pkg/logger"
	"github.com/openshift/planner-proxy/pkg/oauth2"
	"github.com/openshift/planner-proxy/pkg/planner"
	"github.com/openshift/planner-proxy/pkg/session"
	"github.com/openshift/planner-proxy/pkg/tracing"
)

const desc = `
Relay between a single-page application and the Microsoft Graph Planner API.
Callers authenticate either with a bearer token issued for this service,
which is exchanged on their behalf, or with the correlation token returned
by the interactive sign-in.
`

const envPrefix = "PLANNER_PROXY"

// envAliases are the environment variables the relay has always been
// configured with. Every other flag reads PLANNER_PROXY_<FLAG>.
var envAliases = map[string]string{
	"tenant-id":       "TENANT_ID",
	"client-id":       "BACKEND_CLIENT_ID",
	"client-secret":   "BACKEND_CLIENT_SECRET",
	"redirect-uri":    "REDIRECT_URI",
	"audience":        "BACKEND_APP_ID_URI",
	"login-scopes":    "LOGIN_SCOPES",
	"resource-scopes": "RESOURCE_SCOPES",
	"allowed-origins": "ALLOWED_ORIGINS",
}

func defaultOpts() *Options {
	return &Options{
		GraphURL:       graph.DefaultURL,
		GraphTimeout:   20 * time.Second,
		OIDCTimeout:    20 * time.Second,
		SessionTTL:     12 * time.Hour,
		GraphRatelimit: 100 * time.Millisecond,
		GraphBurst:     20,
		LimitBytes:     api.DefaultLimitBytes,
		LoginScopes: []string{
			"openid", "profile", "offline_access",
			"https://graph.microsoft.com/Tasks.ReadWrite",
			"https://graph.microsoft.com/Group.Read.All",
		},
		ResourceScopes: []string{
			"https://graph.microsoft.com/Tasks.ReadWrite",
			"https://graph.microsoft.com/Group.Read.All",
		},
	}
}

func main() {
	opt := defaultOpts()

	var listen, listenInternal string
	cmd := &cobra.Command{
		Short:         "Token-exchange relay for the Microsoft Graph Planner API.",
		Long:          desc,
		SilenceErrors: true,
		SilenceUsage:  true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := applyEnv(cmd.Flags(), viper.New()); err != nil {
				return err
			}
			if opt.LogFormat != logger.FormatLogfmt {
				opt.Logger = logger.New(os.Stderr, "", opt.LogFormat)
				stdlog.SetOutput(log.NewStdlibAdapter(opt.Logger))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			listener, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			internalListener, err := net.Listen("tcp", listenInternal)
			if err != nil {
				return err
			}

			return opt.Run(context.Background(), listener, internalListener)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "0.0.0.0:8000", "A host:port to listen on for application traffic.")
	cmd.Flags().StringVar(&listenInternal, "listen-internal", "localhost:8001", "A host:port to listen on for health and metrics.")

	cmd.Flags().StringVar(&opt.TenantID, "tenant-id", opt.TenantID, "The directory (tenant) id of the identity provider.")
	cmd.Flags().StringVar(&opt.IssuerURL, "issuer-url", opt.IssuerURL, "The OIDC issuer URL. Defaults to https://login.microsoftonline.com/<tenant-id>/v2.0.")
	cmd.Flags().StringVar(&opt.ClientID, "client-id", opt.ClientID, "The client id of this service, see https://tools.ietf.org/html/rfc6749#section-2.3.")
	cmd.Flags().StringVar(&opt.ClientSecret, "client-secret", opt.ClientSecret, "The client secret of this service, see https://tools.ietf.org/html/rfc6749#section-2.3.")
	cmd.Flags().StringVar(&opt.ClientAssertionKey, "client-assertion-key", opt.ClientAssertionKey, "Path to a PEM private key used to authenticate with signed client assertions instead of the client secret.")
	cmd.Flags().StringVar(&opt.ClientAssertionKeyID, "client-assertion-key-id", opt.ClientAssertionKeyID, "The key id (certificate thumbprint) announced in client assertions.")
	cmd.Flags().StringVar(&opt.RedirectURI, "redirect-uri", opt.RedirectURI, "The callback URL registered with the identity provider, ending in /auth/callback.")
	cmd.Flags().StringVar(&opt.Audience, "audience", opt.Audience, "The application id URI inbound bearer tokens must be issued for.")
	cmd.Flags().StringSliceVar(&opt.LoginScopes, "login-scopes", opt.LoginScopes, "Scopes requested when starting the interactive sign-in.")
	cmd.Flags().StringSliceVar(&opt.ResourceScopes, "resource-scopes", opt.ResourceScopes, "Downstream scopes requested from the token endpoint. Must not contain login-only scopes.")
	cmd.Flags().StringSliceVar(&opt.AllowedOrigins, "allowed-origins", opt.AllowedOrigins, "Origins allowed to call the relay from a browser. Any origin when empty.")

	cmd.Flags().StringVar(&opt.GraphURL, "graph-url", opt.GraphURL, "The Microsoft Graph version root.")
	cmd.Flags().DurationVar(&opt.GraphTimeout, "graph-timeout", opt.GraphTimeout, "Timeout of requests to the Graph API.")
	cmd.Flags().DurationVar(&opt.OIDCTimeout, "oidc-timeout", opt.OIDCTimeout, "Timeout of requests to the identity provider.")
	cmd.Flags().DurationVar(&opt.GraphRatelimit, "graph-ratelimit", opt.GraphRatelimit, "The minimum interval between Graph requests per credential once the burst is spent. 0 disables rate limiting.")
	cmd.Flags().IntVar(&opt.GraphBurst, "graph-burst", opt.GraphBurst, "The number of Graph requests a credential may issue at once.")
	cmd.Flags().DurationVar(&opt.SessionTTL, "session-ttl", opt.SessionTTL, "The lifetime of a session created by the interactive sign-in. 0 keeps sessions until sign-out.")
	cmd.Flags().Int64Var(&opt.LimitBytes, "limit-bytes", opt.LimitBytes, "The maximum acceptable size of a request body.")
	cmd.Flags().BoolVar(&opt.DebugSessions, "debug-sessions", opt.DebugSessions, "Serve /debug/states listing the live correlation tokens on the internal listener.")

	cmd.Flags().BoolVarP(&opt.Verbose, "verbose", "v", opt.Verbose, "Log outbound requests and responses with credentials masked.")
	cmd.Flags().StringVar(&opt.LogLevel, "log-level", opt.LogLevel, "Log filtering level. e.g info, debug, warn, error")
	cmd.Flags().StringVar(&opt.LogFormat, "log-format", logger.FormatLogfmt, "Log format. One of 'logfmt', 'json'.")

	cmd.Flags().StringVar(&opt.TracingServiceName, "internal.tracing.service-name", "planner-proxy",
		"The service name to report to the tracing backend.")
	cmd.Flags().StringVar(&opt.TracingEndpoint, "internal.tracing.endpoint", "",
		"The full URL of the trace collector. If it's not set, tracing will be disabled.")
	cmd.Flags().Float64Var(&opt.TracingSamplingFraction, "internal.tracing.sampling-fraction", 0.1,
		"The fraction of traces to sample. Thus, if you set this to .5, half of traces will be sampled.")
	cmd.Flags().StringVar(&opt.TracingEndpointType, "internal.tracing.endpoint-type", string(tracing.EndpointTypeAgent),
		fmt.Sprintf("The tracing endpoint type. Options: '%s', '%s', '%s'.", tracing.EndpointTypeAgent, tracing.EndpointTypeCollector, tracing.EndpointTypeOTel))

	l := logger.New(os.Stderr, "", logger.FormatLogfmt)
	stdlog.SetOutput(log.NewStdlibAdapter(l))
	opt.Logger = l

	level.Info(l).Log("msg", "Planner proxy initialized.")
	if err := cmd.Execute(); err != nil {
		level.Error(l).Log("err", err)
		os.Exit(1)
	}
}

// applyEnv sets every flag not given on the command line from its
// environment variable, if present.
func applyEnv(flags *pflag.FlagSet, v *viper.Viper) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	for name, env := range envAliases {
		if err := v.BindEnv(name, env); err != nil {
			return err
		}
	}

	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed || !v.IsSet(f.Name) {
			return
		}
		if serr := flags.Set(f.Name, v.GetString(f.Name)); serr != nil {
			err = fmt.Errorf("invalid value for --%s from the environment: %w", f.Name, serr)
		}
	})
	return err
}

type Options struct {
	TenantID             string
	IssuerURL            string
	ClientID             string
	ClientSecret         string
	ClientAssertionKey   string
	ClientAssertionKeyID string
	RedirectURI          string
	Audience             string
	LoginScopes          []string
	ResourceScopes       []string
	AllowedOrigins       []string

	GraphURL       string
	GraphTimeout   time.Duration
	OIDCTimeout    time.Duration
	GraphRatelimit time.Duration
	GraphBurst     int
	SessionTTL     time.Duration
	LimitBytes     int64
	DebugSessions  bool

	LogLevel  string
	LogFormat string
	Logger    log.Logger

	TracingServiceName      string
	TracingEndpoint         string
	TracingEndpointType     string
	TracingSamplingFraction float64

	Verbose bool
}

func (o *Options) validate() error {
	if _, err := logger.ParseLevel(o.LogLevel); err != nil {
		return err
	}
	if o.IssuerURL == "" {
		if o.TenantID == "" {
			return fmt.Errorf("--tenant-id or --issuer-url must be specified")
		}
		o.IssuerURL = fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", o.TenantID)
	}
	if o.ClientID == "" {
		return fmt.Errorf("--client-id must be specified")
	}
	if o.ClientSecret == "" && o.ClientAssertionKey == "" {
		return fmt.Errorf("--client-secret or --client-assertion-key must be specified")
	}
	if o.RedirectURI == "" {
		return fmt.Errorf("--redirect-uri must be specified")
	}
	if o.Audience == "" {
		o.Audience = "api://" + o.ClientID
	}
	o.LoginScopes = splitScopes(o.LoginScopes)
	o.ResourceScopes = splitScopes(o.ResourceScopes)
	if len(o.ResourceScopes) == 0 {
		return fmt.Errorf("--resource-scopes must not be empty")
	}
	return nil
}

// splitScopes accepts both comma and space separated scope lists.
func splitScopes(in []string) []string {
	var out []string
	for _, s := range in {
		out = append(out, strings.Fields(s)...)
	}
	return out
}

type Paths struct {
	Paths []string `json:"paths"`
}

func (o *Options) Run(ctx context.Context, externalListener, internalListener net.Listener) error {
	levelledOption := logger.LogLevelFromString(o.LogLevel)
	o.Logger = level.NewFilter(o.Logger, levelledOption)

	if err := o.validate(); err != nil {
		return err
	}

	tp, shutdownTracer, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:      o.TracingServiceName,
		Endpoint:         o.TracingEndpoint,
		EndpointType:     tracing.EndpointType(o.TracingEndpointType),
		SamplingFraction: o.TracingSamplingFraction,
	})
	if err != nil {
		return fmt.Errorf("cannot initialize tracer: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			level.Warn(o.Logger).Log("msg", "flushing traces failed", "err", err)
		}
	}()

	otel.SetErrorHandler(tracing.ErrorHandler{Logger: o.Logger})

	reg := prometheus.NewRegistry()
	instrumented := proxyhttp.NewInstrumentedRoundTripper(reg)

	var transport http.RoundTripper = otelhttp.NewTransport(&http.Transport{
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     30 * time.Second,
	})

	if o.Verbose {
		transport = proxyhttp.NewDebugRoundTripper(o.Logger, transport)
	}

	oidcClient := &http.Client{
		Timeout:   o.OIDCTimeout,
		Transport: instrumented.NewRoundTripper("oidc", transport),
	}
	graphClient := &http.Client{
		Timeout:   o.GraphTimeout,
		Transport: instrumented.NewRoundTripper("graph", transport),
	}
	if o.GraphRatelimit > 0 {
		graphClient.Transport = graph.NewRateLimited(graphClient.Transport, o.GraphRatelimit, o.GraphBurst)
	}

	closeClients := func() {
		oidcClient.CloseIdleConnections()
		graphClient.CloseIdleConnections()
	}

	oidcCtx := oidc.ClientContext(ctx, oidcClient)
	provider, err := oidc.NewProvider(oidcCtx, o.IssuerURL)
	if err != nil {
		closeClients()
		return fmt.Errorf("OIDC provider initialization failed: %v", err)
	}
	var discovery struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&discovery); err != nil {
		closeClients()
		return fmt.Errorf("cannot read OIDC discovery document: %v", err)
	}

	endpoint := provider.Endpoint()
	endpoint.AuthStyle = xoauth2.AuthStyleInParams

	tokenClient := oidcClient
	if o.ClientAssertionKey != "" {
		authenticator, err := o.clientAuthenticator(endpoint.TokenURL, oidcClient.Transport)
		if err != nil {
			closeClients()
			return err
		}
		tokenClient = &http.Client{Timeout: o.OIDCTimeout, Transport: authenticator}
	}

	sessions := session.NewInstrumentedStore(session.NewMemoryStore(session.WithTTL(o.SessionTTL)), reg)

	a := api.New(o.Logger, api.Config{
		Verifier: jwt.NewVerifier(o.Logger, oidc.NewRemoteKeySet(oidcCtx, discovery.JWKSURL), o.IssuerURL, o.Audience),
		Exchanger: oauth2.NewExchanger(o.Logger, oauth2.Config{
			ClientID:        o.ClientID,
			ClientSecret:    o.ClientSecret,
			Endpoint:        endpoint,
			RedirectURL:     o.RedirectURI,
			LoginScopes:     o.LoginScopes,
			ResourceScopes:  o.ResourceScopes,
			IDTokenVerifier: provider.Verifier(&oidc.Config{ClientID: o.ClientID}),
			HTTPClient:      tokenClient,
		}),
		Sessions:       sessions,
		Planner:        planner.NewService(graph.NewClient(o.Logger, graphClient, o.GraphURL)),
		RedirectURL:    o.RedirectURI,
		AllowedOrigins: o.AllowedOrigins,
		LimitBytes:     o.LimitBytes,
		Registerer:     reg,
	})

	var g run.Group
	{
		internal := http.NewServeMux()

		proxyhttp.DebugRoutes(internal)
		proxyhttp.HealthRoutes(internal, func() error {
			// Stop advertising readiness once shutdown has begun.
			return ctx.Err()
		})
		proxyhttp.MetricRoutes(internal, prometheus.Gatherers{prometheus.DefaultGatherer, reg})

		internalPaths := []string{"/", "/metrics", "/debug/pprof", "/healthz", "/healthz/ready"}
		if o.DebugSessions {
			level.Warn(o.Logger).Log("msg", "serving live correlation tokens on /debug/states")
			internal.HandleFunc("/debug/states", a.DebugStates)
			internalPaths = append(internalPaths, "/debug/states")
		}

		r := chi.NewRouter()
		r.Mount("/", internal)

		internalPathJSON, _ := json.MarshalIndent(Paths{Paths: internalPaths}, "", "  ")
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Add("Content-Type", "application/json")
			if _, err := w.Write(internalPathJSON); err != nil {
				level.Error(o.Logger).Log("msg", "could not write internal paths", "err", err)
			}
		})

		s := &http.Server{
			Handler: otelhttp.NewHandler(r, "internal", otelhttp.WithTracerProvider(tp)),
		}

		// Run the internal server.
		g.Add(func() error {
			if err := s.Serve(internalListener); err != nil && err != http.ErrServerClosed {
				level.Error(o.Logger).Log("msg", "internal HTTP server exited", "err", err)
				return err
			}
			return nil
		}, func(error) {
			_ = s.Shutdown(context.TODO())
			internalListener.Close()
		})
	}
	{
		s := &http.Server{
			Handler:           otelhttp.NewHandler(a.Router(), "external", otelhttp.WithTracerProvider(tp)),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog: stdlog.New(
				&filteredHTTP2ErrorWriter{
					out:               os.Stderr,
					toDebugLogFilters: logFilter,
					logger:            o.Logger,
				},
				"",
				0),
		}

		// Run the external server.
		g.Add(func() error {
			if err := s.Serve(externalListener); err != nil && err != http.ErrServerClosed {
				level.Error(o.Logger).Log("msg", "external HTTP server exited", "err", err)
				return err
			}
			return nil
		}, func(error) {
			_ = s.Shutdown(context.TODO())
			externalListener.Close()

			// Close clients in order to check for leaks properly.
			closeClients()
		})
	}

	// Kill all when caller requests to.
	gctx, gcancel := context.WithCancel(ctx)
	g.Add(func() error {
		<-gctx.Done()
		return gctx.Err()
	}, func(err error) {
		gcancel()
	})

	level.Info(o.Logger).Log("msg", "starting planner-proxy", "external", externalListener.Addr().String(), "internal", internalListener.Addr().String(), "issuer", o.IssuerURL)

	return g.Run()
}

func (o *Options) clientAuthenticator(tokenURL string, next http.RoundTripper) (http.RoundTripper, error) {
	data, err := os.ReadFile(o.ClientAssertionKey)
	if err != nil {
		return nil, fmt.Errorf("cannot read --client-assertion-key: %w", err)
	}
	key, err := loadPrivateKey(data)
	if err != nil {
		return nil, err
	}
	signer, err := jwt.NewSigner(o.ClientID, o.ClientAssertionKeyID, key).JOSESigner()
	if err != nil {
		return nil, fmt.Errorf("unable to create signer: %v", err)
	}
	return oauth2.NewJWTClientAuthenticator(oauth2.ClientAssertion{
		ClientID: o.ClientID,
		Audience: tokenURL,
		Lifetime: 5 * time.Minute,
	}, signer, next), nil
}

// loadPrivateKey loads a private key from PEM/DER-encoded data.
func loadPrivateKey(data []byte) (interface{}, error) {
	input := data

	block, _ := pem.Decode(data)
	if block != nil {
		input = block.Bytes
	}

	priv, err0 := x509.ParsePKCS1PrivateKey(input)
	if err0 == nil {
		return priv, nil
	}

	priv8, err1 := x509.ParsePKCS8PrivateKey(input)
	if err1 == nil {
		return priv8, nil
	}

	privEC, err2 := x509.ParseECPrivateKey(input)
	if err2 == nil {
		return privEC, nil
	}

	return nil, fmt.Errorf("unable to parse private key data: '%s', '%s' and '%s'", err0, err1, err2)
}

// logFilter is a list of filters
var logFilter = [][]string{
	// filter out TCP probes
	// see https://github.com/golang/go/issues/26918
	{
		"http2: server: error reading preface from client",
		"read: connection reset by peer",
	},
}

type filteredHTTP2ErrorWriter struct {
	out io.Writer
	// toDebugLogFilters is a list of filters.
	// All strings within a filter must match for the filter to match.
	// If any of the filters matches, the log is written to debug level.
	toDebugLogFilters [][]string
	logger            log.Logger
}

func (w *filteredHTTP2ErrorWriter) Write(p []byte) (int, error) {
	logContents := string(p)

	for _, filter := range w.toDebugLogFilters {
		shouldFilter := true
		for _, matches := range filter {
			if !strings.Contains(logContents, matches) {
				shouldFilter = false
				break
			}
		}
		if shouldFilter {
			level.Debug(w.logger).Log("msg", "http server error log has been filtered", "error", logContents)
			return len(p), nil
		}
	}
	return w.out.Write(p)
}
