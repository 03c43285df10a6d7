package main

import (
	"context"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/spf13/cobra"

	graphmock "github.com/openshift/planner-proxy/pkg/graph/mock"
	idpmock "github.com/openshift/planner-proxy/pkg/identity/mock"
	"github.com/openshift/planner-proxy/pkg/logger"
	"github.com/openshift/planner-proxy/pkg/server"
)

// GraphPath is where the Planner fake is mounted; point --graph-url of the
// proxy at it.
const GraphPath = "/v1.0"

type Options struct {
	Listen       string
	IssuerURL    string
	ClientID     string
	ClientSecret string
	Audience     string
	Seed         bool
	LogLevel     string
	LogFormat    string
}

func main() {
	opt := &Options{
		Listen:       "localhost:9090",
		IssuerURL:    "http://localhost:9090",
		ClientID:     "planner-proxy",
		ClientSecret: "planner-proxy-secret",
		Audience:     "api://planner-proxy",
		Seed:         true,
	}

	cmd := &cobra.Command{
		Short:         "Identity provider and Planner API fakes for local development.",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			l := logger.New(os.Stderr, opt.LogLevel, opt.LogFormat)
			stdlog.SetOutput(log.NewStdlibAdapter(l))

			listener, err := net.Listen("tcp", opt.Listen)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return opt.Run(ctx, l, listener)
		},
	}

	cmd.Flags().StringVar(&opt.Listen, "listen", opt.Listen, "A host:port to listen on.")
	cmd.Flags().StringVar(&opt.IssuerURL, "issuer-url", opt.IssuerURL, "The issuer identifier; must resolve to --listen.")
	cmd.Flags().StringVar(&opt.ClientID, "client-id", opt.ClientID, "The client id the proxy authenticates with.")
	cmd.Flags().StringVar(&opt.ClientSecret, "client-secret", opt.ClientSecret, "The client secret the proxy authenticates with.")
	cmd.Flags().StringVar(&opt.Audience, "audience", opt.Audience, "The application id URI of the proxy.")
	cmd.Flags().BoolVar(&opt.Seed, "seed", opt.Seed, "Start with a sample group, plan, bucket and tasks.")
	cmd.Flags().StringVar(&opt.LogLevel, "log-level", opt.LogLevel, "Log filtering level. e.g info, debug, warn, error")
	cmd.Flags().StringVar(&opt.LogFormat, "log-format", logger.FormatLogfmt, "Log format. One of 'logfmt', 'json'.")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (o *Options) Run(ctx context.Context, l log.Logger, listener net.Listener) error {
	idp, err := idpmock.New(l, o.IssuerURL, idpmock.Config{
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		Audience:     o.Audience,
	})
	if err != nil {
		return err
	}

	planner := graphmock.NewPlanner()
	planner.Authorize = idp.Authorized
	if o.Seed {
		seed(planner)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(server.RequestLogger(l))
	r.Mount(GraphPath, planner.Handler())
	r.Get("/token", func(w http.ResponseWriter, _ *http.Request) {
		token, err := idp.IssueToken(time.Hour)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintln(w, token)
	})
	r.Mount("/", idp.Handler())

	s := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	var g run.Group
	g.Add(func() error {
		if err := s.Serve(listener); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}, func(error) {
		_ = s.Shutdown(context.TODO())
		listener.Close()
	})
	g.Add(func() error {
		<-ctx.Done()
		return ctx.Err()
	}, func(error) {})

	level.Info(l).Log("msg", "starting planner-mock", "addr", listener.Addr().String(), "issuer", idp.Issuer(), "graph", idp.Issuer()+GraphPath)
	return g.Run()
}

func seed(p *graphmock.Planner) {
	p.AddGroup(graphmock.Group{ID: "group-1", DisplayName: "Platform Team"})
	plan := p.AddPlan(graphmock.Plan{ID: "plan-1", Title: "Q3 Roadmap", Owner: "group-1"})
	todo := p.AddBucket(graphmock.Bucket{ID: "bucket-todo", Name: "To do", PlanID: plan.ID, OrderHint: " !"})
	p.AddBucket(graphmock.Bucket{ID: "bucket-done", Name: "Done", PlanID: plan.ID, OrderHint: " !!"})
	p.AddTask(graphmock.Task{ID: "task-1", PlanID: plan.ID, BucketID: todo.ID, Title: "Write release notes"})
	p.AddTask(graphmock.Task{ID: "task-2", PlanID: plan.ID, BucketID: todo.ID, Title: "Rotate client secret", PercentComplete: 50})
}
