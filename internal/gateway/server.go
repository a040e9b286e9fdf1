// Package gateway exposes the HTTP surface: every route is routed through
// the request pipeline, so authentication, rate limiting, caching, logging,
// and envelope transformation behave identically across endpoints.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conduit-ai/conduit/internal/agent"
	"github.com/conduit-ai/conduit/internal/auth"
	"github.com/conduit-ai/conduit/internal/cache"
	"github.com/conduit-ai/conduit/internal/config"
	"github.com/conduit-ai/conduit/internal/observability"
	"github.com/conduit-ai/conduit/internal/pipeline"
	"github.com/conduit-ai/conduit/internal/prompt"
	"github.com/conduit-ai/conduit/internal/ratelimit"
	"github.com/conduit-ai/conduit/internal/session"
	"github.com/conduit-ai/conduit/internal/tasks"
	"github.com/conduit-ai/conduit/internal/upstream"
	"github.com/conduit-ai/conduit/pkg/models"
)

// Server wires the service components behind an HTTP listener.
type Server struct {
	config       *config.Config
	logger       *observability.Logger
	metrics      *observability.Metrics
	pipeline     *pipeline.Pipeline
	cache        *cache.Cache
	auth         *auth.Service
	orchestrator *session.Orchestrator
	runtime      *agent.Runtime
	executor     *tasks.Executor
	assembler    *prompt.Assembler
	upstream     upstream.Client
	startTime    time.Time

	httpServer *http.Server
	listener   net.Listener
}

// Options carries the assembled components into the server.
type Options struct {
	Config       *config.Config
	Logger       *observability.Logger
	Metrics      *observability.Metrics
	Cache        *cache.Cache
	Limiter      *ratelimit.Limiter
	Auth         *auth.Service
	Orchestrator *session.Orchestrator
	Runtime      *agent.Runtime
	Executor     *tasks.Executor
	Assembler    *prompt.Assembler
	Upstream     upstream.Client
	Tracer       *observability.Tracer
}

// NewServer assembles the pipeline and the route table.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}

	s := &Server{
		config:       opts.Config,
		logger:       logger,
		metrics:      opts.Metrics,
		cache:        opts.Cache,
		auth:         opts.Auth,
		orchestrator: opts.Orchestrator,
		runtime:      opts.Runtime,
		executor:     opts.Executor,
		assembler:    opts.Assembler,
		upstream:     opts.Upstream,
		startTime:    time.Now(),
	}

	var authFn pipeline.AuthFunc
	if opts.Auth != nil && opts.Auth.Enabled() {
		authFn = func(ctx context.Context, req *pipeline.Request) (*models.User, error) {
			return opts.Auth.Authenticate(&http.Request{Header: req.Header})
		}
	}

	debug := opts.Config != nil && opts.Config.Debug
	s.pipeline = pipeline.New(pipeline.Options{
		Auth:        authFn,
		Limiter:     opts.Limiter,
		Cache:       opts.Cache,
		Transformer: pipeline.NewTransformer(debug),
		Logger:      logger,
		Metrics:     opts.Metrics,
		Tracer:      opts.Tracer,
	})

	return s
}

// Start opens the listener and serves until the context is cancelled or
// the server fails. Shutdown drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = listener

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info(ctx, "gateway listening", "addr", addr)

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown drains the HTTP server within the configured timeout and stops
// the background executor.
func (s *Server) Shutdown() error {
	timeout := 10 * time.Second
	if s.config != nil && s.config.Server.ShutdownTimeout > 0 {
		timeout = s.config.Server.ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.executor != nil {
		s.executor.Stop()
	}
	return err
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	s.registerRoutes(mux)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d}`, int64(time.Since(s.startTime).Seconds()))
}
