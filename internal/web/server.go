// Package web is the HTTP surface: source-control webhooks, chat commands,
// manual re-runs and a read-only JSON API.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"

	"github.com/lucasnoah/conveyor/internal/approval"
	"github.com/lucasnoah/conveyor/internal/orchestrator"
	"github.com/lucasnoah/conveyor/internal/pipeline"
	"github.com/lucasnoah/conveyor/internal/trigger"
)

// Pipeline is the orchestrator as seen by the HTTP surface.
type Pipeline interface {
	Advance(ctx context.Context, t pipeline.Trigger) (*orchestrator.AdvanceOutcome, error)
	Teardown(ctx context.Context, t pipeline.Trigger) error
	Status(ctx context.Context, org, name string) ([]pipeline.Deployment, error)
}

// Approvals resolves chat decisions.
type Approvals interface {
	Resolve(ctx context.Context, key pipeline.DeploymentKey, decision pipeline.ApprovalStatus, approver string) (pipeline.ApprovalStatus, error)
}

// Options configures a Server.
type Options struct {
	Addr string
	// WebhookSecret verifies X-Hub-Signature-256. Empty disables verification.
	WebhookSecret []byte
	// APIToken guards chat commands and re-runs. Empty disables the check.
	APIToken string
	// MaxInFlight bounds concurrently dispatched advances.
	MaxInFlight int64
	Logger      *slog.Logger
}

const (
	defaultMaxInFlight = 16
	deliveryCacheSize  = 4096
	deliveryCacheTTL   = time.Hour
	maxBodyBytes       = 5 << 20
)

// Server serves the HTTP surface.
type Server struct {
	pipeline   Pipeline
	approvals  Approvals
	apps       pipeline.ApplicationStore
	events     pipeline.EventLog
	normalizer *trigger.Normalizer
	opts       Options
	logger     *slog.Logger

	sem        *semaphore.Weighted
	deliveries *expirable.LRU[string, struct{}]
	wg         sync.WaitGroup
	router     chi.Router
}

var _ approval.Advancer = (*Server)(nil)

// NewServer creates a Server. When apps also implements pipeline.EventLog the
// audit log is exposed too.
func NewServer(p Pipeline, approvals Approvals, apps pipeline.ApplicationStore, normalizer *trigger.Normalizer, opts Options) *Server {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pipeline:   p,
		approvals:  approvals,
		apps:       apps,
		normalizer: normalizer,
		opts:       opts,
		logger:     logger,
		sem:        semaphore.NewWeighted(opts.MaxInFlight),
		deliveries: expirable.NewLRU[string, struct{}](deliveryCacheSize, nil, deliveryCacheTTL),
	}
	if l, ok := apps.(pipeline.EventLog); ok {
		s.events = l
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post("/webhooks/github", s.handleGitHubWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/chat/commands", s.handleChatCommand)
		r.Post("/api/apps/{org}/{name}/stages/{stage}/deployments/{sha}/rerun", s.handleRerun)
	})

	r.Get("/api/apps", s.handleListApps)
	r.Get("/api/apps/{org}/{name}/deployments", s.handleDeployments)
	r.Get("/api/apps/{org}/{name}/events", s.handleEvents)
	r.Get("/api/apps/{org}/{name}/stats", s.handleStats)
	return r
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "conveyor")
}

// Run serves until ctx is cancelled, then shuts down and waits for
// dispatched advances to finish.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", s.opts.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.logger.Info("shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.Wait()
	return nil
}

// Wait blocks until every dispatched advance has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// dispatch runs fn in the background once a slot is free. It blocks while
// the server is saturated and gives up when ctx ends first.
func (s *Server) dispatch(ctx context.Context, what string, fn func(context.Context) error) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("dispatch %s: %w", what, err)
	}
	s.wg.Add(1)
	bg := context.WithoutCancel(ctx)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		err := fn(bg)
		switch {
		case err == nil:
		case errors.Is(err, orchestrator.ErrConcurrencyConflict):
			s.logger.Info("dropped by concurrency guard", "what", what, "request_id", RequestID(bg), "err", err)
		default:
			s.logger.Error("dispatched work failed", "what", what, "request_id", RequestID(bg), "err", err)
		}
	}()
	return nil
}

func (s *Server) advanceAsync(ctx context.Context, t pipeline.Trigger) error {
	return s.dispatch(ctx, "advance "+t.ID, func(ctx context.Context) error {
		out, err := s.pipeline.Advance(ctx, t)
		if out != nil && len(out.Steps) > 0 {
			s.logger.Info("advance finished", "app", pipeline.AppKey(t.Org, t.Name), "sha", t.Sha, "result", string(out.Result), "steps", len(out.Steps))
		}
		return err
	})
}

// Resume implements approval.Advancer by dispatching the advance, so a chat
// command returns as soon as the decision is recorded.
func (s *Server) Resume(ctx context.Context, t pipeline.Trigger) error {
	return s.advanceAsync(ctx, t)
}
