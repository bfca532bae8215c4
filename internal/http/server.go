// Package http exposes the derivation engine over a JSON API.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"statguard/internal/derive"
	"statguard/internal/eventbus"
	"statguard/internal/log"
	"statguard/internal/middleware/ratelimit"
	"statguard/internal/middleware/security"
	"statguard/internal/middleware/trace"
	"statguard/internal/services"
	"statguard/internal/snapshots"
)

// Deriver is the part of services.DerivationService the API drives.
type Deriver interface {
	Recompute(ctx context.Context) (derive.Result, error)
	UpsertEntry(ctx context.Context, name string, in services.EntryInput) (services.EntrySummary, error)
	DeleteEntry(ctx context.Context, name string) error
	Summary(ctx context.Context) (services.CompanySummary, error)
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// Config wires the server to its collaborators.
type Config struct {
	Addr               string
	Deriver            Deriver
	Snapshots          snapshots.Fetcher
	Publisher          eventbus.Publisher
	RateLimitPerMinute int
	ReadyChecks        map[string]ReadyCheck
	Logger             *log.Logger
}

type Server struct {
	http.Server

	deriver     Deriver
	snapshots   snapshots.Fetcher
	publisher   eventbus.Publisher
	readyChecks map[string]ReadyCheck

	limiter      *ratelimit.Limiter
	tracer       *trace.Middleware
	shutdownOnce sync.Once
}

const maxBodyBytes = 4 << 20

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}

	detector := security.NewDetector()
	s := &Server{
		deriver:     cfg.Deriver,
		snapshots:   cfg.Snapshots,
		publisher:   cfg.Publisher,
		readyChecks: cfg.ReadyChecks,
		limiter:     ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.RateLimitPerMinute}),
		tracer:      trace.NewMiddleware(detector.ExtractClientIP),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("POST /api/transitions", s.handleTransition)
	mux.HandleFunc("POST /api/recompute", s.handleRecompute)
	mux.HandleFunc("GET /api/snapshots/latest", s.handleLatestSnapshot)
	mux.HandleFunc("GET /api/company", s.handleCompany)
	mux.HandleFunc("PUT /api/entries/{name}", s.handleUpsertEntry)
	mux.HandleFunc("DELETE /api/entries/{name}", s.handleDeleteEntry)

	limit := s.limiter.Middleware(detector.ExtractClientIP, isWrite, func(w http.ResponseWriter, r *http.Request) {
		NewJSONResponse().
			Error(http.StatusTooManyRequests, "rate limit exceeded", trace.GetRequestID(r.Context())).
			Write(w)
	})

	var handler http.Handler = mux
	handler = limit(handler)
	handler = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(handler)
	handler = log.Middleware(logger, trace.GetRequestID)(handler)
	handler = s.tracer.Middleware(handler)
	handler = detector.Middleware(handler)

	s.Server = http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func isWrite(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// Metrics returns the request counters of the trace middleware.
func (s *Server) Metrics() trace.Metrics {
	return s.tracer.GetMetrics()
}

// Shutdown gracefully shuts down the server and the limiter cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		err = s.Server.Shutdown(ctx)
	})
	return err
}
