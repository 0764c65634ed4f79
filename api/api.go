// Package api serves the threatwatch HTTP interface: batch and single event
// submission, alert queries and triage, health and metrics.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"threatwatch/core"
	"threatwatch/detect"
	"threatwatch/ingest"
	"threatwatch/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BatchHandler stores and evaluates one batch synchronously
type BatchHandler interface {
	Handle(ctx context.Context, source string, batch []*core.Event, attempt int) (*detect.BatchResult, error)
}

// EventSubmitter queues a single event for the next batch
type EventSubmitter interface {
	Add(ctx context.Context, event *core.Event) error
}

// ResolutionNotifier announces resolved alerts
type ResolutionNotifier interface {
	NotifyResolved(ctx context.Context, alert *core.Alert)
}

// HealthChecker reports whether a dependency is usable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the components the handlers call into. Batcher, Notifier,
// DeadLetters, Health and Stream are optional.
type Deps struct {
	Pipeline    BatchHandler
	Batcher     EventSubmitter
	Alerts      storage.AlertStore
	Notifier    ResolutionNotifier
	DeadLetters ingest.DeadLetterSink
	Health      HealthChecker
	// Stream serves the live alert feed over websocket
	Stream http.Handler
}

// Options tunes request handling
type Options struct {
	MaxBodyBytes int64
	// TokenHash is a bcrypt hash; when set every /api route needs the bearer token
	TokenHash string
	// JWTSecret enables HS256 bearer tokens; JWTIssuer, when set, must match
	JWTSecret         string
	JWTIssuer         string
	RequestsPerSecond float64
	Burst             int
}

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// API holds the API server
type API struct {
	router *mux.Router
	server *http.Server
	deps   Deps
	opts   Options
	logger *zap.SugaredLogger

	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewAPI creates a new API server
func NewAPI(deps Deps, opts Options, logger *zap.SugaredLogger) *API {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 50
	}
	if opts.Burst <= 0 {
		opts.Burst = 100
	}
	a := &API{
		router:       mux.NewRouter(),
		deps:         deps,
		opts:         opts,
		logger:       logger,
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	a.setupRoutes()
	go a.cleanupRateLimiters()
	return a
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.HandleFunc("/health", a.healthCheck).Methods(http.MethodGet)
	a.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.loggingMiddleware)
	v1.Use(a.rateLimitMiddleware)
	if a.opts.TokenHash != "" || a.opts.JWTSecret != "" {
		v1.Use(a.authMiddleware)
	}
	v1.HandleFunc("/batches", a.postBatch).Methods(http.MethodPost)
	v1.HandleFunc("/events", a.postEvent).Methods(http.MethodPost)
	v1.HandleFunc("/alerts", a.listAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/summary", a.alertSummary).Methods(http.MethodGet)
	if a.deps.Stream != nil {
		v1.Handle("/alerts/stream", a.deps.Stream).Methods(http.MethodGet)
	}
	v1.HandleFunc("/alerts/{id}", a.getAlert).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}/status", a.updateAlertStatus).Methods(http.MethodPost)
}

// Handler exposes the router, mainly for tests
func (a *API) Handler() http.Handler {
	return a.router
}

// Start serves on addr until Stop
func (a *API) Start(addr string) error {
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.logger.Infow("API server listening", "addr", addr)
	return a.server.ListenAndServe()
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}
