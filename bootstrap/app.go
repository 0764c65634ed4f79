package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"threatwatch/api"
	"threatwatch/config"
	"threatwatch/ingest"

	"go.uber.org/zap"
)

// App holds every long-lived component of the service
type App struct {
	Logger   *zap.Logger
	Sugar    *zap.SugaredLogger
	Level    zap.AtomicLevel
	Config   *config.Manager
	Storage  *Storage
	Engine   *Engine
	Consumer *ingest.NATSConsumer
	API      *api.API

	cancel    context.CancelFunc
	serviceWg sync.WaitGroup
}

// NewApp loads the configuration and initializes storage and the engine.
// Nothing is started until Start.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	logger, sugar, level := InitLogger()
	app := &App{Logger: logger, Sugar: sugar, Level: level}

	manager, err := InitConfig(configPath, level, sugar)
	if err != nil {
		return nil, err
	}
	app.Config = manager

	stores, err := InitStorage(ctx, manager.Current(), sugar)
	if err != nil {
		return nil, err
	}
	app.Storage = stores

	engine, err := InitEngine(manager, stores, nil, sugar)
	if err != nil {
		stores.Close(sugar)
		return nil, err
	}
	app.Engine = engine

	return app, nil
}

// Start starts all application services.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	cfg := a.Config.Current()

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		a.Storage.Retention.Run(runCtx)
	}()

	a.Engine.Batcher.Start(runCtx)

	if cfg.NATS.Enabled {
		consumer := ingest.NewNATSConsumer(ingest.NATSConfig{
			URL:        cfg.NATS.URL,
			Stream:     cfg.NATS.Stream,
			Subject:    cfg.NATS.Subject,
			Durable:    cfg.NATS.Durable,
			AckWait:    cfg.NATS.AckWait,
			MaxDeliver: cfg.NATS.MaxDeliver,
			NakDelay:   cfg.NATS.NakDelay,
		}, a.Engine.Pipeline.BatchHandler(ingest.SourceNATS), a.Storage.DeadLetters, a.Sugar)
		if err := consumer.Start(runCtx); err != nil {
			printFatal("NATS Consumer Failed", ClassifyConnectionError("NATS", err, cfg.NATS.URL))
			return fmt.Errorf("failed to start NATS consumer: %w", err)
		}
		a.Consumer = consumer
	}

	if cfg.API.Enabled {
		a.startAPIServer(cfg)
	}

	a.Config.Watch()
	a.Sugar.Info("threatwatch started")
	return nil
}

func (a *App) startAPIServer(cfg *config.Config) {
	deps := api.Deps{
		Pipeline:    a.Engine.Pipeline,
		Batcher:     a.Engine.Batcher,
		Alerts:      a.Storage.Alerts,
		Notifier:    a.Engine.Router,
		DeadLetters: a.Storage.DeadLetters,
		Health:      a.Storage.SQLite,
	}
	if a.Engine.Stream != nil {
		deps.Stream = a.Engine.Stream
	}
	a.API = api.NewAPI(deps, api.Options{
		MaxBodyBytes:      cfg.API.MaxBodyBytes,
		TokenHash:         cfg.API.TokenHash,
		JWTSecret:         cfg.API.JWT.Secret,
		JWTIssuer:         cfg.API.JWT.Issuer,
		RequestsPerSecond: cfg.API.RateLimit.RequestsPerSecond,
		Burst:             cfg.API.RateLimit.Burst,
	}, a.Sugar)

	addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		if err := a.API.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("API server failed", "addr", addr, "error", err)
		}
	}()
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown stops intake first, then drains detection and notification
// before closing the databases.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	// Phase 1 - Stop intake
	a.Sugar.Info("Phase 1: Stopping API server and NATS consumer...")
	if a.API != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.API.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
		cancel()
	}
	if a.Consumer != nil {
		a.Consumer.Stop()
	}

	// Phase 2 - Flush queued single events
	a.Sugar.Info("Phase 2: Flushing event batcher...")
	if a.Engine != nil {
		a.Engine.Batcher.Close()
	}

	// Phase 3 - Stop background services
	a.Sugar.Info("Phase 3: Stopping background services...")
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.Sugar.Info("All service goroutines stopped successfully")
	case <-time.After(15 * time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	// Phase 4 - Drain notifications
	a.Sugar.Info("Phase 4: Draining notification queue...")
	if a.Engine != nil {
		a.Engine.Dispatcher.Stop()
		if a.Engine.Stream != nil {
			a.Engine.Stream.Close()
		}
	}

	// Phase 5 - Close database connections
	a.Sugar.Info("Phase 5: Closing database connections...")
	if a.Storage != nil {
		a.Storage.Close(a.Sugar)
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
