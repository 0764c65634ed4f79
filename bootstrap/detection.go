package bootstrap

import (
	"fmt"

	"threatwatch/config"
	"threatwatch/detect"
	"threatwatch/ingest"
	"threatwatch/notify"

	"go.uber.org/zap"
)

// Engine groups the detection and notification components
type Engine struct {
	Settings     *detect.SettingsHolder
	Dispatcher   *notify.Dispatcher
	Router       *notify.Router
	Orchestrator *detect.Orchestrator
	Pipeline     *ingest.Pipeline
	Batcher      *detect.Batcher
	// Stream is set when the websocket alert feed is enabled
	Stream *notify.StreamHub
}

// InitNotifications builds the transports, starts the dispatcher workers and
// returns a router that follows routing changes in the config
func InitNotifications(manager *config.Manager, newSNS notify.SNSFactory, sugar *zap.SugaredLogger) (*notify.Dispatcher, *notify.Router, error) {
	cfg := manager.Current()

	transports, err := notify.NewTransports(cfg, newSNS, sugar)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build notification transports: %w", err)
	}

	n := cfg.Notifications
	dispatcher := notify.NewDispatcher(transports, notify.DispatcherOptions{
		Workers:     n.Workers,
		QueueSize:   n.QueueSize,
		SendTimeout: n.SendTimeout,
		Retries:     n.Retries,
		Backoff:     n.RetryBackoff,
	}, sugar)

	table, err := notify.NewRoutingTable(n.Routing)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid notification routing: %w", err)
	}
	router := notify.NewRouter(table, dispatcher, sugar)
	router.Bind(manager)

	dispatcher.Start()
	sugar.Infow("Notification dispatcher started",
		"destinations", dispatcher.Destinations(),
		"workers", n.Workers)
	return dispatcher, router, nil
}

// InitEngine wires settings, notifications, the orchestrator and the
// single-event batcher on top of the stores
func InitEngine(manager *config.Manager, stores *Storage, newSNS notify.SNSFactory, sugar *zap.SugaredLogger) (*Engine, error) {
	cfg := manager.Current()

	holder, err := detect.NewSettingsHolder(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid detection settings: %w", err)
	}
	holder.Bind(manager, sugar)

	dispatcher, router, err := InitNotifications(manager, newSNS, sugar)
	if err != nil {
		return nil, err
	}

	orchestrator := detect.NewOrchestrator(stores.Events, stores.Alerts, holder, router, detect.Options{
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		QueryTimeout:   cfg.Storage.QueryTimeout,
	}, sugar)

	pipeline := ingest.NewPipeline(stores.Events, orchestrator, sugar)
	batcher := detect.NewBatcher(cfg.Engine.BatchSize, cfg.Engine.FlushInterval,
		pipeline.BatchHandler(ingest.SourceHTTP), sugar)
	if stores.DeadLetters != nil {
		batcher.OnFailure(ingest.DeadLetterBatches(stores.DeadLetters, ingest.SourceHTTP, sugar))
	}

	sugar.Infow("Detection engine initialized",
		"rules", len(detect.Evaluators()),
		"batch_size", cfg.Engine.BatchSize,
		"flush_interval", cfg.Engine.FlushInterval,
		"max_concurrency", cfg.Engine.MaxConcurrency)

	engine := &Engine{
		Settings:     holder,
		Dispatcher:   dispatcher,
		Router:       router,
		Orchestrator: orchestrator,
		Pipeline:     pipeline,
		Batcher:      batcher,
	}
	if t, ok := dispatcher.Transport(config.DestinationStream); ok {
		engine.Stream, _ = t.(*notify.StreamHub)
	}
	return engine, nil
}
