package ingest

import (
	"context"
	"fmt"
	"time"

	"threatwatch/core"
	"threatwatch/detect"
	"threatwatch/metrics"
	"threatwatch/storage"

	"go.uber.org/zap"
)

// EventAppender is the write side of the event store
type EventAppender interface {
	Append(ctx context.Context, event *core.Event) error
}

// Processor evaluates one batch
type Processor interface {
	Process(ctx context.Context, batch []*core.Event, deliveryAttempt int) (*detect.BatchResult, error)
}

// Pipeline records a batch in the event store and then runs detection on it.
// Appending first lets windowed rules see every event of the batch.
type Pipeline struct {
	events    EventAppender
	processor Processor
	logger    *zap.SugaredLogger
}

// NewPipeline creates a pipeline
func NewPipeline(events EventAppender, processor Processor, logger *zap.SugaredLogger) *Pipeline {
	return &Pipeline{events: events, processor: processor, logger: logger}
}

// Handle appends every well-formed event and processes the batch. Malformed
// events are not stored; the orchestrator reports them in the result.
func (p *Pipeline) Handle(ctx context.Context, source string, batch []*core.Event, attempt int) (*detect.BatchResult, error) {
	start := time.Now()
	for _, event := range batch {
		if event.Validate() != nil {
			continue
		}
		if err := p.events.Append(ctx, event); err != nil {
			return nil, fmt.Errorf("append event %s: %w", event.EventID, err)
		}
	}
	metrics.EventsIngested.WithLabelValues(source).Add(float64(len(batch)))

	result, err := p.processor.Process(ctx, batch, attempt)
	if err != nil {
		return result, err
	}
	p.logger.Debugw("Batch processed",
		"source", source,
		"attempt", attempt,
		"events", len(batch),
		"alerts", len(result.Alerts),
		"duplicates", result.Duplicates,
		"rejected", len(result.Rejected),
		"faults", len(result.Faults),
		"duration", time.Since(start))
	return result, nil
}

// BatchHandler adapts the pipeline to detect.BatchHandler for source
func (p *Pipeline) BatchHandler(source string) detect.BatchHandler {
	return func(ctx context.Context, batch []*core.Event, attempt int) error {
		_, err := p.Handle(ctx, source, batch, attempt)
		return err
	}
}

// DeadLetterBatches returns a failure handler that parks a batch the
// batcher gave up on, so it can be replayed once the engine recovers
func DeadLetterBatches(sink DeadLetterSink, source string, logger *zap.SugaredLogger) detect.FailedBatchHandler {
	return func(ctx context.Context, batch []*core.Event, attempt int, cause error) {
		payload, err := EncodeBatch(batch)
		if err != nil {
			logger.Errorw("Failed to encode batch for dead letter", "events", len(batch), "error", err, "cause", cause)
			return
		}
		err = sink.Add(ctx, &storage.DeadLetter{
			Source:  source,
			Reason:  "max_deliveries",
			Details: cause.Error(),
			Payload: payload,
			Attempt: attempt,
		})
		if err != nil {
			logger.Errorw("Failed to write dead letter", "source", source, "events", len(batch), "error", err, "cause", cause)
		}
	}
}
