package detect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"threatwatch/core"
	"threatwatch/util/goroutine"

	"go.uber.org/zap"
)

const (
	// DefaultBatchSize is the number of events that triggers a flush
	DefaultBatchSize = 10
	// DefaultFlushInterval is the longest an event waits before a flush
	DefaultFlushInterval = 5 * time.Second
	// DefaultFlushAttempts bounds redelivery of a failed batch
	DefaultFlushAttempts = 3

	finalFlushTimeout = 30 * time.Second
)

// ErrBatcherClosed is returned by Add after Close
var ErrBatcherClosed = errors.New("batcher is closed")

// BatchHandler processes one flushed batch. attempt starts at 1.
type BatchHandler func(ctx context.Context, batch []*core.Event, attempt int) error

// FailedBatchHandler receives a batch that is given up on, together with the
// last attempt number and the error that ended it
type FailedBatchHandler func(ctx context.Context, batch []*core.Event, attempt int, cause error)

// Batcher accumulates single events and flushes them when the batch is full
// or the flush interval elapses, whichever comes first. A batch whose
// handler fails with a redeliverable error is retried with the attempt
// number incremented.
type Batcher struct {
	in       chan *core.Event
	size     int
	interval time.Duration
	attempts int
	backoff  time.Duration
	handler  BatchHandler
	failed   FailedBatchHandler
	logger   *zap.SugaredLogger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewBatcher creates a batcher; call Start to begin flushing
func NewBatcher(size int, interval time.Duration, handler BatchHandler, logger *zap.SugaredLogger) *Batcher {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Batcher{
		in:       make(chan *core.Event, size),
		size:     size,
		interval: interval,
		attempts: DefaultFlushAttempts,
		backoff:  500 * time.Millisecond,
		handler:  handler,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// OnFailure sets where batches go once every flush attempt has failed.
// Must be called before Start.
func (b *Batcher) OnFailure(fn FailedBatchHandler) {
	b.failed = fn
}

// Start runs the flush loop until ctx is cancelled or Close is called
func (b *Batcher) Start(ctx context.Context) {
	go b.run(ctx)
}

// Add enqueues an event, blocking while the buffer is full
func (b *Batcher) Add(ctx context.Context, event *core.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBatcherClosed
	}
	select {
	case b.in <- event:
		return nil
	case <-b.done:
		return ErrBatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for the final flush
func (b *Batcher) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.in)
	}
	b.mu.Unlock()
	<-b.done
}

func (b *Batcher) run(ctx context.Context) {
	defer close(b.done)
	defer goroutine.Recover("batcher", b.logger)

	batch := make([]*core.Event, 0, b.size)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-b.in:
			if !ok {
				b.finalFlush(batch)
				return
			}
			batch = append(batch, event)
			if len(batch) >= b.size {
				b.flush(ctx, batch)
				batch = make([]*core.Event, 0, b.size)
				ticker.Reset(b.interval)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(ctx, batch)
				batch = make([]*core.Event, 0, b.size)
			}

		case <-ctx.Done():
			// Drain what is already buffered so accepted events are not lost
		drain:
			for {
				select {
				case event, ok := <-b.in:
					if !ok {
						break drain
					}
					batch = append(batch, event)
				default:
					break drain
				}
			}
			b.finalFlush(batch)
			return
		}
	}
}

// finalFlush uses its own deadline; the run context may already be cancelled
func (b *Batcher) finalFlush(batch []*core.Event) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	b.logger.Infow("Flushing remaining events", "count", len(batch))
	b.flush(ctx, batch)
}

func (b *Batcher) flush(ctx context.Context, batch []*core.Event) {
	for attempt := 1; attempt <= b.attempts; attempt++ {
		err := b.handler(ctx, batch, attempt)
		if err == nil {
			return
		}
		if !Redeliverable(err) || attempt == b.attempts || ctx.Err() != nil {
			b.logger.Errorw("Batch flush failed",
				"events", len(batch),
				"attempt", attempt,
				"error", err)
			b.giveUp(batch, attempt, err)
			return
		}
		b.logger.Warnw("Batch flush failed, retrying",
			"events", len(batch),
			"attempt", attempt,
			"error", err)
		select {
		case <-time.After(b.backoff * time.Duration(attempt)):
		case <-ctx.Done():
			b.giveUp(batch, attempt, fmt.Errorf("retry abandoned: %w", err))
			return
		}
	}
}

// giveUp hands the batch to the failure handler. The handler gets a fresh
// context since the flush context may already be cancelled.
func (b *Batcher) giveUp(batch []*core.Event, attempt int, cause error) {
	if b.failed == nil {
		b.logger.Errorw("Dropping batch", "events", len(batch), "attempt", attempt, "error", cause)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	b.failed(ctx, batch, attempt, cause)
}

// Redeliverable reports whether a batch failure may succeed on replay
func Redeliverable(err error) bool {
	var batchErr *BatchError
	return errors.As(err, &batchErr) || core.IsTransient(err)
}
