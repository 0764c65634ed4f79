package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"threatwatch/core"
	"threatwatch/metrics"
	"threatwatch/util"
	"threatwatch/util/goroutine"

	"go.uber.org/zap"
)

var (
	ErrDispatcherNotRunning = errors.New("notification dispatcher is not running")
	ErrQueueFull            = errors.New("notification queue is full")
	ErrUnknownDestination   = errors.New("no transport for destination")
)

const stopTimeout = 30 * time.Second

// DispatcherOptions sizes the worker pool
type DispatcherOptions struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
	// Retries is the number of extra attempts after a failed send
	Retries int
	Backoff time.Duration
}

type job struct {
	destination string
	payload     Payload
}

// Dispatcher delivers payloads asynchronously on a fixed pool of workers.
// Enqueue never blocks; a full queue drops the notification and counts it.
type Dispatcher struct {
	transports map[string]Transport
	opts       DispatcherOptions
	jobs       chan job
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	running    bool
	mu         sync.RWMutex
	logger     *zap.SugaredLogger
}

// NewDispatcher creates a dispatcher over transports keyed by Name.
// Workers start with Start.
func NewDispatcher(transports []Transport, opts DispatcherOptions, logger *zap.SugaredLogger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	byName := make(map[string]Transport, len(transports))
	for _, t := range transports {
		byName[t.Name()] = t
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		transports: byName,
		opts:       opts,
		jobs:       make(chan job, opts.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
	}
}

// Start launches the workers
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.logger.Infow("Starting notification dispatcher",
		"workers", d.opts.Workers,
		"queue_size", d.opts.QueueSize,
		"destinations", d.Destinations())
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Stop closes the queue and waits for workers to drain it
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false
	close(d.jobs)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Infow("Notification dispatcher stopped")
	case <-time.After(stopTimeout):
		d.logger.Errorw("Notification dispatcher shutdown timed out, abandoning queued notifications",
			"queued", len(d.jobs))
	}
	d.cancel()
}

// Enqueue schedules delivery of p to destination
func (d *Dispatcher) Enqueue(destination string, p Payload) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.running {
		return ErrDispatcherNotRunning
	}
	if _, ok := d.transports[destination]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, destination)
	}

	select {
	case d.jobs <- job{destination: destination, payload: p}:
		metrics.NotificationQueueDepth.Set(float64(len(d.jobs)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Transport returns the transport registered under name
func (d *Dispatcher) Transport(name string) (Transport, bool) {
	t, ok := d.transports[name]
	return t, ok
}

// Destinations lists the configured transport names
func (d *Dispatcher) Destinations() []string {
	names := make([]string, 0, len(d.transports))
	for name := range d.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	defer goroutine.Recover("notification-worker", d.logger)

	for j := range d.jobs {
		metrics.NotificationQueueDepth.Set(float64(len(d.jobs)))
		d.deliver(j)
	}
	d.logger.Debugw("Notification worker stopped", "worker_id", id)
}

func (d *Dispatcher) deliver(j job) {
	transport := d.transports[j.destination]

	var err error
	for attempt := 0; attempt <= d.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.opts.Backoff * time.Duration(attempt)):
			case <-d.ctx.Done():
			}
			if d.ctx.Err() != nil {
				break
			}
		}
		err = d.send(transport, j.payload)
		if err == nil || errors.Is(err, core.ErrCircuitBreakerOpen) || d.ctx.Err() != nil {
			break
		}
	}

	if err == nil {
		metrics.NotificationsSent.WithLabelValues(j.destination).Inc()
		return
	}

	failure := &core.NotificationFailure{Destination: j.destination, AlertID: j.payload.AlertID, Err: err}
	metrics.NotificationsFailed.WithLabelValues(j.destination).Inc()
	d.logger.Errorw("Notification delivery failed",
		"destination", failure.Destination,
		"alert_id", failure.AlertID,
		"kind", j.payload.Kind,
		"error", util.SanitizeError(failure.Err))
}

func (d *Dispatcher) send(t Transport, p Payload) (err error) {
	defer goroutine.RecoverTo("transport:"+t.Name(), d.logger, &err)
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.SendTimeout)
	defer cancel()
	return t.Send(ctx, p)
}
