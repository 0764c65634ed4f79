package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"threatwatch/config"
	"threatwatch/core"
	"threatwatch/detect"
	"threatwatch/storage"
	"threatwatch/util/goroutine"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Sources label where a batch came from in metrics and dead letters
const (
	SourceNATS   = "nats"
	SourceHTTP   = "http"
	SourceReplay = "replay"
)

const (
	defaultFetchSize    = 8
	defaultFetchTimeout = 5 * time.Second
	deadLetterTimeout   = 5 * time.Second
)

// Delivery is one batch message with its acknowledgement controls
type Delivery interface {
	Data() []byte
	// Attempt is 1 on first delivery
	Attempt() int
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// DeadLetterSink receives payloads that are removed from delivery
type DeadLetterSink interface {
	Add(ctx context.Context, dl *storage.DeadLetter) error
}

// NATSConfig configures the JetStream consumer
type NATSConfig struct {
	URL        string
	Stream     string
	Subject    string
	Durable    string
	AckWait    time.Duration
	MaxDeliver int
	NakDelay   time.Duration
	FetchSize  int
}

// NATSConsumer pulls batch messages from a durable JetStream consumer.
// A batch is acknowledged only after detection succeeded, so every batch is
// processed at least once.
type NATSConsumer struct {
	cfg         NATSConfig
	handler     detect.BatchHandler
	deadLetters DeadLetterSink
	logger      *zap.SugaredLogger

	nc     *nats.Conn
	sub    *nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNATSConsumer creates a consumer; it connects on Start
func NewNATSConsumer(cfg NATSConfig, handler detect.BatchHandler, deadLetters DeadLetterSink, logger *zap.SugaredLogger) *NATSConsumer {
	if cfg.FetchSize <= 0 {
		cfg.FetchSize = defaultFetchSize
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 5
	}
	return &NATSConsumer{cfg: cfg, handler: handler, deadLetters: deadLetters, logger: logger}
}

// Start connects, makes sure the stream exists and begins fetching
func (c *NATSConsumer) Start(ctx context.Context) error {
	nc, err := nats.Connect(c.cfg.URL,
		nats.Name("threatwatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Infow("NATS reconnected", "url", nc.ConnectedUrl())
		}))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", c.cfg.URL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to open JetStream context: %w", err)
	}
	if err := ensureStream(js, c.cfg.Stream, c.cfg.Subject); err != nil {
		nc.Close()
		return err
	}

	sub, err := js.PullSubscribe(c.cfg.Subject, c.cfg.Durable,
		nats.BindStream(c.cfg.Stream),
		nats.AckExplicit(),
		nats.AckWait(c.cfg.AckWait),
		nats.MaxDeliver(c.cfg.MaxDeliver))
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create pull consumer %s: %w", c.cfg.Durable, err)
	}

	c.nc = nc
	c.sub = sub
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(runCtx)

	c.logger.Infow("NATS consumer started",
		"url", c.cfg.URL,
		"stream", c.cfg.Stream,
		"subject", c.cfg.Subject,
		"durable", c.cfg.Durable)
	return nil
}

// Stop finishes the in-flight fetch and closes the connection
func (c *NATSConsumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.logger.Debugw("Failed to unsubscribe", "error", err)
		}
	}
	if c.nc != nil {
		c.nc.Close()
	}
}

func ensureStream(js nats.JetStreamContext, stream, subject string) error {
	_, err := js.StreamInfo(stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", stream, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", stream, err)
	}
	return nil
}

func (c *NATSConsumer) run(ctx context.Context) {
	defer c.wg.Done()
	defer goroutine.Recover("nats-consumer", c.logger)

	for ctx.Err() == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, defaultFetchTimeout)
		msgs, err := c.sub.Fetch(c.cfg.FetchSize, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			c.logger.Warnw("NATS fetch failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		for _, msg := range msgs {
			c.Handle(ctx, natsDelivery{msg: msg})
		}
	}
}

// Handle processes one delivery and settles it: Ack on success, Term for
// payloads that can never succeed, NakWithDelay otherwise.
func (c *NATSConsumer) Handle(ctx context.Context, d Delivery) {
	attempt := d.Attempt()

	events, err := DecodePayload(d.Data())
	if err != nil {
		c.park(d, "undecodable", err)
		c.settle("term", d.Term())
		return
	}

	err = c.handler(ctx, events, attempt)
	switch {
	case err == nil:
		c.settle("ack", d.Ack())
	case ctx.Err() != nil:
		c.settle("nak", d.NakWithDelay(0))
	case attempt >= c.cfg.MaxDeliver:
		c.park(d, "max_deliveries", err)
		c.settle("term", d.Term())
	default:
		c.logger.Warnw("Batch failed, requesting redelivery",
			"attempt", attempt,
			"redeliverable", detect.Redeliverable(err),
			"error", err)
		c.settle("nak", d.NakWithDelay(c.cfg.NakDelay*time.Duration(attempt)))
	}
}

func (c *NATSConsumer) park(d Delivery, reason string, cause error) {
	if c.deadLetters == nil {
		c.logger.Errorw("Dropping batch", "reason", reason, "attempt", d.Attempt(), "error", cause)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadLetterTimeout)
	defer cancel()
	err := c.deadLetters.Add(ctx, &storage.DeadLetter{
		Source:  SourceNATS,
		Reason:  reason,
		Details: cause.Error(),
		Payload: d.Data(),
		Attempt: d.Attempt(),
	})
	if err != nil {
		c.logger.Errorw("Failed to write dead letter", "reason", reason, "error", err, "cause", cause)
	}
}

func (c *NATSConsumer) settle(op string, err error) {
	if err != nil {
		c.logger.Errorw("Failed to settle NATS message", "op", op, "error", err)
	}
}

type natsDelivery struct {
	msg *nats.Msg
}

func (d natsDelivery) Data() []byte { return d.msg.Data }

func (d natsDelivery) Attempt() int {
	meta, err := d.msg.Metadata()
	if err != nil || meta.NumDelivered == 0 {
		return 1
	}
	return int(meta.NumDelivered)
}

func (d natsDelivery) Ack() error { return d.msg.Ack() }

func (d natsDelivery) NakWithDelay(delay time.Duration) error { return d.msg.NakWithDelay(delay) }

func (d natsDelivery) Term() error { return d.msg.Term() }

// Publisher sends batches to the JetStream subject the consumer reads
type Publisher struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
	encode  func([]*core.Event) ([]byte, error)
}

// NewPublisher connects to url and ensures the stream exists. encoding is
// "json" or "msgpack"; empty means json.
func NewPublisher(url, stream, subject, encoding string) (*Publisher, error) {
	var encode func([]*core.Event) ([]byte, error)
	switch encoding {
	case "", config.EncodingJSON:
		encode = EncodeBatch
	case config.EncodingMsgpack:
		encode = EncodeMsgpackBatch
	default:
		return nil, fmt.Errorf("unsupported batch encoding %q", encoding)
	}

	nc, err := nats.Connect(url, nats.Name("threatwatch-publisher"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}
	if err := ensureStream(js, stream, subject); err != nil {
		nc.Close()
		return nil, err
	}
	return &Publisher{nc: nc, js: js, subject: subject, encode: encode}, nil
}

// Publish encodes and publishes one batch, waiting for the stream ack
func (p *Publisher) Publish(ctx context.Context, batch []*core.Event) error {
	data, err := p.encode(batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	if _, err := p.js.Publish(p.subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish batch: %w", err)
	}
	return nil
}

// Close closes the connection
func (p *Publisher) Close() {
	p.nc.Close()
}
