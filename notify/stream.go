package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"threatwatch/config"
	"threatwatch/core"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// streamWriteWait is the time allowed to write a frame to a subscriber
	streamWriteWait = 10 * time.Second

	// streamPongWait is the time allowed to read the next pong from a subscriber
	streamPongWait = 60 * time.Second

	// streamPingPeriod must be less than streamPongWait
	streamPingPeriod = (streamPongWait * 9) / 10

	// Subscribers only send control frames
	streamMaxMessageSize = 512
)

// ErrStreamClosed is returned by Send once the hub is closed
var ErrStreamClosed = errors.New("alert stream closed")

// StreamFrame is the JSON message a subscriber receives per notification
type StreamFrame struct {
	Type          Kind              `json:"type"`
	AlertID       string            `json:"alertId"`
	Rule          core.RuleID       `json:"rule"`
	Severity      core.Severity     `json:"severity"`
	Status        core.AlertStatus  `json:"status"`
	Description   string            `json:"description"`
	SourceEventID string            `json:"sourceEventId"`
	SourceIP      string            `json:"sourceIp,omitempty"`
	User          string            `json:"user,omitempty"`
	Resource      string            `json:"resource,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Details       map[string]string `json:"details,omitempty"`
}

func newStreamFrame(p Payload) StreamFrame {
	frame := StreamFrame{
		Type:          p.Kind,
		AlertID:       p.AlertID,
		Rule:          p.Rule,
		Severity:      p.Severity,
		Status:        p.Status,
		Description:   p.Description,
		SourceEventID: p.SourceEventID,
		SourceIP:      p.SourceIP,
		User:          p.User,
		Resource:      p.Resource,
		Timestamp:     p.Timestamp,
	}
	if len(p.Details) > 0 {
		frame.Details = make(map[string]string, len(p.Details))
		for _, d := range p.Details {
			frame.Details[d.Key] = d.Value
		}
	}
	return frame
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// StreamHub broadcasts notifications to websocket subscribers. It is both
// the "stream" transport and the HTTP handler subscribers connect to.
type StreamHub struct {
	upgrader websocket.Upgrader
	buffer   int
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	clients map[*subscriber]struct{}
	closed  bool
}

// NewStreamHub creates a hub; buffer is the per-subscriber backlog
func NewStreamHub(buffer int, logger *zap.SugaredLogger) *StreamHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &StreamHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API middleware authenticates the upgrade request
			CheckOrigin: func(*http.Request) bool { return true },
		},
		buffer:  buffer,
		logger:  logger,
		clients: make(map[*subscriber]struct{}),
	}
}

func (h *StreamHub) Name() string { return config.DestinationStream }

// Send queues the frame for every subscriber. A subscriber whose backlog
// is full is disconnected rather than allowed to stall the others.
func (h *StreamHub) Send(_ context.Context, p Payload) error {
	data, err := json.Marshal(newStreamFrame(p))
	if err != nil {
		return fmt.Errorf("failed to encode stream frame: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrStreamClosed
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warnw("Dropping slow stream subscriber", "remote", c.conn.RemoteAddr().String())
			h.removeLocked(c)
		}
	}
	return nil
}

// Subscribers returns the number of connected clients
func (h *StreamHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams notifications until the
// subscriber disconnects or the hub closes
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Debugw("Stream upgrade failed", "error", err)
		return
	}

	c := &subscriber{conn: conn, send: make(chan []byte, h.buffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(streamWriteWait))
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debugw("Stream subscriber connected", "remote", conn.RemoteAddr().String(), "total", total)

	go h.writePump(c)
	h.readPump(c)
}

// readPump consumes control frames so pongs are seen; it returns when the
// peer goes away
func (h *StreamHub) readPump(c *subscriber) {
	defer func() {
		h.mu.Lock()
		h.removeLocked(c)
		h.mu.Unlock()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(streamMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection
func (h *StreamHub) writePump(c *subscriber) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *StreamHub) removeLocked(c *subscriber) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every subscriber
func (h *StreamHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
	h.logger.Infow("Alert stream closed")
}
