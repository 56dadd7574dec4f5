// Package wsnotifier fans node and execution lifecycle events out to
// connected WebSocket clients, grounded on the teacher's observer package:
// same event-filter shape, same non-blocking per-client buffered delivery,
// swapped from a general Observer interface onto backend.TelemetryBackend's
// LogEvent signature.
package wsnotifier

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orchestrax/soe/internal/logger"
)

// Filter decides whether an event for a given execution should be delivered
// to a subscriber. A nil Filter passes everything.
type Filter interface {
	ShouldNotify(executionID, eventType string) bool
}

// ExecutionFilter only admits events for one execution id.
type ExecutionFilter struct {
	ExecutionID string
}

// ShouldNotify implements Filter.
func (f ExecutionFilter) ShouldNotify(executionID, _ string) bool {
	return executionID == f.ExecutionID
}

type subscriber struct {
	id     string
	conn   *websocket.Conn
	filter Filter
	outbox chan []byte
}

// Notifier is a backend.TelemetryBackend that broadcasts every logged event
// to subscribed WebSocket connections. A slow subscriber misses events while
// its outbox is full rather than blocking the dispatcher's notify path; it
// stays subscribed.
type Notifier struct {
	log *logger.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriber

	bufferSize int
	upgrader   websocket.Upgrader
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithBufferSize overrides the per-subscriber outbox channel size (default 64).
func WithBufferSize(size int) Option {
	return func(n *Notifier) { n.bufferSize = size }
}

// New builds a Notifier. log may be nil, in which case the package default
// logger is used.
func New(log *logger.Logger, opts ...Option) *Notifier {
	if log == nil {
		log = logger.Default()
	}
	n := &Notifier{
		log:         log,
		subscribers: make(map[string]*subscriber),
		bufferSize:  64,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// LogEvent implements backend.TelemetryBackend. It never blocks the caller:
// a subscriber whose outbox is full simply misses the event.
func (n *Notifier) LogEvent(_ context.Context, executionID string, eventType string, kv map[string]any) {
	payload := map[string]any{
		"execution_id": executionID,
		"event_type":   eventType,
		"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range kv {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Warn("wsnotifier: failed to marshal event", "error", err)
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, sub := range n.subscribers {
		if sub.filter != nil && !sub.filter.ShouldNotify(executionID, eventType) {
			continue
		}
		select {
		case sub.outbox <- body:
		default:
			n.log.Warn("wsnotifier: dropping event for slow subscriber", "subscriber_id", sub.id)
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket and streams events to it
// until the connection closes. Pass a Filter (or nil) to scope delivery,
// e.g. ExecutionFilter{ExecutionID: id} for a single-execution stream.
func (n *Notifier) ServeHTTP(w http.ResponseWriter, r *http.Request, id string, filter Filter) error {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub := &subscriber{
		id:     id,
		conn:   conn,
		filter: filter,
		outbox: make(chan []byte, n.bufferSize),
	}
	n.mu.Lock()
	n.subscribers[id] = sub
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.subscribers, id)
		n.mu.Unlock()
		conn.Close()
	}()

	n.drain(sub)
	return nil
}

// drain writes outbox messages to the connection until it closes or the
// outbox is torn down. Runs on the request goroutine that called ServeHTTP.
func (n *Notifier) drain(sub *subscriber) {
	pings := time.NewTicker(30 * time.Second)
	defer pings.Stop()

	for {
		select {
		case msg, ok := <-sub.outbox:
			if !ok {
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-pings.C:
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SubscriberCount returns the number of currently connected subscribers.
func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}
