// Package push keeps one live server-sent event stream per user.
//
// Delivery is best effort: events for users without an open stream are
// dropped, and clients recover missed state from the notification list.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/previewd/internal/logfields"
	"git.home.luguber.info/inful/previewd/internal/metrics"
)

// DefaultHeartbeat is the ping interval.
const DefaultHeartbeat = 30 * time.Second

// DefaultStaleAfter is how long a connection may go without a heartbeat.
const DefaultStaleAfter = 5 * time.Minute

// Stream is the output side of a live connection.
type Stream interface {
	Write(p []byte) (int, error)
	Flush()
}

// Mirror receives a copy of every event written, for out-of-process consumers.
type Mirror interface {
	Publish(userID, event string, data []byte) error
}

// Hub is the push connection registry.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	nextID    uint64
	closed    bool
	heartbeat time.Duration
	now       func() time.Time
	mirror    Mirror
	recorder  metrics.Recorder
}

// Option configures a Hub.
type Option func(*Hub)

// WithHeartbeat sets the ping interval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

// WithMirror attaches an event mirror.
func WithMirror(m Mirror) Option { return func(h *Hub) { h.mirror = m } }

// WithRecorder attaches a metrics recorder.
func WithRecorder(r metrics.Recorder) Option { return func(h *Hub) { h.recorder = metrics.OrNoop(r) } }

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		conns:     make(map[string]*Conn),
		heartbeat: DefaultHeartbeat,
		now:       time.Now,
		recorder:  metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SendBuffer is the number of events a connection may have pending before
// it is dropped as too slow.
const SendBuffer = 32

type frame struct {
	event string
	data  []byte
}

// Conn is one user's live connection. Events are queued on the connection
// and written only by the goroutine running Serve.
type Conn struct {
	id     uint64
	userID string
	ch     chan frame

	mu     sync.Mutex
	lastHB time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// Done is closed when the connection is removed from the hub.
func (c *Conn) Done() <-chan struct{} { return c.done }

// UserID returns the owning user.
func (c *Conn) UserID() string { return c.userID }

func (c *Conn) lastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHB
}

func (c *Conn) touch(t time.Time) {
	c.mu.Lock()
	c.lastHB = t
	c.mu.Unlock()
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue reports false when the connection is gone or its buffer is full.
func (c *Conn) enqueue(f frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.ch <- f:
		return true
	default:
		return false
	}
}

// Open registers a connection for userID, replacing and closing any
// previous one, and queues the connected event. Nothing is written until
// Serve runs.
func (h *Hub) Open(userID string) (*Conn, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("push hub is shut down")
	}
	h.nextID++
	c := &Conn{
		id:     h.nextID,
		userID: userID,
		ch:     make(chan frame, SendBuffer),
		lastHB: h.now(),
		done:   make(chan struct{}),
	}
	prev := h.conns[userID]
	h.conns[userID] = c
	count := len(h.conns)
	h.mu.Unlock()

	if prev != nil {
		prev.close()
		slog.Debug("Replaced push connection", logfields.UserID(userID))
	}
	h.recorder.SetPushConnections(count)

	if err := h.send(c, EventConnected, Connected{UserID: userID, Timestamp: h.now()}); err != nil {
		h.remove(c)
		return nil, err
	}
	slog.Info("Push connection opened", logfields.UserID(userID))
	return c, nil
}

// Serve writes c's queued events and heartbeats to s until ctx ends, the
// connection is replaced or removed, or a write fails. It is the only
// writer of s, and c is removed from the hub when it returns.
func (h *Hub) Serve(ctx context.Context, c *Conn, s Stream) error {
	defer h.remove(c)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case f := <-c.ch:
			if err := writeFrame(s, f); err != nil {
				slog.Debug("Push write failed, dropping connection", logfields.UserID(c.userID), logfields.Error(err))
				return err
			}
		case <-ticker.C:
			now := h.now()
			data, err := json.Marshal(Ping{Timestamp: now})
			if err != nil {
				return err
			}
			if err := writeFrame(s, frame{event: EventPing, data: data}); err != nil {
				slog.Debug("Push heartbeat failed, dropping connection", logfields.UserID(c.userID), logfields.Error(err))
				return err
			}
			c.touch(now)
		}
	}
}

func writeFrame(s Stream, f frame) error {
	if _, err := fmt.Fprintf(s, "event: %s\ndata: %s\n\n", f.event, f.data); err != nil {
		return err
	}
	s.Flush()
	return nil
}

// send queues one event on c; a connection that cannot take it is removed.
func (h *Hub) send(c *Conn, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}

	if h.mirror != nil {
		if err := h.mirror.Publish(c.userID, event, data); err != nil {
			slog.Debug("Push mirror publish failed", logfields.UserID(c.userID), logfields.Error(err))
		}
	}

	if !c.enqueue(frame{event: event, data: data}) {
		slog.Debug("Push connection closed or too slow, dropping", logfields.UserID(c.userID))
		h.remove(c)
		return fmt.Errorf("push connection for %s unavailable", c.userID)
	}
	return nil
}

// remove drops c if it is still the registered connection for its user.
func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	if cur, ok := h.conns[c.userID]; ok && cur.id == c.id {
		delete(h.conns, c.userID)
	}
	count := len(h.conns)
	h.mu.Unlock()
	c.close()
	h.recorder.SetPushConnections(count)
}

// Close removes the user's connection, if any.
func (h *Hub) Close(userID string) {
	h.mu.RLock()
	c := h.conns[userID]
	h.mu.RUnlock()
	if c != nil {
		h.remove(c)
	}
}

func (h *Hub) conn(userID string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[userID]
}

func (h *Hub) sendTo(userID, event string, payload any) {
	c := h.conn(userID)
	if c == nil {
		return
	}
	_ = h.send(c, event, payload)
}

func (h *Hub) broadcast(event string, payload any) {
	h.mu.RLock()
	snapshot := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()
	for _, c := range snapshot {
		_ = h.send(c, event, payload)
	}
}

// SendJobUpdate writes a job_update event to userID.
func (h *Hub) SendJobUpdate(userID string, u JobUpdate) { h.sendTo(userID, EventJobUpdate, u) }

// SendNotification writes a notification event to userID.
func (h *Hub) SendNotification(userID string, n Notification) {
	h.sendTo(userID, EventNotification, n)
}

// SendError writes an error event to userID.
func (h *Hub) SendError(userID, message string) {
	h.sendTo(userID, EventError, ErrorEvent{Message: message, Timestamp: h.now()})
}

// BroadcastJobUpdate writes a job_update event to every connection.
func (h *Hub) BroadcastJobUpdate(u JobUpdate) { h.broadcast(EventJobUpdate, u) }

// BroadcastNotification writes a notification event to every connection.
func (h *Hub) BroadcastNotification(n Notification) { h.broadcast(EventNotification, n) }

// IsUserConnected reports whether userID has an open connection.
func (h *Hub) IsUserConnected(userID string) bool {
	return h.conn(userID) != nil
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CleanupStaleConnections removes connections without a heartbeat within threshold.
func (h *Hub) CleanupStaleConnections(threshold time.Duration) int {
	if threshold <= 0 {
		threshold = DefaultStaleAfter
	}
	cutoff := h.now().Add(-threshold)

	h.mu.RLock()
	var stale []*Conn
	for _, c := range h.conns {
		if c.lastHeartbeat().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.remove(c)
	}
	if len(stale) > 0 {
		slog.Info("Removed stale push connections", logfields.Count(len(stale)))
	}
	return len(stale)
}

// Shutdown closes every connection and refuses new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := h.conns
	h.conns = make(map[string]*Conn)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	h.recorder.SetPushConnections(0)
}
