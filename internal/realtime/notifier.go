// Package realtime keeps a reconnecting websocket connection to the
// attendance backend and dispatches its events to subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

type Config struct {
	URL string
	// RetryDelay is the pause between reconnect attempts. When MaxRetryDelay
	// is larger the pause doubles up to MaxRetryDelay.
	RetryDelay       time.Duration
	MaxRetryDelay    time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8000/ws",
		RetryDelay:       2 * time.Second,
		MaxRetryDelay:    2 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

type Handler func(Event)

// Notifier owns at most one live connection, scoped to the current
// identity. Only the notifier mutates connection state.
type Notifier struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	// identityMu serialises SetIdentity/ClearIdentity so an old loop is fully
	// stopped before a new one starts.
	identityMu sync.Mutex

	mu       sync.Mutex
	state    State
	token    string
	conn     *websocket.Conn
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool
	handlers map[EventType]map[int]Handler
	watchers map[int]func(State)
	nextID   int

	writeMu sync.Mutex
}

func New(cfg Config, logger *slog.Logger) *Notifier {
	def := DefaultConfig()
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Notifier{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:   logger.With("component", "realtime"),
		state:    StateDisconnected,
		handlers: make(map[EventType]map[int]Handler),
		watchers: make(map[int]func(State)),
	}
}

func (n *Notifier) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SetIdentity starts the connection loop for token. The same token is a
// no-op; a different token tears the old connection down first.
func (n *Notifier) SetIdentity(token string) {
	if token == "" {
		n.ClearIdentity()
		return
	}

	n.identityMu.Lock()
	defer n.identityMu.Unlock()

	n.mu.Lock()
	if n.closed || (n.token == token && n.cancel != nil) {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.teardown()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	n.token = token
	n.cancel = cancel
	n.done = done

	go n.run(ctx, token, done)
}

// ClearIdentity drops the connection and stops reconnecting.
func (n *Notifier) ClearIdentity() {
	n.identityMu.Lock()
	defer n.identityMu.Unlock()

	n.teardown()
}

// Close is ClearIdentity plus refusing future identities.
func (n *Notifier) Close() {
	n.identityMu.Lock()
	defer n.identityMu.Unlock()

	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	n.teardown()
}

// teardown stops the current loop and waits for it to exit.
func (n *Notifier) teardown() {
	n.mu.Lock()
	cancel, done, conn := n.cancel, n.done, n.conn
	n.cancel, n.done, n.conn = nil, nil, nil
	n.token = ""
	if cancel != nil {
		cancel()
	}
	n.mu.Unlock()

	if cancel == nil {
		return
	}

	if conn != nil {
		_ = conn.Close()
	}
	<-done

	n.transition(nil, StateDisconnected)
}

// Subscribe registers handler for eventType (or EventAny).
func (n *Notifier) Subscribe(eventType EventType, handler Handler) (unsubscribe func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	if n.handlers[eventType] == nil {
		n.handlers[eventType] = make(map[int]Handler)
	}
	n.handlers[eventType][id] = handler
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.handlers[eventType], id)
			if len(n.handlers[eventType]) == 0 {
				delete(n.handlers, eventType)
			}
		})
	}
}

// OnStateChange registers fn for connectivity changes.
func (n *Notifier) OnStateChange(fn func(State)) (unsubscribe func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.watchers[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.watchers, id)
			n.mu.Unlock()
		})
	}
}

// SendEvent writes one event. When not connected it logs a warning and
// returns false; nothing is queued.
func (n *Notifier) SendEvent(eventType EventType, payload interface{}) bool {
	n.mu.Lock()
	conn, state := n.conn, n.state
	n.mu.Unlock()

	if state != StateConnected || conn == nil {
		n.logger.Warn("realtime not connected, event dropped", "type", eventType)
		return false
	}

	evt := Event{Type: eventType, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			n.logger.Error("failed to encode realtime event", "type", eventType, "error", err)
			return false
		}
		evt.Data = data
	}

	if err := n.write(conn, evt); err != nil {
		n.logger.Warn("failed to send realtime event", "type", eventType, "error", err)
		_ = conn.Close()
		return false
	}
	return true
}

func (n *Notifier) SendSystemAlert(message string, level AlertLevel) bool {
	return n.SendEvent(EventSystemAlert, SystemAlert{
		Message:   message,
		Type:      level,
		Timestamp: time.Now().UTC(),
	})
}

func (n *Notifier) write(conn *websocket.Conn, evt Event) error {
	message, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(n.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, message)
}

func (n *Notifier) run(ctx context.Context, token string, done chan struct{}) {
	defer close(done)

	delays := n.newBackOff()

	for {
		n.transition(ctx, StateConnecting)

		conn, err := n.dial(ctx, token)
		if err == nil {
			delays.Reset()
			if n.attach(ctx, conn) {
				n.logger.Info("realtime connected")
				n.readLoop(ctx, conn)
			}
			_ = conn.Close()
			n.detach(conn)
		} else if ctx.Err() == nil {
			n.logger.Warn("realtime connection failed", "error", err)
		}

		if ctx.Err() != nil {
			return
		}

		n.transition(ctx, StateDisconnected)

		delay := delays.NextBackOff()
		n.logger.Debug("realtime reconnect scheduled", "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (n *Notifier) newBackOff() backoff.BackOff {
	if n.cfg.MaxRetryDelay <= n.cfg.RetryDelay {
		return backoff.NewConstantBackOff(n.cfg.RetryDelay)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.RetryDelay
	b.MaxInterval = n.cfg.MaxRetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (n *Notifier) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	target, err := url.Parse(n.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := target.Query()
	q.Set("token", token)
	target.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := n.dialer.DialContext(ctx, target.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	return conn, nil
}

// attach publishes conn as the live connection unless the loop was
// cancelled in the meantime.
func (n *Notifier) attach(ctx context.Context, conn *websocket.Conn) bool {
	n.mu.Lock()
	if ctx.Err() != nil {
		n.mu.Unlock()
		return false
	}
	n.conn = conn
	n.mu.Unlock()

	n.transition(ctx, StateConnected)
	return true
}

func (n *Notifier) detach(conn *websocket.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == conn {
		n.conn = nil
	}
}

func (n *Notifier) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				n.logger.Warn("realtime connection lost", "error", err)
			}
			return
		}

		var in incomingEvent
		if err := json.Unmarshal(message, &in); err != nil || in.Type == "" {
			n.logger.Warn("dropping malformed realtime message", "size", len(message))
			continue
		}
		evt := in.event()

		if evt.Type == EventPing {
			if err := n.write(conn, Event{Type: EventPong, Timestamp: time.Now().UTC()}); err != nil {
				n.logger.Warn("failed to answer ping", "error", err)
			}
		}

		n.dispatch(evt)
	}
}

func (n *Notifier) dispatch(evt Event) {
	n.mu.Lock()
	handlers := make([]Handler, 0, len(n.handlers[evt.Type])+len(n.handlers[EventAny]))
	for _, h := range n.handlers[evt.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range n.handlers[EventAny] {
		handlers = append(handlers, h)
	}
	n.mu.Unlock()

	if len(handlers) == 0 {
		if !knownEvents[evt.Type] {
			n.logger.Warn("dropping unknown realtime event", "type", evt.Type)
		}
		return
	}

	for _, h := range handlers {
		n.safeCall(h, evt)
	}
}

func (n *Notifier) safeCall(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("realtime subscriber panicked", "type", evt.Type, "panic", r)
		}
	}()
	h(evt)
}

// transition sets the state. A nil ctx is used by teardown; otherwise the
// change is dropped when the owning loop was cancelled.
func (n *Notifier) transition(ctx context.Context, state State) {
	n.mu.Lock()
	if ctx != nil && ctx.Err() != nil {
		n.mu.Unlock()
		return
	}
	if n.state == state {
		n.mu.Unlock()
		return
	}
	n.state = state
	watchers := make([]func(State), 0, len(n.watchers))
	for _, fn := range n.watchers {
		watchers = append(watchers, fn)
	}
	n.mu.Unlock()

	n.logger.Debug("realtime state", "state", state)
	for _, fn := range watchers {
		fn(state)
	}
}
