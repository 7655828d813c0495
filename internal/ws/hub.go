package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const broadcastBuffer = 256

type Hub struct {
	clients    map[*Client]bool
	sessions   map[uuid.UUID]map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger

	// Snapshots that did not fit in broadcast, latest per session. While a
	// session has one parked, its newer snapshots replace it instead of
	// queueing behind it.
	parkedMu sync.Mutex
	parked   map[uuid.UUID]Event
	wake     chan struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return newHub(logger, broadcastBuffer)
}

func newHub(logger *slog.Logger, buffer int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		sessions:   make(map[uuid.UUID]map[*Client]bool),
		broadcast:  make(chan Event, buffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With("component", "ws_hub"),
		parked:     make(map[uuid.UUID]Event),
		wake:       make(chan struct{}, 1),
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			close(h.done)
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case event := <-h.broadcast:
			h.deliver(event)
		case <-h.wake:
			h.flushParked()
		}
	}
}

// flushParked delivers whatever was already queued ahead of the parked
// snapshots, then the snapshots themselves, so a session never sees an
// older snapshot after a newer one.
func (h *Hub) flushParked() {
	for n := len(h.broadcast); n > 0; n-- {
		h.deliver(<-h.broadcast)
	}

	h.parkedMu.Lock()
	parked := h.parked
	h.parked = make(map[uuid.UUID]Event)
	h.parkedMu.Unlock()

	for _, event := range parked {
		h.deliver(event)
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true

	if h.sessions[client.sessionID] == nil {
		h.sessions[client.sessionID] = make(map[*Client]bool)
	}
	h.sessions[client.sessionID][client] = true
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dropLocked(client)
}

func (h *Hub) dropLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}

	delete(h.clients, client)
	delete(h.sessions[client.sessionID], client)
	if len(h.sessions[client.sessionID]) == 0 {
		delete(h.sessions, client.sessionID)
	}

	close(client.send)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		h.dropLocked(client)
	}
}

func (h *Hub) deliver(event Event) {
	message, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	targets := h.clients
	if event.SessionID != uuid.Nil {
		targets = h.sessions[event.SessionID]
	}

	for client := range targets {
		select {
		case client.send <- message:
		default:
			// Slow reader: drop it rather than stall every other session.
			h.dropLocked(client)
		}
	}
}

// Publish queues an event for the clients watching sessionID. It never
// blocks. When the queue is full a session snapshot is parked and
// superseded by later ones, so the latest state is still delivered; other
// events are dropped.
func (h *Hub) Publish(sessionID uuid.UUID, eventType EventType, data interface{}) {
	event := Event{
		SessionID: sessionID,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}

	if eventType == EventSessionSnapshot && sessionID != uuid.Nil && h.park(event, false) {
		return
	}

	select {
	case h.broadcast <- event:
		return
	default:
	}

	if eventType == EventSessionSnapshot && sessionID != uuid.Nil {
		h.park(event, true)
		return
	}
	h.logger.Warn("dropping event, broadcast queue full",
		"type", eventType,
		"session_id", sessionID.String(),
	)
}

// park replaces the session's parked snapshot. Unless force is set it only
// does so when one is already parked.
func (h *Hub) park(event Event, force bool) bool {
	h.parkedMu.Lock()
	_, exists := h.parked[event.SessionID]
	if !exists && !force {
		h.parkedMu.Unlock()
		return false
	}
	h.parked[event.SessionID] = event
	h.parkedMu.Unlock()

	if !exists {
		h.logger.Warn("broadcast queue full, coalescing snapshots", "session_id", event.SessionID.String())
	}

	select {
	case h.wake <- struct{}{}:
	default:
	}
	return true
}

// PublishAll queues an event for every connected client.
func (h *Hub) PublishAll(eventType EventType, data interface{}) {
	h.Publish(uuid.Nil, eventType, data)
}

func (h *Hub) ConnectedClients(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.sessions[sessionID])
}
