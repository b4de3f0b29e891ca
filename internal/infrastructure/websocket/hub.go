// Package websocket implements the live progress feed: a hub of operation
// rooms that connected clients join to watch runs in real time.
package websocket

import (
	"context"
	"log/slog"
	"sync"
)

const defaultBroadcastBufferSize = 256

// Hub manages all WebSocket connections and their operation subscriptions.
// Rooms are keyed by operation id; a room exists only while it has
// subscribers, and an operation reaching its terminal state simply stops
// producing messages for it.
type Hub struct {
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	logger *slog.Logger

	done      chan struct{}
	running   bool
	runningMu sync.RWMutex
}

// broadcastMessage represents a message targeted at one operation room.
type broadcastMessage struct {
	operationID string
	message     []byte
}

// HubOption configures the Hub.
type HubOption func(*Hub)

// WithHubLogger sets the logger for the hub.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub creates a new Hub with the given options.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *broadcastMessage, defaultBroadcastBufferSize),
		logger:     slog.Default(),
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Run drives the hub's event loop until the context is cancelled or Stop is
// called. Intended to run as a goroutine; a second concurrent Run is a no-op.
func (h *Hub) Run(ctx context.Context) {
	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		return
	}
	h.running = true
	h.runningMu.Unlock()

	h.logger.InfoContext(ctx, "websocket hub started")
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// Stop signals the hub to stop.
func (h *Hub) Stop() {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()

	if !h.running {
		return
	}

	close(h.done)
}

// shutdown closes every connection and clears the room state.
func (h *Hub) shutdown() {
	h.runningMu.Lock()
	h.running = false
	h.runningMu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.closeSend()
		client.Close()
	}

	h.clients = make(map[*Client]bool)
	h.rooms = make(map[string]map[*Client]bool)

	h.logger.Info("websocket hub stopped")
}

// Register hands a new client to the hub loop.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister hands a disconnecting client to the hub loop.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true

	h.logger.Debug("client registered",
		slog.String("principal", client.principal),
		slog.Int("total_clients", len(h.clients)),
	)
}

// removeClient drops the client from the hub and every room it joined,
// pruning rooms that become empty. The send channel is closed here, under
// mu, so fanOut can never race with it: a client present in a room always
// has an open channel.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	for _, operationID := range client.GetOperationIDs() {
		h.pruneRoomLocked(operationID, client)
	}

	delete(h.clients, client)
	client.closeSend()
	client.Close()

	h.logger.Debug("client unregistered",
		slog.String("principal", client.principal),
		slog.Int("total_clients", len(h.clients)),
	)
}

// pruneRoomLocked removes the client from one room and deletes the room when
// it empties. Caller holds mu.
func (h *Hub) pruneRoomLocked(operationID string, client *Client) {
	room, ok := h.rooms[operationID]
	if !ok {
		return
	}
	delete(room, client)
	if len(room) == 0 {
		delete(h.rooms, operationID)
	}
}

// JoinOperation adds a client to an operation room. Joining a room the
// client is already in is a no-op.
func (h *Hub) JoinOperation(client *Client, operationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	if h.rooms[operationID] == nil {
		h.rooms[operationID] = make(map[*Client]bool)
	}
	h.rooms[operationID][client] = true
	client.AddOperation(operationID)

	h.logger.Debug("client joined operation",
		slog.String("principal", client.principal),
		slog.String("operation_id", operationID),
	)
}

// LeaveOperation removes a client from an operation room.
func (h *Hub) LeaveOperation(client *Client, operationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pruneRoomLocked(operationID, client)
	client.RemoveOperation(operationID)

	h.logger.Debug("client left operation",
		slog.String("principal", client.principal),
		slog.String("operation_id", operationID),
	)
}

// BroadcastToOperation sends a message to all clients watching an operation.
func (h *Hub) BroadcastToOperation(operationID string, message []byte) {
	h.broadcast <- &broadcastMessage{
		operationID: operationID,
		message:     message,
	}
}

// fanOut delivers a message to one operation room. A slow client whose send
// buffer is full has the message dropped; it recovers the state from the
// snapshot on its next join.
func (h *Hub) fanOut(msg *broadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[msg.operationID] {
		select {
		case client.send <- msg.message:
		default:
			h.logger.Warn("client send buffer full, dropping message",
				slog.String("principal", client.principal),
				slog.String("operation_id", msg.operationID),
			)
		}
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomCount returns the number of operation rooms with subscribers.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// WatcherCount returns the number of clients watching an operation.
func (h *Hub) WatcherCount(operationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[operationID])
}

// IsRunning reports whether the hub loop is active.
func (h *Hub) IsRunning() bool {
	h.runningMu.RLock()
	defer h.runningMu.RUnlock()
	return h.running
}
