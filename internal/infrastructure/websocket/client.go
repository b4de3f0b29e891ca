package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lllypuk/beacon/internal/domain/errs"
	"github.com/lllypuk/beacon/internal/domain/run"
)

// Default client configuration constants.
const (
	defaultReadBufferSize  = 1024
	defaultWriteBufferSize = 1024
	defaultPingInterval    = 30 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultWriteWait       = 10 * time.Second
	defaultMaxMessageSize  = 65536
	defaultSendBufferSize  = 256
)

// ClientConfig holds per-connection tuning. PongWait must exceed
// PingInterval or healthy connections get reaped between pings.
type ClientConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageSize  int64
}

// DefaultClientConfig returns sensible default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ReadBufferSize:  defaultReadBufferSize,
		WriteBufferSize: defaultWriteBufferSize,
		PingInterval:    defaultPingInterval,
		PongWait:        defaultPongWait,
		WriteWait:       defaultWriteWait,
		MaxMessageSize:  defaultMaxMessageSize,
	}
}

// ClientMessage represents a message from client to server.
type ClientMessage struct {
	Type        string `json:"type"`
	OperationID string `json:"operation_id,omitempty"`
}

// OperationJoiner authorizes a join and returns the current snapshot to
// seed the subscriber. Implemented by the progress service.
type OperationJoiner interface {
	Join(ctx context.Context, principal, operationID string) (*run.Snapshot, error)
}

// Client represents a single WebSocket connection. The joiner authorizes
// joins and supplies the seeding snapshot; mu guards operationIDs.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	joiner OperationJoiner
	send   chan []byte

	principal    string
	operationIDs map[string]bool
	mu           sync.RWMutex

	config ClientConfig
	logger *slog.Logger

	closed     bool
	sendClosed bool
	closedMu   sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientConfig sets the client configuration.
func WithClientConfig(config ClientConfig) ClientOption {
	return func(c *Client) {
		c.config = config
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub, conn *websocket.Conn, joiner OperationJoiner, principal string, opts ...ClientOption) *Client {
	c := &Client{
		hub:          hub,
		conn:         conn,
		joiner:       joiner,
		send:         make(chan []byte, defaultSendBufferSize),
		principal:    principal,
		operationIDs: make(map[string]bool),
		config:       DefaultClientConfig(),
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Principal returns the authenticated identity of this client.
func (c *Client) Principal() string {
	return c.principal
}

// GetOperationIDs returns a copy of the operation ids this client watches.
func (c *Client) GetOperationIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.operationIDs))
	for id := range c.operationIDs {
		ids = append(ids, id)
	}
	return ids
}

// AddOperation adds an operation id to the client's subscriptions.
func (c *Client) AddOperation(operationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operationIDs[operationID] = true
}

// RemoveOperation removes an operation id from the client's subscriptions.
func (c *Client) RemoveOperation(operationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.operationIDs, operationID)
}

// IsWatching checks if the client is subscribed to an operation.
func (c *Client) IsWatching(operationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.operationIDs[operationID]
}

// IsClosed returns whether the client connection has been closed.
func (c *Client) IsClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	return c.closed
}

// ReadPump consumes inbound frames until the connection drops, then hands
// the client back to the hub for cleanup. Run as a goroutine.
func (c *Client) ReadPump() {
	defer c.hub.Unregister(c)

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait)); err != nil {
		c.logger.Error("failed to set read deadline", slog.String("error", err.Error()))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error",
					slog.String("principal", c.principal),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		c.handleClientMessage(message)
	}
}

// WritePump drains the send channel onto the wire and keeps the connection
// alive with periodic pings. Run as a goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel.
				_ = c.writeFrame(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeFrame(websocket.TextMessage, message); err != nil {
				c.logger.Warn("websocket write error",
					slog.String("principal", c.principal),
					slog.String("error", err.Error()),
				)
				return
			}

		case <-ticker.C:
			if err := c.writeFrame(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeFrame writes one frame under the configured write deadline.
func (c *Client) writeFrame(messageType int, payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, payload)
}

// handleClientMessage routes one inbound frame.
func (c *Client) handleClientMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn("invalid client message",
			slog.String("principal", c.principal),
			slog.String("error", err.Error()),
		)
		c.reply(MessageTypeError, "", errBody("invalid message format"))
		return
	}

	switch msg.Type {
	case "join":
		if msg.OperationID == "" {
			c.reply(MessageTypeError, "", errBody("operation_id is required for join"))
			return
		}
		c.handleJoin(msg.OperationID)

	case "leave":
		if msg.OperationID == "" {
			c.reply(MessageTypeError, "", errBody("operation_id is required for leave"))
			return
		}
		c.hub.LeaveOperation(c, msg.OperationID)
		c.reply(MessageTypeAck, msg.OperationID, map[string]string{"action": "left"})

	case "ping":
		c.reply(MessageTypePong, "", nil)

	default:
		c.logger.Debug("unknown message type",
			slog.String("principal", c.principal),
			slog.String("type", msg.Type),
		)
		c.reply(MessageTypeError, msg.OperationID, errBody("unknown message type: "+msg.Type))
	}
}

// handleJoin authorizes the join and seeds the client with the current
// snapshot before subscribing it, so no progress is observed out of order.
func (c *Client) handleJoin(operationID string) {
	snap, err := c.joiner.Join(context.Background(), c.principal, operationID)
	switch {
	case err == nil:
		c.reply(MessageTypeSnapshot, snap.OperationID, NewSnapshotView(snap))
		c.hub.JoinOperation(c, operationID)
	case errors.Is(err, errs.ErrNotFound):
		c.reply(MessageTypeError, operationID, errBody("unknown operation"))
	case errors.Is(err, errs.ErrForbidden):
		c.reply(MessageTypeError, operationID, errBody("not allowed to watch this operation"))
	default:
		c.logger.Error("join failed",
			slog.String("principal", c.principal),
			slog.String("operation_id", operationID),
			slog.String("error", err.Error()),
		)
		c.reply(MessageTypeError, operationID, errBody("join failed"))
	}
}

func errBody(message string) map[string]string {
	return map[string]string{"message": message}
}

// reply marshals one outbound message onto the send queue.
func (c *Client) reply(msgType, operationID string, data any) {
	payload, _ := json.Marshal(OutboundMessage{
		Type:        msgType,
		OperationID: operationID,
		Data:        data,
	})
	c.Send(payload)
}

// Send sends a message to the client. Holding closedMu across the channel
// send keeps it safe against a concurrent closeSend.
func (c *Client) Send(message []byte) {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()

	if c.closed || c.sendClosed {
		return
	}

	select {
	case c.send <- message:
	default:
		c.logger.Warn("client send buffer full",
			slog.String("principal", c.principal),
		)
	}
}

// Close closes the underlying connection, which unblocks both pumps. The
// send channel stays open: only the hub closes it, once the client has left
// every room, so a broadcast between a pump exiting and the hub's cleanup
// can never hit a closed channel.
func (c *Client) Close() {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	_ = c.conn.Close()

	c.logger.Debug("client connection closed",
		slog.String("principal", c.principal),
	)
}

// closeSend closes the send channel. Called only by the hub, under its own
// lock, after removing the client from every room.
func (c *Client) closeSend() {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()

	if c.sendClosed {
		return
	}
	c.sendClosed = true

	close(c.send)
}
