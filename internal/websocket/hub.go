package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/entities"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// Time allowed for a UI-triggered connect.
	connectTimeout = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Controller is the part of the voice bus the UI may drive
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect()
	ClearQueue()
	State() entities.BusState
}

// Hub keeps the set of UI clients and fans voice bus updates out to them.
type Hub struct {
	// Registered clients.
	clients map[*Client]struct{}

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Outbound messages for every client.
	broadcast chan []byte

	// Closed when Run returns.
	done chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	controller Controller
	validator  *MessageValidator
	logger     *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(controller Controller, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		controller: controller,
		validator:  NewMessageValidator(),
		logger:     logger,
	}
}

// Run starts the hub's main loop and returns when ctx is done
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Info("Client registered", zap.String("clientID", client.id))
			client.queue(CreateBusStateMessage(h.controller.State()))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("clientID", client.id))

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer; drop it rather than stall everyone else.
					delete(h.clients, client)
					close(client.send)
					h.logger.Warn("Dropping slow client", zap.String("clientID", client.id))
				}
			}
			h.mu.Unlock()
		}
	}
}

// PublishState sends a bus snapshot to every client. It never blocks.
func (h *Hub) PublishState(state entities.BusState) {
	h.publish(CreateBusStateMessage(state))
}

// PublishResponse sends a concierge response to every client. It never blocks.
func (h *Hub) PublishResponse(resp entities.StreamResponse) {
	h.publish(CreateResponseMessage(resp))
}

func (h *Hub) publish(msg interface{}) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to encode hub message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("Hub broadcast buffer full, dropping message")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub
	id  string

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	logger *zap.Logger
}

// HandleWebSocket upgrades a UI connection and attaches it to the hub.
func HandleWebSocket(hub *Hub, c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:    hub,
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: hub.logger,
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// queue encodes msg onto the client's send buffer. Must be called from the hub
// loop or while the client is known to be registered.
func (c *Client) queue(msg interface{}) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to encode message", zap.Error(err))
		return
	}
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("Client send buffer full", zap.String("clientID", c.id))
	}
}

// readPump pumps control messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}
		if messageType != websocket.TextMessage {
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
			continue
		}
		c.processMessage(message)
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage applies a control message from the UI
func (c *Client) processMessage(message []byte) {
	msg, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Invalid message", zap.String("clientID", c.id), zap.Error(err))
		c.reply(CreateErrorMessage("", "invalid_message", "Invalid message", err.Error()))
		return
	}

	switch m := msg.(type) {
	case *ControlMessage:
		c.handleControl(m)
	case *PingMessage:
		c.reply(CreatePongMessage(m.Data))
	default:
		c.reply(CreateErrorMessage("", "unsupported", "Message not accepted on this socket", ""))
	}
}

func (c *Client) handleControl(msg *ControlMessage) {
	c.logger.Info("Control message received",
		zap.String("clientID", c.id),
		zap.String("type", string(msg.Type)))

	switch msg.Type {
	case MessageTypeConnect:
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := c.hub.controller.Connect(ctx); err != nil {
			c.reply(CreateErrorMessage(msg.MessageID, "connect_failed", "Failed to establish session", err.Error()))
		}
	case MessageTypeDisconnect:
		c.hub.controller.Disconnect()
	case MessageTypeClearQueue:
		c.hub.controller.ClearQueue()
	}
}

// reply sends a message to this client only. The write pump may already be
// gone, so a full buffer drops the message.
func (c *Client) reply(msg interface{}) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	c.queue(msg)
}
