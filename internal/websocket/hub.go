package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/meetscribe/transcriber/domain"
	"github.com/meetscribe/transcriber/internal/controller"
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

	sendBuffer = 256
)

// ErrSendBufferFull is returned when a slow agent cannot keep up
var ErrSendBufferFull = errors.New("send buffer full")

// ErrClientClosed is returned when sending to a disconnected agent
var ErrClientClosed = errors.New("client closed")

// Registry binds agent connections to tab sessions
type Registry interface {
	Attach(ctx context.Context, tabID string, agent controller.Agent) *controller.Tab
	Detach(ctx context.Context, tab *controller.Tab) error
}

// Hub maintains the set of connected agents, one per tab.
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	registry  Registry
	validator *MessageValidator
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

// NewHub creates a new WebSocket hub. An empty allowedOrigins accepts any origin.
func NewHub(registry Registry, allowedOrigins []string, logger *zap.Logger) *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		registry:   registry,
		validator:  NewMessageValidator(),
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     originChecker(allowedOrigins),
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// non-browser agents send no origin
		return origin == "" || set[origin]
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[client.tabID]; ok {
				old.closeSend()
			}
			h.clients[client.tabID] = client
			h.mu.Unlock()
			h.logger.Info("Client registered", zap.String("tabId", client.tabID))

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.tabID]; ok && current == client {
				delete(h.clients, client.tabID)
			}
			h.mu.Unlock()
			client.closeSend()
			h.logger.Info("Client unregistered", zap.String("tabId", client.tabID))

		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				client.closeSend()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// ConnectedTabs returns the tab ids with a live agent connection
func (h *Hub) ConnectedTabs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	tabs := make([]string, 0, len(h.clients))
	for id := range h.clients {
		tabs = append(tabs, id)
	}
	return tabs
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	tabID  string
	userID string
	tab    *controller.Tab

	logger *zap.Logger

	sendMu sync.Mutex
	closed bool
}

// Send implements controller.Agent. It never blocks.
func (c *Client) Send(msgType string, payload interface{}) error {
	data, err := domain.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return c.enqueue(WriteData{Type: websocket.TextMessage, Payload: data})
}

func (c *Client) enqueue(msg WriteData) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// HandleWebSocketWithAuth handles websocket requests for an authenticated agent
func HandleWebSocketWithAuth(hub *Hub, c echo.Context, tabID, userID string, logger *zap.Logger) error {
	conn, err := hub.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan WriteData, sendBuffer),
		tabID:  tabID,
		userID: userID,
		logger: logger.With(zap.String("tabId", tabID)),
	}
	client.tab = hub.registry.Attach(c.Request().Context(), tabID, client)

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return hub.registry.Detach(c.Request().Context(), client.tab)
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// readPump pumps messages from the websocket connection to the tab.
func (c *Client) readPump() {
	ctx := context.Background()
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		if err := c.hub.registry.Detach(ctx, c.tab); err != nil {
			c.logger.Warn("Tab teardown incomplete", zap.Error(err))
		}
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(ctx, message)
		case websocket.BinaryMessage:
			c.tab.HandleAudio(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
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

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
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

// processMessage validates a control frame and hands it to the tab
func (c *Client) processMessage(ctx context.Context, message []byte) {
	env, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Rejected control frame", zap.String("type", env.Type), zap.Error(err))
		if env.Type == domain.MsgStartTranscription {
			c.Send(domain.MsgStartTranscriptionResponse, domain.StartTranscriptionResponse{Error: err.Error()})
			return
		}
		if frame, ferr := CreateErrorMessage("invalid_message", "Message rejected", err.Error()); ferr == nil {
			c.enqueue(WriteData{Type: websocket.TextMessage, Payload: frame})
		}
		return
	}

	c.tab.HandleMessage(ctx, env)
}
