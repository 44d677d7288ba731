// internal/handler/websocket_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"comm-service/internal/events"
	"comm-service/internal/utils"
)

const (
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 54 * time.Second
	streamWriteWait  = 10 * time.Second
)

// StreamMessage is one frame written to an event-stream client
type StreamMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// StreamClient is a connected event-stream client
type StreamClient struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	UserAgent   string    `json:"user_agent"`
	Types       []string  `json:"types,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`

	conn      *websocket.Conn
	sub       *events.Subscription
	control   chan StreamMessage
	done      chan struct{}
	closeOnce sync.Once
}

func (c *StreamClient) close() {
	c.closeOnce.Do(func() {
		c.sub.Unsubscribe()
		close(c.done)
	})
}

// WebSocketHandler streams bus events to WebSocket clients
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	bus      *events.Bus
	clients  *xsync.MapOf[string, *StreamClient]
	logger   *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(bus *events.Bus, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		bus:     bus,
		clients: xsync.NewMapOf[string, *StreamClient](),
		logger:  utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/events", h.HandleEvents)
	router.GET("/clients", h.ListClients)
}

// HandleEvents upgrades the request and streams bus events. ?types= takes a
// comma separated list of event types; all events are sent without it.
func (h *WebSocketHandler) HandleEvents(c *gin.Context) {
	var types []string
	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &StreamClient{
		ID:          uuid.New().String(),
		RemoteAddr:  c.Request.RemoteAddr,
		UserAgent:   c.Request.UserAgent(),
		Types:       types,
		ConnectedAt: time.Now(),
		conn:        conn,
		sub:         h.bus.Subscribe(types...),
		control:     make(chan StreamMessage, 16),
		done:        make(chan struct{}),
	}
	h.clients.Store(client.ID, client)

	h.logger.Info("Event stream client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr),
		zap.Strings("types", types),
	)

	client.control <- StreamMessage{
		Type:      "connected",
		Data:      gin.H{"client_id": client.ID, "types": types},
		Timestamp: time.Now(),
	}

	go h.readLoop(client)
	go h.writeLoop(client)
}

// ListClients returns the connected event-stream clients
func (h *WebSocketHandler) ListClients(c *gin.Context) {
	clients := make([]*StreamClient, 0, h.clients.Size())
	h.clients.Range(func(_ string, client *StreamClient) bool {
		clients = append(clients, client)
		return true
	})
	utils.SuccessResponse(c, http.StatusOK, "Event stream clients retrieved", gin.H{
		"total_connections": len(clients),
		"clients":           clients,
	})
}

// ClientCount returns the number of connected event-stream clients
func (h *WebSocketHandler) ClientCount() int {
	return h.clients.Size()
}

// Close disconnects every client
func (h *WebSocketHandler) Close() {
	h.clients.Range(func(_ string, client *StreamClient) bool {
		client.close()
		return true
	})
}

func (h *WebSocketHandler) readLoop(client *StreamClient) {
	defer func() {
		client.close()
		h.clients.Delete(client.ID)
		h.logger.Info("Event stream client disconnected", zap.String("client_id", client.ID))
	}()

	client.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket read error", zap.Error(err), zap.String("client_id", client.ID))
			}
			return
		}

		var message StreamMessage
		if err := json.Unmarshal(data, &message); err != nil {
			h.logger.Debug("Ignoring malformed client message", zap.String("client_id", client.ID))
			continue
		}

		if message.Type == "ping" {
			select {
			case client.control <- StreamMessage{Type: "pong", Timestamp: time.Now()}:
			default:
			}
		}
	}
}

func (h *WebSocketHandler) writeLoop(client *StreamClient) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case <-client.done:
			client.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			client.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-client.control:
			if !h.write(client, message) {
				return
			}

		case event := <-client.sub.C:
			if !h.write(client, StreamMessage{Type: "event", Data: event, Timestamp: event.Timestamp}) {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) write(client *StreamClient, message StreamMessage) bool {
	client.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := client.conn.WriteJSON(message); err != nil {
		h.logger.Warn("WebSocket write error", zap.Error(err), zap.String("client_id", client.ID))
		return false
	}
	return true
}

// originChecker accepts any origin when the list is empty or holds "*"
func originChecker(allowed []string) func(r *http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			allowed = nil
			break
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if len(allowed) == 0 || origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == origin {
				return true
			}
		}
		return false
	}
}
