// internal/protocol/websocket_client.go
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsControlWriteWait = 5 * time.Second

type wsSession struct {
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	queue    chan interface{}
	recvDone chan struct{}
	beatDone chan struct{}
}

// WebSocketClient is a full-duplex WebSocket client with ping heartbeat and reconnection
type WebSocketClient struct {
	baseConnection

	lifecycleMu    sync.Mutex
	settings       WebSocketSettings
	epoch          uint64
	reconnectTimer *time.Timer

	sessionMu sync.RWMutex
	session   *wsSession

	// gorilla allows one concurrent writer for data frames
	writeMu sync.Mutex

	onBinary func(data []byte)
	onPong   func(appData string)
}

// NewWebSocketClient creates a disconnected WebSocket client
func NewWebSocketClient(logger *zap.Logger) *WebSocketClient {
	c := &WebSocketClient{}
	c.init(TypeWebSocket, logger)
	return c
}

// OnMessage is OnReceive under the WebSocket name for it
func (c *WebSocketClient) OnMessage(fn func(data interface{})) {
	c.OnReceive(fn)
}

// OnBinary replaces the binary frame handler. Without one, binary frames go to OnReceive.
func (c *WebSocketClient) OnBinary(fn func(data []byte)) {
	c.mu.Lock()
	c.onBinary = fn
	c.mu.Unlock()
}

// OnPong replaces the pong handler
func (c *WebSocketClient) OnPong(fn func(appData string)) {
	c.mu.Lock()
	c.onPong = fn
	c.mu.Unlock()
}

// Connect performs the handshake and starts the receive and heartbeat loops
func (c *WebSocketClient) Connect(ctx context.Context, cfg Config) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	return c.connectLocked(ctx, cfg)
}

func (c *WebSocketClient) connectLocked(ctx context.Context, cfg Config) error {
	if c.IsConnected() {
		return nil
	}

	c.setConfig(cfg)

	settings, err := ParseWebSocketSettings(cfg)
	if err != nil {
		return c.failConnect(err)
	}
	c.settings = settings
	c.setState(StateConnecting)

	c.logger.Info("Opening WebSocket connection", zap.String("url", settings.URL))

	header := http.Header{}
	for k, v := range settings.Header {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: settings.Timeout,
	}

	dialCtx := ctx
	if settings.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, settings.Timeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, settings.URL, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			err = wrapError(KindConnection, "connect", err, "handshake rejected with status %d", resp.StatusCode)
		}
		return c.failConnect(wrapError(KindConnection, "connect", err, "failed to connect to %s", settings.URL))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &wsSession{
		conn:     conn,
		ctx:      runCtx,
		cancel:   cancel,
		queue:    make(chan interface{}, settings.QueueCapacity),
		recvDone: make(chan struct{}),
		beatDone: make(chan struct{}),
	}

	conn.SetPingHandler(func(appData string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsControlWriteWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug("Failed to answer ping", zap.Error(err))
		}
		return nil
	})
	conn.SetPongHandler(func(appData string) error {
		c.mu.RLock()
		fn := c.onPong
		c.mu.RUnlock()
		if fn != nil {
			c.safeCall("on_pong", func() { fn(appData) })
		}
		return nil
	})

	c.sessionMu.Lock()
	c.session = s
	c.sessionMu.Unlock()

	go c.receiveLoop(s)
	if settings.HeartbeatEnabled && settings.HeartbeatInterval > 0 {
		go c.heartbeatLoop(s, settings.HeartbeatInterval)
	} else {
		close(s.beatDone)
	}

	c.setState(StateConnected)
	c.logger.Info("WebSocket connection opened successfully", zap.String("url", settings.URL))
	c.emitConnect()
	return nil
}

// Disconnect sends a close frame, closes the socket and clears callbacks
func (c *WebSocketClient) Disconnect() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.epoch++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}

	s := c.detachSession()
	wasActive := s != nil || c.State() == StateConnecting
	if s != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			c.logger.Debug("Failed to send close frame", zap.Error(err))
		}
		c.teardown(s)
		c.logger.Info("WebSocket connection closed")
	}

	c.setState(StateDisconnected)
	if wasActive {
		c.emitDisconnect()
	}

	c.clearCallbacks()
	c.mu.Lock()
	c.onBinary = nil
	c.onPong = nil
	c.mu.Unlock()
	return nil
}

func (c *WebSocketClient) detachSession() *wsSession {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	s := c.session
	c.session = nil
	return s
}

func (c *WebSocketClient) currentSession() *wsSession {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.session
}

func (c *WebSocketClient) teardown(s *wsSession) {
	s.cancel()
	if err := s.conn.Close(); err != nil && !isClosedConn(err) {
		c.logger.Debug("Error closing socket", zap.Error(err))
	}
	if !waitDone(s.recvDone, joinTimeout) {
		c.logger.Warn("Receive loop did not stop in time")
	}
	if !waitDone(s.beatDone, joinTimeout) {
		c.logger.Warn("Heartbeat loop did not stop in time")
	}
}

func (c *WebSocketClient) receiveLoop(s *wsSession) {
	defer close(s.recvDone)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("WebSocket closed by peer", zap.Error(err))
			} else {
				c.logger.Warn("WebSocket read failed", zap.Error(err))
				c.emitError(wrapError(KindIO, "receive", err, "read failed"))
			}
			// reconnection runs outside this goroutine so teardown can join it
			go c.connectionLost(s)
			return
		}

		c.recordReceived(len(data))

		switch messageType {
		case websocket.TextMessage:
			c.enqueue(s, string(data))
			c.emitReceive(string(data))
		case websocket.BinaryMessage:
			c.enqueue(s, data)
			c.mu.RLock()
			fn := c.onBinary
			c.mu.RUnlock()
			if fn != nil {
				c.safeCall("on_binary", func() { fn(data) })
			} else {
				c.emitReceive(data)
			}
		}
	}
}

func (c *WebSocketClient) enqueue(s *wsSession, msg interface{}) {
	select {
	case s.queue <- msg:
	default:
		c.logger.Warn("Receive queue full, dropping message")
	}
}

func (c *WebSocketClient) heartbeatLoop(s *wsSession, interval time.Duration) {
	defer close(s.beatDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsControlWriteWait)); err != nil {
				c.logger.Warn("Heartbeat ping failed", zap.Error(err))
			}
		}
	}
}

func (c *WebSocketClient) connectionLost(s *wsSession) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.currentSession() != s {
		return
	}
	c.detachSession()
	c.teardown(s)

	if c.settings.AutoReconnect {
		c.setState(StateConnecting)
		c.scheduleReconnect()
		return
	}

	c.setState(StateDisconnected)
	c.emitDisconnect()
}

// scheduleReconnect arms a one-shot reconnect timer. Caller holds lifecycleMu.
func (c *WebSocketClient) scheduleReconnect() {
	epoch := c.epoch
	interval := c.settings.ReconnectInterval
	c.logger.Info("Scheduling reconnect", zap.Duration("interval", interval))

	c.reconnectTimer = time.AfterFunc(interval, func() {
		c.lifecycleMu.Lock()
		defer c.lifecycleMu.Unlock()

		if c.epoch != epoch || c.IsConnected() {
			return
		}

		cfg := c.Config()
		if err := c.connectLocked(context.Background(), cfg); err != nil {
			c.logger.Warn("Reconnect failed", zap.Error(err))
			if cfg.Bool(KeyAutoReconnect, false) {
				c.scheduleReconnect()
			}
		}
	})
}

func (c *WebSocketClient) writeMessage(op string, messageType int, data []byte) error {
	if !c.IsConnected() {
		return withOp(ErrNotConnected, op)
	}
	s := c.currentSession()
	if s == nil {
		return withOp(ErrNotConnected, op)
	}

	c.writeMu.Lock()
	err := s.conn.WriteMessage(messageType, data)
	c.writeMu.Unlock()

	if err != nil {
		werr := wrapError(KindIO, op, err, "write failed")
		c.logger.Error("WebSocket write failed", zap.Error(err))
		c.emitError(werr)
		return werr
	}
	c.recordSent(len(data))
	return nil
}

// Send writes strings as text frames, bytes as binary frames and anything else as JSON text
func (c *WebSocketClient) Send(payload interface{}) error {
	switch v := payload.(type) {
	case string:
		return c.writeMessage("send", websocket.TextMessage, []byte(v))
	case []byte:
		return c.writeMessage("send", websocket.BinaryMessage, v)
	default:
		return c.SendJSON(v)
	}
}

// SendJSON marshals v and writes it as a text frame
func (c *WebSocketClient) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return wrapError(KindConfiguration, "send_json", err, "failed to encode payload")
	}
	return c.writeMessage("send_json", websocket.TextMessage, data)
}

// Ping sends a ping control frame
func (c *WebSocketClient) Ping(appData string) error {
	return c.control("ping", websocket.PingMessage, appData)
}

// Pong sends an unsolicited pong control frame
func (c *WebSocketClient) Pong(appData string) error {
	return c.control("pong", websocket.PongMessage, appData)
}

func (c *WebSocketClient) control(op string, messageType int, appData string) error {
	if !c.IsConnected() {
		return withOp(ErrNotConnected, op)
	}
	s := c.currentSession()
	if s == nil {
		return withOp(ErrNotConnected, op)
	}
	if err := s.conn.WriteControl(messageType, []byte(appData), time.Now().Add(wsControlWriteWait)); err != nil {
		return wrapError(KindIO, op, err, "control frame failed")
	}
	return nil
}

// Receive waits up to timeout for the next message: string for text frames, []byte for binary
func (c *WebSocketClient) Receive(timeout time.Duration) (interface{}, bool) {
	s := c.currentSession()
	if s == nil {
		return nil, false
	}

	if timeout <= 0 {
		select {
		case v := <-s.queue:
			return v, true
		default:
			return nil, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-s.queue:
		return v, true
	case <-timer.C:
		return nil, false
	}
}
