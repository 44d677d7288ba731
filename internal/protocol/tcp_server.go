// internal/protocol/tcp_server.go
package protocol

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"comm-service/internal/protocol/codec"
	"comm-service/internal/worker"
)

const (
	acceptPause       = 100 * time.Millisecond
	shutdownNotice    = "Server shutting down"
	noticeWriteWindow = time.Second
	anyClientPoll     = 10 * time.Millisecond
)

// ClientStatus describes a connected peer
type ClientStatus string

const (
	ClientConnected ClientStatus = "connected"
	ClientInactive  ClientStatus = "inactive"
	ClientError     ClientStatus = "error"
)

// ClientInfo is a snapshot of one accepted connection
type ClientInfo struct {
	ID            string       `json:"id"`
	RemoteAddr    string       `json:"remote_addr"`
	ConnectedAt   time.Time    `json:"connected_at"`
	LastActivity  time.Time    `json:"last_activity"`
	BytesSent     uint64       `json:"bytes_sent"`
	BytesReceived uint64       `json:"bytes_received"`
	ErrorCount    uint64       `json:"error_count"`
	Status        ClientStatus `json:"status"`
}

// ClientMessage is a frame received from a specific client
type ClientMessage struct {
	ClientID string      `json:"client_id"`
	Data     interface{} `json:"data"`
}

// ServerStatistics summarises the server since the last Listen or reset
type ServerStatistics struct {
	TotalConnections   uint64    `json:"total_connections"`
	CurrentConnections int       `json:"current_connections"`
	MaxConnections     int       `json:"max_connections"`
	TotalReceived      uint64    `json:"total_received"`
	TotalSent          uint64    `json:"total_sent"`
	ErrorCount         uint64    `json:"error_count"`
	StartTime          time.Time `json:"start_time"`
}

type serverClient struct {
	info      ClientInfo
	conn      net.Conn
	queue     chan interface{}
	codec     codec.Codec
	closeOnce sync.Once
}

func (cl *serverClient) close() {
	cl.closeOnce.Do(func() { _ = cl.conn.Close() })
}

// TCPServer accepts many stream clients and gives each its own receive queue
type TCPServer struct {
	baseConnection

	lifecycleMu sync.Mutex
	settings    TCPServerSettings
	encoder     codec.Codec
	listener    net.Listener
	pool        *worker.Pool[*serverClient]
	cancel      context.CancelFunc
	acceptDone  chan struct{}

	heartbeatMu    sync.Mutex
	heartbeatTimer *time.Timer

	// clientsMu guards the client table, per-client counters and statistics
	clientsMu      sync.Mutex
	clients        map[string]*serverClient
	maxConnections int
	statistics     ServerStatistics

	// poolCapacity is how many clients the worker pool can hold: running plus queued
	poolCapacity int

	onClientConnect    func(id, addr string)
	onClientData       func(id string, data interface{})
	onClientDisconnect func(id string)
	onHeartbeat        func()
	onListen           func(addr string)
	onStop             func()
}

// NewTCPServer creates a stopped TCP server
func NewTCPServer(logger *zap.Logger) *TCPServer {
	s := &TCPServer{clients: make(map[string]*serverClient)}
	s.init(TypeTCPServer, logger)
	return s
}

// OnClientConnect replaces the client connect handler
func (s *TCPServer) OnClientConnect(fn func(id, addr string)) {
	s.mu.Lock()
	s.onClientConnect = fn
	s.mu.Unlock()
}

// OnClientData replaces the client data handler
func (s *TCPServer) OnClientData(fn func(id string, data interface{})) {
	s.mu.Lock()
	s.onClientData = fn
	s.mu.Unlock()
}

// OnClientDisconnect replaces the client disconnect handler
func (s *TCPServer) OnClientDisconnect(fn func(id string)) {
	s.mu.Lock()
	s.onClientDisconnect = fn
	s.mu.Unlock()
}

// OnHeartbeat replaces the heartbeat handler
func (s *TCPServer) OnHeartbeat(fn func()) {
	s.mu.Lock()
	s.onHeartbeat = fn
	s.mu.Unlock()
}

// OnListen replaces the listen handler
func (s *TCPServer) OnListen(fn func(addr string)) {
	s.mu.Lock()
	s.onListen = fn
	s.mu.Unlock()
}

// OnStop replaces the stop handler
func (s *TCPServer) OnStop(fn func()) {
	s.mu.Lock()
	s.onStop = fn
	s.mu.Unlock()
}

// Listen is Connect under the server's name for it
func (s *TCPServer) Listen(ctx context.Context, cfg Config) error {
	return s.Connect(ctx, cfg)
}

// Stop is Disconnect under the server's name for it
func (s *TCPServer) Stop() error {
	return s.Disconnect()
}

// Connect binds the listener, starts the worker pool, the accept loop and the heartbeat
func (s *TCPServer) Connect(ctx context.Context, cfg Config) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.IsConnected() {
		s.logger.Debug("Server already listening")
		return nil
	}

	s.setConfig(cfg)

	settings, err := ParseTCPServerSettings(cfg)
	if err != nil {
		return s.failConnect(err)
	}
	encoder, err := s.newCodec(settings)
	if err != nil {
		return s.failConnect(wrapError(KindConfiguration, "listen", err, "invalid codec"))
	}

	s.settings = settings
	s.encoder = encoder
	s.setState(StateConnecting)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, settings.Network(), settings.Address())
	if err != nil {
		return s.failConnect(wrapError(KindConnection, "listen", err, "failed to listen on %s", settings.Address()))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(settings.ThreadPoolSize, settings.MaxConnections, s.serveClient)
	if err := pool.Start(runCtx); err != nil {
		cancel()
		_ = ln.Close()
		return s.failConnect(wrapError(KindConnection, "listen", err, "failed to start worker pool"))
	}

	s.clientsMu.Lock()
	s.maxConnections = settings.MaxConnections
	s.poolCapacity = settings.ThreadPoolSize + settings.MaxConnections
	s.statistics = ServerStatistics{
		MaxConnections: settings.MaxConnections,
		StartTime:      time.Now(),
	}
	s.clientsMu.Unlock()

	s.listener = ln
	s.pool = pool
	s.cancel = cancel
	s.acceptDone = make(chan struct{})

	go s.acceptLoop(runCtx, ln, s.acceptDone)
	s.scheduleHeartbeat(runCtx)

	addr := ln.Addr().String()
	s.setState(StateConnected)
	s.logger.Info("TCP server listening",
		zap.String("address", addr),
		zap.Int("max_connections", settings.MaxConnections),
		zap.Int("thread_pool_size", settings.ThreadPoolSize),
	)

	s.mu.RLock()
	onListen := s.onListen
	s.mu.RUnlock()
	if onListen != nil {
		s.safeCall("on_listen", func() { onListen(addr) })
	}
	s.emitConnect()
	return nil
}

func (s *TCPServer) newCodec(settings TCPServerSettings) (codec.Codec, error) {
	return codec.New(settings.Codec.Name, codec.Options{
		Delimiter: settings.Codec.Delimiter,
		Format:    settings.Codec.Format,
		Logger:    s.logger,
	})
}

// Disconnect notifies and closes every client, stops the pool and the listener
func (s *TCPServer) Disconnect() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	wasListening := s.listener != nil
	if wasListening {
		s.cancel()

		s.heartbeatMu.Lock()
		if s.heartbeatTimer != nil {
			s.heartbeatTimer.Stop()
			s.heartbeatTimer = nil
		}
		s.heartbeatMu.Unlock()

		if err := s.listener.Close(); err != nil && !isClosedConn(err) {
			s.logger.Debug("Error closing listener", zap.Error(err))
		}

		for _, id := range s.ConnectedClients() {
			s.notifyShutdown(id)
			s.removeClient(id, ClientInactive)
		}

		s.pool.Shutdown()
		if !waitDone(s.acceptDone, joinTimeout) {
			s.logger.Warn("Accept loop did not stop in time")
		}

		// clients accepted after the snapshot above
		for _, id := range s.ConnectedClients() {
			s.removeClient(id, ClientInactive)
		}

		s.listener = nil
		s.pool = nil
		s.logger.Info("TCP server stopped")
	}

	s.setState(StateDisconnected)
	if wasListening {
		s.mu.RLock()
		onStop := s.onStop
		s.mu.RUnlock()
		if onStop != nil {
			s.safeCall("on_stop", onStop)
		}
		s.emitDisconnect()
	}

	s.clearCallbacks()
	s.mu.Lock()
	s.onClientConnect = nil
	s.onClientData = nil
	s.onClientDisconnect = nil
	s.onHeartbeat = nil
	s.onListen = nil
	s.onStop = nil
	s.mu.Unlock()
	return nil
}

func (s *TCPServer) notifyShutdown(id string) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	cl, ok := s.clients[id]
	if !ok {
		return
	}
	if err := cl.conn.SetWriteDeadline(time.Now().Add(noticeWriteWindow)); err != nil {
		s.logger.Debug("Failed to set write deadline", zap.String("client_id", id), zap.Error(err))
	}
	if _, err := cl.conn.Write([]byte(shutdownNotice)); err != nil {
		s.logger.Debug("Failed to send shutdown notice", zap.String("client_id", id), zap.Error(err))
	}
}

// Addr returns the bound listener address, or "" when stopped
func (s *TCPServer) Addr() string {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *TCPServer) atCapacity() bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients) >= s.maxConnections
}

func (s *TCPServer) acceptLoop(ctx context.Context, ln net.Listener, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		// Full: leave pending connections in the backlog until a slot frees up
		if s.atCapacity() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(acceptPause):
			}
			continue
		}

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept failed", zap.Error(err))
			s.emitError(wrapError(KindIO, "accept", err, "accept failed"))
			select {
			case <-ctx.Done():
				return
			case <-time.After(acceptPause):
			}
			continue
		}

		s.addClient(conn)
	}
}

func (s *TCPServer) addClient(conn net.Conn) {
	cdc, err := s.newCodec(s.settings)
	if err != nil {
		// settings were validated on Listen
		cdc = codec.Raw{}
	}

	now := time.Now()
	cl := &serverClient{
		info: ClientInfo{
			ID:           uuid.New().String()[:8],
			RemoteAddr:   conn.RemoteAddr().String(),
			ConnectedAt:  now,
			LastActivity: now,
			Status:       ClientConnected,
		},
		conn:  conn,
		queue: make(chan interface{}, s.settings.QueueCapacity),
		codec: cdc,
	}

	s.clientsMu.Lock()
	s.clients[cl.info.ID] = cl
	s.statistics.TotalConnections++
	s.statistics.CurrentConnections = len(s.clients)
	s.clientsMu.Unlock()

	if err := s.pool.Submit(cl); err != nil {
		s.logger.Warn("Worker pool rejected client", zap.String("client_id", cl.info.ID), zap.Error(err))
		s.removeClient(cl.info.ID, ClientError)
		return
	}

	s.logger.Info("Client connected",
		zap.String("client_id", cl.info.ID),
		zap.String("remote_addr", cl.info.RemoteAddr),
	)

	s.mu.RLock()
	fn := s.onClientConnect
	s.mu.RUnlock()
	if fn != nil {
		s.safeCall("on_client_connect", func() { fn(cl.info.ID, cl.info.RemoteAddr) })
	}
}

// serveClient is the per-client receive loop run on the worker pool
func (s *TCPServer) serveClient(ctx context.Context, cl *serverClient) error {
	buf := make([]byte, s.settings.ReceiveBufferSize)

	for {
		n, err := cl.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.clientsMu.Lock()
			cl.info.BytesReceived += uint64(n)
			cl.info.LastActivity = time.Now()
			s.statistics.TotalReceived += uint64(n)
			s.clientsMu.Unlock()
			s.recordReceived(n)

			for _, frame := range cl.codec.Decode(chunk) {
				select {
				case cl.queue <- frame:
				default:
					s.logger.Warn("Client receive queue full, dropping frame", zap.String("client_id", cl.info.ID))
				}
				s.dispatchClientData(cl.info.ID, frame)
			}
		}

		if err != nil {
			status := ClientInactive
			if ctx.Err() == nil && !isClosedConn(err) {
				status = ClientError
				s.clientsMu.Lock()
				cl.info.ErrorCount++
				s.statistics.ErrorCount++
				s.clientsMu.Unlock()
				s.logger.Warn("Client read failed", zap.String("client_id", cl.info.ID), zap.Error(err))
				s.emitError(wrapError(KindIO, "receive", err, "read from client %s failed", cl.info.ID))
			}
			s.removeClient(cl.info.ID, status)
			return nil
		}
	}
}

func (s *TCPServer) dispatchClientData(id string, frame interface{}) {
	s.mu.RLock()
	fn := s.onClientData
	s.mu.RUnlock()
	if fn != nil {
		s.safeCall("on_client_data", func() { fn(id, frame) })
	}
	s.emitReceive(ClientMessage{ClientID: id, Data: frame})
}

// removeClient closes and forgets a client. on_client_disconnect fires only
// for the caller that actually removed it.
func (s *TCPServer) removeClient(id string, status ClientStatus) {
	s.clientsMu.Lock()
	cl, ok := s.clients[id]
	var received, sent uint64
	if ok {
		cl.info.Status = status
		received, sent = cl.info.BytesReceived, cl.info.BytesSent
		delete(s.clients, id)
		s.statistics.CurrentConnections = len(s.clients)
	}
	s.clientsMu.Unlock()

	if !ok {
		return
	}
	cl.close()

	s.logger.Info("Client disconnected",
		zap.String("client_id", id),
		zap.String("status", string(status)),
		zap.Uint64("bytes_received", received),
		zap.Uint64("bytes_sent", sent),
	)

	s.mu.RLock()
	fn := s.onClientDisconnect
	s.mu.RUnlock()
	if fn != nil {
		s.safeCall("on_client_disconnect", func() { fn(id) })
	}
}

// SendTo writes payload to one client. A failed write evicts the client.
func (s *TCPServer) SendTo(id string, payload interface{}) error {
	if !s.IsConnected() {
		return withOp(ErrNotConnected, "send_to")
	}

	data, err := s.encoder.Encode(payload)
	if err != nil {
		return wrapError(KindConfiguration, "send_to", err, "failed to encode payload")
	}

	s.clientsMu.Lock()
	cl, ok := s.clients[id]
	if !ok {
		s.clientsMu.Unlock()
		return newError(KindConnection, "send_to", "unknown client %s", id)
	}

	var n int
	if s.settings.ConnectionTimeout > 0 {
		err = cl.conn.SetWriteDeadline(time.Now().Add(s.settings.ConnectionTimeout))
	}
	if err == nil {
		n, err = cl.conn.Write(data)
	}
	if err != nil {
		cl.info.ErrorCount++
		s.statistics.ErrorCount++
		s.clientsMu.Unlock()

		werr := wrapError(KindIO, "send_to", err, "write to client %s failed", id)
		s.logger.Warn("Failed to send to client", zap.String("client_id", id), zap.Error(err))
		s.removeClient(id, ClientError)
		s.emitError(werr)
		return werr
	}

	cl.info.BytesSent += uint64(n)
	cl.info.LastActivity = time.Now()
	s.statistics.TotalSent += uint64(n)
	s.clientsMu.Unlock()

	s.recordSent(n)
	return nil
}

// Broadcast sends payload to every connected client and returns the number of successful sends
func (s *TCPServer) Broadcast(payload interface{}) int {
	sent := 0
	for _, id := range s.ConnectedClients() {
		if err := s.SendTo(id, payload); err == nil {
			sent++
		}
	}
	return sent
}

// Send broadcasts payload. It fails when no client received it.
func (s *TCPServer) Send(payload interface{}) error {
	if !s.IsConnected() {
		return withOp(ErrNotConnected, "send")
	}
	if s.Broadcast(payload) == 0 {
		return newError(KindConnection, "send", "no client received the payload")
	}
	return nil
}

// Receive returns the next frame from any client as a ClientMessage
func (s *TCPServer) Receive(timeout time.Duration) (interface{}, bool) {
	msg, ok := s.ReceiveFrom("", timeout)
	if !ok {
		return nil, false
	}
	return msg, true
}

// ReceiveFrom waits up to timeout for a frame from the given client.
// An empty id takes the first frame available from any client.
func (s *TCPServer) ReceiveFrom(id string, timeout time.Duration) (ClientMessage, bool) {
	if id == "" {
		return s.receiveAny(timeout)
	}

	s.clientsMu.Lock()
	cl, ok := s.clients[id]
	s.clientsMu.Unlock()
	if !ok {
		return ClientMessage{}, false
	}

	if timeout <= 0 {
		select {
		case v := <-cl.queue:
			return ClientMessage{ClientID: id, Data: v}, true
		default:
			return ClientMessage{}, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-cl.queue:
		return ClientMessage{ClientID: id, Data: v}, true
	case <-timer.C:
		return ClientMessage{}, false
	}
}

func (s *TCPServer) receiveAny(timeout time.Duration) (ClientMessage, bool) {
	deadline := time.Now().Add(timeout)
	for {
		s.clientsMu.Lock()
		for id, cl := range s.clients {
			select {
			case v := <-cl.queue:
				s.clientsMu.Unlock()
				return ClientMessage{ClientID: id, Data: v}, true
			default:
			}
		}
		s.clientsMu.Unlock()

		if !time.Now().Before(deadline) {
			return ClientMessage{}, false
		}
		time.Sleep(anyClientPoll)
	}
}

// ConnectedClients returns the ids of all registered clients
func (s *TCPServer) ConnectedClients() []string {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

// ClientInfo returns a snapshot of one client
func (s *TCPServer) ClientInfo(id string) (ClientInfo, bool) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	cl, ok := s.clients[id]
	if !ok {
		return ClientInfo{}, false
	}
	return cl.info, true
}

// Statistics returns a snapshot of the server statistics
func (s *TCPServer) Statistics() ServerStatistics {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	stats := s.statistics
	stats.CurrentConnections = len(s.clients)
	return stats
}

// ResetStatistics clears the counters, keeping the current connection count
func (s *TCPServer) ResetStatistics() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	s.statistics = ServerStatistics{
		CurrentConnections: len(s.clients),
		MaxConnections:     s.maxConnections,
		StartTime:          time.Now(),
	}
}

// SetMaxConnections changes the client limit; existing clients are kept.
// While listening the limit cannot exceed what the worker pool can hold.
func (s *TCPServer) SetMaxConnections(n int) {
	if n <= 0 {
		return
	}
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	if s.poolCapacity > 0 && n > s.poolCapacity {
		s.logger.Warn("Max connections capped at worker pool capacity",
			zap.Int("requested", n),
			zap.Int("capacity", s.poolCapacity),
		)
		n = s.poolCapacity
	}
	s.maxConnections = n
	s.statistics.MaxConnections = n
}

func (s *TCPServer) scheduleHeartbeat(ctx context.Context) {
	interval := s.settings.HeartbeatInterval
	if interval <= 0 {
		return
	}

	s.heartbeatMu.Lock()
	defer s.heartbeatMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	s.heartbeatTimer = time.AfterFunc(interval, func() { s.heartbeat(ctx) })
}

// heartbeat evicts clients idle for longer than connectionTimeout and re-arms itself
func (s *TCPServer) heartbeat(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	defer s.scheduleHeartbeat(ctx)

	if s.settings.ConnectionTimeout > 0 {
		cutoff := time.Now().Add(-s.settings.ConnectionTimeout)

		var idle []string
		s.clientsMu.Lock()
		for id, cl := range s.clients {
			if cl.info.LastActivity.Before(cutoff) {
				idle = append(idle, id)
			}
		}
		s.clientsMu.Unlock()

		for _, id := range idle {
			s.logger.Info("Evicting idle client", zap.String("client_id", id))
			s.removeClient(id, ClientInactive)
		}
	}

	s.mu.RLock()
	fn := s.onHeartbeat
	s.mu.RUnlock()
	if fn != nil {
		s.safeCall("on_heartbeat", fn)
	}
}
