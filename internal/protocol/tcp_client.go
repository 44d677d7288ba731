// internal/protocol/tcp_client.go
package protocol

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"comm-service/internal/protocol/codec"
	"comm-service/internal/retry"
)

const tcpReadBufferSize = 4096

// SendStatus is the lifecycle of a queued SendRequest
type SendStatus string

const (
	SendPending SendStatus = "pending"
	SendSending SendStatus = "sending"
	SendSuccess SendStatus = "success"
	SendFailed  SendStatus = "failed"
)

// SendOptions overrides per-request send behaviour
type SendOptions struct {
	// MaxRetry replaces the adapter's maxRetry when not nil
	MaxRetry *int
	// Timeout replaces the adapter's sendTimeout when positive
	Timeout time.Duration
}

// SendRequest is one payload travelling through the send pipeline
type SendRequest struct {
	ID       string
	Payload  interface{}
	Callback func(id string, err error)
	Options  SendOptions

	mu          sync.Mutex
	status      SendStatus
	retryCount  int
	createdAt   time.Time
	completedAt time.Time
	lastErr     error
}

// RequestStatus is a snapshot of a SendRequest
type RequestStatus struct {
	ID          string     `json:"id"`
	Status      SendStatus `json:"status"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (r *SendRequest) setStatus(status SendStatus, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	if err != nil {
		r.lastErr = err
	}
	if status == SendSuccess || status == SendFailed {
		r.completedAt = time.Now()
	}
}

func (r *SendRequest) incRetry() {
	r.mu.Lock()
	r.retryCount++
	r.mu.Unlock()
}

func (r *SendRequest) snapshot() RequestStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := RequestStatus{
		ID:          r.ID,
		Status:      r.status,
		RetryCount:  r.retryCount,
		CreatedAt:   r.createdAt,
		CompletedAt: r.completedAt,
	}
	if r.lastErr != nil {
		s.Error = r.lastErr.Error()
	}
	return s
}

// SendStatistics summarises the send pipeline
type SendStatistics struct {
	SendCount    uint64        `json:"send_count"`
	SendSuccess  uint64        `json:"send_success"`
	SendFailure  uint64        `json:"send_failure"`
	SendRetry    uint64        `json:"send_retry"`
	SendBytes    uint64        `json:"send_bytes"`
	SendTime     time.Duration `json:"send_time"`
	LastSendTime time.Time     `json:"last_send_time"`
	AvgSendTime  time.Duration `json:"avg_send_time"`
}

// tcpSession holds the resources of one established connection
type tcpSession struct {
	conn         net.Conn
	cancel       context.CancelFunc
	ctx          context.Context
	sendQueue    chan *SendRequest
	receiveQueue chan interface{}
	recvDone     chan struct{}
	sendDone     chan struct{}

	healthMu    sync.Mutex
	healthTimer *time.Timer
}

// TCPClient is an outbound stream socket with a queued send pipeline
type TCPClient struct {
	baseConnection

	// lifecycleMu serializes Connect, Disconnect, loss handling and reconnects
	lifecycleMu    sync.Mutex
	settings       TCPClientSettings
	codec          codec.Codec
	epoch          uint64
	reconnectTimer *time.Timer

	sessionMu sync.RWMutex
	session   *tcpSession

	writeMu  sync.Mutex
	requests *xsync.MapOf[string, *SendRequest]

	statsMu   sync.Mutex
	sendStats SendStatistics

	onSendSuccess func(id string, bytes int, elapsed time.Duration)
	onSendFailure func(id string, err error)
	onHealthCheck func()
}

// NewTCPClient creates a disconnected TCP client
func NewTCPClient(logger *zap.Logger) *TCPClient {
	c := &TCPClient{
		requests: xsync.NewMapOf[string, *SendRequest](),
	}
	c.init(TypeTCPClient, logger)
	return c
}

// OnSendSuccess replaces the send success handler
func (c *TCPClient) OnSendSuccess(fn func(id string, bytes int, elapsed time.Duration)) {
	c.mu.Lock()
	c.onSendSuccess = fn
	c.mu.Unlock()
}

// OnSendFailure replaces the send failure handler
func (c *TCPClient) OnSendFailure(fn func(id string, err error)) {
	c.mu.Lock()
	c.onSendFailure = fn
	c.mu.Unlock()
}

// OnHealthCheck replaces the health check handler
func (c *TCPClient) OnHealthCheck(fn func()) {
	c.mu.Lock()
	c.onHealthCheck = fn
	c.mu.Unlock()
}

// Connect dials the configured host and starts the receive and send loops
func (c *TCPClient) Connect(ctx context.Context, cfg Config) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	return c.connectLocked(ctx, cfg)
}

func (c *TCPClient) connectLocked(ctx context.Context, cfg Config) error {
	if c.IsConnected() {
		c.logger.Debug("Already connected")
		return nil
	}

	c.setConfig(cfg)

	settings, err := ParseTCPClientSettings(cfg)
	if err != nil {
		return c.failConnect(err)
	}
	cdc, err := codec.New(settings.Codec.Name, codec.Options{
		Delimiter: settings.Codec.Delimiter,
		Format:    settings.Codec.Format,
		Logger:    c.logger,
	})
	if err != nil {
		return c.failConnect(wrapError(KindConfiguration, "connect", err, "invalid codec"))
	}

	c.settings = settings
	c.codec = cdc
	c.setState(StateConnecting)

	address := settings.Address()
	c.logger.Info("Opening TCP connection",
		zap.String("address", address),
		zap.Duration("timeout", settings.Timeout),
	)

	dialer := &net.Dialer{Timeout: settings.Timeout, KeepAlive: -1}
	if settings.KeepAlive {
		dialer.KeepAlive = 60 * time.Second
	}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		kind := KindConnection
		if KindOf(err) == KindTimeout {
			kind = KindTimeout
		}
		return c.failConnect(wrapError(kind, "connect", err, "failed to connect to %s", address))
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(settings.TCPNoDelay); err != nil {
			c.logger.Warn("Failed to set TCP_NODELAY", zap.Error(err))
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &tcpSession{
		conn:         conn,
		ctx:          runCtx,
		cancel:       cancel,
		sendQueue:    make(chan *SendRequest, settings.QueueCapacity),
		receiveQueue: make(chan interface{}, settings.QueueCapacity),
		recvDone:     make(chan struct{}),
		sendDone:     make(chan struct{}),
	}

	c.sessionMu.Lock()
	c.session = s
	c.sessionMu.Unlock()

	go c.receiveLoop(s)
	go c.sendLoop(s)
	c.scheduleHealthCheck(s)

	c.setState(StateConnected)
	c.logger.Info("TCP connection opened successfully", zap.String("address", address))
	c.emitConnect()
	return nil
}

// Disconnect stops the loops, closes the socket and clears callbacks
func (c *TCPClient) Disconnect() error {
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
		c.teardown(s)
		c.failQueued(s, withOp(ErrNotConnected, "disconnect"))
		c.logger.Info("TCP connection closed")
	}

	c.setState(StateDisconnected)
	if wasActive {
		c.emitDisconnect()
	}

	c.clearCallbacks()
	c.mu.Lock()
	c.onSendSuccess = nil
	c.onSendFailure = nil
	c.onHealthCheck = nil
	c.mu.Unlock()
	return nil
}

// detachSession removes the current session so no new work reaches it
func (c *TCPClient) detachSession() *tcpSession {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	s := c.session
	c.session = nil
	return s
}

// teardown releases a detached session and waits a bounded time for its loops
func (c *TCPClient) teardown(s *tcpSession) {
	s.cancel()

	s.healthMu.Lock()
	if s.healthTimer != nil {
		s.healthTimer.Stop()
	}
	s.healthMu.Unlock()

	if err := s.conn.Close(); err != nil && !isClosedConn(err) {
		c.logger.Debug("Error closing socket", zap.Error(err))
	}

	if !waitDone(s.recvDone, joinTimeout) {
		c.logger.Warn("Receive loop did not stop in time")
	}
	if !waitDone(s.sendDone, joinTimeout) {
		c.logger.Warn("Send loop did not stop in time")
	}
}

// failQueued drops requests still waiting in a session's send queue
func (c *TCPClient) failQueued(s *tcpSession, err error) int {
	cleared := 0
	for {
		select {
		case req := <-s.sendQueue:
			req.setStatus(SendFailed, err)
			c.requests.Delete(req.ID)
			cleared++
		default:
			return cleared
		}
	}
}

func (c *TCPClient) currentSession() *tcpSession {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.session
}

// Send queues payload for transmission. It fails immediately when the
// adapter is not connected or the queue is full.
func (c *TCPClient) Send(payload interface{}) error {
	_, err := c.enqueue(payload, nil, SendOptions{})
	return err
}

// SendWithCallback queues payload and returns the request id. cb receives
// (id, nil) on success and ("", err) on failure, including enqueue failure.
func (c *TCPClient) SendWithCallback(payload interface{}, cb func(id string, err error), opts SendOptions) (string, error) {
	id, err := c.enqueue(payload, cb, opts)
	if err != nil && cb != nil {
		c.safeCall("send_callback", func() { cb("", err) })
	}
	return id, err
}

func (c *TCPClient) enqueue(payload interface{}, cb func(string, error), opts SendOptions) (string, error) {
	if !c.IsConnected() {
		return "", withOp(ErrNotConnected, "send")
	}
	s := c.currentSession()
	if s == nil {
		return "", withOp(ErrNotConnected, "send")
	}

	req := &SendRequest{
		ID:        uuid.New().String(),
		Payload:   payload,
		Callback:  cb,
		Options:   opts,
		status:    SendPending,
		createdAt: time.Now(),
	}

	c.requests.Store(req.ID, req)
	select {
	case s.sendQueue <- req:
		return req.ID, nil
	default:
		c.requests.Delete(req.ID)
		c.logger.Warn("Send queue full, dropping payload", zap.Int("capacity", cap(s.sendQueue)))
		return "", withOp(ErrQueueFull, "send")
	}
}

// Receive returns the next received frame, waiting up to timeout.
// A non-positive timeout polls without waiting.
func (c *TCPClient) Receive(timeout time.Duration) (interface{}, bool) {
	s := c.currentSession()
	if s == nil {
		return nil, false
	}

	if timeout <= 0 {
		select {
		case v := <-s.receiveQueue:
			return v, true
		default:
			return nil, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-s.receiveQueue:
		return v, true
	case <-timer.C:
		return nil, false
	}
}

func (c *TCPClient) sendLoop(s *tcpSession) {
	defer close(s.sendDone)

	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.sendQueue:
			c.processRequest(s, req)
		}
	}
}

func (c *TCPClient) processRequest(s *tcpSession, req *SendRequest) {
	req.setStatus(SendSending, nil)

	maxRetry := c.settings.MaxRetry
	if req.Options.MaxRetry != nil && *req.Options.MaxRetry >= 0 {
		maxRetry = *req.Options.MaxRetry
	}
	timeout := c.settings.SendTimeout
	if req.Options.Timeout > 0 {
		timeout = req.Options.Timeout
	}

	data, err := c.codec.Encode(req.Payload)
	if err != nil {
		c.completeFailure(req, wrapError(KindConfiguration, "send", err, "failed to encode payload"))
		return
	}
	if c.settings.Compression {
		data, _ = codec.MaybeCompress(data)
	}

	var elapsed time.Duration
	err = retry.Do(s.ctx, retry.Fixed(maxRetry, c.settings.RetryInterval), func() error {
		if !c.IsConnected() {
			return retry.NonRetryable(withOp(ErrNotConnected, "send"))
		}

		start := time.Now()
		if err := c.write(s.conn, data, timeout); err != nil {
			req.incRetry()
			c.statsMu.Lock()
			c.sendStats.SendRetry++
			c.statsMu.Unlock()
			c.logger.Debug("Send attempt failed", zap.String("request_id", req.ID), zap.Error(err))
			return err
		}
		elapsed = time.Since(start)
		return nil
	})

	if err != nil {
		c.completeFailure(req, wrapError(KindIO, "send", err, "failed to send request %s", req.ID))
		return
	}

	c.statsMu.Lock()
	c.sendStats.SendCount++
	c.sendStats.SendSuccess++
	c.sendStats.SendBytes += uint64(len(data))
	c.sendStats.SendTime += elapsed
	c.sendStats.LastSendTime = time.Now()
	c.sendStats.AvgSendTime = c.sendStats.SendTime / time.Duration(c.sendStats.SendCount)
	c.statsMu.Unlock()

	c.recordSent(len(data))
	req.setStatus(SendSuccess, nil)
	c.requests.Delete(req.ID)

	if req.Callback != nil {
		c.safeCall("send_callback", func() { req.Callback(req.ID, nil) })
	}

	c.mu.RLock()
	fn := c.onSendSuccess
	c.mu.RUnlock()
	if fn != nil {
		c.safeCall("on_send_success", func() { fn(req.ID, len(data), elapsed) })
	}
}

func (c *TCPClient) completeFailure(req *SendRequest, err error) {
	c.statsMu.Lock()
	c.sendStats.SendFailure++
	c.statsMu.Unlock()

	req.setStatus(SendFailed, err)
	c.requests.Delete(req.ID)
	c.logger.Error("Failed to send data", zap.String("request_id", req.ID), zap.Error(err))

	if req.Callback != nil {
		c.safeCall("send_callback", func() { req.Callback("", err) })
	}

	c.mu.RLock()
	fn := c.onSendFailure
	c.mu.RUnlock()
	if fn != nil {
		c.safeCall("on_send_failure", func() { fn(req.ID, err) })
	}

	c.emitError(err)
}

// write sends data as one unit so frames from concurrent writers never interleave
func (c *TCPClient) write(conn net.Conn, data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := conn.Write(data)
	return err
}

func (c *TCPClient) receiveLoop(s *tcpSession) {
	defer close(s.recvDone)

	buf := make([]byte, tcpReadBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.recordReceived(n)

			for _, frame := range c.codec.Decode(chunk) {
				select {
				case s.receiveQueue <- frame:
				default:
					c.logger.Warn("Receive queue full, dropping frame")
				}
				c.emitReceive(frame)
			}
		}

		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if !isClosedConn(err) {
				c.logger.Warn("Receive failed", zap.Error(err))
				c.emitError(wrapError(KindIO, "receive", err, "read failed"))
			} else {
				c.logger.Info("Connection closed by peer")
			}
			go c.connectionLost(s)
			return
		}
	}
}

// connectionLost handles a socket the peer closed or that failed mid-session
func (c *TCPClient) connectionLost(s *tcpSession) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.currentSession() != s {
		return
	}
	c.detachSession()
	c.teardown(s)
	c.failQueued(s, withOp(ErrNotConnected, "send"))
	c.codec.Reset()

	if c.settings.AutoReconnect {
		c.setState(StateConnecting)
		c.scheduleReconnect()
		return
	}

	c.setState(StateDisconnected)
	c.emitDisconnect()
}

// scheduleReconnect arms a one-shot reconnect timer. Caller holds lifecycleMu.
func (c *TCPClient) scheduleReconnect() {
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

func (c *TCPClient) scheduleHealthCheck(s *tcpSession) {
	interval := c.settings.HealthCheckInterval
	if interval <= 0 {
		return
	}

	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.healthTimer = time.AfterFunc(interval, func() { c.healthCheck(s) })
}

// healthCheck probes the socket with a zero-length write and re-arms itself
func (c *TCPClient) healthCheck(s *tcpSession) {
	if s.ctx.Err() != nil {
		return
	}
	defer c.scheduleHealthCheck(s)

	if c.IsConnected() {
		if err := c.write(s.conn, []byte{}, c.settings.SendTimeout); err != nil {
			c.logger.Warn("Health check probe failed", zap.Error(err))
			return
		}
	}

	c.mu.RLock()
	fn := c.onHealthCheck
	c.mu.RUnlock()
	if fn != nil {
		c.safeCall("on_health_check", fn)
	}
}

// QueueSize returns the number of requests waiting to be sent
func (c *TCPClient) QueueSize() int {
	s := c.currentSession()
	if s == nil {
		return 0
	}
	return len(s.sendQueue)
}

// ClearQueue drops all queued requests and returns how many were removed
func (c *TCPClient) ClearQueue() int {
	s := c.currentSession()
	if s == nil {
		return 0
	}
	cleared := c.failQueued(s, newError(KindCapacity, "clear_queue", "request cleared from queue"))
	if cleared > 0 {
		c.logger.Info("Cleared send queue", zap.Int("count", cleared))
	}
	return cleared
}

// RequestStatus looks up a request that is still queued or in flight
func (c *TCPClient) RequestStatus(id string) (RequestStatus, bool) {
	req, ok := c.requests.Load(id)
	if !ok {
		return RequestStatus{}, false
	}
	return req.snapshot(), true
}

// PendingRequests returns the number of queued or in-flight requests
func (c *TCPClient) PendingRequests() int {
	return c.requests.Size()
}

// Statistics returns a snapshot of the send statistics
func (c *TCPClient) Statistics() SendStatistics {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.sendStats
}

// ResetStatistics clears the send statistics
func (c *TCPClient) ResetStatistics() {
	c.statsMu.Lock()
	c.sendStats = SendStatistics{}
	c.statsMu.Unlock()
}
