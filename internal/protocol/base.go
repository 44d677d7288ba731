// internal/protocol/base.go
package protocol

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// joinTimeout bounds how long Disconnect waits for background goroutines.
// A goroutine that misses it is abandoned; its socket is already closed.
const joinTimeout = 2 * time.Second

// baseConnection carries the state machine, callbacks and statistics shared by all adapters
type baseConnection struct {
	protocolType ProtocolType
	logger       *zap.Logger

	stateMu sync.RWMutex
	state   ConnectionState

	mu        sync.RWMutex
	callbacks Callbacks
	observer  Observer
	config    Config
	stats     Stats
}

func (b *baseConnection) init(protocolType ProtocolType, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b.protocolType = protocolType
	b.logger = logger.With(zap.String("protocol", string(protocolType)))
	b.state = StateDisconnected
}

// Type returns the adapter type
func (b *baseConnection) Type() ProtocolType {
	return b.protocolType
}

// State returns the current connection state
func (b *baseConnection) State() ConnectionState {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state
}

// IsConnected reports whether the adapter is in StateConnected
func (b *baseConnection) IsConnected() bool {
	return b.State() == StateConnected
}

func (b *baseConnection) setState(state ConnectionState) {
	b.stateMu.Lock()
	old := b.state
	b.state = state
	b.stateMu.Unlock()

	if old == state {
		return
	}

	b.logger.Debug("State changed",
		zap.Stringer("from", old),
		zap.Stringer("to", state),
	)
	b.notify(Event{Kind: EventStateChanged, State: state})
}

// Config returns a copy of the configuration used by the last Connect
func (b *baseConnection) Config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config.Clone()
}

func (b *baseConnection) setConfig(cfg Config) {
	b.mu.Lock()
	b.config = cfg.Clone()
	b.mu.Unlock()
}

// OnConnect replaces the connect handler
func (b *baseConnection) OnConnect(fn func()) {
	b.mu.Lock()
	b.callbacks.OnConnect = fn
	b.mu.Unlock()
}

// OnDisconnect replaces the disconnect handler
func (b *baseConnection) OnDisconnect(fn func()) {
	b.mu.Lock()
	b.callbacks.OnDisconnect = fn
	b.mu.Unlock()
}

// OnError replaces the error handler
func (b *baseConnection) OnError(fn func(err error)) {
	b.mu.Lock()
	b.callbacks.OnError = fn
	b.mu.Unlock()
}

// HasErrorHandler reports whether an error handler is installed
func (b *baseConnection) HasErrorHandler() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.callbacks.OnError != nil
}

// OnReceive replaces the receive handler
func (b *baseConnection) OnReceive(fn func(data interface{})) {
	b.mu.Lock()
	b.callbacks.OnReceive = fn
	b.mu.Unlock()
}

// SetObserver installs the lifecycle tap
func (b *baseConnection) SetObserver(observer Observer) {
	b.mu.Lock()
	b.observer = observer
	b.mu.Unlock()
}

func (b *baseConnection) clearCallbacks() {
	b.mu.Lock()
	b.callbacks = Callbacks{}
	b.mu.Unlock()
}

// Stats returns a snapshot of the transfer statistics
func (b *baseConnection) Stats() Stats {
	b.mu.RLock()
	stats := b.stats
	b.mu.RUnlock()

	stats.IsConnected = b.IsConnected()
	return stats
}

func (b *baseConnection) recordSent(n int) {
	b.mu.Lock()
	b.stats.BytesWritten += uint64(n)
	b.stats.OperationCount++
	b.stats.LastActivity = time.Now()
	b.mu.Unlock()

	b.notify(Event{Kind: EventSent, Bytes: n})
}

func (b *baseConnection) recordReceived(n int) {
	b.mu.Lock()
	b.stats.BytesRead += uint64(n)
	b.stats.LastActivity = time.Now()
	b.mu.Unlock()

	b.notify(Event{Kind: EventReceived, Bytes: n})
}

func (b *baseConnection) emitConnect() {
	b.mu.RLock()
	fn := b.callbacks.OnConnect
	b.mu.RUnlock()

	if fn != nil {
		b.safeCall("on_connect", fn)
	}
}

func (b *baseConnection) emitDisconnect() {
	b.mu.RLock()
	fn := b.callbacks.OnDisconnect
	b.mu.RUnlock()

	if fn != nil {
		b.safeCall("on_disconnect", fn)
	}
}

func (b *baseConnection) emitError(err error) {
	b.mu.Lock()
	b.stats.ErrorCount++
	fn := b.callbacks.OnError
	b.mu.Unlock()

	b.notify(Event{Kind: EventError, Err: err})

	if fn != nil {
		b.safeCall("on_error", func() { fn(err) })
	}
}

func (b *baseConnection) emitReceive(data interface{}) {
	b.mu.RLock()
	fn := b.callbacks.OnReceive
	b.mu.RUnlock()

	if fn != nil {
		b.safeCall("on_receive", func() { fn(data) })
	}
}

// failConnect moves the adapter to StateError and reports err exactly once
func (b *baseConnection) failConnect(err error) error {
	b.setState(StateError)
	b.logger.Error("Connection failed", zap.Error(err))
	b.emitError(err)
	return err
}

func (b *baseConnection) notify(event Event) {
	b.mu.RLock()
	observer := b.observer
	b.mu.RUnlock()

	if observer == nil {
		return
	}

	event.Protocol = b.protocolType
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	if event.Kind != EventStateChanged {
		event.State = b.State()
	}
	b.safeCall("observer", func() { observer(event) })
}

// safeCall runs a user callback and keeps a panic from escaping into a background goroutine
func (b *baseConnection) safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Callback panicked",
				zap.String("event", event),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

// waitDone waits for a goroutine to signal completion, giving up after timeout
func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	if done == nil {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
