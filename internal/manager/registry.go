// internal/manager/registry.go
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"comm-service/internal/protocol"
	"comm-service/internal/utils"
)

// ErrAdapterNotFound is returned for names that are not registered
var ErrAdapterNotFound = errors.New("adapter not found")

// Observer receives the lifecycle events of every registered adapter
type Observer interface {
	ObserveAdapter(name string, event protocol.Event)
}

// Lifecycle is notified when adapters are registered or dropped
type Lifecycle interface {
	AdapterCreated(name string, protocolType protocol.ProtocolType)
	AdapterRemoved(name string, protocolType protocol.ProtocolType)
}

// Options configures a Registry
type Options struct {
	Logger *zap.Logger
	// Defaults are merged under every config passed to Connect
	Defaults protocol.Config
	// Observers receive adapter events; an observer that also implements
	// Lifecycle is told about creation and removal
	Observers []Observer
	// Protocol is handed to every adapter constructor
	Protocol protocol.Options
}

// AdapterStats is the per-adapter summary returned by Stats
type AdapterStats struct {
	Type      protocol.ProtocolType    `json:"type"`
	Connected bool                     `json:"connected"`
	State     protocol.ConnectionState `json:"state"`
	Config    protocol.Config          `json:"config"`
	Stats     protocol.Stats           `json:"stats"`
}

// Registry creates, names and tracks adapters. It is created once at startup
// and passed to every consumer.
type Registry struct {
	base      *zap.Logger
	logger    *zap.Logger
	defaults  protocol.Config
	observers []Observer
	opts      protocol.Options

	mu       sync.RWMutex
	adapters map[string]protocol.Connection
	configs  map[string]protocol.Config
	seq      int
}

// NewRegistry creates an empty registry
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	protoOpts := opts.Protocol
	if protoOpts.Logger == nil {
		protoOpts.Logger = logger
	}

	return &Registry{
		base:      logger,
		logger:    logger.With(zap.String("component", "registry")),
		defaults:  opts.Defaults.Clone(),
		observers: opts.Observers,
		opts:      protoOpts,
		adapters:  make(map[string]protocol.Connection),
		configs:   make(map[string]protocol.Config),
	}
}

// Create returns the adapter registered under name, or constructs and registers
// a new one. An empty name is replaced by a generated one.
func (r *Registry) Create(protocolType protocol.ProtocolType, name string) (protocol.Connection, error) {
	_, conn, err := r.create(protocolType, name)
	return conn, err
}

// Register is Create that also reports the effective name
func (r *Registry) Register(protocolType protocol.ProtocolType, name string) (string, protocol.Connection, error) {
	return r.create(protocolType, name)
}

func (r *Registry) create(protocolType protocol.ProtocolType, name string) (string, protocol.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		r.seq++
		name = fmt.Sprintf("%s_%d", protocolType, r.seq)
	}

	if existing, ok := r.adapters[name]; ok {
		if existing.Type() != protocolType {
			r.logger.Warn("Adapter already registered with another type, returning existing instance",
				zap.String("adapter", name),
				zap.String("existing_type", string(existing.Type())),
				zap.String("requested_type", string(protocolType)),
			)
		}
		return name, existing, nil
	}

	opts := r.opts
	opts.Logger = r.opts.Logger.With(zap.String("adapter", name))
	conn, err := protocol.NewConnection(protocolType, opts)
	if err != nil {
		return "", nil, err
	}

	adapterLogger := utils.NewAdapterLogger(r.base, name, protocolType)
	conn.OnError(logAdapterError(adapterLogger))
	conn.SetObserver(func(event protocol.Event) {
		if event.Kind == protocol.EventSent || event.Kind == protocol.EventReceived {
			adapterLogger.LogTransfer(string(event.Kind), event.Bytes)
		}
		for _, o := range r.observers {
			o.ObserveAdapter(name, event)
		}
	})

	r.adapters[name] = conn
	for _, o := range r.observers {
		if l, ok := o.(Lifecycle); ok {
			l.AdapterCreated(name, protocolType)
		}
	}

	r.logger.Info("Adapter created", zap.String("adapter", name), zap.String("protocol", string(protocolType)))
	return name, conn, nil
}

func logAdapterError(logger *utils.AdapterLogger) func(error) {
	return func(err error) {
		logger.Error("Adapter error", zap.Error(err))
	}
}

// Get returns the adapter registered under name
func (r *Registry) Get(name string) (protocol.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.adapters[name]
	return conn, ok
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configure stores the config used when Connect is called without one
func (r *Registry) Configure(name string, cfg protocol.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; !ok {
		return fmt.Errorf("%w: %s", ErrAdapterNotFound, name)
	}
	r.configs[name] = cfg.Clone()
	return nil
}

// Validate checks cfg, layered over the registry defaults, for the given adapter type
func (r *Registry) Validate(protocolType protocol.ProtocolType, cfg protocol.Config) error {
	r.mu.RLock()
	merged := cfg.Merge(r.defaults)
	r.mu.RUnlock()
	return protocol.ValidateConfig(protocolType, merged)
}

// Connect connects a registered adapter with cfg layered over the registry defaults.
// An empty cfg reuses the last config stored for the adapter.
func (r *Registry) Connect(ctx context.Context, name string, cfg protocol.Config) error {
	conn, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAdapterNotFound, name)
	}
	return r.connect(ctx, name, conn, cfg)
}

func (r *Registry) connect(ctx context.Context, name string, conn protocol.Connection, cfg protocol.Config) error {
	r.mu.Lock()
	if len(cfg) == 0 {
		cfg = r.configs[name]
	} else if _, ok := r.adapters[name]; ok {
		r.configs[name] = cfg.Clone()
	}
	r.mu.Unlock()

	// Disconnect clears callbacks; put the default error logger back
	if !conn.HasErrorHandler() {
		conn.OnError(logAdapterError(utils.NewAdapterLogger(r.base, name, conn.Type())))
	}

	merged := cfg.Merge(r.defaults)
	err := conn.Connect(ctx, merged)
	utils.NewAdapterLogger(r.base, name, conn.Type()).LogConnection("connect", err == nil, err)
	if err != nil {
		return fmt.Errorf("failed to connect adapter %s: %w", name, err)
	}
	return nil
}

// Disconnect disconnects a registered adapter without removing it
func (r *Registry) Disconnect(name string) error {
	conn, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAdapterNotFound, name)
	}
	return conn.Disconnect()
}

// DisconnectAll disconnects every registered adapter
func (r *Registry) DisconnectAll() {
	for _, conn := range r.snapshot() {
		if err := conn.Disconnect(); err != nil {
			r.logger.Warn("Failed to disconnect adapter", zap.String("protocol", string(conn.Type())), zap.Error(err))
		}
	}
	r.logger.Info("All adapters disconnected")
}

// Remove disconnects and drops an adapter
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	conn, ok := r.adapters[name]
	if ok {
		delete(r.adapters, name)
		delete(r.configs, name)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrAdapterNotFound, name)
	}

	r.drop(name, conn)
	return nil
}

// RemoveAll disconnects and drops every adapter
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	adapters := r.adapters
	r.adapters = make(map[string]protocol.Connection)
	r.configs = make(map[string]protocol.Config)
	r.mu.Unlock()

	for name, conn := range adapters {
		r.drop(name, conn)
	}
	r.logger.Info("All adapters removed", zap.Int("count", len(adapters)))
}

func (r *Registry) drop(name string, conn protocol.Connection) {
	if err := conn.Disconnect(); err != nil {
		r.logger.Warn("Failed to disconnect adapter", zap.String("adapter", name), zap.Error(err))
	}
	conn.SetObserver(nil)

	for _, o := range r.observers {
		if l, ok := o.(Lifecycle); ok {
			l.AdapterRemoved(name, conn.Type())
		}
	}
	r.logger.Info("Adapter removed", zap.String("adapter", name))
}

// Broadcast sends payload to every connected adapter and returns the number of successful sends
func (r *Registry) Broadcast(payload interface{}) int {
	count := 0
	for name, conn := range r.snapshotNamed() {
		if !conn.IsConnected() {
			continue
		}
		if err := conn.Send(payload); err != nil {
			r.logger.Debug("Broadcast send failed", zap.String("adapter", name), zap.Error(err))
			continue
		}
		count++
	}
	return count
}

// Stats returns type, connection flag, state and config snapshot per adapter
func (r *Registry) Stats() map[string]AdapterStats {
	adapters := r.snapshotNamed()
	stats := make(map[string]AdapterStats, len(adapters))
	for name, conn := range adapters {
		stats[name] = statsOf(conn)
	}
	return stats
}

// AdapterStats returns the summary of one adapter
func (r *Registry) AdapterStats(name string) (AdapterStats, error) {
	conn, ok := r.Get(name)
	if !ok {
		return AdapterStats{}, fmt.Errorf("%w: %s", ErrAdapterNotFound, name)
	}
	return statsOf(conn), nil
}

func statsOf(conn protocol.Connection) AdapterStats {
	return AdapterStats{
		Type:      conn.Type(),
		Connected: conn.IsConnected(),
		State:     conn.State(),
		Config:    conn.Config(),
		Stats:     conn.Stats(),
	}
}

func (r *Registry) snapshot() []protocol.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]protocol.Connection, 0, len(r.adapters))
	for _, conn := range r.adapters {
		conns = append(conns, conn)
	}
	return conns
}

func (r *Registry) snapshotNamed() map[string]protocol.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]protocol.Connection, len(r.adapters))
	for name, conn := range r.adapters {
		out[name] = conn
	}
	return out
}
