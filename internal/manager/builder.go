// internal/manager/builder.go
package manager

import (
	"context"
	"time"

	"comm-service/internal/protocol"
)

// Builder assembles an adapter configuration fluently and registers the adapter
type Builder struct {
	registry     *Registry
	protocolType protocol.ProtocolType
	name         string
	cfg          protocol.Config
	headers      map[string]string
	callbacks    protocol.Callbacks
}

// NewBuilder starts a builder bound to registry
func NewBuilder(registry *Registry) *Builder {
	return &Builder{registry: registry, cfg: protocol.Config{}}
}

func (b *Builder) kind(protocolType protocol.ProtocolType, name string) *Builder {
	b.protocolType = protocolType
	b.name = name
	return b
}

// TCPClient selects a TCP client adapter
func (b *Builder) TCPClient(name string) *Builder { return b.kind(protocol.TypeTCPClient, name) }

// TCPServer selects a TCP server adapter
func (b *Builder) TCPServer(name string) *Builder { return b.kind(protocol.TypeTCPServer, name) }

// Serial selects a serial adapter
func (b *Builder) Serial(name string) *Builder { return b.kind(protocol.TypeSerial, name) }

// WebSocket selects a WebSocket client adapter
func (b *Builder) WebSocket(name string) *Builder { return b.kind(protocol.TypeWebSocket, name) }

// HTTP selects an HTTP client adapter
func (b *Builder) HTTP(name string) *Builder { return b.kind(protocol.TypeHTTP, name) }

// Modbus selects a Modbus TCP client adapter
func (b *Builder) Modbus(name string) *Builder { return b.kind(protocol.TypeModbusTCP, name) }

// Set stores an arbitrary configuration key
func (b *Builder) Set(key string, value interface{}) *Builder {
	b.cfg[key] = value
	return b
}

// Host sets the remote or bind host
func (b *Builder) Host(host string) *Builder { return b.Set(protocol.KeyHost, host) }

// Port sets a TCP port or a serial device name
func (b *Builder) Port(port interface{}) *Builder { return b.Set(protocol.KeyPort, port) }

func (b *Builder) URL(url string) *Builder { return b.Set(protocol.KeyURL, url) }

func (b *Builder) BaseURL(url string) *Builder { return b.Set(protocol.KeyBaseURL, url) }

func (b *Builder) Baudrate(rate int) *Builder { return b.Set(protocol.KeyBaudrate, rate) }

func (b *Builder) UnitID(id uint8) *Builder { return b.Set(protocol.KeyUnitID, int(id)) }

// Codec selects the payload codec by name
func (b *Builder) Codec(name string) *Builder { return b.Set(protocol.KeyCodec, name) }

func (b *Builder) AutoReconnect(on bool) *Builder { return b.Set(protocol.KeyAutoReconnect, on) }

// Timeout is stored in seconds
func (b *Builder) Timeout(d time.Duration) *Builder { return b.Set(protocol.KeyTimeout, d.Seconds()) }

// Header adds a handshake header for WebSocket adapters or a session header for HTTP adapters
func (b *Builder) Header(key, value string) *Builder {
	if b.headers == nil {
		b.headers = make(map[string]string)
	}
	b.headers[key] = value
	return b
}

func (b *Builder) OnConnect(fn func()) *Builder {
	b.callbacks.OnConnect = fn
	return b
}

func (b *Builder) OnDisconnect(fn func()) *Builder {
	b.callbacks.OnDisconnect = fn
	return b
}

func (b *Builder) OnError(fn func(err error)) *Builder {
	b.callbacks.OnError = fn
	return b
}

func (b *Builder) OnReceive(fn func(data interface{})) *Builder {
	b.callbacks.OnReceive = fn
	return b
}

// OnMessage is OnReceive under the name WebSocket users expect
func (b *Builder) OnMessage(fn func(data interface{})) *Builder {
	return b.OnReceive(fn)
}

// Config returns the assembled configuration
func (b *Builder) Config() protocol.Config {
	cfg := b.cfg.Clone()
	if len(b.headers) > 0 {
		key := protocol.KeyHeader
		if b.protocolType == protocol.TypeHTTP {
			key = protocol.KeyHeaders
		}
		headers := make(map[string]string, len(b.headers))
		for k, v := range b.headers {
			headers[k] = v
		}
		cfg[key] = headers
	}
	return cfg
}

// Build registers the adapter and installs the configured callbacks
func (b *Builder) Build() (protocol.Connection, error) {
	_, conn, err := b.build()
	return conn, err
}

func (b *Builder) build() (string, protocol.Connection, error) {
	if b.protocolType == "" {
		return "", nil, &protocol.Error{Kind: protocol.KindConfiguration, Op: "build", Message: "no protocol type selected"}
	}
	if err := protocol.ValidateConfig(b.protocolType, b.Config().Merge(b.registry.defaults)); err != nil {
		return "", nil, err
	}

	name, conn, err := b.registry.create(b.protocolType, b.name)
	if err != nil {
		return "", nil, err
	}

	if b.callbacks.OnConnect != nil {
		conn.OnConnect(b.callbacks.OnConnect)
	}
	if b.callbacks.OnDisconnect != nil {
		conn.OnDisconnect(b.callbacks.OnDisconnect)
	}
	if b.callbacks.OnError != nil {
		conn.OnError(b.callbacks.OnError)
	}
	if b.callbacks.OnReceive != nil {
		conn.OnReceive(b.callbacks.OnReceive)
	}
	return name, conn, nil
}

// Connect builds the adapter and connects it with the assembled configuration
func (b *Builder) Connect(ctx context.Context) (protocol.Connection, error) {
	name, conn, err := b.build()
	if err != nil {
		return nil, err
	}
	if err := b.registry.connect(ctx, name, conn, b.Config()); err != nil {
		return conn, err
	}
	return conn, nil
}
