// internal/protocol/connection.go
package protocol

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"comm-service/internal/protocol/codec"
)

// CodecSettings selects the payload codec of a streaming adapter
type CodecSettings struct {
	Name      string `json:"name"`
	Delimiter string `json:"delimiter,omitempty"`
	Format    string `json:"format,omitempty"`
}

// TCPClientSettings represents TCP client configuration
type TCPClientSettings struct {
	Host                string        `json:"host"`
	Port                int           `json:"port"`
	Timeout             time.Duration `json:"timeout"`
	AutoReconnect       bool          `json:"auto_reconnect"`
	ReconnectInterval   time.Duration `json:"reconnect_interval"`
	KeepAlive           bool          `json:"keep_alive"`
	TCPNoDelay          bool          `json:"tcp_no_delay"`
	MaxRetry            int           `json:"max_retry"`
	RetryInterval       time.Duration `json:"retry_interval"`
	QueueCapacity       int           `json:"queue_capacity"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	SendTimeout         time.Duration `json:"send_timeout"`
	Compression         bool          `json:"compression"`
	Codec               CodecSettings `json:"codec"`
}

// TCPServerSettings represents TCP server configuration
type TCPServerSettings struct {
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	Backlog           int           `json:"backlog"`
	MaxConnections    int           `json:"max_connections"`
	ThreadPoolSize    int           `json:"thread_pool_size"`
	ReceiveBufferSize int           `json:"receive_buffer_size"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	ConnectionTimeout time.Duration `json:"connection_timeout"`
	IPv6              bool          `json:"ipv6"`
	QueueCapacity     int           `json:"queue_capacity"`
	Codec             CodecSettings `json:"codec"`
}

// SerialSettings represents serial line configuration
type SerialSettings struct {
	Port     string        `json:"port"`
	Baudrate int           `json:"baudrate"`
	Bytesize int           `json:"bytesize"`
	Stopbits float64       `json:"stopbits"`
	Parity   string        `json:"parity"`
	Timeout  time.Duration `json:"timeout"`
	Codec    CodecSettings `json:"codec"`
}

// WebSocketSettings represents WebSocket client configuration
type WebSocketSettings struct {
	URL               string            `json:"url"`
	Header            map[string]string `json:"header,omitempty"`
	Timeout           time.Duration     `json:"timeout"`
	HeartbeatEnabled  bool              `json:"heartbeat_enabled"`
	HeartbeatInterval time.Duration     `json:"heartbeat_interval"`
	AutoReconnect     bool              `json:"auto_reconnect"`
	ReconnectInterval time.Duration     `json:"reconnect_interval"`
	QueueCapacity     int               `json:"queue_capacity"`
}

// HTTPSettings represents HTTP client configuration
type HTTPSettings struct {
	BaseURL    string            `json:"base_url"`
	Timeout    time.Duration     `json:"timeout"`
	VerifySSL  bool              `json:"verify_ssl"`
	RetryCount int               `json:"retry_count"`
	Proxies    map[string]string `json:"proxies,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// ModbusSettings represents Modbus TCP client configuration
type ModbusSettings struct {
	Host    string        `json:"host"`
	Port    int           `json:"port"`
	UnitID  uint8         `json:"unit_id"`
	Timeout time.Duration `json:"timeout"`
}

// SupportedBaudrates lists the accepted serial line speeds
var SupportedBaudrates = []int{300, 600, 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}

func readCodec(r *configReader, def string) CodecSettings {
	cs := CodecSettings{
		Name:      strings.ToLower(r.string(KeyCodec, def)),
		Delimiter: r.string(KeyDelimiter, ""),
		Format:    r.string(KeyFormat, ""),
	}
	if _, err := codec.New(cs.Name, codec.Options{Delimiter: cs.Delimiter, Format: cs.Format}); err != nil {
		r.failf("invalid codec: %v", err)
	}
	return cs
}

// ParseTCPClientSettings reads TCP client settings, applying defaults
func ParseTCPClientSettings(cfg Config) (TCPClientSettings, error) {
	r := &configReader{cfg: cfg}
	s := TCPClientSettings{
		Host:                r.string(KeyHost, "127.0.0.1"),
		Port:                r.port(KeyPort, 8080),
		Timeout:             r.seconds(KeyTimeout, 10*time.Second),
		AutoReconnect:       r.bool(KeyAutoReconnect, false),
		ReconnectInterval:   r.seconds(KeyReconnectInterval, 5*time.Second),
		KeepAlive:           r.bool(KeyKeepAlive, true),
		TCPNoDelay:          r.bool(KeyTCPNoDelay, true),
		MaxRetry:            r.int(KeyMaxRetry, 3),
		RetryInterval:       r.seconds(KeyRetryInterval, 500*time.Millisecond),
		QueueCapacity:       r.positive(KeyQueueCapacity, 1000),
		HealthCheckInterval: r.seconds(KeyHealthCheckInterval, 30*time.Second),
		SendTimeout:         r.seconds(KeySendTimeout, 5*time.Second),
		Compression:         r.bool(KeyCompression, false),
		Codec:               readCodec(r, codec.NameRaw),
	}

	if s.Host == "" {
		r.failf("host is required")
	}
	if s.MaxRetry < 0 {
		r.failf("maxRetry must not be negative, got %d", s.MaxRetry)
	}
	return s, r.err
}

// Address returns host:port
func (s TCPClientSettings) Address() string {
	return hostPort(s.Host, s.Port)
}

// ParseTCPServerSettings reads TCP server settings, applying defaults
func ParseTCPServerSettings(cfg Config) (TCPServerSettings, error) {
	r := &configReader{cfg: cfg}
	s := TCPServerSettings{
		Host:              r.string(KeyHost, "0.0.0.0"),
		Port:              r.port(KeyPort, 8080),
		Backlog:           r.positive(KeyBacklog, 100),
		MaxConnections:    r.positive(KeyMaxConnections, 1000),
		ThreadPoolSize:    r.positive(KeyThreadPoolSize, 10),
		ReceiveBufferSize: r.positive(KeyReceiveBufferSize, 4096),
		HeartbeatInterval: r.seconds(KeyHeartbeatInterval, 30*time.Second),
		ConnectionTimeout: r.seconds(KeyConnectionTimeout, 60*time.Second),
		IPv6:              r.bool(KeyIPv6, false),
		QueueCapacity:     r.positive(KeyQueueCapacity, 1000),
		Codec:             readCodec(r, codec.NameRaw),
	}
	if s.IPv6 && s.Host == "0.0.0.0" {
		s.Host = "::"
	}
	return s, r.err
}

// Network returns the listen network for the configured address family
func (s TCPServerSettings) Network() string {
	if s.IPv6 {
		// dual-stack listener
		return "tcp"
	}
	return "tcp4"
}

// Address returns host:port
func (s TCPServerSettings) Address() string {
	return hostPort(s.Host, s.Port)
}

// ParseSerialSettings reads serial settings, applying defaults
func ParseSerialSettings(cfg Config) (SerialSettings, error) {
	r := &configReader{cfg: cfg}
	s := SerialSettings{
		Port:     r.string(KeyPort, "COM1"),
		Baudrate: r.int(KeyBaudrate, 115200),
		Bytesize: r.int(KeyBytesize, 8),
		Stopbits: r.float(KeyStopbits, 1),
		Parity:   r.string(KeyParity, "N"),
		Timeout:  r.seconds(KeyTimeout, time.Second),
		Codec:    readCodec(r, codec.NameText),
	}

	if s.Port == "" {
		r.failf("serial port is required")
	}

	valid := false
	for _, rate := range SupportedBaudrates {
		if s.Baudrate == rate {
			valid = true
			break
		}
	}
	if !valid {
		r.failf("invalid baud rate: %d", s.Baudrate)
	}

	if s.Bytesize < 5 || s.Bytesize > 8 {
		r.failf("invalid bytesize: %d", s.Bytesize)
	}

	switch s.Stopbits {
	case 1, 1.5, 2:
	default:
		r.failf("invalid stopbits: %v", s.Stopbits)
	}

	parity, err := normalizeParity(s.Parity)
	if err != nil {
		r.failf("%v", err)
	}
	s.Parity = parity

	return s, r.err
}

// normalizeParity folds parity spellings to a single letter
func normalizeParity(p string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "n", "none", "":
		return "N", nil
	case "e", "even":
		return "E", nil
	case "o", "odd":
		return "O", nil
	case "m", "mark":
		return "M", nil
	case "s", "space":
		return "S", nil
	default:
		return "", fmt.Errorf("invalid parity: %s", p)
	}
}

// ParseWebSocketSettings reads WebSocket settings, applying defaults
func ParseWebSocketSettings(cfg Config) (WebSocketSettings, error) {
	r := &configReader{cfg: cfg}
	s := WebSocketSettings{
		URL:               r.string(KeyURL, "ws://localhost:8080"),
		Header:            r.stringMap(KeyHeader),
		Timeout:           r.seconds(KeyTimeout, 10*time.Second),
		HeartbeatEnabled:  r.bool(KeyHeartbeatEnabled, false),
		HeartbeatInterval: r.seconds(KeyHeartbeatInterval, 30*time.Second),
		AutoReconnect:     r.bool(KeyAutoReconnect, false),
		ReconnectInterval: r.seconds(KeyReconnectInterval, 5*time.Second),
		QueueCapacity:     r.positive(KeyQueueCapacity, 1000),
	}

	u, err := url.Parse(s.URL)
	if err != nil {
		r.fail(KeyURL, s.URL, err)
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		r.failf("url must use ws:// or wss://, got %q", s.URL)
	}
	if s.HeartbeatEnabled && s.HeartbeatInterval <= 0 {
		r.failf("heartbeatIntervalSeconds must be positive")
	}
	return s, r.err
}

// ParseHTTPSettings reads HTTP client settings, applying defaults
func ParseHTTPSettings(cfg Config) (HTTPSettings, error) {
	r := &configReader{cfg: cfg}
	s := HTTPSettings{
		BaseURL:    strings.TrimRight(r.string(KeyBaseURL, ""), "/"),
		Timeout:    r.seconds(KeyTimeout, 30*time.Second),
		VerifySSL:  r.bool(KeyVerifySSL, true),
		RetryCount: r.int(KeyRetryCount, 0),
		Proxies:    r.stringMap(KeyProxies),
		Headers:    r.stringMap(KeyHeaders),
	}

	if s.BaseURL != "" {
		if _, err := url.ParseRequestURI(s.BaseURL); err != nil {
			r.fail(KeyBaseURL, s.BaseURL, err)
		}
	}
	for scheme, proxy := range s.Proxies {
		if _, err := url.Parse(proxy); err != nil {
			r.fail(KeyProxies+"."+scheme, proxy, err)
		}
	}
	if s.RetryCount < 0 {
		r.failf("retryCount must not be negative, got %d", s.RetryCount)
	}
	return s, r.err
}

// ParseModbusSettings reads Modbus TCP settings, applying defaults
func ParseModbusSettings(cfg Config) (ModbusSettings, error) {
	r := &configReader{cfg: cfg}
	unit := r.int(KeyUnitID, 1)
	s := ModbusSettings{
		Host:    r.string(KeyHost, "127.0.0.1"),
		Port:    r.port(KeyPort, 502),
		Timeout: r.seconds(KeyTimeout, 5*time.Second),
	}
	if unit < 0 || unit > 255 {
		r.failf("unitId must be between 0 and 255, got %d", unit)
	} else {
		s.UnitID = uint8(unit)
	}
	if s.Host == "" {
		r.failf("host is required")
	}
	return s, r.err
}

// Address returns host:port
func (s ModbusSettings) Address() string {
	return hostPort(s.Host, s.Port)
}
