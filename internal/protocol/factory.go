// internal/protocol/factory.go
package protocol

import (
	"go.uber.org/zap"
)

// Options carries construction-time dependencies shared by all adapters
type Options struct {
	Logger *zap.Logger
	// SerialOpener replaces the system serial driver
	SerialOpener SerialOpener
}

// NewConnection creates a disconnected adapter of the given type
func NewConnection(protocolType ProtocolType, opts Options) (Connection, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch protocolType {
	case TypeTCPClient:
		return NewTCPClient(logger), nil
	case TypeTCPServer:
		return NewTCPServer(logger), nil
	case TypeSerial:
		return NewSerialConnection(logger, opts.SerialOpener), nil
	case TypeWebSocket:
		return NewWebSocketClient(logger), nil
	case TypeHTTP:
		return NewHTTPClient(logger), nil
	case TypeModbusTCP:
		return NewModbusClient(logger), nil
	default:
		return nil, newError(KindConfiguration, "create", "unsupported protocol type: %s", protocolType)
	}
}

// ValidateConfig checks cfg against the settings of a protocol type without connecting
func ValidateConfig(protocolType ProtocolType, cfg Config) error {
	var err error
	switch protocolType {
	case TypeTCPClient:
		_, err = ParseTCPClientSettings(cfg)
	case TypeTCPServer:
		_, err = ParseTCPServerSettings(cfg)
	case TypeSerial:
		_, err = ParseSerialSettings(cfg)
	case TypeWebSocket:
		_, err = ParseWebSocketSettings(cfg)
	case TypeHTTP:
		_, err = ParseHTTPSettings(cfg)
	case TypeModbusTCP:
		_, err = ParseModbusSettings(cfg)
	default:
		return newError(KindConfiguration, "validate", "unsupported protocol type: %s", protocolType)
	}
	return err
}
