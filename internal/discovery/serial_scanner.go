// internal/discovery/serial_scanner.go
package discovery

import (
	"context"
	"fmt"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"comm-service/internal/protocol"
)

// PortLister enumerates the serial ports of the host
type PortLister func() ([]*enumerator.PortDetails, error)

// SerialScanner reports the serial devices present on the host
type SerialScanner struct {
	logger   *zap.Logger
	list     PortLister
	baudrate int
}

// NewSerialScanner creates a serial scanner. A nil lister uses the system enumerator.
func NewSerialScanner(logger *zap.Logger, list PortLister) *SerialScanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if list == nil {
		list = enumerator.GetDetailedPortsList
	}
	return &SerialScanner{
		logger:   logger.With(zap.String("scanner", "serial")),
		list:     list,
		baudrate: 9600,
	}
}

// GetScannerType returns scanner type
func (s *SerialScanner) GetScannerType() string {
	return "serial"
}

// IsAvailable reports true; enumeration works on every supported platform
func (s *SerialScanner) IsAvailable() bool {
	return true
}

// Scan lists the serial ports with their USB identity when known
func (s *SerialScanner) Scan(ctx context.Context) ([]*DiscoveredPort, error) {
	ports, err := s.list()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}

	discovered := make([]*DiscoveredPort, 0, len(ports))
	for _, p := range ports {
		if err := ctx.Err(); err != nil {
			return discovered, err
		}

		details := map[string]interface{}{"is_usb": p.IsUSB}
		if p.IsUSB {
			details["vid"] = p.VID
			details["pid"] = p.PID
			details["serial_number"] = p.SerialNumber
			details["product"] = p.Product
		}

		discovered = append(discovered, &DiscoveredPort{
			Protocol: protocol.TypeSerial,
			Address:  p.Name,
			Config: protocol.Config{
				protocol.KeyPort:     p.Name,
				protocol.KeyBaudrate: s.baudrate,
			},
			Details: details,
		})
	}

	s.logger.Debug("Serial scan completed", zap.Int("ports_found", len(discovered)))
	return discovered, nil
}
