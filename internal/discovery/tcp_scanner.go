// internal/discovery/tcp_scanner.go
package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"comm-service/internal/protocol"
)

// TCPScannerConfig lists the endpoints to probe
type TCPScannerConfig struct {
	Targets     []string      `json:"targets"`
	ConnTimeout time.Duration `json:"connection_timeout"`
	// Protocol is reported for reachable targets; port 502 is always reported as Modbus TCP
	Protocol protocol.ProtocolType `json:"protocol"`
}

// TCPScanner probes host:port targets and reports the reachable ones
type TCPScanner struct {
	logger *zap.Logger
	config TCPScannerConfig
}

// NewTCPScanner creates a TCP scanner
func NewTCPScanner(logger *zap.Logger, config TCPScannerConfig) *TCPScanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ConnTimeout <= 0 {
		config.ConnTimeout = 3 * time.Second
	}
	if config.Protocol == "" {
		config.Protocol = protocol.TypeTCPClient
	}
	return &TCPScanner{
		logger: logger.With(zap.String("scanner", "tcp")),
		config: config,
	}
}

// GetScannerType returns scanner type
func (s *TCPScanner) GetScannerType() string {
	return "tcp"
}

// IsAvailable reports whether any target is configured
func (s *TCPScanner) IsAvailable() bool {
	return len(s.config.Targets) > 0
}

// Scan dials every target concurrently
func (s *TCPScanner) Scan(ctx context.Context) ([]*DiscoveredPort, error) {
	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		discovered []*DiscoveredPort
	)

	for _, target := range s.config.Targets {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			if port := s.probe(ctx, target); port != nil {
				mu.Lock()
				discovered = append(discovered, port)
				mu.Unlock()
			}
		}(target)
	}
	wg.Wait()

	s.logger.Debug("TCP scan completed", zap.Int("ports_found", len(discovered)))
	return discovered, ctx.Err()
}

func (s *TCPScanner) probe(ctx context.Context, target string) *DiscoveredPort {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		s.logger.Warn("Invalid scan target", zap.String("target", target), zap.Error(err))
		return nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		s.logger.Warn("Invalid scan target", zap.String("target", target), zap.Error(err))
		return nil
	}

	dialer := net.Dialer{Timeout: s.config.ConnTimeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil
	}
	latency := time.Since(start)
	conn.Close()

	protocolType := s.config.Protocol
	if port == 502 {
		protocolType = protocol.TypeModbusTCP
	}

	return &DiscoveredPort{
		Protocol: protocolType,
		Address:  target,
		Config: protocol.Config{
			protocol.KeyHost: host,
			protocol.KeyPort: port,
		},
		Details: map[string]interface{}{"latency_ms": latency.Milliseconds()},
	}
}
