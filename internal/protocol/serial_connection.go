// internal/protocol/serial_connection.go
package protocol

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"comm-service/internal/protocol/codec"
)

const (
	serialQueueCapacity = 1000
	serialReadChunk     = 1024
)

// SerialPort is the part of a serial device the adapter uses
type SerialPort interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
}

// SerialOpener opens a named serial device
type SerialOpener func(name string, mode *serial.Mode) (SerialPort, error)

func openSerialPort(name string, mode *serial.Mode) (SerialPort, error) {
	return serial.Open(name, mode)
}

// SerialPortInfo describes the configured line
type SerialPortInfo struct {
	Port     string        `json:"port"`
	Baudrate int           `json:"baudrate"`
	Bytesize int           `json:"bytesize"`
	Stopbits float64       `json:"stopbits"`
	Parity   string        `json:"parity"`
	Timeout  time.Duration `json:"timeout"`
	Codec    string        `json:"codec"`
	IsOpen   bool          `json:"is_open"`
}

// SerialConnection is a framed byte stream over a serial line
type SerialConnection struct {
	baseConnection

	open SerialOpener

	lifecycleMu sync.Mutex
	settings    SerialSettings
	codec       codec.Codec
	port        SerialPort
	cancel      context.CancelFunc
	recvDone    chan struct{}
	queue       chan interface{}

	writeMu sync.Mutex
}

// NewSerialConnection creates a closed serial adapter. A nil opener uses the system serial driver.
func NewSerialConnection(logger *zap.Logger, opener SerialOpener) *SerialConnection {
	if opener == nil {
		opener = openSerialPort
	}
	c := &SerialConnection{open: opener}
	c.init(TypeSerial, logger)
	return c
}

// ListSerialPorts returns the serial devices present on the host
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}

func serialMode(s SerialSettings) *serial.Mode {
	mode := &serial.Mode{
		BaudRate: s.Baudrate,
		DataBits: s.Bytesize,
	}

	// Set parity
	switch s.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	case "M":
		mode.Parity = serial.MarkParity
	case "S":
		mode.Parity = serial.SpaceParity
	default:
		mode.Parity = serial.NoParity
	}

	switch s.Stopbits {
	case 1.5:
		mode.StopBits = serial.OnePointFiveStopBits
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}
	return mode
}

// Connect opens the line and starts the receive loop
func (c *SerialConnection) Connect(ctx context.Context, cfg Config) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.IsConnected() {
		return nil
	}

	c.setConfig(cfg)

	settings, err := ParseSerialSettings(cfg)
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

	c.logger.Info("Opening serial port",
		zap.String("port", settings.Port),
		zap.Int("baud_rate", settings.Baudrate),
		zap.String("parity", settings.Parity),
	)

	if err := ctx.Err(); err != nil {
		return c.failConnect(wrapError(KindConnection, "connect", err, "connect cancelled"))
	}

	port, err := c.open(settings.Port, serialMode(settings))
	if err != nil {
		return c.failConnect(wrapError(KindConnection, "connect", err, "failed to open serial port %s", settings.Port))
	}

	// Set read timeout
	if err := port.SetReadTimeout(settings.Timeout); err != nil {
		_ = port.Close()
		return c.failConnect(wrapError(KindConfiguration, "connect", err, "failed to set read timeout"))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.port = port
	c.cancel = cancel
	c.queue = make(chan interface{}, serialQueueCapacity)
	c.recvDone = make(chan struct{})

	go c.receiveLoop(runCtx, port, c.queue, c.recvDone)

	c.setState(StateConnected)
	c.logger.Info("Serial port opened successfully")
	c.emitConnect()
	return nil
}

// Disconnect closes the line
func (c *SerialConnection) Disconnect() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	wasOpen := c.port != nil
	if wasOpen {
		c.closePort()
		c.logger.Info("Serial port closed successfully")
	}

	c.setState(StateDisconnected)
	if wasOpen {
		c.emitDisconnect()
	}
	c.clearCallbacks()
	return nil
}

// closePort stops the receive loop and releases the device. Caller holds lifecycleMu.
func (c *SerialConnection) closePort() {
	c.cancel()
	if err := c.port.Close(); err != nil {
		c.logger.Debug("Error closing serial port", zap.Error(err))
	}
	if !waitDone(c.recvDone, joinTimeout) {
		c.logger.Warn("Receive loop did not stop in time")
	}
	c.port = nil
	c.codec.Reset()
}

func (c *SerialConnection) receiveLoop(ctx context.Context, port SerialPort, queue chan interface{}, done chan struct{}) {
	defer close(done)

	buf := make([]byte, serialReadChunk)
	for {
		if ctx.Err() != nil {
			return
		}

		// A read timeout returns 0 bytes and no error
		n, err := port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.recordReceived(n)

			for _, frame := range c.codec.Decode(chunk) {
				select {
				case queue <- frame:
				default:
					c.logger.Warn("Receive queue full, dropping frame")
				}
				c.emitReceive(frame)
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Serial read failed", zap.Error(err))
			go c.readFailed(port, err)
			return
		}
	}
}

func (c *SerialConnection) readFailed(port SerialPort, cause error) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.port != port {
		return
	}
	c.closePort()
	c.setState(StateError)
	c.emitError(wrapError(KindIO, "receive", cause, "serial read failed"))
}

// Send encodes payload with the configured codec and writes it synchronously
func (c *SerialConnection) Send(payload interface{}) error {
	data, err := c.currentCodec().Encode(payload)
	if err != nil {
		return wrapError(KindConfiguration, "send", err, "failed to encode payload")
	}
	return c.write("send", data)
}

// SendHex writes the bytes spelled by a hex string such as "01 03 00 00", bypassing the codec
func (c *SerialConnection) SendHex(s string) error {
	cleaned := strings.NewReplacer(" ", "", "\t", "", "\n", "", "\r", "").Replace(s)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return wrapError(KindConfiguration, "send_hex", err, "invalid hex string")
	}
	return c.write("send_hex", data)
}

func (c *SerialConnection) currentCodec() codec.Codec {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.codec == nil {
		return codec.NewText("")
	}
	return c.codec
}

func (c *SerialConnection) write(op string, data []byte) error {
	if !c.IsConnected() {
		return withOp(ErrNotConnected, op)
	}

	c.lifecycleMu.Lock()
	port := c.port
	c.lifecycleMu.Unlock()
	if port == nil {
		return withOp(ErrNotConnected, op)
	}

	c.writeMu.Lock()
	n, err := port.Write(data)
	c.writeMu.Unlock()

	if err != nil {
		werr := wrapError(KindIO, op, err, "serial write failed")
		c.logger.Error("Serial write failed", zap.Error(err))
		c.emitError(werr)
		return werr
	}
	if n != len(data) {
		werr := newError(KindIO, op, "incomplete write: wrote %d of %d bytes", n, len(data))
		c.emitError(werr)
		return werr
	}

	c.recordSent(n)
	return nil
}

// Receive waits up to timeout for the next decoded frame
func (c *SerialConnection) Receive(timeout time.Duration) (interface{}, bool) {
	c.lifecycleMu.Lock()
	queue := c.queue
	c.lifecycleMu.Unlock()
	if queue == nil {
		return nil, false
	}

	if timeout <= 0 {
		select {
		case v := <-queue:
			return v, true
		default:
			return nil, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-queue:
		return v, true
	case <-timer.C:
		return nil, false
	}
}

// Purge discards unread input in the driver, the codec buffer and the receive queue
func (c *SerialConnection) Purge() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.port == nil {
		return withOp(ErrNotConnected, "purge")
	}
	if err := c.port.ResetInputBuffer(); err != nil {
		return wrapError(KindIO, "purge", err, "failed to reset input buffer")
	}
	c.codec.Reset()
	for {
		select {
		case <-c.queue:
		default:
			return nil
		}
	}
}

// PortInfo describes the configured line
func (c *SerialConnection) PortInfo() SerialPortInfo {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	s := c.settings
	return SerialPortInfo{
		Port:     s.Port,
		Baudrate: s.Baudrate,
		Bytesize: s.Bytesize,
		Stopbits: s.Stopbits,
		Parity:   s.Parity,
		Timeout:  s.Timeout,
		Codec:    s.Codec.Name,
		IsOpen:   c.port != nil,
	}
}
