// internal/protocol/modbus_client.go
package protocol

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"comm-service/internal/protocol/codec"
	"comm-service/internal/protocol/modbus"
)

const modbusReadChunk = 1024

type modbusResponse struct {
	header modbus.Header
	pdu    []byte
}

// ModbusClient is a Modbus TCP master. Concurrent calls are correlated by transaction id.
type ModbusClient struct {
	baseConnection

	lifecycleMu sync.Mutex
	settings    ModbusSettings
	conn        net.Conn
	cancel      context.CancelFunc
	recvDone    chan struct{}

	writeMu sync.Mutex

	// txMu guards the transaction counter and the pending table
	txMu    sync.Mutex
	nextTID uint16
	pending map[uint16]chan modbusResponse
}

// NewModbusClient creates a disconnected Modbus TCP client
func NewModbusClient(logger *zap.Logger) *ModbusClient {
	c := &ModbusClient{pending: make(map[uint16]chan modbusResponse)}
	c.init(TypeModbusTCP, logger)
	return c
}

// Connect opens the socket to the unit and starts the response reader
func (c *ModbusClient) Connect(ctx context.Context, cfg Config) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.IsConnected() {
		return nil
	}

	c.setConfig(cfg)

	settings, err := ParseModbusSettings(cfg)
	if err != nil {
		return c.failConnect(err)
	}
	c.settings = settings
	c.setState(StateConnecting)

	address := settings.Address()
	c.logger.Info("Opening Modbus TCP connection",
		zap.String("address", address),
		zap.Uint8("unit_id", settings.UnitID),
	)

	dialer := &net.Dialer{Timeout: settings.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return c.failConnect(wrapError(KindConnection, "connect", err, "failed to connect to %s", address))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.recvDone = make(chan struct{})

	go c.receiveLoop(runCtx, conn, c.recvDone)

	c.setState(StateConnected)
	c.logger.Info("Modbus TCP connection opened successfully", zap.String("address", address))
	c.emitConnect()
	return nil
}

// Disconnect closes the socket and releases every pending waiter
func (c *ModbusClient) Disconnect() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	wasActive := c.conn != nil
	if wasActive {
		c.closeTransport()
		c.logger.Info("Modbus TCP connection closed")
	}

	c.setState(StateDisconnected)
	if wasActive {
		c.emitDisconnect()
	}
	c.clearCallbacks()
	return nil
}

// closeTransport stops the reader and drops pending waiters. Caller holds lifecycleMu.
func (c *ModbusClient) closeTransport() {
	c.cancel()
	if err := c.conn.Close(); err != nil && !isClosedConn(err) {
		c.logger.Debug("Error closing socket", zap.Error(err))
	}
	if !waitDone(c.recvDone, joinTimeout) {
		c.logger.Warn("Receive loop did not stop in time")
	}
	c.conn = nil
	c.dropPending()
}

func (c *ModbusClient) dropPending() {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	for tid, ch := range c.pending {
		close(ch)
		delete(c.pending, tid)
	}
}

func (c *ModbusClient) receiveLoop(ctx context.Context, conn net.Conn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 0, modbus.MaxADUSize)
	chunk := make([]byte, modbusReadChunk)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			c.recordReceived(n)
			buf = append(buf, chunk[:n]...)

			for {
				header, pdu, rest, ok, ferr := modbus.SplitFrame(buf)
				if ferr != nil {
					c.logger.Warn("Discarding malformed Modbus data", zap.Error(ferr), zap.Int("bytes", len(buf)))
					c.emitError(wrapError(KindProtocol, "receive", ferr, "malformed frame"))
					buf = buf[:0]
					break
				}
				if !ok {
					break
				}
				buf = append(buf[:0], rest...)
				c.deliver(modbusResponse{header: header, pdu: pdu})
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			go c.connectionLost(conn, err)
			return
		}
	}
}

// deliver hands a response to the waiter holding its transaction id.
// Responses nobody waits for, such as late ones after a timeout, are dropped.
func (c *ModbusClient) deliver(resp modbusResponse) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	ch, ok := c.pending[resp.header.TransactionID]
	if !ok {
		return
	}
	delete(c.pending, resp.header.TransactionID)
	ch <- resp
}

func (c *ModbusClient) connectionLost(conn net.Conn, cause error) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.conn != conn {
		return
	}
	c.closeTransport()

	c.setState(StateError)
	if isClosedConn(cause) {
		c.logger.Warn("Modbus connection closed by peer")
		c.emitError(newError(KindConnection, "receive", "connection closed by peer"))
		return
	}
	c.logger.Error("Modbus receive failed", zap.Error(cause))
	c.emitError(wrapError(KindIO, "receive", cause, "read failed"))
}

// allocate reserves the next free transaction id, skipping ids still in flight
func (c *ModbusClient) allocate() (uint16, chan modbusResponse, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	for i := 0; i <= 0xFFFF; i++ {
		tid := c.nextTID
		c.nextTID++
		if _, busy := c.pending[tid]; busy {
			continue
		}
		ch := make(chan modbusResponse, 1)
		c.pending[tid] = ch
		return tid, ch, nil
	}
	return 0, nil, newError(KindCapacity, "allocate", "all transaction ids are in flight")
}

func (c *ModbusClient) release(tid uint16) {
	c.txMu.Lock()
	delete(c.pending, tid)
	c.txMu.Unlock()
}

// PendingTransactions returns the number of requests awaiting a response
func (c *ModbusClient) PendingTransactions() int {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	return len(c.pending)
}

// transact sends pdu and waits for the matching response PDU
func (c *ModbusClient) transact(op string, pdu []byte) ([]byte, error) {
	if !c.IsConnected() {
		return nil, withOp(ErrNotConnected, op)
	}

	c.lifecycleMu.Lock()
	conn := c.conn
	settings := c.settings
	c.lifecycleMu.Unlock()
	if conn == nil {
		return nil, withOp(ErrNotConnected, op)
	}

	tid, ch, err := c.allocate()
	if err != nil {
		return nil, err
	}

	adu, err := modbus.EncodeADU(tid, settings.UnitID, pdu)
	if err != nil {
		c.release(tid)
		return nil, wrapError(KindConfiguration, op, err, "invalid request")
	}

	c.writeMu.Lock()
	err = conn.SetWriteDeadline(time.Now().Add(settings.Timeout))
	if err == nil {
		_, err = conn.Write(adu)
	}
	c.writeMu.Unlock()
	if err != nil {
		c.release(tid)
		werr := wrapError(KindIO, op, err, "failed to send request")
		c.logger.Error("Modbus write failed", zap.String("op", op), zap.Error(err))
		c.emitError(werr)
		return nil, werr
	}
	c.recordSent(len(adu))

	timer := time.NewTimer(settings.Timeout)
	defer timer.Stop()

	var resp modbusResponse
	select {
	case r, ok := <-ch:
		if !ok {
			return nil, newError(KindTimeout, op, "connection closed while waiting for transaction %d", tid)
		}
		resp = r
	case <-timer.C:
		c.release(tid)
		c.logger.Warn("Modbus response timeout",
			zap.String("op", op),
			zap.Uint16("transaction_id", tid),
			zap.Duration("timeout", settings.Timeout),
		)
		return nil, newError(KindTimeout, op, "no response for transaction %d within %s", tid, settings.Timeout)
	}

	if err := modbus.CheckException(pdu[0], resp.pdu); err != nil {
		var exc *modbus.Exception
		perr := wrapError(KindProtocol, op, err, "invalid response")
		if errors.As(err, &exc) {
			perr = wrapError(KindProtocol, op, err, "exception response")
		}
		c.logger.Warn("Modbus request failed", zap.String("op", op), zap.Error(err))
		c.emitError(perr)
		return nil, perr
	}
	return resp.pdu, nil
}

func (c *ModbusClient) protocolFailure(op string, err error) error {
	perr := wrapError(KindProtocol, op, err, "malformed response")
	c.emitError(perr)
	return perr
}

func requestError(op string, err error) error {
	return wrapError(KindConfiguration, op, err, "invalid request")
}

func (c *ModbusClient) readBits(op string, function byte, address, quantity uint16) ([]bool, error) {
	req, err := modbus.ReadRequest(function, address, quantity)
	if err != nil {
		return nil, requestError(op, err)
	}
	resp, err := c.transact(op, req)
	if err != nil {
		return nil, err
	}
	bits, err := modbus.ParseReadBits(resp, quantity)
	if err != nil {
		return nil, c.protocolFailure(op, err)
	}
	return bits, nil
}

func (c *ModbusClient) readRegisters(op string, function byte, address, quantity uint16) ([]uint16, error) {
	req, err := modbus.ReadRequest(function, address, quantity)
	if err != nil {
		return nil, requestError(op, err)
	}
	resp, err := c.transact(op, req)
	if err != nil {
		return nil, err
	}
	words, err := modbus.ParseReadRegisters(resp, quantity)
	if err != nil {
		return nil, c.protocolFailure(op, err)
	}
	return words, nil
}

func (c *ModbusClient) write(op string, req []byte) (uint16, uint16, error) {
	resp, err := c.transact(op, req)
	if err != nil {
		return 0, 0, err
	}
	address, value, err := modbus.ParseAddressValue(resp)
	if err != nil {
		return 0, 0, c.protocolFailure(op, err)
	}
	return address, value, nil
}

// ReadCoils reads quantity coils (function 0x01)
func (c *ModbusClient) ReadCoils(address, quantity uint16) ([]bool, error) {
	return c.readBits("read_coils", modbus.FuncReadCoils, address, quantity)
}

// ReadDiscreteInputs reads quantity discrete inputs (function 0x02)
func (c *ModbusClient) ReadDiscreteInputs(address, quantity uint16) ([]bool, error) {
	return c.readBits("read_discrete_inputs", modbus.FuncReadDiscreteInputs, address, quantity)
}

// ReadHoldingRegisters reads quantity holding registers (function 0x03)
func (c *ModbusClient) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	return c.readRegisters("read_holding_registers", modbus.FuncReadHoldingRegisters, address, quantity)
}

// ReadInputRegisters reads quantity input registers (function 0x04)
func (c *ModbusClient) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	return c.readRegisters("read_input_registers", modbus.FuncReadInputRegisters, address, quantity)
}

// WriteSingleCoil sets one coil and returns the echoed address
func (c *ModbusClient) WriteSingleCoil(address uint16, on bool) (uint16, error) {
	echoed, _, err := c.write("write_single_coil", modbus.WriteSingleCoilRequest(address, on))
	return echoed, err
}

// WriteSingleRegister sets one holding register and returns the echoed address
func (c *ModbusClient) WriteSingleRegister(address, value uint16) (uint16, error) {
	echoed, _, err := c.write("write_single_register", modbus.WriteSingleRegisterRequest(address, value))
	return echoed, err
}

// WriteMultipleCoils sets consecutive coils and returns the echoed quantity
func (c *ModbusClient) WriteMultipleCoils(address uint16, values []bool) (uint16, error) {
	req, err := modbus.WriteMultipleCoilsRequest(address, values)
	if err != nil {
		return 0, requestError("write_multiple_coils", err)
	}
	_, quantity, err := c.write("write_multiple_coils", req)
	return quantity, err
}

// WriteMultipleRegisters sets consecutive holding registers and returns the echoed quantity
func (c *ModbusClient) WriteMultipleRegisters(address uint16, values []uint16) (uint16, error) {
	req, err := modbus.WriteMultipleRegistersRequest(address, values)
	if err != nil {
		return 0, requestError("write_multiple_registers", err)
	}
	_, quantity, err := c.write("write_multiple_registers", req)
	return quantity, err
}

// Send transmits payload as a raw PDU and waits for its response,
// which is handed to the receive callback
func (c *ModbusClient) Send(payload interface{}) error {
	pdu, err := codec.ToBytes(payload)
	if err != nil {
		return wrapError(KindConfiguration, "send", err, "invalid payload")
	}
	if len(pdu) == 0 {
		return newError(KindConfiguration, "send", "empty pdu")
	}

	resp, err := c.transact("send", pdu)
	if err != nil {
		return err
	}
	c.emitReceive(resp)
	return nil
}

// Receive is not supported; responses are returned by each request
func (c *ModbusClient) Receive(time.Duration) (interface{}, bool) {
	return nil, false
}
