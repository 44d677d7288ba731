package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"comm-service/internal/protocol/modbus"
)

// modbusTestServer is a small conformant Modbus TCP slave backed by in-memory tables
type modbusTestServer struct {
	ln net.Listener

	mu        sync.Mutex
	registers map[uint16]uint16
	coils     map[uint16]bool

	// handle replaces the conformant behaviour when set
	handle func(pdu []byte) []byte
	// jitter delays each response by up to this long, answering out of order
	jitter time.Duration
}

func startModbusServer(t *testing.T) *modbusTestServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &modbusTestServer{
		ln:        ln,
		registers: make(map[uint16]uint16),
		coils:     make(map[uint16]bool),
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return s
}

func (s *modbusTestServer) config(t *testing.T) Config {
	cfg := addrConfig(t, s.ln.Addr().String())
	cfg[KeyTimeout] = 1
	return cfg
}

func (s *modbusTestServer) serve(conn net.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	var buf []byte
	chunk := make([]byte, 512)
	for {
		n, err := conn.Read(chunk)
		if err != nil {
			return
		}
		buf = append(buf, chunk[:n]...)

		for {
			header, pdu, rest, ok, err := modbus.SplitFrame(buf)
			if err != nil || !ok {
				break
			}
			buf = append([]byte(nil), rest...)

			respond := func(h modbus.Header, req []byte) {
				resp := s.respond(req)
				adu, err := modbus.EncodeADU(h.TransactionID, h.UnitID, resp)
				if err != nil {
					return
				}
				writeMu.Lock()
				conn.Write(adu)
				writeMu.Unlock()
			}

			if s.jitter > 0 {
				go func(h modbus.Header, req []byte) {
					time.Sleep(time.Duration(rand.Int63n(int64(s.jitter))))
					respond(h, req)
				}(header, pdu)
			} else {
				respond(header, pdu)
			}
		}
	}
}

func (s *modbusTestServer) respond(pdu []byte) []byte {
	if s.handle != nil {
		return s.handle(pdu)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fn := pdu[0]
	address := binary.BigEndian.Uint16(pdu[1:])
	switch fn {
	case modbus.FuncReadCoils, modbus.FuncReadDiscreteInputs:
		quantity := binary.BigEndian.Uint16(pdu[3:])
		bits := make([]bool, quantity)
		for i := range bits {
			bits[i] = s.coils[address+uint16(i)]
		}
		packed := modbus.PackBits(bits)
		return append([]byte{fn, byte(len(packed))}, packed...)
	case modbus.FuncReadHoldingRegisters, modbus.FuncReadInputRegisters:
		quantity := binary.BigEndian.Uint16(pdu[3:])
		out := []byte{fn, byte(2 * quantity)}
		for i := uint16(0); i < quantity; i++ {
			out = binary.BigEndian.AppendUint16(out, s.registers[address+i])
		}
		return out
	case modbus.FuncWriteSingleCoil:
		s.coils[address] = binary.BigEndian.Uint16(pdu[3:]) == 0xFF00
		return pdu
	case modbus.FuncWriteSingleRegister:
		s.registers[address] = binary.BigEndian.Uint16(pdu[3:])
		return pdu
	case modbus.FuncWriteMultipleCoils:
		quantity := binary.BigEndian.Uint16(pdu[3:])
		for i, v := range modbus.UnpackBits(pdu[6:], int(quantity)) {
			s.coils[address+uint16(i)] = v
		}
		return pdu[:5]
	case modbus.FuncWriteMultipleRegisters:
		quantity := binary.BigEndian.Uint16(pdu[3:])
		for i := uint16(0); i < quantity; i++ {
			s.registers[address+i] = binary.BigEndian.Uint16(pdu[6+2*i:])
		}
		return pdu[:5]
	default:
		return []byte{fn | 0x80, byte(modbus.ExceptionIllegalFunction)}
	}
}

func connectModbus(t *testing.T, server *modbusTestServer) *ModbusClient {
	t.Helper()
	client := NewModbusClient(zaptest.NewLogger(t))
	require.NoError(t, client.Connect(context.Background(), server.config(t)))
	t.Cleanup(func() { client.Disconnect() })
	return client
}

func TestModbusRegisterRoundTrip(t *testing.T) {
	server := startModbusServer(t)
	client := connectModbus(t, server)

	quantity, err := client.WriteMultipleRegisters(10, []uint16{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, uint16(3), quantity)

	values, err := client.ReadHoldingRegisters(10, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 3}, values)

	address, err := client.WriteSingleRegister(11, 0xBEEF)
	require.NoError(t, err)
	assert.Equal(t, uint16(11), address)

	values, err = client.ReadInputRegisters(10, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 0xBEEF}, values)

	stats := client.Stats()
	assert.Equal(t, uint64(4), stats.OperationCount)
	assert.NotZero(t, stats.BytesRead)
}

func TestModbusCoilRoundTrip(t *testing.T) {
	server := startModbusServer(t)
	client := connectModbus(t, server)

	pattern := []bool{true, false, true, true, false, false, true, true, true, false}
	quantity, err := client.WriteMultipleCoils(19, pattern)
	require.NoError(t, err)
	assert.Equal(t, uint16(10), quantity)

	bits, err := client.ReadCoils(19, 10)
	require.NoError(t, err)
	assert.Equal(t, pattern, bits)

	address, err := client.WriteSingleCoil(20, true)
	require.NoError(t, err)
	assert.Equal(t, uint16(20), address)

	bits, err = client.ReadDiscreteInputs(19, 2)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, bits)
}

func TestModbusExceptionResponse(t *testing.T) {
	server := startModbusServer(t)
	server.handle = func(pdu []byte) []byte {
		return []byte{pdu[0] | 0x80, 0x02}
	}
	client := connectModbus(t, server)

	var reported []error
	var mu sync.Mutex
	client.OnError(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})

	values, err := client.ReadHoldingRegisters(0, 1)
	require.Error(t, err)
	assert.Empty(t, values)
	assert.True(t, errors.Is(err, ErrProtocol))

	var exc *modbus.Exception
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, modbus.ExceptionIllegalDataAddress, exc.Code)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	assert.True(t, strings.Contains(reported[0].Error(), "illegal data address"))
}

func TestModbusConcurrentRequestsAcrossWrap(t *testing.T) {
	server := startModbusServer(t)
	server.jitter = 5 * time.Millisecond
	for i := uint16(0); i < 100; i++ {
		server.registers[i] = 1000 + i
	}

	client := connectModbus(t, server)
	client.txMu.Lock()
	client.nextTID = 65530
	client.txMu.Unlock()

	const n = 40
	var wg sync.WaitGroup
	var failures int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(address uint16) {
			defer wg.Done()
			values, err := client.ReadHoldingRegisters(address, 1)
			if err != nil || len(values) != 1 || values[0] != 1000+address {
				atomic.AddInt32(&failures, 1)
			}
		}(uint16(i))
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&failures))
	assert.Zero(t, client.PendingTransactions())

	client.txMu.Lock()
	next := client.nextTID
	client.txMu.Unlock()
	// 65530 + 40 wraps past zero
	assert.Equal(t, uint16(34), next)
}

func TestModbusAllocateSkipsPendingIDs(t *testing.T) {
	client := NewModbusClient(nil)
	client.nextTID = 0xFFFF
	client.pending[0] = make(chan modbusResponse, 1)

	tid, _, err := client.allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFFF), tid)

	tid, _, err = client.allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), tid)
}

func TestModbusTimeoutAndLateResponse(t *testing.T) {
	server := startModbusServer(t)
	var calls int32
	server.handle = func(pdu []byte) []byte {
		if atomic.AddInt32(&calls, 1) == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		return []byte{pdu[0], 2, 0x00, 0x07}
	}

	client := NewModbusClient(nil)
	cfg := server.config(t)
	cfg[KeyTimeout] = 0.1
	require.NoError(t, client.Connect(context.Background(), cfg))
	defer client.Disconnect()

	_, err := client.ReadHoldingRegisters(0, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Zero(t, client.PendingTransactions())

	// the late reply for the first transaction is dropped, not misdelivered
	time.Sleep(300 * time.Millisecond)
	values, err := client.ReadHoldingRegisters(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{7}, values)
}

func TestModbusRejectsOversizedRequests(t *testing.T) {
	server := startModbusServer(t)
	client := connectModbus(t, server)

	_, err := client.ReadHoldingRegisters(0, 126)
	assert.True(t, errors.Is(err, ErrConfiguration))

	_, err = client.ReadCoils(0, 2001)
	assert.True(t, errors.Is(err, ErrConfiguration))

	_, err = client.WriteMultipleRegisters(0, make([]uint16, 124))
	assert.True(t, errors.Is(err, ErrConfiguration))

	assert.Equal(t, uint64(0), client.Stats().OperationCount)
}

func TestModbusNotConnected(t *testing.T) {
	client := NewModbusClient(nil)

	_, err := client.ReadCoils(0, 1)
	assert.True(t, errors.Is(err, ErrNotConnected))

	_, ok := client.Receive(10 * time.Millisecond)
	assert.False(t, ok)

	require.NoError(t, client.Disconnect())
	require.NoError(t, client.Disconnect())
}

func TestModbusRequestOnClosedSocketFails(t *testing.T) {
	server := startModbusServer(t)
	client := connectModbus(t, server)

	client.lifecycleMu.Lock()
	require.NoError(t, client.conn.Close())
	client.lifecycleMu.Unlock()

	_, err := client.ReadHoldingRegisters(0, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIO) || errors.Is(err, ErrNotConnected), err.Error())
	assert.Zero(t, client.PendingTransactions())
}

func TestModbusSendRawPDU(t *testing.T) {
	server := startModbusServer(t)
	server.registers[5] = 42
	client := connectModbus(t, server)

	got := make(chan interface{}, 1)
	client.OnReceive(func(data interface{}) { got <- data })

	require.NoError(t, client.Send([]byte{0x03, 0x00, 0x05, 0x00, 0x01}))
	assert.Equal(t, []byte{0x03, 0x02, 0x00, 0x2A}, <-got)
}

func TestModbusDisconnectReleasesWaiters(t *testing.T) {
	server := startModbusServer(t)
	server.handle = func(pdu []byte) []byte {
		time.Sleep(2 * time.Second)
		return []byte{pdu[0] | 0x80, 0x04}
	}
	client := NewModbusClient(nil)
	cfg := server.config(t)
	cfg[KeyTimeout] = 5
	require.NoError(t, client.Connect(context.Background(), cfg))

	result := make(chan error, 1)
	go func() {
		_, err := client.ReadHoldingRegisters(0, 1)
		result <- err
	}()

	require.Eventually(t, func() bool { return client.PendingTransactions() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, client.Disconnect())

	select {
	case err := <-result:
		assert.True(t, errors.Is(err, ErrTimeout))
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}
