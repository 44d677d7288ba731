package protocol

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// startEchoServer accepts connections and echoes every byte back
func startEchoServer(t *testing.T) (net.Listener, *int32) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var accepted int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&accepted, 1)
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1024)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					if _, err := c.Write(buf[:n]); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln, &accepted
}

func addrConfig(t *testing.T, addr string) Config {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return Config{KeyHost: host, KeyPort: port}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestTCPClientConnectUnreachable(t *testing.T) {
	client := NewTCPClient(zaptest.NewLogger(t))

	var errorCount int32
	client.OnError(func(error) { atomic.AddInt32(&errorCount, 1) })

	cfg := addrConfig(t, freeAddr(t))
	cfg[KeyTimeout] = 0.5

	start := time.Now()
	err := client.Connect(context.Background(), cfg)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection))
	assert.Less(t, elapsed, 1500*time.Millisecond)
	assert.Equal(t, StateError, client.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&errorCount))
	assert.Equal(t, uint64(1), client.Stats().ErrorCount)
}

func TestTCPClientInvalidConfig(t *testing.T) {
	client := NewTCPClient(nil)

	var errorCount int32
	client.OnError(func(error) { atomic.AddInt32(&errorCount, 1) })

	err := client.Connect(context.Background(), Config{KeyPort: -1})
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.Equal(t, StateError, client.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&errorCount))
}

func TestTCPClientSendWhileDisconnected(t *testing.T) {
	client := NewTCPClient(nil)

	err := client.Send([]byte("data"))
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Zero(t, client.PendingRequests())
	assert.Zero(t, client.QueueSize())

	var cbErr error
	id, err := client.SendWithCallback("x", func(_ string, err error) { cbErr = err }, SendOptions{})
	assert.Empty(t, id)
	assert.Error(t, err)
	assert.True(t, errors.Is(cbErr, ErrNotConnected))
}

func TestTCPClientEchoRoundTrip(t *testing.T) {
	ln, _ := startEchoServer(t)
	client := NewTCPClient(zaptest.NewLogger(t))

	var connected, disconnected int32
	client.OnConnect(func() { atomic.AddInt32(&connected, 1) })
	client.OnDisconnect(func() { atomic.AddInt32(&disconnected, 1) })

	received := make(chan interface{}, 4)
	client.OnReceive(func(data interface{}) { received <- data })

	var successBytes int32
	client.OnSendSuccess(func(_ string, n int, _ time.Duration) { atomic.StoreInt32(&successBytes, int32(n)) })

	cfg := addrConfig(t, ln.Addr().String())
	cfg[KeyCodec] = "text"
	require.NoError(t, client.Connect(context.Background(), cfg))
	assert.Equal(t, StateConnected, client.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&connected))

	done := make(chan string, 1)
	id, err := client.SendWithCallback("hello", func(id string, err error) {
		if err == nil {
			done <- id
		}
	}, SendOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case got := <-done:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("send callback not invoked")
	}

	msg, ok := client.Receive(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "hello", msg)
	assert.Equal(t, "hello", <-received)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&successBytes) == 6 }, time.Second, 10*time.Millisecond)

	stats := client.Statistics()
	assert.Equal(t, uint64(1), stats.SendSuccess)
	assert.Equal(t, uint64(6), stats.SendBytes)
	assert.Zero(t, stats.SendFailure)
	assert.Equal(t, uint64(6), client.Stats().BytesWritten)

	_, found := client.RequestStatus(id)
	assert.False(t, found)

	client.ResetStatistics()
	assert.Zero(t, client.Statistics().SendCount)

	require.NoError(t, client.Disconnect())
	require.NoError(t, client.Disconnect())
	assert.Equal(t, StateDisconnected, client.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&disconnected))

	_, ok = client.Receive(0)
	assert.False(t, ok)
}

func TestTCPClientPreservesSendOrder(t *testing.T) {
	ln, _ := startEchoServer(t)
	client := NewTCPClient(nil)

	cfg := addrConfig(t, ln.Addr().String())
	cfg[KeyCodec] = "text"
	require.NoError(t, client.Connect(context.Background(), cfg))
	defer client.Disconnect()

	for _, s := range []string{"a", "b", "c", "d"} {
		require.NoError(t, client.Send(s))
	}

	var got []interface{}
	for i := 0; i < 4; i++ {
		msg, ok := client.Receive(2 * time.Second)
		require.True(t, ok)
		got = append(got, msg)
	}
	assert.Equal(t, []interface{}{"a", "b", "c", "d"}, got)
}

func TestTCPClientQueueFull(t *testing.T) {
	client := NewTCPClient(nil)

	// a session without a send loop so the queue never drains
	client.session = &tcpSession{
		sendQueue:    make(chan *SendRequest, 1),
		receiveQueue: make(chan interface{}, 1),
	}
	client.setState(StateConnected)

	require.NoError(t, client.Send("first"))
	err := client.Send("second")
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.True(t, errors.Is(err, ErrCapacity))

	assert.Equal(t, 1, client.QueueSize())
	assert.Equal(t, 1, client.PendingRequests())
	assert.Equal(t, 1, client.ClearQueue())
	assert.Zero(t, client.QueueSize())
	assert.Zero(t, client.PendingRequests())
}

func TestTCPClientPeerCloseWithoutReconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	client := NewTCPClient(nil)
	disconnected := make(chan struct{}, 1)
	client.OnDisconnect(func() { disconnected <- struct{}{} })

	require.NoError(t, client.Connect(context.Background(), addrConfig(t, ln.Addr().String())))

	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("on_disconnect not fired")
	}
	assert.Equal(t, StateDisconnected, client.State())
	assert.True(t, errors.Is(client.Send("x"), ErrNotConnected))
}

func TestTCPClientAutoReconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var mu sync.Mutex
	var accepted []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			accepted = append(accepted, conn)
			first := len(accepted) == 1
			mu.Unlock()
			if first {
				conn.Close()
			}
		}
	}()
	defer func() {
		mu.Lock()
		for _, c := range accepted {
			c.Close()
		}
		mu.Unlock()
	}()

	client := NewTCPClient(zaptest.NewLogger(t))
	var connects int32
	client.OnConnect(func() { atomic.AddInt32(&connects, 1) })

	cfg := addrConfig(t, ln.Addr().String())
	cfg[KeyAutoReconnect] = true
	cfg[KeyReconnectInterval] = 0.05
	require.NoError(t, client.Connect(context.Background(), cfg))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&connects) == 2 && client.IsConnected()
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Disconnect())
	assert.Equal(t, StateDisconnected, client.State())
}

func TestTCPClientHealthCheck(t *testing.T) {
	ln, _ := startEchoServer(t)
	client := NewTCPClient(nil)

	var checks int32
	client.OnHealthCheck(func() { atomic.AddInt32(&checks, 1) })

	cfg := addrConfig(t, ln.Addr().String())
	cfg[KeyHealthCheckInterval] = 0.02
	require.NoError(t, client.Connect(context.Background(), cfg))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&checks) >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, client.IsConnected())
	require.NoError(t, client.Disconnect())
}

func TestTCPClientCompressesLargePayloads(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	got := make(chan int, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		buf := make([]byte, 8192)
		n, _ := r.Read(buf)
		got <- n
	}()

	client := NewTCPClient(nil)
	cfg := addrConfig(t, ln.Addr().String())
	cfg[KeyCompression] = true
	require.NoError(t, client.Connect(context.Background(), cfg))
	defer client.Disconnect()

	payload := make([]byte, 4096)
	require.NoError(t, client.Send(payload))

	select {
	case n := <-got:
		assert.Less(t, n, len(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("nothing received")
	}
}
