package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wulin-online/swarm/pkg/fault"
	"github.com/wulin-online/swarm/pkg/wire"
)

// stubServer is a minimal wire endpoint recording requests in arrival
// order and answering per a reply function.
type stubServer struct {
	ln    net.Listener
	reply func(req wire.Message) (wire.Message, bool)

	mu       sync.Mutex
	received []wire.Message

	wg sync.WaitGroup
}

func newStubServer(t *testing.T, addr string, reply func(req wire.Message) (wire.Message, bool)) *stubServer {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	if reply == nil {
		reply = func(req wire.Message) (wire.Message, bool) {
			resp, err := wire.NewResponse(req, nil)
			require.NoError(t, err)
			return resp, true
		}
	}
	s := &stubServer{ln: ln, reply: reply}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.stop)
	return s
}

func (s *stubServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *stubServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	dec := wire.NewDecoder(conn)
	enc := wire.NewEncoder(conn)
	for {
		m, err := dec.Decode()
		if err != nil {
			return
		}
		if m.Kind != wire.KindRequest {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, m)
		s.mu.Unlock()
		if resp, ok := s.reply(m); ok {
			if err := enc.Encode(resp); err != nil {
				return
			}
		}
	}
}

func (s *stubServer) requests() []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Message, len(s.received))
	copy(out, s.received)
	return out
}

func (s *stubServer) addr() string { return s.ln.Addr().String() }

func (s *stubServer) stop() {
	s.ln.Close()
	s.wg.Wait()
}

func fastConfig(addr string) Config {
	return Config{
		ServerAddr:        addr,
		ReconnectInterval: 30 * time.Millisecond,
		RequestTimeout:    time.Second,
		ScanInterval:      50 * time.Millisecond,
		HeartbeatInterval: time.Second,
		DrainInterval:     10 * time.Millisecond,
	}
}

func TestCallRoundTrip(t *testing.T) {
	srv := newStubServer(t, "127.0.0.1:0", nil)
	c := New(fastConfig(srv.addr()))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	resp, err := c.Call(context.Background(), wire.CmdGetStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, resp.Status)
	assert.Equal(t, 0, c.PendingCount())
	assert.Greater(t, c.Latency(), time.Duration(0))
}

// Messages submitted while disconnected arrive in submission order
// after the server comes back.
func TestOutboxDrainsInOrderAfterReconnect(t *testing.T) {
	// Reserve an address, then free it so the first dial fails.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := New(fastConfig(addr))
	_ = c.Connect(context.Background())
	defer c.Close()
	assert.Equal(t, StateReconnecting, c.State())

	var want []string
	for i := 0; i < 5; i++ {
		req, err := wire.NewRequest(string(rune('a'+i)), wire.CmdGetStatus, nil)
		require.NoError(t, err)
		require.NoError(t, c.Send(req))
		want = append(want, req.RequestID)
	}

	srv := newStubServer(t, addr, nil)

	require.Eventually(t, func() bool {
		return len(srv.requests()) == 5
	}, 2*time.Second, 10*time.Millisecond)

	var got []string
	for _, m := range srv.requests() {
		got = append(got, m.RequestID)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, StateConnected, c.State())
}

func TestOutboxOverflow(t *testing.T) {
	cfg := fastConfig("127.0.0.1:1") // nothing listening
	cfg.OutboxCapacity = 2
	c := New(cfg)
	_ = c.Connect(context.Background())
	defer c.Close()

	require.NoError(t, c.Send(wire.NewHeartbeat()))
	require.NoError(t, c.Send(wire.NewHeartbeat()))
	err := c.Send(wire.NewHeartbeat())
	assert.Equal(t, fault.QueueFull, fault.KindOf(err))
}

// A request the server never answers is retried up to the budget and
// then failed; the pending table never leaks the entry.
func TestRequestRetryExhaustion(t *testing.T) {
	silent := func(req wire.Message) (wire.Message, bool) { return wire.Message{}, false }
	srv := newStubServer(t, "127.0.0.1:0", silent)

	cfg := fastConfig(srv.addr())
	cfg.RequestTimeout = 40 * time.Millisecond
	cfg.ScanInterval = 20 * time.Millisecond
	cfg.MaxRetries = 2
	c := New(cfg)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	start := time.Now()
	_, err := c.Call(context.Background(), wire.CmdGetStatus, nil)
	require.Error(t, err)
	assert.Equal(t, fault.RequestTimeout, fault.KindOf(err))
	assert.Equal(t, 0, c.PendingCount())

	// Initial send plus two retries.
	require.Eventually(t, func() bool {
		return len(srv.requests()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 2*cfg.RequestTimeout)
}

func TestCallContextCancelRemovesPending(t *testing.T) {
	silent := func(req wire.Message) (wire.Message, bool) { return wire.Message{}, false }
	srv := newStubServer(t, "127.0.0.1:0", silent)

	c := New(fastConfig(srv.addr()))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, wire.CmdGetStatus, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.PendingCount())
}

func TestNotificationsDelivered(t *testing.T) {
	// The stub answers every request with a notification frame.
	notify, err := wire.NewNotification(wire.NotifySystemEvent, wire.SystemEvent{EventType: wire.SystemEventPause})
	require.NoError(t, err)
	srv := newStubServer(t, "127.0.0.1:0", func(req wire.Message) (wire.Message, bool) {
		return notify, true
	})

	c := New(fastConfig(srv.addr()))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	req, err := wire.NewRequest("n-1", wire.CmdGetStatus, nil)
	require.NoError(t, err)
	require.NoError(t, c.Send(req))

	select {
	case m := <-c.Notifications():
		assert.Equal(t, wire.NotifySystemEvent, m.Cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestCloseLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := newStubServer(t, "127.0.0.1:0", nil)
	c := New(fastConfig(srv.addr()))
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Call(context.Background(), wire.CmdHeartbeat, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	srv.stop()
}
