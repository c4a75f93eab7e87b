// Package client implements the management side of the framed
// protocol: a connection state machine with auto-reconnect, a bounded
// outbox that queues while disconnected, and a pending-request table
// with retry and timeout handling.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wulin-online/swarm/pkg/fault"
	"github.com/wulin-online/swarm/pkg/logger"
	"github.com/wulin-online/swarm/pkg/wire"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateReconnecting: "reconnecting",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config holds the client tunables.
type Config struct {
	ServerAddr           string
	ReconnectInterval    time.Duration // default 5s
	MaxReconnectAttempts int           // default 10
	RequestTimeout       time.Duration // default 30s
	ScanInterval         time.Duration // pending-table sweep, default 5s
	HeartbeatInterval    time.Duration // default 30s
	OutboxCapacity       int           // default 10000
	DrainBatch           int           // frames per drain cycle, default 10
	DrainInterval        time.Duration // default 100ms
	MaxRetries           int           // per request, default 3
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.OutboxCapacity <= 0 {
		c.OutboxCapacity = 10000
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = 10
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 100 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}

type pendingRequest struct {
	msg       wire.Message
	firstSent time.Time
	retries   int
	result    chan wire.Message
}

// Client is safe for concurrent use. All outgoing frames pass through
// the outbox; a single drain loop owns the socket for writing.
type Client struct {
	cfg Config
	log *slog.Logger

	state atomic.Int32

	mu      sync.Mutex
	conn    net.Conn
	enc     *wire.Encoder
	outbox  []wire.Message
	pending map[string]*pendingRequest
	closed  bool

	notifications chan wire.Message

	// Exponentially weighted moving average of request latency, in
	// nanoseconds.
	latencyNanos atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a client; Connect starts it.
func New(cfg Config) *Client {
	cfg.SetDefaults()
	return &Client{
		cfg:           cfg,
		log:           logger.GetLogger().With("component", "client", "server", cfg.ServerAddr),
		pending:       make(map[string]*pendingRequest),
		notifications: make(chan wire.Message, 256),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.log.Debug("state change", "from", old.String(), "to", s.String())
	}
}

// Notifications returns the channel server pushes arrive on.
func (c *Client) Notifications() <-chan wire.Message { return c.notifications }

// Latency returns the moving-average request round trip.
func (c *Client) Latency() time.Duration {
	return time.Duration(c.latencyNanos.Load())
}

func (c *Client) observeLatency(d time.Duration) {
	const alpha = 0.2
	for {
		old := c.latencyNanos.Load()
		next := int64(float64(old)*(1-alpha) + float64(d)*alpha)
		if old == 0 {
			next = int64(d)
		}
		if c.latencyNanos.CompareAndSwap(old, next) {
			return
		}
	}
}

// Connect dials the server and starts the background loops. A failed
// initial dial still starts the reconnect loop; queued messages flow
// once a connection lands.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.setState(StateConnecting)
	err := c.dial()
	if err != nil {
		c.setState(StateReconnecting)
	}

	c.wg.Add(4)
	go c.reconnectLoop(ctx)
	go c.drainLoop(ctx)
	go c.scanLoop(ctx)
	go c.heartbeatLoop(ctx)
	return err
}

// Close disconnects and fails every pending request.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if conn != nil {
		conn.Close()
	}
	for _, p := range pending {
		close(p.result)
	}
	c.setState(StateDisconnected)
	c.wg.Wait()
	close(c.notifications)
	return nil
}

func (c *Client) dial() error {
	conn, err := net.Dial("tcp", c.cfg.ServerAddr)
	if err != nil {
		return fault.Wrap(fault.ConnectionLost, "client.dial", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return fault.New(fault.ShutdownInProgress, "client.dial", "client closed")
	}
	c.conn = conn
	c.enc = wire.NewEncoder(conn)
	c.mu.Unlock()

	c.setState(StateConnected)
	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// dropConn tears the connection down and flips to reconnecting unless
// the client is closed.
func (c *Client) dropConn(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.enc = nil
	}
	closed := c.closed
	c.mu.Unlock()

	conn.Close()
	if !closed {
		c.setState(StateReconnecting)
	}
}

func (c *Client) connected() (*wire.Encoder, net.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.enc == nil {
		return nil, nil, false
	}
	return c.enc, c.conn, true
}

// Send queues one frame for delivery; while disconnected it sits in
// the outbox up to the capacity bound.
func (c *Client) Send(m wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fault.New(fault.ShutdownInProgress, "client.send", "client closed")
	}
	if len(c.outbox) >= c.cfg.OutboxCapacity {
		return fault.New(fault.QueueFull, "client.send",
			"outbox at capacity %d", c.cfg.OutboxCapacity)
	}
	c.outbox = append(c.outbox, m)
	return nil
}

// Call sends a request and blocks until its response, a retry-budget
// exhaustion, or ctx cancellation. The pending entry is removed on
// every path.
func (c *Client) Call(ctx context.Context, cmd string, data any) (wire.Message, error) {
	req, err := wire.NewRequest(uuid.NewString(), cmd, data)
	if err != nil {
		return wire.Message{}, fault.Wrap(fault.MalformedPayload, "client.call", err)
	}

	p := &pendingRequest{
		msg:       req,
		firstSent: time.Now(),
		result:    make(chan wire.Message, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.Message{}, fault.New(fault.ShutdownInProgress, "client.call", "client closed")
	}
	if len(c.outbox) >= c.cfg.OutboxCapacity {
		c.mu.Unlock()
		return wire.Message{}, fault.New(fault.QueueFull, "client.call",
			"outbox at capacity %d", c.cfg.OutboxCapacity)
	}
	c.pending[req.RequestID] = p
	c.outbox = append(c.outbox, req)
	c.mu.Unlock()

	select {
	case resp, ok := <-p.result:
		if !ok {
			return wire.Message{}, fault.New(fault.RequestTimeout, "client.call",
				"request %s failed", req.RequestID)
		}
		return resp, nil
	case <-ctx.Done():
		c.removePending(req.RequestID)
		return wire.Message{}, ctx.Err()
	}
}

func (c *Client) removePending(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending[id]
	delete(c.pending, id)
	return p
}

// PendingCount reports the size of the pending-request table.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()
	dec := wire.NewDecoder(conn)
	for {
		m, err := dec.Decode()
		if err != nil {
			c.dropConn(conn)
			return
		}
		switch m.Kind {
		case wire.KindResponse:
			if p := c.removePending(m.RequestID); p != nil {
				c.observeLatency(time.Since(p.firstSent))
				p.result <- m
			}
		case wire.KindNotification:
			select {
			case c.notifications <- m:
			default:
				// A stalled consumer loses notifications rather than
				// wedging the read loop.
			}
		case wire.KindHeartbeat:
		}
	}
}

// reconnectLoop redials while in the reconnecting state, up to the
// attempt budget per outage.
func (c *Client) reconnectLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ReconnectInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateReconnecting {
				attempts = 0
				continue
			}
			attempts++
			if attempts > c.cfg.MaxReconnectAttempts {
				c.log.Warn("reconnect attempts exhausted", "attempts", attempts-1)
				c.setState(StateDisconnected)
				attempts = 0
				continue
			}
			if err := c.dial(); err != nil {
				c.log.Debug("reconnect failed", "attempt", attempts, "error", err)
				continue
			}
			c.log.Info("reconnected", "attempts", attempts)
			attempts = 0
		}
	}
}

// drainLoop is the only socket writer: it ships outbox frames
// oldest-first in bounded batches.
func (c *Client) drainLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drainOnce()
		}
	}
}

func (c *Client) drainOnce() {
	enc, conn, ok := c.connected()
	if !ok {
		return
	}

	c.mu.Lock()
	n := len(c.outbox)
	if n > c.cfg.DrainBatch {
		n = c.cfg.DrainBatch
	}
	batch := make([]wire.Message, n)
	copy(batch, c.outbox[:n])
	c.outbox = c.outbox[n:]
	c.mu.Unlock()

	for i, m := range batch {
		if err := enc.Encode(m); err != nil {
			// Requeue the unsent tail in order; the reader notices the
			// broken socket and flips the state.
			c.mu.Lock()
			c.outbox = append(batch[i:], c.outbox...)
			c.mu.Unlock()
			c.dropConn(conn)
			return
		}
	}
}

// scanLoop retries or fails pending requests past the timeout.
func (c *Client) scanLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scanOnce(time.Now())
		}
	}
}

func (c *Client) scanOnce(now time.Time) {
	c.mu.Lock()
	var expired []*pendingRequest
	for id, p := range c.pending {
		if now.Sub(p.firstSent) < c.cfg.RequestTimeout {
			continue
		}
		if p.retries < c.cfg.MaxRetries {
			p.retries++
			p.firstSent = now
			if len(c.outbox) < c.cfg.OutboxCapacity {
				c.outbox = append(c.outbox, p.msg)
				continue
			}
		}
		delete(c.pending, id)
		expired = append(expired, p)
	}
	c.mu.Unlock()

	for _, p := range expired {
		c.log.Warn("request timed out", "request_id", p.msg.RequestID, "retries", p.retries)
		close(p.result)
	}
}

// heartbeatLoop keeps the session alive while connected.
func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() == StateConnected {
				_ = c.Send(wire.NewHeartbeat())
			}
		}
	}
}
