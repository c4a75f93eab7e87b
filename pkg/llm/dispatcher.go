package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wulin-online/swarm/pkg/fault"
	"github.com/wulin-online/swarm/pkg/httpclient"
	"github.com/wulin-online/swarm/pkg/logger"
	"github.com/wulin-online/swarm/pkg/observability"
)

// task is one queued request plus its delivery handler.
type task struct {
	req     Request
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
}

// Dispatcher feeds a bounded ingress queue to per-backend workers
// under each backend's concurrency cap.
type Dispatcher struct {
	cfg      Config
	log      *slog.Logger
	backends []*backend
	http     *http.Client
	catalog  *httpclient.Client // retrying client for /models refresh

	tasks    chan *task
	slotFree chan struct{}

	mu       sync.Mutex
	pending  map[string]*task // submitted, not yet finished
	models   map[string]map[string]bool
	usage    map[string]int64
	rng      *rand.Rand
	rrCursor int

	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64

	cancelRun context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient swaps the generate/probe transport; tests point it at
// httptest servers with short timeouts.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.http = c }
}

// WithRand pins the jitter and weighted-selection source.
func WithRand(rng *rand.Rand) Option {
	return func(d *Dispatcher) { d.rng = rng }
}

// New builds a dispatcher; Start launches it.
func New(cfg Config, opts ...Option) (*Dispatcher, error) {
	cfg.SetDefaults()
	switch cfg.Strategy {
	case StrategyLeastConnections, StrategyWeighted, StrategyRoundRobin:
	default:
		return nil, fault.New(fault.MalformedPayload, "llm.new",
			"unknown strategy %q", cfg.Strategy)
	}
	if len(cfg.Backends) == 0 {
		return nil, fault.New(fault.NoBackendAvailable, "llm.new", "no backends configured")
	}

	d := &Dispatcher{
		cfg:      cfg,
		log:      logger.GetLogger().With("component", "llm"),
		http:     &http.Client{Timeout: 120 * time.Second},
		tasks:    make(chan *task, cfg.QueueSize),
		slotFree: make(chan struct{}, 1),
		pending:  make(map[string]*task),
		models:   make(map[string]map[string]bool),
		usage:    make(map[string]int64),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, bc := range cfg.Backends {
		if bc.Weight <= 0 {
			bc.Weight = 1
		}
		d.backends = append(d.backends, newBackend(bc))
	}
	for _, opt := range opts {
		opt(d)
	}
	d.catalog = httpclient.New(
		httpclient.WithHTTPClient(d.http),
		httpclient.WithMaxRetries(2),
		httpclient.WithRetryDelay(500*time.Millisecond),
	)
	return d, nil
}

// Start launches the coordinator and the health probe loop.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancelRun = cancel

	d.wg.Add(2)
	go d.coordinate(ctx)
	go d.healthLoop(ctx)
	d.log.Info("dispatcher started",
		"backends", len(d.backends), "strategy", d.cfg.Strategy)
}

// Stop cancels in-flight requests and waits for the workers.
func (d *Dispatcher) Stop() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	if d.cancelRun != nil {
		d.cancelRun()
	}
	d.mu.Lock()
	for _, t := range d.pending {
		t.cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Submit enqueues a request; the handler receives its events. A full
// queue rejects with queue_full.
func (d *Dispatcher) Submit(req Request, h Handler) (string, error) {
	if d.closed.Load() {
		return "", fault.New(fault.ShutdownInProgress, "llm.submit", "dispatcher stopped")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Model == "" {
		req.Model = d.cfg.DefaultModel
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{req: req, handler: h, ctx: ctx, cancel: cancel}

	d.mu.Lock()
	d.pending[req.ID] = t
	d.mu.Unlock()

	select {
	case d.tasks <- t:
		d.total.Add(1)
		return req.ID, nil
	default:
		d.mu.Lock()
		delete(d.pending, req.ID)
		d.mu.Unlock()
		cancel()
		return "", fault.New(fault.QueueFull, "llm.submit",
			"ingress queue at capacity %d", d.cfg.QueueSize)
	}
}

// Cancel is best-effort: a pending request is dropped, an in-flight
// one gets its context cancelled.
func (d *Dispatcher) Cancel(requestID string) bool {
	d.mu.Lock()
	t, ok := d.pending[requestID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	return true
}

func (d *Dispatcher) finish(t *task) {
	d.mu.Lock()
	delete(d.pending, t.req.ID)
	d.mu.Unlock()
	t.cancel()
}

// coordinate pops tasks and assigns backends, waiting when every
// backend is saturated.
func (d *Dispatcher) coordinate(ctx context.Context) {
	defer d.wg.Done()
	for {
		var t *task
		select {
		case <-ctx.Done():
			return
		case t = <-d.tasks:
		}
		if t.ctx.Err() != nil { // cancelled while queued
			d.deliverFailure(t, fault.New(fault.RequestTimeout, "llm.dispatch",
				"request %s cancelled", t.req.ID))
			continue
		}

		b := d.waitForBackend(ctx, t)
		if b == nil {
			if ctx.Err() != nil {
				return
			}
			continue // failure already delivered
		}

		b.inflight.Add(1)
		d.wg.Add(1)
		go d.run(t, b)
	}
}

// waitForBackend blocks until a backend has a free slot. Saturation
// keeps the request waiting; having no healthy backend at all fails
// it.
func (d *Dispatcher) waitForBackend(ctx context.Context, t *task) *backend {
	for {
		if b := d.selectBackend(t.req.Model); b != nil {
			return b
		}
		if !d.anyHealthy() {
			d.deliverFailure(t, fault.New(fault.NoBackendAvailable, "llm.dispatch",
				"no healthy backend for model %s", t.req.Model))
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.ctx.Done():
			d.deliverFailure(t, fault.New(fault.RequestTimeout, "llm.dispatch",
				"request %s cancelled", t.req.ID))
			return nil
		case <-d.slotFree:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (d *Dispatcher) anyHealthy() bool {
	for _, b := range d.backends {
		if b.cfg.Enabled && b.isHealthy() {
			return true
		}
	}
	return false
}

// selectBackend applies the configured strategy over backends that
// are enabled, healthy, below their cap, and serving the model (when
// the catalog knows).
func (d *Dispatcher) selectBackend(model string) *backend {
	var usable []*backend
	for _, b := range d.backends {
		if b.available() && d.serves(b, model) {
			usable = append(usable, b)
		}
	}
	if len(usable) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.cfg.Strategy {
	case StrategyRoundRobin:
		b := usable[d.rrCursor%len(usable)]
		d.rrCursor++
		return b
	case StrategyWeighted:
		var sum float64
		for _, b := range usable {
			sum += b.cfg.Weight
		}
		r := d.rng.Float64() * sum
		for _, b := range usable {
			r -= b.cfg.Weight
			if r < 0 {
				return b
			}
		}
		return usable[len(usable)-1]
	default: // least_connections
		best := usable[0]
		for _, b := range usable[1:] {
			if b.inflight.Load() < best.inflight.Load() {
				best = b
			}
		}
		return best
	}
}

// serves consults the model catalog; an empty catalog entry means the
// backend has not been asked yet and stays eligible.
func (d *Dispatcher) serves(b *backend, model string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	known := d.models[b.cfg.ID]
	if len(known) == 0 {
		return true
	}
	return known[model]
}

// run executes one request with the retry budget, then frees the
// backend slot.
func (d *Dispatcher) run(t *task, b *backend) {
	defer d.wg.Done()
	defer func() {
		b.inflight.Add(-1)
		select {
		case d.slotFree <- struct{}{}:
		default:
		}
	}()

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-t.ctx.Done():
			case <-time.After(d.retryDelay()):
			}
			if t.ctx.Err() != nil {
				lastErr = fault.New(fault.RequestTimeout, "llm.run",
					"request %s cancelled", t.req.ID)
				break
			}
		}

		text, tokens, err := b.generate(t.ctx, d.http, t.req, t.handler)
		if err == nil {
			elapsed := time.Since(start)
			b.observeLatency(elapsed)
			observability.Global().RecordLLMCall(context.Background(),
				t.req.Model, b.cfg.ID, elapsed, tokens, nil)
			d.successful.Add(1)
			d.mu.Lock()
			d.usage[t.req.Model]++
			d.mu.Unlock()
			d.deliver(t, Event{
				Type:      EventCompleted,
				RequestID: t.req.ID,
				Backend:   b.cfg.ID,
				Text:      text,
				Tokens:    tokens,
				Elapsed:   elapsed,
			})
			d.finish(t)
			return
		}

		lastErr = err
		if !retriable(err) {
			break
		}
		d.log.Debug("generate attempt failed",
			"request", t.req.ID, "backend", b.cfg.ID, "attempt", attempt+1, "error", err)
	}

	if retriable(lastErr) {
		lastErr = fault.Wrap(fault.MaxRetriesExceeded, "llm.run", lastErr)
	}
	observability.Global().RecordLLMCall(context.Background(),
		t.req.Model, b.cfg.ID, time.Since(start), 0, lastErr)
	d.deliverFailure(t, lastErr)
}

// retriable mirrors the policy in pkg/httpclient: transport faults
// and backend-side errors retry, malformed requests do not.
func retriable(err error) bool {
	switch fault.KindOf(err) {
	case fault.ConnectionLost, fault.BackendUnhealthy:
		return true
	}
	return false
}

// retryDelay is the fixed delay stretched by up to +50% jitter, never
// below the configured floor.
func (d *Dispatcher) retryDelay() time.Duration {
	d.mu.Lock()
	factor := 1 + d.rng.Float64()*0.5
	d.mu.Unlock()
	return time.Duration(float64(d.cfg.RetryDelay) * factor)
}

func (d *Dispatcher) deliver(t *task, ev Event) {
	if t.handler != nil {
		t.handler(ev)
	}
}

func (d *Dispatcher) deliverFailure(t *task, err error) {
	d.failed.Add(1)
	d.deliver(t, Event{
		Type:      EventFailed,
		RequestID: t.req.ID,
		Err:       err,
	})
	d.finish(t)
}

// healthLoop probes every backend on the configured interval.
func (d *Dispatcher) healthLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.HealthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.probeAll(ctx)
		}
	}
}

func (d *Dispatcher) probeAll(ctx context.Context) {
	for _, b := range d.backends {
		if !b.cfg.Enabled {
			continue
		}
		ok := b.probe(ctx, d.http)
		if b.probeResult(ok) {
			if ok {
				d.log.Info("backend recovered", "backend", b.cfg.ID)
			} else {
				d.log.Warn("backend unhealthy", "backend", b.cfg.ID)
			}
		}
	}
}

// RefreshModels queries each backend's catalog and merges the
// results.
func (d *Dispatcher) RefreshModels(ctx context.Context) error {
	var firstErr error
	for _, b := range d.backends {
		if !b.cfg.Enabled {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			strings.TrimRight(b.cfg.BaseURL, "/")+"/models", nil)
		if err != nil {
			continue
		}
		resp, err := d.catalog.Do(req)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		var out modelsResponse
		err = jsonDecode(resp, &out)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		d.mu.Lock()
		set := make(map[string]bool, len(out.Models))
		for _, m := range out.Models {
			set[m.Name] = true
		}
		d.models[b.cfg.ID] = set
		d.mu.Unlock()
	}
	return firstErr
}

func jsonDecode(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fault.New(fault.QueryFailed, "llm.models", "HTTP %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Models returns the merged catalog: model name to backend ids.
func (d *Dispatcher) Models() map[string][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]string)
	for backendID, set := range d.models {
		for model := range set {
			out[model] = append(out[model], backendID)
		}
	}
	return out
}

// Stats snapshots the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	st := Stats{
		Total:      d.total.Load(),
		Successful: d.successful.Load(),
		Failed:     d.failed.Load(),
		Queued:     len(d.tasks),
		ModelUsage: make(map[string]int64),
	}
	d.mu.Lock()
	for m, n := range d.usage {
		st.ModelUsage[m] = n
	}
	d.mu.Unlock()
	for _, b := range d.backends {
		st.Backends = append(st.Backends, BackendStats{
			ID:         b.cfg.ID,
			Healthy:    b.isHealthy(),
			InFlight:   int(b.inflight.Load()),
			AvgLatency: b.avgLatency(),
		})
	}
	return st
}
