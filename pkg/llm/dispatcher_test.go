package llm

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wulin-online/swarm/pkg/fault"
)

type eventSink struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
	once   sync.Once
}

func newEventSink() *eventSink {
	return &eventSink{done: make(chan struct{})}
}

func (s *eventSink) handle(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	if ev.Type == EventCompleted || ev.Type == EventFailed {
		s.once.Do(func() { close(s.done) })
	}
}

func (s *eventSink) wait(t *testing.T) []Event {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
		t.Fatal("no terminal event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func newDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	if cfg.HealthEvery == 0 {
		cfg.HealthEvery = time.Hour // keep probes out of short tests
	}
	d, err := New(cfg, WithRand(rand.New(rand.NewSource(13))),
		WithHTTPClient(&http.Client{Timeout: 10 * time.Second}))
	require.NoError(t, err)
	return d
}

func oneBackend(url string, maxConcurrent int) []BackendConfig {
	return []BackendConfig{{
		ID: "b1", BaseURL: url, Weight: 1, MaxConcurrent: maxConcurrent, Enabled: true,
	}}
}

func TestCompletedNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":"江湖路遠","done":true,"eval_count":7}`)
	}))
	defer srv.Close()

	d := newDispatcher(t, Config{Backends: oneBackend(srv.URL, 4)})
	d.Start(context.Background())
	defer d.Stop()

	sink := newEventSink()
	id, err := d.Submit(Request{Prompt: "寫一句開場白"}, sink.handle)
	require.NoError(t, err)

	events := sink.wait(t)
	final := events[len(events)-1]
	assert.Equal(t, EventCompleted, final.Type)
	assert.Equal(t, id, final.RequestID)
	assert.Equal(t, "江湖路遠", final.Text)
	assert.Equal(t, 7, final.Tokens)
	assert.Greater(t, final.Elapsed, time.Duration(0))

	st := d.Stats()
	assert.Equal(t, int64(1), st.Successful)
	assert.Equal(t, int64(1), st.ModelUsage[d.cfg.DefaultModel])
}

func TestStreamingChunksThenCompleted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"少俠","done":false}`)
		fmt.Fprintln(w, `{"response":"留步","done":false}`)
		fmt.Fprintln(w, `{"response":"","done":true,"eval_count":4}`)
	}))
	defer srv.Close()

	d := newDispatcher(t, Config{Backends: oneBackend(srv.URL, 4)})
	d.Start(context.Background())
	defer d.Stop()

	sink := newEventSink()
	_, err := d.Submit(Request{Prompt: "p", Stream: true}, sink.handle)
	require.NoError(t, err)

	events := sink.wait(t)
	require.Len(t, events, 3)
	assert.Equal(t, EventChunk, events[0].Type)
	assert.Equal(t, "少俠", events[0].Text)
	assert.Equal(t, EventChunk, events[1].Type)
	assert.Equal(t, EventCompleted, events[2].Type)
	assert.Equal(t, "少俠留步", events[2].Text)
	assert.Equal(t, 4, events[2].Tokens)
}

// A stream that ends without done:true is truncated; the retry budget
// applies and then the caller sees max_retries_exceeded.
func TestStreamWithoutDoneMarkerFails(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprintln(w, `{"response":"斷","done":false}`)
	}))
	defer srv.Close()

	d := newDispatcher(t, Config{
		Backends:   oneBackend(srv.URL, 4),
		MaxRetries: 1,
		RetryDelay: 10 * time.Millisecond,
	})
	d.Start(context.Background())
	defer d.Stop()

	sink := newEventSink()
	_, err := d.Submit(Request{Prompt: "p", Stream: true}, sink.handle)
	require.NoError(t, err)

	events := sink.wait(t)
	final := events[len(events)-1]
	assert.Equal(t, EventFailed, final.Type)
	assert.Equal(t, fault.MaxRetriesExceeded, fault.KindOf(final.Err))
	assert.Equal(t, int32(2), hits.Load())
}

// S6: every attempt gets HTTP 500; with max_retries=2 the backend is
// hit exactly 3 times, the hits are at least retry_delay apart, and
// the caller receives max_retries_exceeded.
func TestRetryExhaustionOn500(t *testing.T) {
	var mu sync.Mutex
	var hitTimes []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hitTimes = append(hitTimes, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	retryDelay := 100 * time.Millisecond
	d := newDispatcher(t, Config{
		Backends:   oneBackend(srv.URL, 4),
		MaxRetries: 2,
		RetryDelay: retryDelay,
	})
	d.Start(context.Background())
	defer d.Stop()

	sink := newEventSink()
	_, err := d.Submit(Request{Prompt: "p"}, sink.handle)
	require.NoError(t, err)

	events := sink.wait(t)
	final := events[len(events)-1]
	assert.Equal(t, EventFailed, final.Type)
	assert.Equal(t, fault.MaxRetriesExceeded, fault.KindOf(final.Err))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, hitTimes, 3)
	for i := 1; i < len(hitTimes); i++ {
		assert.GreaterOrEqual(t, hitTimes[i].Sub(hitTimes[i-1]), retryDelay)
	}

	st := d.Stats()
	assert.Equal(t, int64(1), st.Failed)
}

// 4xx means the request itself is bad; it must not burn retries.
func TestClientErrorFailsImmediately(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := newDispatcher(t, Config{Backends: oneBackend(srv.URL, 4), MaxRetries: 3})
	d.Start(context.Background())
	defer d.Stop()

	sink := newEventSink()
	_, err := d.Submit(Request{Prompt: "p"}, sink.handle)
	require.NoError(t, err)

	events := sink.wait(t)
	assert.Equal(t, EventFailed, events[len(events)-1].Type)
	assert.Equal(t, int32(1), hits.Load())
}

// In-flight requests to one backend never exceed its max_concurrent.
func TestConcurrencyCapRespected(t *testing.T) {
	var current, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, `{"response":"ok","done":true}`)
	}))
	defer srv.Close()

	d := newDispatcher(t, Config{Backends: oneBackend(srv.URL, 2)})
	d.Start(context.Background())
	defer d.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		sink := newEventSink()
		_, err := d.Submit(Request{Prompt: "p"}, sink.handle)
		require.NoError(t, err)
		wg.Add(1)
		go func(s *eventSink) {
			defer wg.Done()
			s.wait(t)
		}(sink)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int64(8), d.Stats().Successful)
}

func TestQueueOverflow(t *testing.T) {
	d := newDispatcher(t, Config{
		Backends:  oneBackend("http://127.0.0.1:1", 1),
		QueueSize: 1,
	})
	// Not started: submissions stay queued.
	_, err := d.Submit(Request{Prompt: "p"}, nil)
	require.NoError(t, err)
	_, err = d.Submit(Request{Prompt: "p"}, nil)
	assert.Equal(t, fault.QueueFull, fault.KindOf(err))
}

func TestCancel(t *testing.T) {
	d := newDispatcher(t, Config{Backends: oneBackend("http://127.0.0.1:1", 1)})
	id, err := d.Submit(Request{Prompt: "p"}, nil)
	require.NoError(t, err)
	assert.True(t, d.Cancel(id))
	assert.False(t, d.Cancel("nonexistent"))
}

func TestHealthProbeDemotionAndRecovery(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/version" && healthy.Load() {
			fmt.Fprint(w, `{"version":"0.1.0"}`)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := newDispatcher(t, Config{Backends: oneBackend(srv.URL, 4)})
	b := d.backends[0]

	healthy.Store(false)
	d.probeAll(context.Background())
	assert.False(t, b.isHealthy(), "failed probe must demote")

	healthy.Store(true)
	d.probeAll(context.Background())
	assert.False(t, b.isHealthy(), "one success is not enough")
	d.probeAll(context.Background())
	assert.True(t, b.isHealthy(), "two consecutive successes re-promote")
}

func TestRefreshModelsMergesCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			fmt.Fprint(w, `{"models":[{"name":"qwen2.5:7b"},{"name":"llama3:8b"}]}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := newDispatcher(t, Config{Backends: oneBackend(srv.URL, 4)})
	require.NoError(t, d.RefreshModels(context.Background()))

	catalog := d.Models()
	assert.Equal(t, []string{"b1"}, catalog["qwen2.5:7b"])
	assert.Equal(t, []string{"b1"}, catalog["llama3:8b"])
}

func TestStartStopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":"ok","done":true}`)
	}))

	d := newDispatcher(t, Config{Backends: oneBackend(srv.URL, 2)})
	d.Start(context.Background())

	sink := newEventSink()
	_, err := d.Submit(Request{Prompt: "p"}, sink.handle)
	require.NoError(t, err)
	sink.wait(t)

	d.Stop()
	srv.Close()
}
