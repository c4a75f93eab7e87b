package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wulin-online/swarm/pkg/fault"
)

// backend is the live record of one generation server.
type backend struct {
	cfg BackendConfig

	inflight atomic.Int64

	mu           sync.Mutex
	healthy      bool
	okProbes     int // consecutive successes while unhealthy
	latencyNanos int64
}

func newBackend(cfg BackendConfig) *backend {
	return &backend{cfg: cfg, healthy: true}
}

func (b *backend) isHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy
}

// available reports whether the selector may hand this backend more
// work.
func (b *backend) available() bool {
	if !b.cfg.Enabled || !b.isHealthy() {
		return false
	}
	return b.cfg.MaxConcurrent <= 0 || int(b.inflight.Load()) < b.cfg.MaxConcurrent
}

// probeResult folds one health probe outcome into the two-successes
// re-promotion rule. Returns true when the health flag flipped.
func (b *backend) probeResult(ok bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	was := b.healthy
	if !ok {
		b.healthy = false
		b.okProbes = 0
		return was
	}
	if b.healthy {
		return false
	}
	b.okProbes++
	if b.okProbes >= 2 {
		b.healthy = true
		b.okProbes = 0
		return true
	}
	return false
}

func (b *backend) observeLatency(d time.Duration) {
	const alpha = 0.2
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latencyNanos == 0 {
		b.latencyNanos = int64(d)
		return
	}
	b.latencyNanos = int64(float64(b.latencyNanos)*(1-alpha) + float64(d)*alpha)
}

func (b *backend) avgLatency() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(b.latencyNanos)
}

// probe issues the cheap GET /version health check.
func (b *backend) probe(ctx context.Context, client *http.Client) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(b.cfg.BaseURL, "/")+"/version", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// generate runs one attempt against this backend, forwarding chunks
// to emit as they arrive. It returns the full text and token count.
// A stream that ends without done:true is a truncated response and
// comes back as connection_lost so the retry budget applies.
func (b *backend) generate(ctx context.Context, client *http.Client, req Request, emit Handler) (string, int, error) {
	body := generateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: req.Stream,
	}
	opts := map[string]interface{}{}
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}
	if req.TopK > 0 {
		opts["top_k"] = req.TopK
	}
	if req.TopP > 0 {
		opts["top_p"] = req.TopP
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(opts) > 0 {
		body.Options = opts
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", 0, fault.Wrap(fault.MalformedPayload, "llm.generate", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(b.cfg.BaseURL, "/")+"/generate", bytes.NewReader(payload))
	if err != nil {
		return "", 0, fault.Wrap(fault.ConnectionLost, "llm.generate", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", 0, fault.Wrap(fault.ConnectionLost, "llm.generate", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := fault.BackendUnhealthy
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = fault.MalformedPayload
		}
		return "", 0, fault.New(kind, "llm.generate",
			"backend %s: HTTP %d: %s", b.cfg.ID, resp.StatusCode, bytes.TrimSpace(raw))
	}

	if !req.Stream {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", 0, fault.Wrap(fault.ConnectionLost, "llm.generate", err)
		}
		var out generateResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", 0, fault.Wrap(fault.ConnectionLost, "llm.generate", err)
		}
		if out.Error != "" {
			return "", 0, fault.New(fault.BackendUnhealthy, "llm.generate",
				"backend %s: %s", b.cfg.ID, out.Error)
		}
		if !out.Done {
			return "", 0, fault.New(fault.ConnectionLost, "llm.generate",
				"backend %s: response missing done marker", b.cfg.ID)
		}
		return out.Response, out.EvalCount, nil
	}

	return b.readStream(resp.Body, req, emit)
}

func (b *backend) readStream(body io.Reader, req Request, emit Handler) (string, int, error) {
	reader := bufio.NewReader(body)
	var full strings.Builder
	var tokens int
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return "", 0, fault.Wrap(fault.ConnectionLost, "llm.stream", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var chunk generateResponse
			if jerr := json.Unmarshal(line, &chunk); jerr != nil {
				return "", 0, fault.Wrap(fault.ConnectionLost, "llm.stream",
					fmt.Errorf("malformed stream line: %w", jerr))
			}
			if chunk.Error != "" {
				return "", 0, fault.New(fault.BackendUnhealthy, "llm.stream",
					"backend %s: %s", b.cfg.ID, chunk.Error)
			}
			if chunk.Response != "" {
				full.WriteString(chunk.Response)
				if emit != nil {
					emit(Event{
						Type:      EventChunk,
						RequestID: req.ID,
						Backend:   b.cfg.ID,
						Text:      chunk.Response,
					})
				}
			}
			if chunk.Done {
				tokens += chunk.EvalCount
				return full.String(), tokens, nil
			}
		}
		if err == io.EOF {
			return "", 0, fault.New(fault.ConnectionLost, "llm.stream",
				"backend %s: stream ended without done marker", b.cfg.ID)
		}
	}
}
