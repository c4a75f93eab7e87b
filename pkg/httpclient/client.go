// Package httpclient wraps net/http with the retry policy the LLM
// dispatcher relies on: a fixed delay with ±50% jitter, 5xx treated as
// retriable, 4xx as fatal.
package httpclient

import (
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/wulin-online/swarm/pkg/fault"
)

// Client retries transport errors and retriable statuses up to a
// budget. Safe for concurrent use.
type Client struct {
	client     *http.Client
	maxRetries int
	retryDelay time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	sleep func(time.Duration) // test seam
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying transport.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

// WithMaxRetries sets the retry budget (retries, not attempts).
func WithMaxRetries(max int) Option {
	return func(c *Client) { c.maxRetries = max }
}

// WithRetryDelay sets the base delay between attempts.
func WithRetryDelay(delay time.Duration) Option {
	return func(c *Client) { c.retryDelay = delay }
}

// WithRand pins the jitter source.
func WithRand(rng *rand.Rand) Option {
	return func(c *Client) { c.rng = rng }
}

// New builds a client with the dispatcher defaults: 3 retries, 1s
// base delay, 60s request timeout.
func New(opts ...Option) *Client {
	c := &Client{
		client:     &http.Client{Timeout: 60 * time.Second},
		maxRetries: 3,
		retryDelay: time.Second,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:      time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Retriable reports whether a status is worth another attempt.
func Retriable(statusCode int) bool {
	return statusCode >= 500
}

// delay returns the base delay jittered by ±50%.
func (c *Client) delay() time.Duration {
	c.rngMu.Lock()
	factor := 0.5 + c.rng.Float64() // [0.5, 1.5)
	c.rngMu.Unlock()
	return time.Duration(float64(c.retryDelay) * factor)
}

// Do performs the request, retrying transport errors and 5xx
// responses. The returned error carries max_retries_exceeded after
// the budget runs out; 4xx responses come back on the first attempt
// with a nil error, the caller inspects the status.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("recreate request body for retry: %w", err)
				}
				req.Body = body
			}
			select {
			case <-req.Context().Done():
				return nil, fault.Wrap(fault.ConnectionLost, "httpclient.do", req.Context().Err())
			default:
			}
			c.sleep(c.delay())
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if !Retriable(resp.StatusCode) {
			return resp, nil
		}
		resp.Body.Close()
		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil, fault.Wrap(fault.MaxRetriesExceeded, "httpclient.do",
		fmt.Errorf("after %d attempts: %w", c.maxRetries+1, lastErr))
}
