// Package llm dispatches text-generation requests to one or more
// backend servers: a bounded ingress queue feeds a coordinator that
// picks a healthy backend under its concurrency cap, with retries,
// health probes and streaming delivery.
package llm

import (
	"time"
)

// Request is one generation job.
type Request struct {
	ID     string // assigned on submit when empty
	Model  string
	Prompt string
	System string

	Temperature float64
	TopK        int
	TopP        float64
	MaxTokens   int

	Stream  bool
	Academy int // selection hint; backends may be academy-tagged
}

// EventType tags dispatcher events.
type EventType string

const (
	EventChunk     EventType = "chunk_received"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is delivered to the handler a caller registered at submit.
// Chunk events carry partial text; completed carries the full
// concatenation, token count and elapsed time.
type Event struct {
	Type      EventType
	RequestID string
	Backend   string
	Text      string
	Tokens    int
	Elapsed   time.Duration
	Err       error
}

// Handler receives the events of one request, in order, from a single
// goroutine.
type Handler func(Event)

// BackendConfig describes one generation server.
type BackendConfig struct {
	ID            string  `yaml:"id"`
	BaseURL       string  `yaml:"base_url"`
	Weight        float64 `yaml:"weight"`
	MaxConcurrent int     `yaml:"max_concurrent"`
	Enabled       bool    `yaml:"enabled"`
}

// Selection strategies.
const (
	StrategyLeastConnections = "least_connections"
	StrategyWeighted         = "weighted"
	StrategyRoundRobin       = "round_robin"
)

// Config holds the dispatcher tunables.
type Config struct {
	Backends     []BackendConfig
	Strategy     string        // default least_connections
	QueueSize    int           // default 1000
	DefaultModel string        // default "qwen2.5:7b"
	MaxRetries   int           // default 3
	RetryDelay   time.Duration // default 1s
	HealthEvery  time.Duration // probe interval, default 10s
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyLeastConnections
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "qwen2.5:7b"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.HealthEvery <= 0 {
		c.HealthEvery = 10 * time.Second
	}
}

// Stats is a point-in-time snapshot of dispatcher counters.
type Stats struct {
	Total      int64
	Successful int64
	Failed     int64
	Queued     int
	Backends   []BackendStats
	ModelUsage map[string]int64
}

// BackendStats is one backend's slice of the snapshot.
type BackendStats struct {
	ID         string
	Healthy    bool
	InFlight   int
	AvgLatency time.Duration
}

// generateRequest is the wire body of POST /generate.
type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// generateResponse is one /generate object, standalone or one NDJSON
// stream line.
type generateResponse struct {
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count"`
	Error     string `json:"error,omitempty"`
}

// modelsResponse is the body of GET /models.
type modelsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}
