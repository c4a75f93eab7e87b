// Package telemetry is the admin HTTP surface: prometheus scrape
// endpoint, liveness probe and a websocket pushing live stats to
// dashboards.
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wulin-online/swarm/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Snapshot is one live-stats frame pushed over the websocket.
type Snapshot struct {
	Timestamp  int64            `json:"timestamp"`
	Agents     int              `json:"agents"`
	Sessions   int              `json:"sessions"`
	QueueDepth int              `json:"queue_depth"`
	Shards     map[string]int   `json:"shards"`
	LLM        map[string]int64 `json:"llm,omitempty"`
	DBHealthy  bool             `json:"db_healthy"`
}

// StatsSource produces the snapshot the websocket pushes.
type StatsSource interface {
	Snapshot() Snapshot
}

// Config holds the admin server tunables.
type Config struct {
	ListenAddr   string        // default ":9090"
	PushInterval time.Duration // websocket cadence, default 1s
}

func (c *Config) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9090"
	}
	if c.PushInterval <= 0 {
		c.PushInterval = time.Second
	}
}

// Server serves /metrics, /healthz and /ws/telemetry.
type Server struct {
	cfg      Config
	stats    StatsSource
	log      *slog.Logger
	upgrader websocket.Upgrader

	httpSrv  *http.Server
	listener net.Listener
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// New builds the admin server over a stats source.
func New(cfg Config, stats StatsSource) *Server {
	cfg.SetDefaults()
	s := &Server{
		cfg:   cfg,
		stats: stats,
		log:   logger.GetLogger().With("component", "telemetry"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealthz)
	r.Get("/ws/telemetry", s.handleWebsocket)

	s.httpSrv = &http.Server{Handler: r}
	return s
}

// Start binds the listener and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("telemetry server failed", "error", err)
		}
	}()
	s.log.Info("telemetry server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address; useful when configured with port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down. Websocket connections are hijacked and
// outlive Shutdown, so they are closed explicitly.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.mu.Lock()
	for ws := range s.conns {
		ws.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) track(ws *websocket.Conn) {
	s.mu.Lock()
	s.conns[ws] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(ws *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, ws)
	s.mu.Unlock()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleWebsocket pushes a stats snapshot on every tick until the peer
// goes away.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.track(ws)
	defer s.untrack(ws)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pushLoop(ws)
	}()

	// Reader discards client frames and notices the close handshake.
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	ws.Close()
}

func (s *Server) pushLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PushInterval)
	pinger := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer pinger.Stop()
	defer ws.Close()

	for {
		select {
		case <-ticker.C:
			snap := s.stats.Snapshot()
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(snap); err != nil {
				return
			}
		case <-pinger.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
