// Package server accepts management and game-server connections over
// TCP or a local unix socket, dispatches command frames to handlers,
// and fans notifications out to every live session.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/wulin-online/swarm/pkg/agent"
	"github.com/wulin-online/swarm/pkg/ai"
	"github.com/wulin-online/swarm/pkg/command"
	"github.com/wulin-online/swarm/pkg/fault"
	"github.com/wulin-online/swarm/pkg/logger"
	"github.com/wulin-online/swarm/pkg/wire"
)

// Control is the slice of the scheduler the handlers need.
type Control interface {
	ExecuteAction(id string, act ai.Action) error
	Pause()
	Resume()
	Reset()
}

// Config holds the server tunables.
type Config struct {
	ListenAddr        string        // host:port, default :8765
	UnixSocket        string        // optional local management socket
	MaxClients        int           // default 64
	HeartbeatInterval time.Duration // default 30s
	BroadcastBuffer   int           // per-session queue, default 1024
	CleanupInterval   time.Duration // default 60s
	StopTimeout       time.Duration // default 10s
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8765"
	}
	if c.MaxClients <= 0 {
		c.MaxClients = 64
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.BroadcastBuffer <= 0 {
		c.BroadcastBuffer = 1024
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
}

type handlerFunc func(req wire.Message) wire.Message

// Server owns the listeners and the session set.
type Server struct {
	cfg      Config
	reg      *agent.Registry
	queue    *command.Queue
	ctl      Control
	log      *slog.Logger
	handlers map[string]handlerFunc

	mu        sync.Mutex
	sessions  map[*session]struct{}
	listeners []net.Listener
	closed    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a server over the registry, command queue and scheduler
// control surface.
func New(reg *agent.Registry, queue *command.Queue, ctl Control, cfg Config) *Server {
	cfg.SetDefaults()
	s := &Server{
		cfg:      cfg,
		reg:      reg,
		queue:    queue,
		ctl:      ctl,
		log:      logger.GetLogger().With("component", "server"),
		sessions: make(map[*session]struct{}),
	}
	s.handlers = map[string]handlerFunc{
		wire.CmdSpawnAI:        s.handleSpawnAI,
		wire.CmdAICommand:      s.handleAICommand,
		wire.CmdAssignTeam:     s.handleAssignTeam,
		wire.CmdGetStatus:      s.handleGetStatus,
		wire.CmdDeleteAI:       s.handleDeleteAI,
		wire.CmdBatchOperation: s.handleBatch,
		wire.CmdSystemControl:  s.handleSystemControl,
		wire.CmdHeartbeat:      s.handleHeartbeat,
	}
	return s
}

// Start binds the listeners and begins accepting. A bind failure is
// returned before any goroutine is spawned.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	tcp, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		cancel()
		return fault.Wrap(fault.ConnectionFailed, "server.start", err)
	}
	s.listeners = append(s.listeners, tcp)

	if s.cfg.UnixSocket != "" {
		_ = os.Remove(s.cfg.UnixSocket)
		unix, err := net.Listen("unix", s.cfg.UnixSocket)
		if err != nil {
			tcp.Close()
			cancel()
			return fault.Wrap(fault.ConnectionFailed, "server.start", err)
		}
		s.listeners = append(s.listeners, unix)
	}

	for _, ln := range s.listeners {
		s.wg.Add(1)
		go s.acceptLoop(ctx, ln)
	}
	s.wg.Add(1)
	go s.cleanupLoop(ctx)

	s.log.Info("server listening", "addr", tcp.Addr().String(), "unix", s.cfg.UnixSocket)
	return nil
}

// Addr returns the bound TCP address, usable after Start.
func (s *Server) Addr() net.Addr {
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// Stop closes the listeners and all sessions, waiting up to
// StopTimeout for goroutines to drain.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closed = true
	listeners := s.listeners
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	for _, ln := range listeners {
		ln.Close()
	}
	for _, sess := range sessions {
		sess.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.StopTimeout):
		s.log.Warn("server stop timed out", "timeout", s.cfg.StopTimeout)
		return fault.New(fault.ShutdownInProgress, "server.stop", "stop timed out")
	}
}

// Broadcast fans a notification to every session. A session whose
// queue is full is disconnected rather than allowed to slow the
// producer.
func (s *Server) Broadcast(m wire.Message) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if !sess.trySend(m) {
			s.log.Warn("session cannot keep up, disconnecting",
				"remote", sess.remote, "queued", cap(sess.out))
			sess.close()
		}
	}
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if s.closed || len(s.sessions) >= s.cfg.MaxClients {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		sess := newSession(s, conn)
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(2)
		go sess.readLoop()
		go sess.writeLoop()
	}
}

func (s *Server) dropSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// cleanupLoop removes sessions idle past twice the heartbeat interval.
func (s *Server) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * s.cfg.HeartbeatInterval)
			s.mu.Lock()
			var stale []*session
			for sess := range s.sessions {
				if sess.lastActivity().Before(cutoff) {
					stale = append(stale, sess)
				}
			}
			s.mu.Unlock()
			for _, sess := range stale {
				s.log.Info("closing idle session", "remote", sess.remote)
				sess.close()
			}
		}
	}
}
