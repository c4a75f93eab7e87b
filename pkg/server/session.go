package server

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wulin-online/swarm/pkg/fault"
	"github.com/wulin-online/swarm/pkg/observability"
	"github.com/wulin-online/swarm/pkg/wire"
)

// session is one connected client: a reader decoding frames into the
// dispatcher and a writer serializing the outbound queue. Only the
// writer touches the socket for output.
type session struct {
	srv    *Server
	conn   net.Conn
	remote string
	dec    *wire.Decoder
	enc    *wire.Encoder

	out  chan wire.Message
	done chan struct{}

	activityNanos atomic.Int64
	closeOnce     sync.Once
}

func newSession(srv *Server, conn net.Conn) *session {
	sess := &session{
		srv:    srv,
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		dec:    wire.NewDecoder(conn),
		enc:    wire.NewEncoder(conn),
		out:    make(chan wire.Message, srv.cfg.BroadcastBuffer),
		done:   make(chan struct{}),
	}
	sess.touch()
	return sess
}

func (s *session) touch() {
	s.activityNanos.Store(time.Now().UnixNano())
}

func (s *session) lastActivity() time.Time {
	return time.Unix(0, s.activityNanos.Load())
}

// trySend queues a frame without blocking; false means the session is
// saturated.
func (s *session) trySend(m wire.Message) bool {
	select {
	case s.out <- m:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		s.srv.dropSession(s)
	})
}

// readLoop decodes frames until the peer closes or sends garbage. A
// bad frame terminates the session; everything else is answered.
func (s *session) readLoop() {
	defer s.srv.wg.Done()
	defer s.close()

	for {
		m, err := s.dec.Decode()
		if err != nil {
			if err != io.EOF && fault.KindOf(err) == fault.BadFrame {
				s.srv.log.Warn("bad frame, closing session", "remote", s.remote, "error", err)
			}
			return
		}
		s.touch()

		switch m.Kind {
		case wire.KindHeartbeat:
			// Activity stamp is the whole point; nothing to answer.
		case wire.KindRequest:
			resp := s.srv.dispatch(m)
			if !s.trySend(resp) {
				return
			}
		default:
			// Clients have no business sending responses or
			// notifications; ignore rather than kill the session.
		}
	}
}

// writeLoop serializes the outbound queue. A write failing for longer
// than the grace period abandons the session.
func (s *session) writeLoop() {
	defer s.srv.wg.Done()
	defer s.close()

	var failingSince time.Time
	for {
		var m wire.Message
		select {
		case <-s.done:
			return
		case m = <-s.out:
		}

		s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := s.enc.Encode(m); err != nil {
			if failingSince.IsZero() {
				failingSince = time.Now()
			}
			if time.Since(failingSince) > 5*time.Second {
				s.srv.log.Warn("sustained write failure, closing session",
					"remote", s.remote, "error", err)
				return
			}
			continue
		}
		failingSince = time.Time{}
	}
}

// dispatch routes a request to its handler. Unknown commands get a
// well-formed error response rather than a dropped request.
func (s *Server) dispatch(req wire.Message) wire.Message {
	h, ok := s.handlers[req.Cmd]
	if !ok {
		observability.Global().RecordCommand(context.Background(), req.Cmd,
			fault.New(fault.UnknownCommand, "server.dispatch", "%s", req.Cmd))
		return wire.NewErrorResponse(req, string(fault.UnknownCommand))
	}
	resp := h(req)
	var err error
	if resp.Error != "" {
		err = fault.New(fault.Kind(resp.Error), "server.dispatch", "%s", req.Cmd)
	}
	observability.Global().RecordCommand(context.Background(), req.Cmd, err)
	return resp
}
