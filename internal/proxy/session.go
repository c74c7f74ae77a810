package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/tether/internal/dialer"
	"github.com/die-net/tether/internal/socks5"
)

const defaultDialTimeout = 10 * time.Second

// ErrPanic wraps a panic recovered from a session stage.
var ErrPanic = errors.New("proxy: session panic")

// State is a session's position in its lifecycle. States only move forward.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateAwaitingRequest
	StateConnecting
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateAwaitingRequest:
		return "awaiting_request"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionError is returned by ServeSession and records the state the
// session was in when it failed.
type SessionError struct {
	State State
	Err   error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("socks5 session %s: %v", e.State, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Handler runs SOCKS5 relay sessions over transports it is handed.
type Handler struct {
	cfg Config
	log *zap.Logger

	// observe, if set, sees every state transition. Used by tests.
	observe func(State)
}

// NewHandler returns a Handler for cfg. A nil Dialer means direct
// connections; a zero DialTimeout means 10s.
func NewHandler(cfg Config) *Handler {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirectDialer(dialer.Config{
			DialTimeout: cfg.DialTimeout,
			KeepAlive:   cfg.KeepAlive,
		})
	}
	return &Handler{cfg: cfg, log: cfg.logger()}
}

// ServeSession takes ownership of transport and runs one SOCKS5 session on
// it: negotiation, CONNECT, one outbound connect, the reply, and the relay.
//
// The transport and any destination connection are closed before
// ServeSession returns, on every path including a panic in a stage. A nil
// error means the relay ran and ended by EOF on either side. fields are
// attached to the session's log lines.
func (h *Handler) ServeSession(ctx context.Context, transport net.Conn, fields ...zap.Field) (err error) {
	s := &session{
		h:         h,
		transport: newOnceConn(transport),
		log:       h.log.With(fields...),
	}

	sessionsActive.Inc()
	defer sessionsActive.Dec()

	defer func() {
		if r := recover(); r != nil {
			err = s.fail(fmt.Errorf("%w: %v", ErrPanic, r))
		}
		s.close()
		sessionsTotal.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			s.log.Debug("socks5 session failed", zap.Error(err))
		}
	}()

	return s.run(ctx)
}

type session struct {
	h         *Handler
	transport *onceConn
	dest      *onceConn
	state     State
	replied   bool
	log       *zap.Logger
}

func (s *session) run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.transport.Close()
	})
	defer stop()

	if d := s.h.cfg.NegotiationTimeout; d > 0 {
		_ = s.transport.SetDeadline(time.Now().Add(d))
	}

	s.advance(StateNegotiating)
	if err := s.negotiate(); err != nil {
		return s.fail(err)
	}

	s.advance(StateAwaitingRequest)
	req, err := s.readRequest()
	if err != nil {
		return s.fail(err)
	}

	s.advance(StateConnecting)
	dest, err := s.connect(ctx, req)
	if err != nil {
		return s.fail(err)
	}
	s.dest = newOnceConn(dest)

	if err := s.replySuccess(dest.LocalAddr()); err != nil {
		return s.fail(err)
	}

	if s.h.cfg.NegotiationTimeout > 0 {
		_ = s.transport.SetDeadline(time.Time{})
	}

	s.advance(StateRelaying)
	s.log.Debug("socks5 relaying", zap.String("target", req.Address()))

	stats, err := Relay(ctx, s.transport, s.dest)
	relayBytes.WithLabelValues("upstream").Add(float64(stats.Upstream))
	relayBytes.WithLabelValues("downstream").Add(float64(stats.Downstream))
	if err != nil {
		return s.fail(err)
	}
	return nil
}

// fail performs the terminal reply owed by the current state, if none has
// been sent, and wraps err with that state.
func (s *session) fail(err error) error {
	if !s.replied {
		switch s.state {
		case StateNegotiating:
			// VER FF only makes sense once the client's version byte was read.
			if errors.Is(err, socks5.ErrVersion) || errors.Is(err, socks5.ErrTruncated) || errors.Is(err, ErrPanic) {
				_ = s.reply(func(w io.Writer) error {
					return socks5.WriteMethod(w, socks5.MethodNoAcceptable)
				})
			}
		case StateAwaitingRequest, StateConnecting:
			_ = s.reply(socks5.WriteGeneralFailureReply)
		}
	}
	return &SessionError{State: s.state, Err: err}
}

func (s *session) close() {
	if s.dest != nil {
		_ = s.dest.Close()
	}
	_ = s.transport.Close()
	s.advance(StateClosed)
}

func (s *session) advance(next State) {
	if next <= s.state {
		return
	}
	s.state = next
	if s.h.observe != nil {
		s.h.observe(next)
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "relayed"
	}
	var se *SessionError
	if !errors.As(err, &se) {
		return "error"
	}
	switch se.State {
	case StateNegotiating:
		return "negotiation_failed"
	case StateAwaitingRequest:
		return "request_failed"
	case StateConnecting:
		return "connect_failed"
	case StateRelaying:
		return "relay_error"
	default:
		return "error"
	}
}

// onceConn makes Close idempotent so every exit path can close freely.
type onceConn struct {
	net.Conn
	once sync.Once
	err  error
}

func newOnceConn(c net.Conn) *onceConn {
	return &onceConn{Conn: c}
}

func (c *onceConn) Close() error {
	c.once.Do(func() {
		c.err = c.Conn.Close()
	})
	return c.err
}
