package proxy

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/die-net/tether/internal/socks5"
)

// connect makes the session's single outbound connection attempt.
func (s *session) connect(ctx context.Context, req *socks5.ConnectRequest) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.h.cfg.DialTimeout)
	defer cancel()

	conn, err := s.h.cfg.Dialer.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", req.Address(), err)
	}
	return conn, nil
}

// replySuccess reports the destination's local endpoint as the bound
// address; no real external binding exists.
func (s *session) replySuccess(bound net.Addr) error {
	return s.reply(func(w io.Writer) error {
		return socks5.WriteSuccessReply(w, bound)
	})
}

// reply writes a terminal SOCKS5 reply. It is recorded as sent even if the
// write fails so no second terminal reply is attempted.
func (s *session) reply(write func(io.Writer) error) error {
	s.replied = true
	return write(s.transport)
}
