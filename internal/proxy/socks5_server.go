package proxy

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SOCKS5Server is a plain SOCKS5 listener: every accepted TCP connection is
// a transport for its own session.
type SOCKS5Server struct {
	ctx     context.Context
	handler *Handler
}

func NewSOCKS5Server(ctx context.Context, cfg Config) *SOCKS5Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &SOCKS5Server{ctx: ctx, handler: NewHandler(cfg)}
}

// Serve accepts connections on ln until it fails. Once the server's context
// is done, the resulting accept error is not reported.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			_ = s.handler.ServeSession(s.ctx, c,
				zap.String("session", uuid.NewString()),
				zap.Stringer("client", c.RemoteAddr()))
		}()
	}
}
