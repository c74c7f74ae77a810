package proxy

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/tether/internal/dialer"
)

type Config struct {
	// DialTimeout bounds the single outbound connect attempt per session.
	DialTimeout time.Duration

	// NegotiationTimeout, if set, bounds the SOCKS5 handshake on the
	// transport. It is cleared before relaying.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	Dialer dialer.Dialer

	Logger *zap.Logger
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
