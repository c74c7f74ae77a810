package dialer

import (
	"net"
	"time"
)

type Config struct {
	// DialTimeout bounds DNS lookup plus TCP connect. Zero means no limit.
	DialTimeout time.Duration
	// NegotiationTimeout bounds an upstream proxy handshake.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
}
