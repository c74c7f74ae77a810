package rendezvous

import (
	"context"
	"fmt"
	"net"

	"github.com/die-net/tether/internal/dialer"
)

// Acquire dials the hub's channel listener at addr and asks for id. On
// StatusAttached the returned connection is the client's transport; nothing
// beyond the status byte has been read from it.
func Acquire(ctx context.Context, d dialer.Dialer, addr string, id ChannelID) (net.Conn, error) {
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial channel %s: %w", addr, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})

	status, err := attach(c, id)
	if !stop() {
		_ = c.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("channel %s: %w", id, err)
	}

	switch status {
	case StatusAttached:
		return c, nil
	case StatusNotFound:
		_ = c.Close()
		return nil, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	default:
		_ = c.Close()
		return nil, fmt.Errorf("channel %s: %w: status 0x%02x", id, ErrProtocol, status)
	}
}

func attach(c net.Conn, id ChannelID) (byte, error) {
	if err := WriteChannelID(c, id); err != nil {
		return 0, err
	}
	return readStatus(c)
}
