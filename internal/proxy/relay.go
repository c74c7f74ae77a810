package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// RelayStats counts the bytes moved in each direction of a relay.
type RelayStats struct {
	// Upstream is client to destination.
	Upstream int64
	// Downstream is destination to client.
	Downstream int64
}

// Relay forwards bytes between client and dest until either direction sees
// EOF or an error, or ctx is canceled. Both connections are closed exactly
// once before Relay returns.
//
// Each direction is a blocking read/write loop over a pooled buffer. The
// first loop to stop cancels a shared context whose hook closes both ends,
// which unblocks the other loop. Errors caused by that teardown are not
// reported; the returned error is the first real read/write failure, or the
// parent context's error.
func Relay(ctx context.Context, client, dest net.Conn) (RelayStats, error) {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = dest.Close()
		})
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer func() {
		stop()
		closeBoth()
	}()

	var stats RelayStats
	g := errgroup.Group{}

	g.Go(func() error {
		n, err := forward(ctx, cancel, dest, client)
		stats.Upstream = n
		return err
	})
	g.Go(func() error {
		n, err := forward(ctx, cancel, client, dest)
		stats.Downstream = n
		return err
	})

	err := g.Wait()
	if perr := parent.Err(); perr != nil {
		return stats, perr
	}
	return stats, err
}

// forward copies src to dst and cancels the relay when done. An error that
// arrives after the relay was already canceled is a side effect of teardown
// and is dropped.
func forward(ctx context.Context, cancel context.CancelFunc, dst io.Writer, src io.Reader) (n int64, err error) {
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	buf := relayBuffers.Get()
	defer relayBuffers.Put(buf)

	n, err = io.CopyBuffer(dst, src, *buf)
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	return n, err
}
