package rendezvous

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/tether/internal/dialer"
	"github.com/die-net/tether/internal/testutil"
)

func directDialer() dialer.Dialer {
	return dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second})
}

// fakeChannelServer expects one id and answers with status followed by
// trailer.
func fakeChannelServer(t *testing.T, want ChannelID, status byte, trailer []byte) (string, func()) {
	t.Helper()

	ln, wait := testutil.StartSingleAcceptServer(t.Context(), t, func(c net.Conn) {
		id, err := ReadChannelID(c)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, want, id)
		_, _ = c.Write(append([]byte{status}, trailer...))
		_, _ = io.Copy(io.Discard, c)
	})
	return ln.Addr().String(), wait
}

func TestAcquireAttached(t *testing.T) {
	addr, wait := fakeChannelServer(t, 77, StatusAttached, []byte{0x05, 0x00})
	defer wait()

	c, err := Acquire(t.Context(), directDialer(), addr, 77)
	require.NoError(t, err)
	defer c.Close()

	// Bytes after the status byte belong to the session.
	buf := make([]byte, 2)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, buf)
}

func TestAcquireNotFound(t *testing.T) {
	addr, wait := fakeChannelServer(t, 5, StatusNotFound, nil)
	defer wait()

	_, err := Acquire(t.Context(), directDialer(), addr, 5)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAcquireBadStatus(t *testing.T) {
	addr, wait := fakeChannelServer(t, 5, 0x07, nil)
	defer wait()

	_, err := Acquire(t.Context(), directDialer(), addr, 5)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestAcquireDialFailure(t *testing.T) {
	_, err := Acquire(t.Context(), directDialer(), testutil.ClosedPort(t), 5)
	require.Error(t, err)
}

func TestAcquireCanceled(t *testing.T) {
	// The server reads the id but never answers.
	ln, wait := testutil.StartSingleAcceptServer(t.Context(), t, func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
	})
	defer wait()

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	_, err := Acquire(ctx, directDialer(), ln.Addr().String(), 5)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
