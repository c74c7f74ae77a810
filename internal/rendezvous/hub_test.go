package rendezvous

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/tether/internal/testutil"
)

type hubAddrs struct {
	clients  string
	control  string
	channels string
}

func listen(ctx context.Context, t *testing.T) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func startHub(t *testing.T, cfg HubConfig) (*Hub, hubAddrs) {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	h := NewHub(ctx, cfg)

	clients, control, channels := listen(ctx, t), listen(ctx, t), listen(ctx, t)
	go func() { _ = h.ServeClients(clients) }()
	go func() { _ = h.ServeControl(control) }()
	go func() { _ = h.ServeChannels(channels) }()

	t.Cleanup(func() {
		cancel()
		h.Close()
	})
	return h, hubAddrs{
		clients:  clients.Addr().String(),
		control:  control.Addr().String(),
		channels: channels.Addr().String(),
	}
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()

	d := net.Dialer{Timeout: 2 * time.Second}
	c, err := d.DialContext(t.Context(), "tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readID(t *testing.T, control net.Conn) ChannelID {
	t.Helper()

	_ = control.SetReadDeadline(time.Now().Add(2 * time.Second))
	id, err := ReadChannelID(control)
	require.NoError(t, err)
	return id
}

func TestHubAnnouncesAndSplices(t *testing.T) {
	_, addrs := startHub(t, HubConfig{})

	control := dial(t, addrs.control)
	client := dial(t, addrs.clients)

	id := readID(t, control)

	channel, err := Acquire(t.Context(), directDialer(), addrs.channels, id)
	require.NoError(t, err)
	defer channel.Close()

	// Client bytes arrive on the channel and vice versa.
	testutil.AssertEcho(t, client, channel, []byte("greeting"))
	testutil.AssertEcho(t, channel, client, []byte("reply"))

	_ = channel.Close()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = client.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestHubAttachIsExclusive(t *testing.T) {
	_, addrs := startHub(t, HubConfig{})

	control := dial(t, addrs.control)
	_ = dial(t, addrs.clients)
	id := readID(t, control)

	first, err := Acquire(t.Context(), directDialer(), addrs.channels, id)
	require.NoError(t, err)
	defer first.Close()

	_, err = Acquire(t.Context(), directDialer(), addrs.channels, id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHubUnknownChannel(t *testing.T) {
	_, addrs := startHub(t, HubConfig{})

	_, err := Acquire(t.Context(), directDialer(), addrs.channels, 12345)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHubBacklogFullDropsClient(t *testing.T) {
	h, addrs := startHub(t, HubConfig{Backlog: 1})

	_ = dial(t, addrs.clients)
	require.Eventually(t, func() bool { return h.pool.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	dropped := dial(t, addrs.clients)
	_ = dropped.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := dropped.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, h.pool.Len())
}

func TestHubCloseDropsParked(t *testing.T) {
	h, addrs := startHub(t, HubConfig{})

	client := dial(t, addrs.clients)
	require.Eventually(t, func() bool { return h.pool.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.Close()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := client.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestHubServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	h := NewHub(ctx, HubConfig{})
	ln := listen(ctx, t)

	done := make(chan error, 1)
	go func() { done <- h.ServeChannels(ln) }()

	cancel()
	_ = ln.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeChannels did not return")
	}
}
