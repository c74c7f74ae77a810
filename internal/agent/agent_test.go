package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/txthinking/socks5"

	"github.com/die-net/tether/internal/proxy"
	"github.com/die-net/tether/internal/rendezvous"
	"github.com/die-net/tether/internal/testutil"
)

func listen(ctx context.Context, t *testing.T) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

type hub struct {
	clients, control, channels net.Listener
}

func startHub(ctx context.Context, t *testing.T) hub {
	t.Helper()

	h := rendezvous.NewHub(ctx, rendezvous.HubConfig{ChannelTTL: 5 * time.Second})
	t.Cleanup(h.Close)

	l := hub{clients: listen(ctx, t), control: listen(ctx, t), channels: listen(ctx, t)}
	go func() { _ = h.ServeClients(l.clients) }()
	go func() { _ = h.ServeControl(l.control) }()
	go func() { _ = h.ServeChannels(l.channels) }()
	return l
}

func startAgent(ctx context.Context, t *testing.T, control, channels string) <-chan error {
	t.Helper()

	a := New(Config{
		ControlAddr:    control,
		ChannelAddr:    channels,
		ReconnectDelay: 50 * time.Millisecond,
	}, proxy.NewHandler(proxy.Config{DialTimeout: 2 * time.Second}))

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return done
}

func TestAgentRelaysThroughHub(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(ctx, t)
	h := startHub(ctx, t)
	done := startAgent(ctx, t, h.control.Addr().String(), h.channels.Addr().String())

	for range 3 {
		client, err := socks5.NewClient(h.clients.Addr().String(), "", "", 5, 0)
		require.NoError(t, err)

		c, err := client.Dial("tcp", echoLn.Addr().String())
		require.NoError(t, err)
		testutil.AssertEcho(t, c, c, []byte("through the tether"))
		_ = c.Close()
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestAgentConnectFailureReply(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	h := startHub(ctx, t)
	_ = startAgent(ctx, t, h.control.Addr().String(), h.channels.Addr().String())

	client, err := socks5.NewClient(h.clients.Addr().String(), "", "", 5, 0)
	require.NoError(t, err)

	_, err = client.Dial("tcp", testutil.ClosedPort(t))
	require.Error(t, err)
}

func TestAgentReconnects(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	// A control listener that hangs up on the first agent connection.
	control := listen(ctx, t)
	accepted := make(chan struct{}, 2)
	go func() {
		for {
			c, err := control.Accept()
			if err != nil {
				return
			}
			select {
			case accepted <- struct{}{}:
			default:
			}
			_ = c.Close()
		}
	}()

	done := startAgent(ctx, t, control.Addr().String(), testutil.ClosedPort(t))

	for range 2 {
		select {
		case <-accepted:
		case <-time.After(2 * time.Second):
			t.Fatal("agent did not reconnect")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
}
