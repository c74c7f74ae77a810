package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/txthinking/socks5"

	"github.com/die-net/tether/internal/dialer"
	"github.com/die-net/tether/internal/testutil"
)

func startSOCKS5Server(ctx context.Context, t *testing.T) net.Listener {
	t.Helper()

	cfg := Config{
		Dialer: dialer.NewDirectDialer(dialer.Config{
			DialTimeout: 2 * time.Second,
		}),
	}

	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", ListenConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv := NewSOCKS5Server(ctx, cfg)
	go func() { _ = srv.Serve(ln) }()
	return ln
}

func TestSOCKS5ConnectDirect(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(ctx, t)
	ln := startSOCKS5Server(ctx, t)

	client, err := socks5.NewClient(ln.Addr().String(), "", "", 2, 0)
	require.NoError(t, err)

	c, err := client.Dial("tcp", echoLn.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	testutil.AssertEcho(t, c, c, []byte("hello"))
}

func TestSOCKS5ConcurrentSessions(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(ctx, t)
	ln := startSOCKS5Server(ctx, t)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Go(func() {
			client, err := socks5.NewClient(ln.Addr().String(), "", "", 2, 0)
			if !assert.NoError(t, err) {
				return
			}
			c, err := client.Dial("tcp", echoLn.Addr().String())
			if !assert.NoError(t, err) {
				return
			}
			defer c.Close()

			msg := []byte{byte(i), 'x', byte(i)}
			_ = c.SetDeadline(time.Now().Add(2 * time.Second))
			_, err = c.Write(msg)
			if !assert.NoError(t, err) {
				return
			}
			got := make([]byte, len(msg))
			_, err = io.ReadFull(c, got)
			assert.NoError(t, err)
			assert.Equal(t, msg, got)
		})
	}
	wg.Wait()
}

func TestSOCKS5ConnectRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	ln := startSOCKS5Server(ctx, t)

	client, err := socks5.NewClient(ln.Addr().String(), "", "", 2, 0)
	require.NoError(t, err)

	_, err = client.Dial("tcp", testutil.ClosedPort(t))
	require.Error(t, err)
}

func TestSOCKS5ServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())

	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", ListenConfig{})
	require.NoError(t, err)

	srv := NewSOCKS5Server(ctx, Config{})
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	cancel()
	_ = ln.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestListenTCPReusePort(t *testing.T) {
	if !ReusePortSupported {
		t.Skip("SO_REUSEPORT not supported")
	}

	cfg := ListenConfig{ReusePort: true}
	ln1, err := ListenTCP(t.Context(), "tcp", "127.0.0.1:0", cfg)
	require.NoError(t, err)
	defer ln1.Close()

	ln2, err := ListenTCP(t.Context(), "tcp", ln1.Addr().String(), cfg)
	require.NoError(t, err)
	defer ln2.Close()

	assert.Equal(t, ln1.Addr().String(), ln2.Addr().String())
}

func TestListenTCPAppliesKeepAlive(t *testing.T) {
	ln, err := ListenTCP(t.Context(), "tcp", "127.0.0.1:0", ListenConfig{
		KeepAlive: net.KeepAliveConfig{Enable: true, Idle: 30 * time.Second},
	})
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	d := net.Dialer{}
	c, err := d.DialContext(t.Context(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	select {
	case sc := <-accepted:
		defer sc.Close()
		assert.IsType(t, &net.TCPConn{}, sc)
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}
}
