// Package agent runs SOCKS5 sessions on channels it acquires from a hub.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/tether/internal/dialer"
	"github.com/die-net/tether/internal/proxy"
	"github.com/die-net/tether/internal/rendezvous"
)

const defaultReconnectDelay = 5 * time.Second

type Config struct {
	// ControlAddr is the hub's control listener.
	ControlAddr string
	// ChannelAddr is the hub's channel listener.
	ChannelAddr string

	// ReconnectDelay is the pause between control connection attempts.
	ReconnectDelay time.Duration

	// Dialer reaches the hub. Nil means direct.
	Dialer dialer.Dialer

	Logger *zap.Logger
}

// Agent subscribes to a hub's control stream and, for every announced
// channel, acquires it and hands it to a proxy.Handler.
type Agent struct {
	cfg     Config
	handler *proxy.Handler
	log     *zap.Logger
	wg      sync.WaitGroup
}

func New(cfg Config, handler *proxy.Handler) *Agent {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirectDialer(dialer.Config{DialTimeout: 10 * time.Second})
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Agent{cfg: cfg, handler: handler, log: log}
}

// Run keeps a control connection to the hub until ctx is done, reconnecting
// after ReconnectDelay when it drops. It returns once every session it
// started has finished.
func (a *Agent) Run(ctx context.Context) error {
	defer a.wg.Wait()

	for {
		err := a.serveControl(ctx)
		if ctx.Err() != nil {
			return nil
		}
		a.log.Warn("control connection lost",
			zap.String("hub", a.cfg.ControlAddr),
			zap.Duration("retry_in", a.cfg.ReconnectDelay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.cfg.ReconnectDelay):
		}
	}
}

func (a *Agent) serveControl(ctx context.Context) error {
	c, err := a.cfg.Dialer.DialContext(ctx, "tcp", a.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("dial control: %w", err)
	}
	defer c.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()

	a.log.Info("control connected", zap.String("hub", a.cfg.ControlAddr))

	for {
		id, err := rendezvous.ReadChannelID(c)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("hub closed control stream")
			}
			return fmt.Errorf("read control: %w", err)
		}
		a.wg.Go(func() {
			a.serveChannel(ctx, id)
		})
	}
}

func (a *Agent) serveChannel(ctx context.Context, id rendezvous.ChannelID) {
	t, err := rendezvous.Acquire(ctx, a.cfg.Dialer, a.cfg.ChannelAddr, id)
	if err != nil {
		a.log.Debug("acquire channel", zap.Stringer("channel", id), zap.Error(err))
		return
	}

	_ = a.handler.ServeSession(ctx, t, zap.Stringer("channel", id))
}
