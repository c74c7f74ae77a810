package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/tether/internal/proxy"
)

const (
	defaultChannelTTL = 30 * time.Second
	defaultBacklog    = 1024

	// attachTimeout bounds how long a channel connection may take to send
	// its id.
	attachTimeout = 10 * time.Second
)

type HubConfig struct {
	// ChannelTTL is how long a client stays parked waiting for a channel.
	ChannelTTL time.Duration

	// Backlog caps clients announced but not yet sent to an agent. Clients
	// arriving when it is full are dropped.
	Backlog int

	Logger *zap.Logger
}

// Hub parks SOCKS5 clients, announces them to agents on the control stream,
// and splices each attached channel to its client.
type Hub struct {
	ctx     context.Context
	log     *zap.Logger
	pool    *Pool
	pending chan ChannelID
	nextID  atomic.Uint32
}

// NewHub returns a Hub whose listeners and relays stop with ctx.
func NewHub(ctx context.Context, cfg HubConfig) *Hub {
	if cfg.ChannelTTL <= 0 {
		cfg.ChannelTTL = defaultChannelTTL
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = defaultBacklog
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		ctx:     ctx,
		log:     log,
		pool:    NewPool(cfg.ChannelTTL),
		pending: make(chan ChannelID, cfg.Backlog),
	}
}

// ServeClients parks every connection accepted on ln until an agent
// attaches to it or it expires.
func (h *Hub) ServeClients(ln net.Listener) error {
	return h.serve(ln, h.park)
}

// ServeControl streams parked ids to agents connected on ln. With several
// agents connected, each id goes to exactly one of them.
func (h *Hub) ServeControl(ln net.Listener) error {
	return h.serve(ln, h.announce)
}

// ServeChannels answers attach requests on ln and relays attached channels
// to their clients.
func (h *Hub) ServeChannels(ln net.Listener) error {
	return h.serve(ln, h.attach)
}

// Close drops every client still parked.
func (h *Hub) Close() {
	h.pool.Close()
}

func (h *Hub) serve(ln net.Listener, handle func(net.Conn)) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if h.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go handle(c)
	}
}

func (h *Hub) park(c net.Conn) {
	id := ChannelID(h.nextID.Add(1))
	if err := h.pool.Park(id, c); err != nil {
		hubClientsTotal.WithLabelValues("error").Inc()
		h.log.Warn("park client", zap.Stringer("channel", id), zap.Error(err))
		_ = c.Close()
		return
	}

	select {
	case h.pending <- id:
		hubClientsTotal.WithLabelValues("parked").Inc()
		h.log.Debug("client parked", zap.Stringer("channel", id), zap.Stringer("client", c.RemoteAddr()))
	default:
		h.pool.Discard(id)
		hubClientsTotal.WithLabelValues("dropped").Inc()
		h.log.Warn("backlog full, client dropped", zap.Stringer("client", c.RemoteAddr()))
	}
}

func (h *Hub) announce(c net.Conn) {
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()
	defer c.Close()

	// Agents never write here; a read returning means the agent went away.
	go func() {
		_, _ = io.Copy(io.Discard, c)
		cancel()
	}()

	log := h.log.With(zap.Stringer("agent", c.RemoteAddr()))
	log.Info("agent connected")

	for {
		select {
		case <-ctx.Done():
			log.Info("agent disconnected")
			return
		case id := <-h.pending:
			if err := WriteChannelID(c, id); err != nil {
				h.requeue(id)
				log.Info("agent disconnected", zap.Error(err))
				return
			}
		}
	}
}

// requeue returns an id whose announcement failed so another agent can
// take it.
func (h *Hub) requeue(id ChannelID) {
	select {
	case h.pending <- id:
	default:
		h.pool.Discard(id)
	}
}

func (h *Hub) attach(c net.Conn) {
	_ = c.SetReadDeadline(time.Now().Add(attachTimeout))
	id, err := ReadChannelID(c)
	if err != nil {
		attachTotal.WithLabelValues("error").Inc()
		h.log.Debug("read channel id", zap.Error(err))
		_ = c.Close()
		return
	}

	client, err := h.pool.Attach(id)
	if err != nil {
		attachTotal.WithLabelValues("not_found").Inc()
		_ = writeStatus(c, StatusNotFound)
		_ = c.Close()
		return
	}

	if err := writeStatus(c, StatusAttached); err != nil {
		attachTotal.WithLabelValues("error").Inc()
		_ = client.Close()
		_ = c.Close()
		return
	}
	_ = c.SetReadDeadline(time.Time{})
	attachTotal.WithLabelValues("attached").Inc()

	log := h.log.With(zap.Stringer("channel", id))
	stats, err := proxy.Relay(h.ctx, client, c)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Debug("channel relay failed", zap.Error(err))
		return
	}
	log.Debug("channel closed",
		zap.Int64("upstream_bytes", stats.Upstream),
		zap.Int64("downstream_bytes", stats.Downstream))
}
