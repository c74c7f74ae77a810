package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/tether/internal/agent"
	"github.com/die-net/tether/internal/dialer"
	"github.com/die-net/tether/internal/logging"
	"github.com/die-net/tether/internal/proxy"
	"github.com/die-net/tether/internal/rendezvous"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socksListen = pflag.String("socks5-listen", "", "SOCKS5 proxy listen address (e.g. 127.0.0.1:1080). Empty disables.")

		hubSocksListen   = pflag.String("hub-socks5-listen", "", "Hub: listen address for SOCKS5 clients to park. Empty disables the hub.")
		hubControlListen = pflag.String("hub-control-listen", "", "Hub: listen address for agent control streams")
		hubChannelListen = pflag.String("hub-channel-listen", "", "Hub: listen address for agent channel attaches")
		hubChannelTTL    = pflag.Duration("hub-channel-ttl", 30*time.Second, "Hub: how long a parked client waits for an agent")
		hubBacklog       = pflag.Int("hub-backlog", 1024, "Hub: parked clients awaiting announcement before new clients are dropped")

		agentControl        = pflag.String("agent-control", "", "Agent: hub control address to subscribe to. Empty disables the agent.")
		agentChannel        = pflag.String("agent-channel", "", "Agent: hub channel address to attach to")
		agentReconnectDelay = pflag.Duration("agent-reconnect-delay", 5*time.Second, "Agent: delay between control reconnect attempts")

		upstream = pflag.String("upstream", defaultUpstream(), "Upstream forwarding target URL: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")

		debugListen        = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 0, "Timeout for the SOCKS5 handshake on a transport. Zero disables.")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		reusePort          = pflag.Bool("reuse-port", false, "Set SO_REUSEPORT on listeners")

		verbose       = pflag.Bool("verbose", false, "Enable per-connection error logging")
		logFormat     = pflag.String("log-format", "console", "Log encoding: console|json")
		logFile       = pflag.String("log-file", "", "Write logs to this rotating file instead of stderr")
		logMaxSizeMB  = pflag.Int("log-max-size-mb", 100, "Rotate --log-file after this many megabytes")
		logMaxBackups = pflag.Int("log-max-backups", 3, "Rotated log files to keep")
		logMaxAgeDays = pflag.Int("log-max-age-days", 28, "Days to keep rotated log files")
	)

	if !proxy.ReusePortSupported {
		_ = pflag.CommandLine.MarkHidden("reuse-port")
	}

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	hubEnabled, err := allOrNone(map[string]string{
		"--hub-socks5-listen":  *hubSocksListen,
		"--hub-control-listen": *hubControlListen,
		"--hub-channel-listen": *hubChannelListen,
	})
	if err != nil {
		return err
	}
	agentEnabled, err := allOrNone(map[string]string{
		"--agent-control": *agentControl,
		"--agent-channel": *agentChannel,
	})
	if err != nil {
		return err
	}

	if *socksListen == "" && !hubEnabled && !agentEnabled {
		return errors.New("no roles enabled (set at least one of --socks5-listen, --hub-socks5-listen, --agent-control)")
	}
	if *reusePort && !proxy.ReusePortSupported {
		return errors.New("--reuse-port is not supported on this platform")
	}

	logger, closeLog, err := logging.New(logging.Config{
		Verbose:    *verbose,
		Format:     *logFormat,
		File:       *logFile,
		MaxSizeMB:  *logMaxSizeMB,
		MaxBackups: *logMaxBackups,
		MaxAgeDays: *logMaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer closeLog()

	cfg := proxy.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
		Logger:             logger,
	}

	dialCfg := dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
	}

	cfg.Dialer, err = dialer.New(dialCfg, *upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	listenCfg := proxy.ListenConfig{KeepAlive: ka, ReusePort: *reusePort}
	serve := func(name, addr string, srv func(net.Listener) error) error {
		ln, err := proxy.ListenTCP(ctx, "tcp", addr, listenCfg)
		if err != nil {
			return fmt.Errorf("%s listen: %w", name, err)
		}
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := srv(ln); err != nil {
				return fmt.Errorf("%s serve: %w", name, err)
			}
			return nil
		})
		logger.Info("listening", zap.String("listener", name), zap.Stringer("addr", ln.Addr()))
		return nil
	}

	if *debugListen != "" {
		http.Handle("/metrics", promhttp.Handler())
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
		})
		if err := serve("debug", *debugListen, debugSrv.Serve); err != nil {
			return err
		}
	}

	if *socksListen != "" {
		s5 := proxy.NewSOCKS5Server(ctx, cfg)
		if err := serve("socks5", *socksListen, s5.Serve); err != nil {
			return err
		}
	}

	if hubEnabled {
		hub := rendezvous.NewHub(ctx, rendezvous.HubConfig{
			ChannelTTL: *hubChannelTTL,
			Backlog:    *hubBacklog,
			Logger:     logger.Named("hub"),
		})
		context.AfterFunc(ctx, hub.Close)

		if err := serve("hub-socks5", *hubSocksListen, hub.ServeClients); err != nil {
			return err
		}
		if err := serve("hub-control", *hubControlListen, hub.ServeControl); err != nil {
			return err
		}
		if err := serve("hub-channel", *hubChannelListen, hub.ServeChannels); err != nil {
			return err
		}
	}

	if agentEnabled {
		agentLog := logger.Named("agent")
		agentCfg := cfg
		agentCfg.Logger = agentLog
		a := agent.New(agent.Config{
			ControlAddr:    *agentControl,
			ChannelAddr:    *agentChannel,
			ReconnectDelay: *agentReconnectDelay,
			Dialer: dialer.NewDirectDialer(dialer.Config{
				DialTimeout: *dialTimeout,
				KeepAlive:   ka,
			}),
			Logger: agentLog,
		}, proxy.NewHandler(agentCfg))

		g.Go(func() error {
			return a.Run(ctx)
		})
		logger.Info("agent started", zap.String("control", *agentControl), zap.String("channel", *agentChannel))
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	logger.Info("shutting down")
	return err
}

// allOrNone reports whether a group of flags is enabled, requiring that
// either all or none of them are set.
func allOrNone(flags map[string]string) (bool, error) {
	var set, unset []string
	for name, v := range flags {
		if v == "" {
			unset = append(unset, name)
		} else {
			set = append(set, name)
		}
	}
	if len(set) > 0 && len(unset) > 0 {
		slices.Sort(set)
		slices.Sort(unset)
		return false, fmt.Errorf("%s requires %s", strings.Join(set, ", "), strings.Join(unset, ", "))
	}
	return len(set) > 0, nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
