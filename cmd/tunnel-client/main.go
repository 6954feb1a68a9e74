// Command tunnel-client runs the local-side SOCKS5 proxy half of the
// tunnel: it accepts plain SOCKS5 CONNECT requests and relays them,
// encrypted, to one of a configured pool of tunnel servers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xiaoxiao/iotunnel/internal/clientconn"
	"github.com/xiaoxiao/iotunnel/internal/config"
	"github.com/xiaoxiao/iotunnel/internal/netutil"
	"github.com/xiaoxiao/iotunnel/internal/telemetry"
)

// Exit codes per the documented CLI contract (spec.md §6): 0 success,
// 1 argument error, 2 socket/bind/resolve failure.
const (
	exitOK            = 0
	exitArgError      = 1
	exitSocketFailure = 2
)

// runtimeError wraps a failure that happened after flags parsed
// successfully, so main can tell it apart from a pflag/cobra usage error.
type runtimeError struct{ err error }

func (r *runtimeError) Error() string { return r.err.Error() }
func (r *runtimeError) Unwrap() error { return r.err }

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		testConfig  bool
		upstreamIP  string
		upstreamKey string
		upstreamPt  int
		localAddr   string
		localPort   int
		metricsAddr string
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:           "tunnel-client",
		Short:         "Local SOCKS5 proxy that forwards traffic through an encrypted tunnel",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return &runtimeError{err}
			}
			if upstreamIP != "" || upstreamKey != "" || upstreamPt != 0 {
				cfg.SingleUpstream(upstreamIP, upstreamPt, upstreamKey)
			}
			if localAddr != "" {
				cfg.Local.Address = localAddr
			}
			if localPort != 0 {
				cfg.Local.Port = localPort
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return &runtimeError{err}
			}

			if testConfig {
				fmt.Printf("configuration OK: %d server(s), local %s:%d\n",
					len(cfg.Servers), cfg.Local.Address, cfg.Local.Port)
				return nil
			}

			if err := serve(cfg, quiet); err != nil {
				return &runtimeError{err}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.SortFlags = false
	flags.StringVarP(&configPath, "config", "c", "config.yaml", "path to YAML configuration file")
	flags.BoolVarP(&testConfig, "test", "t", false, "validate configuration and exit")
	flags.StringVarP(&upstreamIP, "server", "s", "", "single-upstream shortcut: tunnel server address")
	flags.IntVarP(&upstreamPt, "port", "p", 0, "single-upstream shortcut: tunnel server port")
	flags.StringVarP(&upstreamKey, "key", "k", "", "single-upstream shortcut: shared secret")
	flags.StringVarP(&localAddr, "bind", "b", "", "local SOCKS5 bind address (overrides config)")
	flags.IntVarP(&localPort, "local-port", "l", 0, "local SOCKS5 bind port (overrides config)")
	flags.StringVarP(&metricsAddr, "metrics-addr", "m", "", "Prometheus /metrics listen address (disabled if empty)")
	flags.BoolVar(&quiet, "quiet", false, "disable structured logging")

	if err := cmd.Execute(); err != nil {
		var rerr *runtimeError
		if errors.As(err, &rerr) {
			fmt.Fprintln(os.Stderr, "tunnel-client:", rerr.Unwrap())
			return exitSocketFailure
		}
		fmt.Fprintln(os.Stderr, err)
		return exitArgError
	}
	return exitOK
}

func serve(cfg *config.Config, quiet bool) error {
	logger, err := telemetry.NewLogger(quiet)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	identities, err := config.ResolveServerPool(cfg.Servers)
	if err != nil {
		return err
	}
	pool := config.NewServerPool(identities)

	metrics := telemetry.NewMetrics("tunnel_client")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := telemetry.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
				logger.Warnw("metrics server stopped", "error", err)
			}
		}()
	}

	bindAddr := net.JoinHostPort(cfg.Local.Address, strconv.Itoa(cfg.Local.Port))
	ln, err := netutil.Listen(ctx, bindAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", bindAddr, err)
	}
	defer ln.Close()

	logger.Infow("tunnel-client listening", "addr", bindAddr, "upstreams", len(identities))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infow("received signal, shutting down", "signal", sig)
		cancel()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logger.Warnw("accept failed", "error", err)
				continue
			}
		}
		c := clientconn.New(conn, pool, logger, metrics)
		go c.Serve(ctx)
	}
}
