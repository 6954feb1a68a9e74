// Command tunnel-server runs the remote-side half of the tunnel: it
// accepts the 512-byte handshake, resolves and connects to the requested
// destination, and relays traffic back through the same encrypted
// connection.
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
	"go.uber.org/zap"

	"github.com/xiaoxiao/iotunnel/internal/config"
	"github.com/xiaoxiao/iotunnel/internal/netutil"
	"github.com/xiaoxiao/iotunnel/internal/serverconn"
	"github.com/xiaoxiao/iotunnel/internal/telemetry"
)

// Exit codes per the documented CLI contract (spec.md §6).
const (
	exitOK            = 0
	exitArgError      = 1
	exitSocketFailure = 2
)

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
		bindAddr    string
		bindPort    int
		bindKey     string
		localAddr   string
		localPort   int
		metricsAddr string
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:           "tunnel-server",
		Short:         "Remote-side tunnel endpoint: resolves and connects to requested destinations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return &runtimeError{err}
			}
			if bindAddr != "" || bindKey != "" || bindPort != 0 {
				cfg.SingleUpstream(bindAddr, bindPort, bindKey)
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
				fmt.Printf("configuration OK: %d listener identity(ies)\n", len(cfg.Servers))
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
	flags.StringVarP(&bindAddr, "server", "s", "", "single-upstream shortcut: listen address")
	flags.IntVarP(&bindPort, "port", "p", 0, "single-upstream shortcut: listen port")
	flags.StringVarP(&bindKey, "key", "k", "", "single-upstream shortcut: shared secret")
	flags.StringVarP(&localAddr, "bind", "b", "", "local bind address (accepted for parity with tunnel-client)")
	flags.IntVarP(&localPort, "local-port", "l", 0, "local bind port (accepted for parity with tunnel-client)")
	flags.StringVarP(&metricsAddr, "metrics-addr", "m", "", "Prometheus /metrics listen address (disabled if empty)")
	flags.BoolVar(&quiet, "quiet", false, "disable structured logging")

	if err := cmd.Execute(); err != nil {
		var rerr *runtimeError
		if errors.As(err, &rerr) {
			fmt.Fprintln(os.Stderr, "tunnel-server:", rerr.Unwrap())
			return exitSocketFailure
		}
		fmt.Fprintln(os.Stderr, err)
		return exitArgError
	}
	return exitOK
}

// serve listens for tunnel clients on every configured server entry. Each
// entry is both a bind address/port and the secret identifying that
// listener, matching the original's per-server bind table (spec.md §6).
func serve(cfg *config.Config, quiet bool) error {
	logger, err := telemetry.NewLogger(quiet)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	metrics := telemetry.NewMetrics("tunnel_server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := telemetry.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
				logger.Warnw("metrics server stopped", "error", err)
			}
		}()
	}

	listeners := make([]net.Listener, 0, len(cfg.Servers))
	for _, entry := range cfg.Servers {
		addr := net.JoinHostPort(entry.Address, strconv.Itoa(entry.Port))
		ln, err := netutil.Listen(ctx, addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
		logger.Infow("tunnel-server listening", "addr", addr)

		secret := []byte(entry.Key)
		go acceptLoop(ctx, ln, secret, logger, metrics)
	}
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infow("received signal, shutting down", "signal", sig)
	cancel()
	return nil
}

func acceptLoop(ctx context.Context, ln net.Listener, secret []byte, logger *zap.SugaredLogger, metrics *telemetry.Metrics) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warnw("accept failed", "error", err)
				continue
			}
		}
		c := serverconn.New(conn, secret, logger, metrics)
		go c.Serve(ctx)
	}
}
