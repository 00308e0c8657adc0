package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/lowpannd/internal/config"
	ndmetrics "github.com/dantte-lp/lowpannd/internal/metrics"
	"github.com/dantte-lp/lowpannd/internal/nd"
	"github.com/dantte-lp/lowpannd/internal/netio"
	appversion "github.com/dantte-lp/lowpannd/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// linkPort is a transport the node sends through and the receiver reads
// from. Both netio.UDPPort and netio.ICMPPort satisfy it.
type linkPort interface {
	nd.Port
	netio.PacketSource
	io.Closer
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the 6LoWPAN-ND host until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), configPath)
		},
	}
}

// runDaemon loads the configuration, wires the node to its transport and
// metrics, and runs until the context is cancelled or a signal arrives.
func runDaemon(parent context.Context, path string) error {
	// 1. Load config.
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	ndCfg, err := cfg.Node.NDConfig()
	if err != nil {
		return fmt.Errorf("node config: %w", err)
	}

	// 2. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger, logFile, err := newLogger(cfg.Log, ndCfg.EUI64.String(), logLevel, os.Stdout)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("lowpannd starting",
		slog.String("version", appversion.Version),
		slog.String("eui64", ndCfg.EUI64.String()),
		slog.String("transport", cfg.Transport.Type),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 3. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := ndmetrics.NewCollector(reg)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Open the link transport.
	port, err := openPort(ctx, cfg.Transport, logger)
	if err != nil {
		return err
	}
	defer closePort(port, logger)

	// 5. Create the node with metrics wired in.
	node, err := nd.NewNode(ndCfg, port, logger, nd.WithMetrics(collector))
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	// 6. Run.
	if err := runServers(ctx, cfg, node, port, reg, collector, logger, path, logLevel); err != nil {
		logger.Error("lowpannd exited with error",
			slog.String("error", err.Error()),
		)
		return err
	}

	logger.Info("lowpannd stopped",
		slog.Int("routers", len(node.Routers())),
		slog.Int("addresses", len(node.Addresses())),
	)
	return nil
}

// runServers runs the receiver, the node event loop, the metrics server and
// the daemon goroutines in an errgroup. It returns once ctx is cancelled
// and every goroutine has finished.
func runServers(
	ctx context.Context,
	cfg *config.Config,
	node *nd.Node,
	port linkPort,
	reg *prometheus.Registry,
	collector *ndmetrics.Collector,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	g, gCtx := errgroup.WithContext(ctx)

	inbound := make(chan *nd.Message, cfg.Transport.QueueSize)
	recv := netio.NewReceiver(cfg.Transport.Type, logger, netio.WithReceiverMetrics(collector))

	g.Go(func() error {
		return recv.Run(gCtx, port, inbound)
	})

	g.Go(func() error {
		logger.Info("node started",
			slog.String("link_local", node.LinkLocal().String()),
		)
		return node.Run(gCtx, inbound)
	})

	var servers []*http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv := newMetricsServer(cfg.Metrics, reg)
		servers = append(servers, metricsSrv)
		startMetricsServer(gCtx, g, cfg.Metrics, metricsSrv, logger)
	} else {
		logger.Info("metrics endpoint disabled")
	}

	startDaemonGoroutines(gCtx, g, cfg, configPath, logLevel, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, servers...)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startMetricsServer registers the metrics HTTP server goroutine.
func startMetricsServer(
	ctx context.Context,
	g *errgroup.Group,
	cfg config.MetricsConfig,
	srv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Addr),
			slog.String("path", cfg.Path),
		)
		return listenAndServe(ctx, &lc, srv, cfg.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, cfg, configPath, logLevel, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Transport
// -------------------------------------------------------------------------

// openPort opens the transport selected by tc.Type.
func openPort(ctx context.Context, tc config.TransportConfig, logger *slog.Logger) (linkPort, error) {
	if tc.Type == config.TransportICMP {
		p, err := netio.ListenICMP(tc.Interface, logger)
		if err != nil {
			return nil, fmt.Errorf("open icmp transport: %w", err)
		}
		logger.Info("ICMPv6 transport started",
			slog.String("interface", tc.Interface),
		)
		return p, nil
	}

	listen, err := tc.ListenAddr()
	if err != nil {
		return nil, fmt.Errorf("open udp transport: %w", err)
	}
	peer, err := tc.PeerAddr()
	if err != nil {
		return nil, fmt.Errorf("open udp transport: %w", err)
	}

	p, err := netio.ListenUDP(ctx, netio.UDPConfig{
		Listen: listen,
		Peer:   peer,
		IfName: tc.Interface,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open udp transport: %w", err)
	}

	attrs := []any{slog.String("local", p.LocalAddr().String())}
	if peer.IsValid() {
		attrs = append(attrs, slog.String("peer", peer.String()))
	} else {
		attrs = append(attrs, slog.String("peer", "learned"))
	}
	logger.Info("UDP tunnel transport started", attrs...)

	return p, nil
}

// closePort closes the transport, logging any error.
func closePort(port linkPort, logger *slog.Logger) {
	if err := port.Close(); err != nil {
		logger.Warn("failed to close transport",
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd and shuts down the HTTP servers.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig and serves
// HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
