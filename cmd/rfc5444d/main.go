// Command rfc5444d runs the RFC 5444 packet aggregation and dispatch daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/rfc5444d/internal/config"
	"github.com/dantte-lp/rfc5444d/internal/engine"
	"github.com/dantte-lp/rfc5444d/internal/metrics"
	"github.com/dantte-lp/rfc5444d/internal/netio"
	appversion "github.com/dantte-lp/rfc5444d/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP server
// to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rfc5444d",
	Short: "RFC 5444 packet aggregation and dispatch daemon",
	Long:  "rfc5444d aggregates outbound messages per target and multiplexes inbound datagrams across configured interfaces.",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run(configPath)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to configuration file (YAML)")
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Println(appversion.Full("rfc5444d"))
			return nil
		},
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return err
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("rfc5444d starting",
		slog.String("version", appversion.Version),
		slog.String("wire_format", appversion.WireFormat),
		slog.Int("port", int(cfg.RFC5444.Port)),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	e := engine.NewEngine(
		engine.WithLogger(logger),
		engine.WithAggregationInterval(cfg.RFC5444.AgregationInterval),
		engine.WithMetrics(collector),
	)
	if err := e.Init(); err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	defer e.Cleanup()

	proto, live, err := configureProtocol(e, cfg, logger)
	if err != nil {
		return fmt.Errorf("configure protocol: %w", err)
	}

	if err := runDaemon(cfg, e, proto, live, reg, logger, path, logLevel); err != nil {
		logger.Error("rfc5444d exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("rfc5444d stopped")
	return nil
}

// configureProtocol creates the engine's default protocol and every
// interface declared in cfg, applying each interface's socket
// configuration. The returned map tracks the live interfaces by name so a
// later SIGHUP reload can reconcile additions and removals against it.
func configureProtocol(e *engine.Engine, cfg *config.Config, logger *slog.Logger) (*engine.Protocol, map[string]*engine.Interface, error) {
	p := e.AddProtocol(engine.DefaultProtocolName, cfg.RFC5444.FixedLocalPort)

	if err := e.ReconfigureProtocol(p, cfg.RFC5444.Port); err != nil {
		return nil, nil, fmt.Errorf("set protocol port: %w", err)
	}

	live := make(map[string]*engine.Interface, len(cfg.Interfaces))
	for _, ic := range cfg.Interfaces {
		sockCfg, err := interfaceSocketConfig(ic)
		if err != nil {
			return nil, nil, fmt.Errorf("interface %s: %w", ic.Name, err)
		}

		ifc := e.AddInterface(p, nil, ic.Name)
		if err := e.ReconfigureInterface(ifc, &sockCfg); err != nil {
			return nil, nil, fmt.Errorf("configure interface %s: %w", ic.Name, err)
		}
		live[ic.Name] = ifc

		logger.Info("interface configured",
			slog.String("interface", ic.Name),
			slog.String("multicast_v4", ic.MulticastV4),
			slog.String("multicast_v6", ic.MulticastV6),
		)
	}

	return p, live, nil
}

// reconcileInterfaces brings the live interface set in line with cfg: it
// removes interfaces whose entries disappeared, adds interfaces for new
// entries, and reapplies socket configuration for every entry that
// remains, mirroring spec.md §4.2-§4.3's add/remove/reconfigure
// operations. live is mutated in place.
func reconcileInterfaces(
	e *engine.Engine,
	p *engine.Protocol,
	live map[string]*engine.Interface,
	cfg *config.Config,
	logger *slog.Logger,
) {
	desired := make(map[string]config.InterfaceConfig, len(cfg.Interfaces))
	for _, ic := range cfg.Interfaces {
		desired[ic.Name] = ic
	}

	for name, ifc := range live {
		if _, ok := desired[name]; ok {
			continue
		}
		e.RemoveInterface(ifc, nil)
		delete(live, name)
		logger.Info("interface removed", slog.String("interface", name))
	}

	for name, ic := range desired {
		sockCfg, err := interfaceSocketConfig(ic)
		if err != nil {
			logger.Error("skipping interface reconfiguration",
				slog.String("interface", name), slog.String("error", err.Error()))
			continue
		}

		ifc, exists := live[name]
		if !exists {
			ifc = e.AddInterface(p, nil, name)
			live[name] = ifc
		}

		if err := e.ReconfigureInterface(ifc, &sockCfg); err != nil {
			logger.Error("failed to reconfigure interface",
				slog.String("interface", name), slog.String("error", err.Error()))
			continue
		}

		logger.Info("interface reconfigured",
			slog.String("interface", name),
			slog.String("multicast_v4", ic.MulticastV4),
			slog.String("multicast_v6", ic.MulticastV6),
		)
	}
}

// interfaceSocketConfig converts a config.InterfaceConfig into the
// netio.SocketConfig the engine applies to the interface's managed socket.
func interfaceSocketConfig(ic config.InterfaceConfig) (netio.SocketConfig, error) {
	bindV4, err := ic.BindV4Addr()
	if err != nil {
		return netio.SocketConfig{}, err
	}
	bindV6, err := ic.BindV6Addr()
	if err != nil {
		return netio.SocketConfig{}, err
	}
	mcastV4, err := ic.MulticastV4Addr()
	if err != nil {
		return netio.SocketConfig{}, err
	}
	mcastV6, err := ic.MulticastV6Addr()
	if err != nil {
		return netio.SocketConfig{}, err
	}
	allow, err := ic.AllowPrefixes()
	if err != nil {
		return netio.SocketConfig{}, err
	}
	deny, err := ic.DenyPrefixes()
	if err != nil {
		return netio.SocketConfig{}, err
	}

	return netio.SocketConfig{
		ACL:         netio.ACL{Allow: allow, Deny: deny},
		BindV4:      bindV4,
		BindV6:      bindV6,
		MulticastV4: mcastV4,
		MulticastV6: mcastV6,
		UnicastPort: ic.UnicastPort,
	}, nil
}

// runDaemon runs the engine's socket loop, the metrics HTTP server, and the
// systemd/SIGHUP integration goroutines using an errgroup with a
// signal-aware context for graceful shutdown.
func runDaemon(
	cfg *config.Config,
	e *engine.Engine,
	proto *engine.Protocol,
	live map[string]*engine.Interface,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := e.RunProtocol(gCtx, proto); err != nil {
			return fmt.Errorf("run protocol sockets: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, e, proto, live, logger)
		return nil
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured watchdog interval. If watchdog is not configured, the
// goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level + engine reconciliation
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP and reloads the dynamic log level and the
// engine's protocol port and interface set from a freshly read
// configuration file. Blocks until ctx is cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	e *engine.Engine,
	proto *engine.Protocol,
	live map[string]*engine.Interface,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := loadConfig(configPath)
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings",
					slog.String("error", err.Error()),
				)
				continue
			}

			oldLevel := logLevel.Level()
			newLevel := config.ParseLogLevel(newCfg.Log.Level)
			logLevel.Set(newLevel)

			if err := e.ReconfigureProtocol(proto, newCfg.RFC5444.Port); err != nil {
				logger.Error("failed to reconfigure protocol port",
					slog.String("error", err.Error()))
			}
			reconcileInterfaces(e, proto, live, newCfg, logger)

			logger.Info("configuration reloaded",
				slog.String("old_log_level", oldLevel.String()),
				slog.String("new_log_level", newLevel.String()),
				slog.Int("port", int(newCfg.RFC5444.Port)),
				slog.Int("interfaces", len(live)),
			)
		}
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd and drains the metrics HTTP server.
// Engine socket teardown happens via the caller's deferred e.Cleanup().
//
// The parent context is already cancelled when this function is called; a
// fresh timeout context is derived internally for server drain.
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

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Config + Logging
// -------------------------------------------------------------------------

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
