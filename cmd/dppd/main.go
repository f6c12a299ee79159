// dppd is the DPP reference endpoint daemon: a single binary that runs
// one of three interchangeable roles (spec.md §1) — sss (standalone
// station/AP), relay (over-the-air-to-wired bridge), or controller
// (terminates DPP logic over wired transport).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ekmixon/dpp/internal/adminapi"
	"github.com/ekmixon/dpp/internal/bootstrap"
	"github.com/ekmixon/dpp/internal/config"
	"github.com/ekmixon/dpp/internal/dpp"
	"github.com/ekmixon/dpp/internal/dppengine"
	"github.com/ekmixon/dpp/internal/endpoint"
	"github.com/ekmixon/dpp/internal/metrics"
	"github.com/ekmixon/dpp/internal/netio"
	"github.com/ekmixon/dpp/internal/regdb"
	"github.com/ekmixon/dpp/internal/relay"
	appversion "github.com/ekmixon/dpp/internal/version"
	"github.com/ekmixon/dpp/internal/wire"
	"github.com/ekmixon/dpp/internal/wpactrl"
)

// shutdownTimeout bounds how long HTTP servers are given to drain active
// connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

// connectorObjectPath is the D-Bus object the Configurator-provisioned
// notifier publishes under (spec.md §4.3).
const connectorObjectPath = "/org/dppd/Connector"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("dppd starting",
		slog.String("version", appversion.Version),
		slog.String("role", cfg.DPP.Role),
		slog.String("interface", cfg.DPP.Interface),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	if err := runServers(cfg, collector, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("dppd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("dppd stopped")
	return 0
}

// runServers builds the role-specific endpoint wiring and runs the admin
// and metrics HTTP servers plus the event loop using an errgroup with
// signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	collector *metrics.Collector,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	dw, err := buildDaemon(cfg, collector, logger)
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}
	defer dw.close()

	metricsSrv := newMetricsServer(cfg.Metrics, reg(collector))
	adminSrv := newAdminServer(cfg.Admin, dw.registry, dw.relayMgr, dw.ep)

	startHTTPServers(gCtx, g, cfg, adminSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	g.Go(func() error {
		return dw.loop.Run(gCtx)
	})
	if dw.acceptLoop != nil {
		g.Go(func() error {
			return dw.acceptLoop(gCtx)
		})
	}

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, fr, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

func reg(c *metrics.Collector) *prometheus.Registry {
	// Collector registers itself against the *prometheus.Registry handed
	// to NewCollector; the metrics HTTP server serves that same registry.
	// Kept as a tiny accessor so runServers doesn't need to thread the
	// registry through two separate parameters.
	return c.Registry()
}

// daemonWiring holds everything built for the configured role that the
// top-level run loop needs to start and stop.
type daemonWiring struct {
	conn       netio.RadioConn
	registry   *dpp.Registry
	relayMgr   *relay.Manager
	loop       *endpoint.Loop
	acceptLoop func(ctx context.Context) error
	notifier   *wpactrl.Notifier
	ep         *endpoint.Endpoint
}

func (dw *daemonWiring) close() {
	if dw.notifier != nil {
		_ = dw.notifier.Close()
	}
	if dw.conn != nil {
		_ = dw.conn.Close()
	}
}

// buildDaemon constructs the role-specific Endpoint/Bridge wiring
// (spec.md §1, §9): sss runs the full DPP/PKEX engine over a local radio
// interface; relay bridges air traffic to a single controller over TCP
// without running the engine; controller accepts relay TCP connections
// and runs one Endpoint per tunnel.
func buildDaemon(cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) (*daemonWiring, error) {
	notifier, err := wpactrl.New(logger, connectorObjectPath)
	if err != nil {
		logger.Warn("connector notifier running in log-only mode", slog.String("error", err.Error()))
	}

	switch cfg.DPP.Role {
	case "sss":
		return buildSSS(cfg, collector, logger, notifier)
	case "relay":
		return buildRelay(cfg, collector, logger)
	case "controller":
		return buildController(cfg, collector, logger, notifier)
	default:
		return nil, fmt.Errorf("build daemon: %w", config.ErrInvalidRole)
	}
}

func openRadio(cfg *config.Config, logger *slog.Logger) (netio.RadioConn, error) {
	if cfg.DPP.Interface == "lo" {
		bus := netio.NewBus()
		mac, err := loopbackMAC(cfg.DPP.MACOverride)
		if err != nil {
			return nil, fmt.Errorf("parse mac_override: %w", err)
		}
		return netio.NewLoopback(bus, mac, logger), nil
	}

	if cfg.DPP.Driver == "rawsock" {
		conn, err := netio.NewRawPacket(cfg.DPP.Interface, logger)
		if err != nil {
			return nil, fmt.Errorf("open radio interface %s: %w", cfg.DPP.Interface, err)
		}
		return conn, nil
	}

	ifi, err := net.InterfaceByName(cfg.DPP.Interface)
	if err != nil {
		return nil, fmt.Errorf("open radio interface %s: %w", cfg.DPP.Interface, err)
	}
	var mac wire.MAC
	copy(mac[:], ifi.HardwareAddr)

	conn, err := netio.NewNl80211Conn(uint32(ifi.Index), mac, true, logger)
	if err != nil {
		return nil, fmt.Errorf("open nl80211 radio interface %s: %w", cfg.DPP.Interface, err)
	}
	return conn, nil
}

// loopbackMAC resolves the local address the loopback transport binds to.
// An empty override generates a random locally-administered address (the
// prior behavior); a non-empty mac_override is parsed in the same
// hex-with-no-separators form the bootstrap file uses for peer addresses
// (spec.md §9 supplemented feature: reproducible addressing for a
// deliberately-addressed "lo" instance under test).
func loopbackMAC(override string) (wire.MAC, error) {
	if override == "" {
		return netio.RandomMAC()
	}
	return wire.ParseMAC(override)
}

func buildSSS(cfg *config.Config, collector *metrics.Collector, logger *slog.Logger, notifier *wpactrl.Notifier) (*daemonWiring, error) {
	if cfg.DPP.BootstrapFile == "" {
		return nil, config.ErrEmptyBootstrapFile
	}
	conn, err := openRadio(cfg, logger)
	if err != nil {
		return nil, err
	}

	store := bootstrap.New(cfg.DPP.BootstrapFile)
	registry := dpp.NewRegistry(logger)
	registry.SetMetrics(collector)

	cb := endpoint.NewCallbacks(logger, registry, conn, notifier)
	cb.SetMetrics(collector)
	eng := dppengine.NewStubEngine(cb)
	ep := endpoint.NewWithRegistry(endpoint.RoleSSS, logger, conn, eng, store, registry)
	ep.OpClass, ep.Channel = cfg.DPP.OpClass, cfg.DPP.Channel
	ep.Metrics = collector
	ep.Demux.SetMetrics(collector)

	ep.Loop.Post(func() { startInitiator(ep, eng, registry, store, logger, cfg.DPP) })

	if cfg.DPP.Chirp {
		freq, err := regdb.Frequency(cfg.DPP.OpClass, cfg.DPP.Channel)
		if err != nil {
			logger.Warn("chirp enabled but channel does not resolve to a frequency, disabling chirp",
				slog.Uint64("opclass", uint64(cfg.DPP.OpClass)), slog.Uint64("channel", uint64(cfg.DPP.Channel)), slog.String("error", err.Error()))
		} else {
			ep.EnableChirp([]uint32{freq})
		}
	}

	return &daemonWiring{conn: conn, registry: registry, loop: ep.Loop, notifier: notifier, ep: ep}, nil
}

// startInitiator implements the reference's outbound-initiator startup
// path (original_source/linux/sss.c's bootstrap_peer/main dispatch): a
// configured pkex_password takes priority and starts a PKEX exchange
// against the broadcast address (the peer's MAC isn't known until the
// exchange responds); otherwise a configured bootstrap_index looks up a
// previously-learned peer and starts a DPP authentication directly
// against its recorded address, opclass, and channel. With neither set
// the daemon only responds to inbound frames, the pre-existing behavior.
// Must run on the Loop goroutine: it mutates the Registry's session
// tables.
func startInitiator(ep *endpoint.Endpoint, eng dppengine.Engine, registry *dpp.Registry, store *bootstrap.Store, logger *slog.Logger, dppCfg config.DPPConfig) {
	switch {
	case dppCfg.PKEXPassword != "":
		sess, err := registry.CreatePKEXSession(eng, ep.LocalMAC, wire.Broadcast, 2)
		if err != nil {
			logger.Warn("pkex initiator session create failed", slog.String("error", err.Error()))
			return
		}
		eng.PKEXUpdateMACs(sess.Handle, ep.LocalMAC, wire.Broadcast)
		if err := eng.PKEXInitiate(sess.Handle); err != nil {
			logger.Warn("pkex initiate failed", slog.String("error", err.Error()))
		}

	case dppCfg.BootstrapIndex > 0:
		entry, err := store.ByIndex(dppCfg.BootstrapIndex)
		if err != nil {
			logger.Warn("bootstrap index lookup failed", slog.Uint64("bootstrap_index", uint64(dppCfg.BootstrapIndex)), slog.String("error", err.Error()))
			return
		}
		if err := ep.Conn.SetChannel(entry.OpClass, entry.Channel); err != nil {
			logger.Warn("initiator channel change failed", slog.String("error", err.Error()))
			return
		}
		ep.OpClass, ep.Channel = entry.OpClass, entry.Channel

		sess, err := registry.CreateDPPSession(eng, ep.LocalMAC, entry.PeerMAC, entry.SPKIB64, dpp.RoleInitiator, dppCfg.MutualAuth, 0)
		if err != nil {
			logger.Warn("dpp initiator session create failed", slog.String("error", err.Error()))
			return
		}
		if err := eng.ProcessAuthFrame(sess.Handle, nil); err != nil {
			logger.Warn("dpp initiate failed", slog.String("error", err.Error()))
		}
	}
}

func buildRelay(cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) (*daemonWiring, error) {
	if cfg.Relay.ControllerAddr == "" {
		return nil, config.ErrRelayMissingControllerAddr
	}
	conn, err := openRadio(cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := dpp.NewRegistry(logger)
	mgr := relay.NewManager(logger, cfg.Relay.ClientIdleTimeout)
	bridge := relay.NewBridge(logger, conn, mgr, cfg.Relay.ControllerAddr)
	bridge.SetMetrics(collector)

	loop := endpoint.NewLoop(logger)
	loop.AddTimer(time.Second, time.Second, func(now time.Time) {
		for range mgr.ExpireIdle(now) {
			collector.IncRelayReconnects()
		}
	})

	return &daemonWiring{conn: conn, registry: registry, relayMgr: mgr, loop: loop}, nil
}

func buildController(cfg *config.Config, collector *metrics.Collector, logger *slog.Logger, notifier *wpactrl.Notifier) (*daemonWiring, error) {
	if cfg.Relay.ListenAddr == "" {
		return nil, config.ErrControllerMissingListenAddr
	}

	registry := dpp.NewRegistry(logger)
	registry.SetMetrics(collector)
	loop := endpoint.NewLoop(logger)

	accept := func(ctx context.Context) error {
		lc := net.ListenConfig{}
		ln, err := lc.Listen(ctx, "tcp", cfg.Relay.ListenAddr)
		if err != nil {
			return fmt.Errorf("controller listen on %s: %w", cfg.Relay.ListenAddr, err)
		}
		go func() {
			<-ctx.Done()
			_ = ln.Close()
		}()

		localMAC, err := netio.RandomMAC()
		if err != nil {
			return fmt.Errorf("generate controller mac: %w", err)
		}

		for {
			c, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("controller accept failed", slog.String("error", err.Error()))
				continue
			}
			tunnel := netio.NewTcpTunnel(c, localMAC, logger)
			cb := endpoint.NewCallbacks(logger, registry, tunnel, notifier)
			cb.SetMetrics(collector)
			eng := dppengine.NewStubEngine(cb)
			store := bootstrap.New(cfg.DPP.BootstrapFile)
			ep := endpoint.NewWithRegistry(endpoint.RoleController, logger, tunnel, eng, store, registry)
			ep.Metrics = collector
			ep.Demux.SetMetrics(collector)
			ep.Loop = loop // dispatch this tunnel's frames on the daemon's single running loop

			go func() {
				_ = tunnel.ReadLoop(ctx)
			}()
		}
	}

	return &daemonWiring{registry: registry, loop: loop, acceptLoop: accept, notifier: notifier}, nil
}

// -------------------------------------------------------------------------
// HTTP servers
// -------------------------------------------------------------------------

func startHTTPServers(ctx context.Context, g *errgroup.Group, cfg *config.Config, adminSrv, metricsSrv *http.Server, logger *slog.Logger) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin API listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(ctx, &lc, adminSrv, cfg.Admin.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

func startDaemonGoroutines(ctx context.Context, g *errgroup.Group, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd integration
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
	logger.Info("systemd watchdog enabled", slog.Duration("watchdog_sec", interval), slog.Duration("keepalive_interval", tickInterval))

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP reload — log level only; session state lives in the event loop
// and is not reconstructed from config on reload.
// -------------------------------------------------------------------------

func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful shutdown / flight recorder / server construction
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, logger *slog.Logger, fr *trace.FlightRecorder, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

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

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started", slog.Duration("min_age", flightRecorderMinAge), slog.Uint64("max_bytes", flightRecorderMaxBytes))
	return fr
}

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

func newMetricsServer(cfg config.MetricsConfig, promReg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newAdminServer(cfg config.AdminConfig, registry *dpp.Registry, relayMgr *relay.Manager, ep *endpoint.Endpoint) *http.Server {
	api := adminapi.New(registry, relayMgr)
	if ep != nil {
		api.SetChirpTrigger(ep.TriggerChirp)
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

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
