// govpnd -- multi-client IP tunneling daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/govpnd/internal/config"
	"github.com/dantte-lp/govpnd/internal/cryptopipe"
	tunnelmetrics "github.com/dantte-lp/govpnd/internal/metrics"
	"github.com/dantte-lp/govpnd/internal/netio"
	"github.com/dantte-lp/govpnd/internal/server"
	"github.com/dantte-lp/govpnd/internal/tunnel"
	appversion "github.com/dantte-lp/govpnd/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// drainPollInterval is how often gracefulShutdown checks whether the
// event loop has finished draining its live instances.
const drainPollInterval = 200 * time.Millisecond

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

// metricsSampleInterval is how often the Prometheus gauges are refreshed
// from the tunnel core's live state.
const metricsSampleInterval = 2 * time.Second

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

	logger.Info("govpnd starting",
		slog.String("version", appversion.Version),
		slog.String("link_addr", cfg.Link.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := tunnelmetrics.NewCollector(reg)

	if err := runDaemon(cfg, collector, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("govpnd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("govpnd stopped")
	return 0
}

// daemonState bundles the tunnel core's collaborators the way runDaemon hands
// them off to the goroutines that drive and observe them.
type daemonState struct {
	mc       *tunnel.MultiContext
	el       *tunnel.EventLoop
	sig      *tunnel.SignalFlags
	vif      *netio.TUNDevice
	pool     *tunnel.AddressPool
	poolFile *netio.FilePoolStore
	cfg      *config.Config
}

// runDaemon builds the tunnel core and every external collaborator
// (wire transport, virtual interface, address pool, control socket,
// status sink, metrics sampler) and drives them under one errgroup until
// a signal or fatal condition ends the run.
func runDaemon(
	cfg *config.Config,
	collector *tunnelmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	st, err := buildDaemon(cfg, logger)
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}
	defer closeDaemon(st, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return st.el.Run(gCtx)
	})

	controlSrv, err := server.NewControlServer(cfg.Control.SocketPath, st.mc.Registry, st.sig, logger)
	if err != nil {
		return fmt.Errorf("start control server: %w", err)
	}
	defer controlSrv.Close()
	g.Go(func() error {
		logger.Info("control socket listening", slog.String("path", cfg.Control.SocketPath))
		return controlSrv.Serve(gCtx)
	})

	var statusWriter *server.StatusWriter
	if cfg.Control.StatusFilePath != "" {
		statusWriter, err = server.NewStatusWriter(cfg.Control.StatusFileVersion)
		if err != nil {
			return fmt.Errorf("build status writer: %w", err)
		}
		g.Go(func() error {
			runStatusFileLoop(gCtx, st, statusWriter, cfg.Control.StatusFilePath, cfg.Control.StatusWriteInterval, logger)
			return nil
		})
	}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		runMetricsSampler(gCtx, st, collector, logger)
		return nil
	})

	startDaemonGoroutines(gCtx, g, configPath, logLevel, st, logger)

	admitDeclaredPeers(st, cfg.Peers, logger)

	if cfg.Link.Proto == "tcp" {
		if err := startTCPAcceptLoop(gCtx, g, st, cfg.Link.Addr, logger); err != nil {
			return fmt.Errorf("start tcp accept loop: %w", err)
		}
	}

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, st, logger, fr, metricsSrv)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// buildDaemon constructs the tunnel core (registry, pool, pipeline) and
// its VIF/transport/multiplexer collaborators from cfg, without starting
// any goroutine.
func buildDaemon(cfg *config.Config, logger *slog.Logger) (*daemonState, error) {
	tc, err := cfg.TunnelConfig()
	if err != nil {
		return nil, fmt.Errorf("translate tunnel config: %w", err)
	}

	var pool *tunnel.AddressPool
	var poolFile *netio.FilePoolStore
	if cfg.VIF.Prefix != "" {
		prefix, perr := netip.ParsePrefix(cfg.VIF.Prefix)
		if perr != nil {
			return nil, fmt.Errorf("parse vif.prefix %q: %w", cfg.VIF.Prefix, perr)
		}
		pool, err = tunnel.NewAddressPool(prefix)
		if err != nil {
			return nil, fmt.Errorf("build address pool: %w", err)
		}
		if cfg.VIF.PersistPath != "" {
			poolFile = netio.NewFilePoolStore(cfg.VIF.PersistPath)
			assignments, lerr := poolFile.Load()
			if lerr != nil {
				return nil, fmt.Errorf("load persisted pool assignments: %w", lerr)
			}
			pool.Restore(assignments)
			logger.Info("restored virtual address pool", slog.Int("outstanding", pool.Len()))
		}
	}

	pipe := cryptopipe.NewFactory()
	mc := tunnel.NewMultiContext(tc, pool, pipe, logger)

	vifType := tunnel.TunnelTUN
	if cfg.VIF.Type == "tap" {
		vifType = tunnel.TunnelTAP
	}
	vifCfg := netio.VIFConfig{Type: vifType, Name: cfg.VIF.Name}
	if cfg.VIF.Prefix != "" {
		bits, perr := prefixBits(cfg.VIF.Prefix)
		if perr != nil {
			return nil, perr
		}
		vifCfg.Prefix = bits
	}
	if cfg.Server.LocalInnerAddr != "" {
		localAddr, aerr := netip.ParseAddr(cfg.Server.LocalInnerAddr)
		if aerr != nil {
			return nil, fmt.Errorf("parse server.local_inner_addr %q: %w", cfg.Server.LocalInnerAddr, aerr)
		}
		vifCfg.LocalAddr = localAddr
	}
	vif, err := netio.OpenTUNDevice(vifCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open virtual interface: %w", err)
	}

	mux, err := netio.NewEpoll()
	if err != nil {
		_ = vif.Close()
		return nil, fmt.Errorf("open multiplexer: %w", err)
	}

	sig := &tunnel.SignalFlags{}

	var primary tunnel.Transport
	if cfg.Link.Proto == "udp" {
		laddr, perr := netip.ParseAddrPort(normalizeAddr(cfg.Link.Addr))
		if perr != nil {
			_ = vif.Close()
			_ = mux.Close()
			return nil, fmt.Errorf("parse link.addr %q: %w", cfg.Link.Addr, perr)
		}
		udp, uerr := netio.NewUDPTransport(laddr, logger)
		if uerr != nil {
			_ = vif.Close()
			_ = mux.Close()
			return nil, fmt.Errorf("open udp transport: %w", uerr)
		}
		primary = udp
	}

	el := tunnel.NewEventLoop(mc, vif, mux, primary, sig, logger)

	return &daemonState{mc: mc, el: el, sig: sig, vif: vif, pool: pool, poolFile: poolFile, cfg: cfg}, nil
}

// closeDaemon releases the VIF and persists the pool's assignment table,
// if configured, once the event loop has exited.
func closeDaemon(st *daemonState, logger *slog.Logger) {
	if st.pool != nil && st.poolFile != nil {
		if err := st.poolFile.Save(st.pool.Outstanding()); err != nil {
			logger.Warn("failed to persist virtual address pool", slog.String("error", err.Error()))
		}
	}
	if st.vif != nil {
		if err := st.vif.Close(); err != nil {
			logger.Warn("failed to close virtual interface", slog.String("error", err.Error()))
		}
	}
}

// admitDeclaredPeers pins the virtual address (if any) of every statically
// configured peer, ahead of the first packet the loop observes from that
// address. It does not admit an instance; that still happens on the
// peer's first packet.
func admitDeclaredPeers(st *daemonState, peers []config.PeerConfig, logger *slog.Logger) {
	if len(peers) == 0 {
		return
	}
	for _, pc := range peers {
		pc := pc
		ap, err := pc.AddrPort()
		if err != nil {
			logger.Error("skipping invalid declared peer", slog.String("addr", pc.Addr), slog.Any("error", err))
			continue
		}
		real := tunnel.OuterAddrFromAddrPort(ap)
		var vaddr tunnel.InnerAddr
		if pc.VirtualAddr != "" {
			ip, perr := netip.ParseAddr(pc.VirtualAddr)
			if perr != nil {
				logger.Error("skipping declared peer with invalid virtual_addr",
					slog.String("addr", pc.Addr), slog.String("virtual_addr", pc.VirtualAddr))
				continue
			}
			vaddr = tunnel.InnerAddrFromIP(ip)
		}
		st.el.Post(func(mc *tunnel.MultiContext) {
			if vaddr.IsValid() {
				mc.PinVaddr(real, vaddr)
			}
			logger.Info("declared peer registered", slog.String("addr", real.String()))
		})
	}
}

// startTCPAcceptLoop runs a net.ListenTCP accept loop, wrapping each
// accepted connection in a netio.TCPTransport and marshalling its
// admission onto the event-loop goroutine via Post, since only that
// goroutine may touch the registry/scheduler.
func startTCPAcceptLoop(ctx context.Context, g *errgroup.Group, st *daemonState, addr string, logger *slog.Logger) error {
	laddr, err := net.ResolveTCPAddr("tcp", normalizeAddr(addr))
	if err != nil {
		return fmt.Errorf("resolve tcp addr %q: %w", addr, err)
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", addr, err)
	}

	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	g.Go(func() error {
		logger.Info("tcp link listening", slog.String("addr", addr))
		for {
			conn, aerr := ln.AcceptTCP()
			if aerr != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept tcp connection: %w", aerr)
			}
			t, terr := netio.NewTCPTransport(conn, logger)
			if terr != nil {
				logger.Warn("wrap accepted tcp connection", slog.String("error", terr.Error()))
				_ = conn.Close()
				continue
			}
			el := st.el
			st.el.Post(func(mc *tunnel.MultiContext) {
				now := time.Now()
				inst, ierr := mc.AdmitInstance(t.Peer(), now)
				if ierr != nil {
					logger.Debug("refused tcp peer", slog.Any("error", ierr))
					_ = t.Close()
					return
				}
				if mc.Pipeline != nil {
					pctx, operr := mc.Pipeline.Open(inst.MsgPrefix)
					if operr != nil {
						mc.CloseInstance(inst)
						_ = t.Close()
						return
					}
					inst.Context = pctx
					inst.DidOpenContext.Store(true)
				}
				if rerr := el.RegisterConn(t, inst); rerr != nil {
					logger.Warn("register tcp connection", slog.Any("error", rerr))
					mc.CloseInstance(inst)
					_ = t.Close()
				}
			})
		}
	})

	return nil
}

// runMetricsSampler periodically posts a command onto the event-loop
// goroutine that reads the core's aggregate state and feeds the
// Collector; reading Registry/Routes/Deferred/Broadcaster from any other
// goroutine would race with the loop's own mutation of them.
//
// The Collector's counters are cumulative Prometheus Counters, but the
// core only exposes cumulative totals (MultiContext.TrafficTotals,
// Broadcaster.DropCount, ReaperRunsTotal/ReaperReclaimedTotal) rather than
// per-tick deltas, so this loop tracks the last-seen total for each and
// adds only the positive delta each sample.
func runMetricsSampler(ctx context.Context, st *daemonState, collector *tunnelmetrics.Collector, logger *slog.Logger) {
	ticker := time.NewTicker(metricsSampleInterval)
	defer ticker.Stop()

	var lastBroadcastDrops uint64
	var lastPacketsIn, lastPacketsOut, lastBytesIn, lastBytesOut uint64
	var lastReaperRuns, lastReaperReclaimed int

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.el.Post(func(mc *tunnel.MultiContext) {
				counts := make(map[string]int, 4)
				for _, inst := range mc.Registry.Iter() {
					counts[inst.StateValue().String()]++
				}
				collector.SetInstanceCounts(counts)
				collector.SetRoutesActive(mc.Routes.Len())
				collector.SetDeferredQueueDepth(mc.Deferred.TotalDepth())

				dropped := mc.Broadcaster.DropCount()
				if dropped > lastBroadcastDrops {
					collector.AddBroadcastDrops(dropped - lastBroadcastDrops)
				}
				lastBroadcastDrops = dropped

				packetsIn, packetsOut, bytesIn, bytesOut := mc.TrafficTotals()
				if packetsIn > lastPacketsIn {
					collector.AddPacketsIn(packetsIn - lastPacketsIn)
				}
				lastPacketsIn = packetsIn
				if packetsOut > lastPacketsOut {
					collector.AddPacketsOut(packetsOut - lastPacketsOut)
				}
				lastPacketsOut = packetsOut
				if bytesIn > lastBytesIn {
					collector.AddBytesIn(bytesIn - lastBytesIn)
				}
				lastBytesIn = bytesIn
				if bytesOut > lastBytesOut {
					collector.AddBytesOut(bytesOut - lastBytesOut)
				}
				lastBytesOut = bytesOut

				runs, reclaimed := mc.ReaperRunsTotal(), mc.ReaperReclaimedTotal()
				if runs > lastReaperRuns {
					collector.RecordReaperSweep(runs-lastReaperRuns, reclaimed-lastReaperReclaimed)
				}
				lastReaperRuns, lastReaperReclaimed = runs, reclaimed

				if mc.Pool != nil {
					logger.Debug("pool state", slog.Int("outstanding", mc.Pool.Len()))
				}
			})
		}
	}
}

// runStatusFileLoop periodically snapshots the registry into
// tunnel.StatusRows and writes them to path in the configured version's
// layout, the daemon's counterpart to "list" on the control socket.
func runStatusFileLoop(ctx context.Context, st *daemonState, sw *server.StatusWriter, path string, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Registry may only be read on the loop goroutine.
			rowsCh := make(chan []tunnel.StatusRow, 1)
			st.el.Post(func(mc *tunnel.MultiContext) { rowsCh <- tunnel.StatusRows(mc.Registry) })
			var rows []tunnel.StatusRow
			select {
			case <-ctx.Done():
				return
			case rows = <-rowsCh:
			}
			if err := writeStatusFile(sw, path, rows); err != nil {
				logger.Warn("write status file", slog.String("path", path), slog.String("error", err.Error()))
			}
		}
	}
}

// writeStatusFile renders rows to a temp file and renames it into place,
// so readers of path never observe a partially written snapshot.
func writeStatusFile(sw *server.StatusWriter, path string, rows []tunnel.StatusRow) error {
	tmp, err := os.CreateTemp(os.TempDir(), ".govpnd-status-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp status file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := sw.Write(tmp, rows, time.Now()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("render status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp status file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename status file into place: %w", err)
	}
	return nil
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload
// goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	st *daemonState,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, st, logger)
		return nil
	})
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
// configured interval, and exits immediately if no watchdog is set up.
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
		slog.Duration("watchdog_sec", interval), slog.Duration("keepalive_interval", tickInterval))

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
// SIGHUP Reload — log level + declared peer vaddr pinning
// -------------------------------------------------------------------------

func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	st *daemonState,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, st, logger)
		}
	}
}

// reloadConfig loads a fresh configuration from path, updates the
// dynamic log level, and pins any newly declared peer's virtual address.
// Errors are logged but never stop the daemon — the previous
// configuration remains in effect for anything not explicitly reapplied.
func reloadConfig(configPath string, logLevel *slog.LevelVar, st *daemonState, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)
	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()), slog.String("new_log_level", newLevel.String()))

	admitDeclaredPeers(st, newCfg.Peers, logger)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown raises Term on the core's signal flags, polls until
// the event loop has drained every live instance (or shutdownTimeout
// elapses), stops the flight recorder, and shuts down the metrics
// server.
func gracefulShutdown(ctx context.Context, st *daemonState, logger *slog.Logger, fr *trace.FlightRecorder, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	st.sig.RaiseTerm()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	waitForDrain(shutdownCtx, st, drainPollInterval)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// waitForDrain polls the registry size via Post until it reaches zero or
// ctx expires, since Registry.Len must only be read from the loop
// goroutine.
func waitForDrain(ctx context.Context, st *daemonState, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	drained := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.el.Post(func(mc *tunnel.MultiContext) {
				if mc.Registry.Len() == 0 {
					select {
					case drained <- struct{}{}:
					default:
					}
				}
			})
		case <-drained:
			return
		}
	}
}

// -------------------------------------------------------------------------
// Flight Recorder — Go 1.26 runtime/trace
// -------------------------------------------------------------------------

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge), slog.Uint64("max_bytes", flightRecorderMaxBytes))

	return fr
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
// Config / Logger helpers
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

// normalizeAddr lets a bare ":1194"-style address resolve against the
// wildcard address the way net.ListenTCP/net.ResolveTCPAddr expect.
func normalizeAddr(addr string) string {
	if addr == "" {
		return "0.0.0.0:0"
	}
	if addr[0] == ':' {
		return "0.0.0.0" + addr
	}
	return addr
}

// prefixBits parses a CIDR string and returns its bit length, for
// netio.VIFConfig's separate Prefix field.
func prefixBits(s string) (int, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return 0, fmt.Errorf("parse prefix %q: %w", s, err)
	}
	return p.Bits(), nil
}
