// LiveClass Server - live classroom session sync and performance aggregation.
// Tracks which student tablets are participating in the current session,
// reconciles late reports and maintains rolling per-section rollups.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"maps"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/Masterminds/semver"
	"github.com/kardianos/service"
	"golang.org/x/sync/errgroup"

	"liveclass/common/config"
	"liveclass/common/logger"
	wscommon "liveclass/common/ws"
	"liveclass/server/handlers"
	"liveclass/server/metrics"
	"liveclass/server/performance"
	"liveclass/server/session"
	"liveclass/server/storage"
	"liveclass/server/tenancy"
)

// Version information (set at build time via -ldflags)
var (
	Version         = "dev"     // Semantic version (e.g., "0.1.0")
	BuildTime       = "unknown" // Build timestamp
	GitCommit       = "unknown" // Git commit hash
	BuildType       = "dev"     // "dev" or "release"
	ProtocolVersion = "1"       // Device-server protocol version
)

var serverLogger *logger.Logger

func main() {
	configFlag := flag.String("config", "", "Path to config.toml (default: search platform locations)")
	serviceCmd := flag.String("service", "", "Service command: install, uninstall, start, stop, run")
	generateConfig := flag.Bool("generate-config", false, "Write a default config to --config and exit")
	healthCheck := flag.Bool("health-check", false, "Probe the local /health endpoint and exit")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("LiveClass Server %s (protocol v%s)\n", Version, ProtocolVersion)
		fmt.Printf("Build: %s, Commit: %s, Type: %s\n", BuildTime, GitCommit, BuildType)
		fmt.Printf("Go: %s, OS: %s, Arch: %s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return
	}

	if *generateConfig {
		path := *configFlag
		if path == "" {
			path = "config.toml"
		}
		if err := WriteDefaultConfig(path); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default configuration at %s\n", path)
		return
	}

	if *healthCheck {
		cfg, _, err := LoadConfig(resolveConfigPath(*configFlag))
		if err != nil {
			fmt.Fprintf(os.Stderr, "health check: %v\n", err)
			os.Exit(1)
		}
		if err := handlers.RunHealthCheck(cfg.Server.HTTPPort); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *serviceCmd != "" {
		handleServiceCommand(*serviceCmd, *configFlag)
		return
	}

	if !service.Interactive() {
		runAsService(*configFlag)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runServer(ctx, resolveConfigPath(*configFlag)); err != nil {
		logError("Server exited with error", "error", err)
		os.Exit(1)
	}
}

// resolveConfigPath returns the explicit path or the first config.toml found
// in the platform search locations. An empty result means defaults only.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if path, _, err := config.FindConfigFile("config.toml", "server"); err == nil {
		return path
	}
	return ""
}

// runServer wires every component and serves until ctx is cancelled.
func runServer(ctx context.Context, configPath string) error {
	processStart := time.Now()

	cfg, tracker, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	serverLogger, err = newServerLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer serverLogger.Close()
	storage.SetLogger(serverLogger)

	logInfo("LiveClass server starting", "version", Version, "protocol", ProtocolVersion,
		"commit", GitCommit, "config", configPath)
	for _, key := range slices.Sorted(maps.Keys(tracker.EnvKeys)) {
		logDebug("Config value overridden by environment", "key", key)
	}

	flushTelemetry, err := setupTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := flushTelemetry(flushCtx); err != nil {
			logWarn("Failed to flush traces", "error", err)
		}
	}()

	dbCfg := cfg.Database
	if dbCfg.EffectiveDriver() == "sqlite" && dbCfg.BuildDSN() == "" {
		dataDir, err := config.GetDataDirectory("server", !service.Interactive())
		if err != nil {
			return err
		}
		dbCfg.Path = filepath.Join(dataDir, "liveclass.db")
	}
	store, err := storage.NewStore(&dbCfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	logInfo("Database ready", "driver", dbCfg.EffectiveDriver(), "path", store.Path())

	roster := tenancy.NewInMemoryStore()
	if n, err := tenancy.LoadRosterTOML(cfg.Server.RosterPath, roster); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		logWarn("Roster file not found, no schools loaded", "path", cfg.Server.RosterPath)
	} else {
		logInfo("Roster loaded", "path", cfg.Server.RosterPath, "schools", n)
	}

	counters := metrics.NewCounters()

	agg := performance.New(performance.Options{
		Store:    store,
		Window:   cfg.Engine.RollupWindow,
		Counters: counters,
		Logger:   serverLogger.Named("performance"),
	})
	if err := agg.Load(ctx); err != nil {
		return fmt.Errorf("load rollups: %w", err)
	}

	hub := wscommon.NewHub()
	hub.OnDrop(func(tenantID, id string) {
		counters.Inc(metrics.HubMessagesDropped)
		serverLogger.WarnRateLimited("hub-drop-"+tenantID, time.Minute,
			"Device outbound buffer full, dropping message", "tenant_id", tenantID, "device_id", id)
	})
	defer hub.Stop()

	engine := session.New(session.Options{
		Store:                store,
		Roster:               roster,
		Aggregator:           agg,
		Notifier:             hub,
		Counters:             counters,
		Logger:               serverLogger.Named("session"),
		RetentionGenerations: cfg.Engine.RetentionGenerations,
	})

	var minVersion *semver.Version
	if cfg.Server.MinClientVersion != "" {
		minVersion, err = semver.NewVersion(cfg.Server.MinClientVersion)
		if err != nil {
			return fmt.Errorf("min_client_version: %w", err)
		}
	}
	socket := newDeviceSocket(engine, hub, roster.Exists, minVersion)
	socket.limiter = newHandshakeLimiter(10, 5*time.Minute, 2*time.Minute)
	socket.limiter.Start(time.Minute)
	defer socket.limiter.Stop()

	collector := metrics.NewCollector(store, counters, metrics.CollectorConfig{
		CollectionInterval: time.Duration(cfg.Engine.MetricsIntervalSecs) * time.Second,
		Retention:          time.Duration(cfg.Engine.MetricsRetentionDays) * 24 * time.Hour,
		Logger:             newSlogLogger(serverLogger, "metrics"),
	})
	collector.AddGauge(func() map[string]int64 {
		return map[string]int64{"connected_devices": int64(socket.ConnectionCount())}
	})
	collector.Start()
	defer collector.Stop()

	sweeper := session.NewSweeper(engine, schoolIDs(roster), session.SweeperConfig{
		Interval:    time.Duration(cfg.Engine.SweepIntervalSecs) * time.Second,
		Threshold:   time.Duration(cfg.Engine.StaleThresholdSecs) * time.Second,
		Concurrency: cfg.Engine.SweepConcurrency,
		Logger:      newSlogLogger(serverLogger, "sweeper"),
	})
	sweeper.Start()
	defer sweeper.Stop()

	mux := http.NewServeMux()
	handlers.NewHealthAPI(handlers.HealthAPIOptions{
		Version:         Version,
		BuildTime:       BuildTime,
		GitCommit:       GitCommit,
		BuildType:       BuildType,
		ProtocolVersion: ProtocolVersion,
		ProcessStart:    processStart,
		Pinger:          store.Ping,
		Connections:     socket.ConnectionCount,
	}).RegisterRoutes(mux)
	handlers.NewSessionAPI(handlers.SessionAPIOptions{
		Engine:       engine,
		Rollups:      agg,
		Metrics:      collector,
		TenantExists: roster.Exists,
		Retry:        retryPolicy(cfg.Engine),
		Logger:       serverLogger.Named("api"),
	}).RegisterRoutes(mux)
	socket.RegisterRoutes(mux)

	addr := net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.HTTPPort))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(logBridgeWriter{level: logger.WARN}, "", 0),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logInfo("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logInfo("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeoutSecs)*time.Second)
		defer cancel()
		// Hijacked device sockets are not tracked by Shutdown; stopping the
		// hub closes their writers.
		hub.Stop()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logInfo("LiveClass server stopped")
	return err
}

func newServerLogger(cfg config.LoggingConfig) (*logger.Logger, error) {
	logDir := cfg.Dir
	if logDir == "" {
		dir, err := config.GetLogDirectory("server", !service.Interactive())
		if err != nil {
			return nil, err
		}
		logDir = dir
	}
	l := logger.New(logger.ParseLevel(cfg.Level), logDir, 1000)
	l.SetConsoleOutput(cfg.Console)
	return l, nil
}

// schoolIDs lists tenants for the sweeper from the roster at call time.
func schoolIDs(roster *tenancy.InMemoryStore) func() []string {
	return func() []string {
		schools := roster.ListSchools()
		ids := make([]string, 0, len(schools))
		for _, s := range schools {
			ids = append(ids, s.ID)
		}
		return ids
	}
}

func retryPolicy(cfg EngineConfig) handlers.RetryPolicy {
	p := handlers.DefaultRetryPolicy()
	if cfg.RetryMaxAttempts > 0 {
		p.MaxRetries = uint64(cfg.RetryMaxAttempts)
	}
	if cfg.RetryAfterSecs > 0 {
		p.RetryAfter = time.Duration(cfg.RetryAfterSecs) * time.Second
	}
	return p
}
