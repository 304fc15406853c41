package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apiteam/test-manager/internal/config"
	"github.com/apiteam/test-manager/internal/cron"
	"github.com/apiteam/test-manager/internal/entity"
	"github.com/apiteam/test-manager/internal/leaderelection"
	"github.com/apiteam/test-manager/internal/metrics"
	"github.com/apiteam/test-manager/internal/relay"
	"github.com/apiteam/test-manager/internal/stats"
	"github.com/apiteam/test-manager/internal/transport/redisbus"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

const startupTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`testmanager - realtime relay between test clients and the execution fleet

Usage:
  testmanager <command>

Commands:
  serve      Start the relay server
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  TEST_MANAGER_CONFIG          Optional YAML file; environment overrides it
  HTTP_ADDR                    HTTP server address (default: ":8080", or ":$PORT")
  BASE_PATH                    Websocket path prefix (default: "/api/test-manager")

  ORCHESTRATOR_REDIS_ADDR      Redis shared with the execution fleet (required)
  ORCHESTRATOR_REDIS_PASSWORD  Password for the orchestrator Redis
  CORE_CACHE_REDIS_ADDR        Core cache Redis (default: orchestrator Redis)
  CORE_CACHE_REDIS_PASSWORD    Password for the core cache Redis
  ENTITY_ENGINE_URL            ws(s) URL of the entity engine (required)

  DISCONNECT_GRACE             Delay before closing after a terminal status (default: "1s")
  MAX_JOB_DURATION             Maximum lifetime of a connection (default: "30m")
  MAX_RUNNING_TESTS            Running tests allowed per workspace, 0 = unlimited (default: 5)
  CONSOLE_MESSAGE_LIMIT        Console messages per job before console output is dropped (default: 100)
  HTTP_SHUTDOWN_TIMEOUT        Graceful HTTP shutdown timeout (default: "10s")

  METRICS_ENABLED              Enable Prometheus metrics (default: "false")
  METRICS_PATH                 Metrics endpoint path (default: "/metrics")
  METRICS_PORT                 Metrics server port (default: "9090")

  STATS_ENABLED                Forward fleet statistics to the core cache (default: "false")
  STATS_SCHEDULE               Forward schedule (default: "@every 10s")
  DATABASE_URL                 PostgreSQL for leader election of the forwarder (optional)
  LEADER_LOCK_KEY              Advisory lock key (default: "728380")
  LEADER_RETRY_INTERVAL        Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL    Leader connection ping interval (default: "2s")`)
}

// logConfigWarnings logs operational risks in an otherwise valid config.
func logConfigWarnings(cfg *config.Config) {
	if cfg.StatsEnabled && cfg.DatabaseURL == "" {
		log.Println("testmanager: WARNING [P0]: STATS_ENABLED=true without DATABASE_URL; " +
			"every instance forwards fleet statistics")
	}
	if cfg.DisconnectGrace >= cfg.MaxJobDuration {
		log.Printf("testmanager: WARNING [P1]: DISCONNECT_GRACE=%s is not below MAX_JOB_DURATION=%s; "+
			"terminal disconnects will be cut short", cfg.DisconnectGrace, cfg.MaxJobDuration)
	}
	if !cfg.MetricsEnabled {
		log.Println("testmanager: WARNING [P1]: METRICS_ENABLED=false; dropped and duplicate messages are not observable")
	}
	if cfg.CoreCacheRedisAddr == cfg.OrchestratorRedisAddr {
		log.Println("testmanager: INFO: CORE_CACHE_REDIS_ADDR not set; core cache shares the orchestrator store")
	}
}

// probeDatabase verifies the leader election database is reachable.
func probeDatabase(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	return db.PingContext(ctx)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	logConfigWarnings(&cfg)

	// Initialize metrics sink (optional)
	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("testmanager: metrics enabled (port=%s, path=%s)", cfg.MetricsPort, cfg.MetricsPath)

		// Start metrics HTTP server on separate port
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			log.Printf("testmanager: metrics server listening on :%s", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("testmanager: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("testmanager: METRICS_ENABLED not set; metrics disabled")
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelStart()

	orchestrator, err := redisbus.Dial(startCtx, cfg.OrchestratorRedisAddr, cfg.OrchestratorRedisPassword,
		"orchestrator", redisbus.WithMetrics(sink))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to orchestrator redis: %v\n", err)
		return exitRuntimeError
	}
	defer orchestrator.Close()

	coreCache, err := redisbus.Dial(startCtx, cfg.CoreCacheRedisAddr, cfg.CoreCacheRedisPassword,
		"core-cache", redisbus.WithMetrics(sink))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to core cache redis: %v\n", err)
		return exitRuntimeError
	}
	defer coreCache.Close()

	srv := relay.NewServer(relay.Config{
		BasePath:        cfg.BasePath,
		DisconnectGrace: cfg.DisconnectGrace,
		MaxJobDuration:  cfg.MaxJobDuration,
		MaxRunningTests: cfg.MaxRunningTests,
		ConsoleLimit:    cfg.ConsoleMessageLimit,
	}, orchestrator, coreCache, relay.EntityDialer{Dialer: entity.NewDialer(cfg.EntityEngineURL)}).
		WithMetrics(sink).
		WithHealthChecker(orchestrator)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv,
	}

	go func() {
		log.Printf("testmanager: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("testmanager: http server error: %v", err)
		}
	}()

	// Statistics forwarder, gated by leader election when a database is configured.
	var statsWg sync.WaitGroup
	var cancelStats context.CancelFunc

	if cfg.StatsEnabled {
		schedule, err := cron.Parse(cfg.StatsSchedule)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid stats schedule: %v\n", err)
			return exitInvalidConfig
		}
		forwarder := stats.New(orchestrator, coreCache, schedule).WithMetrics(sink)

		var statsCtx context.Context
		statsCtx, cancelStats = context.WithCancel(context.Background())
		run := forwarder.Run

		if cfg.DatabaseURL != "" {
			db, err := leaderelection.OpenDB(cfg.DatabaseURL)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				cancelStats()
				return exitRuntimeError
			}
			defer db.Close()
			if err := probeDatabase(db); err != nil {
				fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
				cancelStats()
				return exitRuntimeError
			}
			elector := leaderelection.New(leaderelection.Postgres{DB: db}, cfg.LeaderLockKey,
				cfg.LeaderRetryInterval, cfg.LeaderHeartbeatInterval, forwarder.Run).
				WithMetrics(sink)
			run = elector.Run
			log.Printf("testmanager: stats forwarder gated by leader election (lock_key=%d)", cfg.LeaderLockKey)
		}

		statsWg.Add(1)
		go func() {
			defer statsWg.Done()
			run(statsCtx)
		}()
		log.Printf("testmanager: stats forwarder enabled (schedule=%q)", cfg.StatsSchedule)
	} else {
		log.Println("testmanager: STATS_ENABLED not set; stats forwarder disabled")
	}

	log.Printf("testmanager: started (http=%s, base=%s)", cfg.HTTPAddr, cfg.BasePath)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("testmanager: received signal %v, shutting down", received)

	// Phase 1: Stop the stats forwarder (and release leadership)
	if cancelStats != nil {
		log.Println("testmanager: stopping stats forwarder...")
		cancelStats()
		statsWg.Wait()
		log.Println("testmanager: stats forwarder stopped")
	}

	// Phase 2: Stop accepting connections. Hijacked websockets are not
	// tracked by http.Server, so the relay closes them itself.
	log.Println("testmanager: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("testmanager: http server shutdown error: %v", err)
	}
	log.Println("testmanager: http server stopped")

	// Phase 3: Close open client connections
	log.Println("testmanager: closing relay connections...")
	if err := srv.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("testmanager: relay shutdown error: %v", err)
	}
	log.Println("testmanager: relay connections closed")

	// Phase 4: Stop metrics server if running (with same timeout)
	if metricsServer != nil {
		log.Println("testmanager: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("testmanager: metrics server shutdown error: %v", err)
		}
		log.Println("testmanager: metrics server stopped")
	}

	log.Println("testmanager: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("testmanager version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
