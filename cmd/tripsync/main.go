package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/tripsync/internal/audit"
	"github.com/basket/tripsync/internal/bus"
	"github.com/basket/tripsync/internal/config"
	"github.com/basket/tripsync/internal/connectivity"
	"github.com/basket/tripsync/internal/janitor"
	otelPkg "github.com/basket/tripsync/internal/otel"
	"github.com/basket/tripsync/internal/persistence"
	"github.com/basket/tripsync/internal/remote"
	"github.com/basket/tripsync/internal/syncer"
	"github.com/basket/tripsync/internal/telemetry"
	"github.com/basket/tripsync/internal/validate"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s                          Run the sync daemon in the foreground
  %s -daemon                  Same, explicit

SUBCOMMANDS:
  %s sync                     Run one drain cycle and exit
  %s status [-json]           Show queue census and sync checkpoints
  %s purge                    Run the retention pass (expired cache, failed cap)
  %s doctor [-json]           Run diagnostic checks
  %s mode <live|demo|offline-fixture>
                              Switch the configured mode
  %s feature <name> <on|off|default>
                              Override a feature gate

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TRIPSYNC_HOME           Data directory (default: ~/.tripsync)
  TRIPSYNC_MODE           Override the configured mode
  TRIPSYNC_REMOTE_URL     Sync API base URL (live mode)
  TRIPSYNC_API_KEY        Sync API key (live mode)

EXAMPLES:
  Run the daemon:         %s
  Force a drain now:      %s sync
  Inspect the queue:      %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	// -daemon is accepted for parity with service wrappers; the daemon loop is
	// already the default when no subcommand is given.
	_ = flag.Bool("daemon", false, "run the sync daemon in the foreground")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "sync":
			os.Exit(runSyncCommand(ctx, args[1:]))
		case "status", "stats":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "purge":
			os.Exit(runPurgeCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "mode":
			os.Exit(runModeCommand(args[1:]))
		case "feature":
			os.Exit(runFeatureCommand(args[1:]))
		case "daemon":
			// Fall through to the daemon loop below.
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx))
}

func runDaemon(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(nil, "E_CONFIG_RELOAD", err)
		}
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "mode", cfg.Mode)

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(cfg.DBPath, eventBus, persistence.Options{
		MaxAttempts:     cfg.Sync.MaxAttempts,
		CacheWindowDays: cfg.Cache.WindowDays,
		FailedKeep:      cfg.Cache.FailedKeep,
	})
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	registry, err := buildRegistry(&cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_BACKEND_INIT", err)
	}

	driver := syncer.New(store, registry, eventBus, logger, otelProvider.Tracer, metrics, syncer.Options{
		Interval:        cfg.SyncInterval(),
		BatchSize:       cfg.Sync.BatchSize,
		Concurrency:     cfg.Sync.Concurrency,
		DispatchTimeout: cfg.DispatchTimeout(),
	})
	schemaValidator, err := validate.New()
	if err != nil {
		fatalStartup(logger, "E_SCHEMA_COMPILE", err)
	}
	driver.SetValidator(schemaValidator)
	if err := driver.Start(ctx); err != nil {
		fatalStartup(logger, "E_SYNCER_START", err)
	}
	defer driver.Stop()

	jan, err := janitor.New(janitor.Config{
		Store:    store,
		Schedule: cfg.Janitor.Schedule,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_JANITOR_INIT", err)
	}
	jan.RunOnce(ctx)
	jan.Start(ctx)
	defer jan.Stop()

	prober := connectivity.New(eventBus, logger, connectivity.Options{
		ProbeURL: cfg.Connectivity.ProbeURL,
		Interval: cfg.ProbeInterval(),
	})
	prober.Start(ctx)
	defer prober.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				logger.Info("config changed on disk, scheduling drain; tuning applies on restart")
				driver.Trigger(syncer.TriggerManual)
			}
		}()
	}

	logger.Info("tripsync daemon running", "version", Version, "mode", cfg.Mode,
		"interval", cfg.SyncInterval().String())

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return 0
}

// buildRegistry wires the dispatch routes for the configured mode. Live mode
// talks to the sync API; demo and offline-fixture modes run against an
// in-memory backend seeded from fixtures.yaml.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*remote.Registry, error) {
	registry := remote.NewRegistry()
	entityTypes := []string{
		string(persistence.EntityMessage),
		string(persistence.EntityTask),
		string(persistence.EntityEvent),
	}

	if cfg.Mode == config.ModeLive {
		backend := remote.NewHTTPBackend(cfg.Remote.BaseURL, cfg.Remote.APIKey, nil)
		backend.RegisterAll(registry, entityTypes...)
		logger.Info("remote backend configured", "base_url", cfg.Remote.BaseURL)
		return registry, nil
	}

	fixture := remote.NewFixture()
	seeded, err := seedFixture(fixture, config.FixturesPath(cfg.HomeDir))
	if err != nil {
		return nil, fmt.Errorf("seed fixtures: %w", err)
	}
	fixture.RegisterAll(registry, entityTypes...)
	logger.Info("fixture backend configured", "mode", cfg.Mode, "seeded", seeded)
	return registry, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"sync","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// quietLogs reports whether CLI subcommands should keep logs file-only so the
// printed report stays clean on a terminal.
func quietLogs() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
