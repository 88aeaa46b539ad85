package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/tripsync/internal/config"
	"github.com/basket/tripsync/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkQueue,
		checkFixtures,
		checkRemote,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (needs genesis)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s (mode=%s)", cfg.HomeDir, cfg.Mode)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath, nil, persistence.Options{
		MaxAttempts:     cfg.Sync.MaxAttempts,
		CacheWindowDays: cfg.Cache.WindowDays,
		FailedKeep:      cfg.Cache.FailedKeep,
	})
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	n, err := store.CacheCount(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s, cached_entities=%d", cfg.DBPath, n),
	}
}

func checkQueue(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Queue", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath, nil, persistence.Options{
		MaxAttempts:     cfg.Sync.MaxAttempts,
		CacheWindowDays: cfg.Cache.WindowDays,
		FailedKeep:      cfg.Cache.FailedKeep,
	})
	if err != nil {
		return CheckResult{Name: "Queue", Status: "SKIP", Message: fmt.Sprintf("Database unavailable: %v", err)}
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		return CheckResult{Name: "Queue", Status: "FAIL", Message: fmt.Sprintf("Census failed: %v", err)}
	}

	status := "PASS"
	msg := fmt.Sprintf("%d pending, %d syncing, %d failed", stats.Pending, stats.Syncing, stats.Failed)
	if stats.Failed > 0 {
		status = "WARN"
		msg += " (failed mutations need attention)"
	}
	if stats.Syncing > 0 {
		// Syncing rows outside a running drain mean a previous process died
		// mid-cycle; the next startup reclaims them.
		status = "WARN"
		msg += " (in-flight rows will be reclaimed on next start)"
	}

	return CheckResult{Name: "Queue", Status: status, Message: msg}
}

func checkFixtures(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Fixtures", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Mode == config.ModeLive {
		return CheckResult{Name: "Fixtures", Status: "SKIP", Message: "Not used in live mode"}
	}

	path := config.FixturesPath(cfg.HomeDir)
	info, err := os.Stat(path)
	if err != nil {
		return CheckResult{
			Name:    "Fixtures",
			Status:  "WARN",
			Message: fmt.Sprintf("Fixture file missing: %s", path),
			Detail:  "Demo and offline-fixture modes start with an empty backend without it",
		}
	}

	return CheckResult{Name: "Fixtures", Status: "PASS", Message: fmt.Sprintf("Found %s (%d bytes)", path, info.Size())}
}

func checkRemote(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Remote", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Mode != config.ModeLive {
		return CheckResult{Name: "Remote", Status: "SKIP", Message: fmt.Sprintf("Mode %s uses a local backend", cfg.Mode)}
	}
	if cfg.Remote.BaseURL == "" {
		return CheckResult{Name: "Remote", Status: "FAIL", Message: "remote.base_url not configured"}
	}

	u, err := url.Parse(cfg.Remote.BaseURL)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "Remote", Status: "FAIL", Message: fmt.Sprintf("remote.base_url invalid: %s", cfg.Remote.BaseURL)}
	}
	host := u.Hostname()

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Remote",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Remote",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
