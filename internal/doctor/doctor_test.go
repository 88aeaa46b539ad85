package doctor

import (
	"context"
	"testing"

	"github.com/basket/tripsync/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("TRIPSYNC_HOME", t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.NeedsGenesis = false
	cfg.Mode = config.ModeDemo
	return &cfg
}

func TestRunCoversAllChecks(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "test")

	if len(d.Results) != 6 {
		t.Fatalf("expected 6 check results, got %d", len(d.Results))
	}
	if d.System.OS == "" || d.System.Go == "" {
		t.Fatalf("expected system info to be populated: %+v", d.System)
	}
	for _, r := range d.Results {
		if r.Name == "" || r.Status == "" {
			t.Fatalf("check result missing name or status: %+v", r)
		}
	}
}

func TestCheckConfig(t *testing.T) {
	if got := checkConfig(context.Background(), nil); got.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", got.Status)
	}

	cfg := testConfig(t)
	cfg.NeedsGenesis = true
	if got := checkConfig(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("expected WARN for genesis config, got %s", got.Status)
	}

	cfg.NeedsGenesis = false
	if got := checkConfig(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS, got %s", got.Status)
	}
}

func TestCheckDatabaseOpensAndQueries(t *testing.T) {
	cfg := testConfig(t)
	got := checkDatabase(context.Background(), cfg)
	if got.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", got.Status, got.Message)
	}
}

func TestCheckQueueEmptyDatabase(t *testing.T) {
	cfg := testConfig(t)
	got := checkQueue(context.Background(), cfg)
	if got.Status != "PASS" {
		t.Fatalf("expected PASS on empty queue, got %s: %s", got.Status, got.Message)
	}
}

func TestCheckFixtures(t *testing.T) {
	cfg := testConfig(t)

	cfg.Mode = config.ModeLive
	if got := checkFixtures(context.Background(), cfg); got.Status != "SKIP" {
		t.Fatalf("expected SKIP in live mode, got %s", got.Status)
	}

	cfg.Mode = config.ModeOfflineFixture
	if got := checkFixtures(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("expected WARN without fixture file, got %s", got.Status)
	}
}

func TestCheckRemote(t *testing.T) {
	if got := checkRemote(context.Background(), nil); got.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", got.Status)
	}

	cfg := testConfig(t)
	cfg.Mode = config.ModeDemo
	if got := checkRemote(context.Background(), cfg); got.Status != "SKIP" {
		t.Fatalf("expected SKIP in demo mode, got %s", got.Status)
	}

	cfg.Mode = config.ModeLive
	cfg.Remote.BaseURL = ""
	if got := checkRemote(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("expected FAIL without base_url, got %s", got.Status)
	}

	cfg.Remote.BaseURL = "://not-a-url"
	if got := checkRemote(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("expected FAIL for invalid base_url, got %s", got.Status)
	}
}

func TestCheckRemoteCanceledContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = config.ModeLive
	cfg.Remote.BaseURL = "https://sync.example.com/api"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := checkRemote(ctx, cfg)
	if got.Status != "FAIL" {
		t.Fatalf("expected FAIL for canceled context, got %s", got.Status)
	}
}
