// Package config loads and validates TripSync configuration from
// <home>/config.yaml, with environment overrides on top.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/tripsync/internal/otel"
)

// Mode selects where dispatched mutations go.
const (
	// ModeLive dispatches against the real backend.
	ModeLive = "live"
	// ModeDemo dispatches against an in-memory fixture seeded with demo data.
	ModeDemo = "demo"
	// ModeOfflineFixture dispatches against a fixture seeded from
	// <home>/fixtures.yaml. Used for development without a backend.
	ModeOfflineFixture = "offline-fixture"
)

// SyncConfig tunes the drain cycle.
type SyncConfig struct {
	IntervalSeconds        int `yaml:"interval_seconds"`
	BatchSize              int `yaml:"batch_size"`
	Concurrency            int `yaml:"concurrency"`
	DispatchTimeoutSeconds int `yaml:"dispatch_timeout_seconds"`
	MaxAttempts            int `yaml:"max_attempts"`
}

// CacheConfig tunes the local snapshot cache.
type CacheConfig struct {
	WindowDays int `yaml:"window_days"`
	FailedKeep int `yaml:"failed_keep"`
}

// RemoteConfig points at the backend.
type RemoteConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// ConnectivityConfig tunes the reachability probe.
type ConnectivityConfig struct {
	ProbeURL        string `yaml:"probe_url"`
	IntervalSeconds int    `yaml:"interval_seconds"`
}

// JanitorConfig tunes background maintenance.
type JanitorConfig struct {
	// Schedule is a cron expression for the purge pass.
	Schedule string `yaml:"schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	Mode     string `yaml:"mode"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`
	ClientID string `yaml:"client_id"`

	Sync         SyncConfig         `yaml:"sync"`
	Cache        CacheConfig        `yaml:"cache"`
	Remote       RemoteConfig       `yaml:"remote"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Janitor      JanitorConfig      `yaml:"janitor"`
	OTel         otel.Config        `yaml:"otel"`

	// Features holds per-feature overrides: "on", "off", or "default".
	Features map[string]string `yaml:"features"`

	// NeedsGenesis is set when no config.yaml existed yet.
	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// FixturesPath returns the path to the offline-fixture seed file.
func FixturesPath(homeDir string) string {
	return filepath.Join(homeDir, "fixtures.yaml")
}

func defaultConfig() Config {
	return Config{
		Mode:     ModeLive,
		LogLevel: "info",
		Sync: SyncConfig{
			IntervalSeconds:        300,
			BatchSize:              25,
			Concurrency:            4,
			DispatchTimeoutSeconds: 30,
			MaxAttempts:            3,
		},
		Cache: CacheConfig{
			WindowDays: 30,
			FailedKeep: 100,
		},
		Connectivity: ConnectivityConfig{
			IntervalSeconds: 60,
		},
		Janitor: JanitorConfig{
			Schedule: "@hourly",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TRIPSYNC_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tripsync")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create tripsync home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModeLive
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "tripsync.db")
	}
	if cfg.Sync.IntervalSeconds < 0 {
		cfg.Sync.IntervalSeconds = 0
	}
	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = 25
	}
	if cfg.Sync.Concurrency <= 0 {
		cfg.Sync.Concurrency = 4
	}
	if cfg.Sync.DispatchTimeoutSeconds <= 0 {
		cfg.Sync.DispatchTimeoutSeconds = 30
	}
	if cfg.Sync.MaxAttempts <= 0 {
		cfg.Sync.MaxAttempts = 3
	}
	if cfg.Cache.WindowDays <= 0 {
		cfg.Cache.WindowDays = 30
	}
	if cfg.Cache.FailedKeep <= 0 {
		cfg.Cache.FailedKeep = 100
	}
	if cfg.Connectivity.IntervalSeconds <= 0 {
		cfg.Connectivity.IntervalSeconds = 60
	}
	if cfg.Janitor.Schedule == "" {
		cfg.Janitor.Schedule = "@hourly"
	}
}

func validate(cfg *Config) error {
	switch cfg.Mode {
	case ModeLive, ModeDemo, ModeOfflineFixture:
	default:
		return fmt.Errorf("unknown mode %q (supported: %s, %s, %s)", cfg.Mode, ModeLive, ModeDemo, ModeOfflineFixture)
	}
	if cfg.Mode == ModeLive && cfg.Remote.BaseURL == "" && !cfg.NeedsGenesis {
		return fmt.Errorf("mode %q requires remote.base_url", ModeLive)
	}
	for feature, state := range cfg.Features {
		switch state {
		case "on", "off", "default":
		default:
			return fmt.Errorf("feature %q has unknown state %q (supported: on, off, default)", feature, state)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TRIPSYNC_MODE"); raw != "" {
		cfg.Mode = raw
	}
	if raw := os.Getenv("TRIPSYNC_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TRIPSYNC_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TRIPSYNC_REMOTE_URL"); raw != "" {
		cfg.Remote.BaseURL = raw
	}
	if raw := os.Getenv("TRIPSYNC_API_KEY"); raw != "" {
		cfg.Remote.APIKey = raw
	}
	if raw := os.Getenv("TRIPSYNC_CLIENT_ID"); raw != "" {
		cfg.ClientID = raw
	}
	if raw := os.Getenv("TRIPSYNC_SYNC_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sync.IntervalSeconds = v
		}
	}
	if raw := os.Getenv("TRIPSYNC_SYNC_BATCH_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sync.BatchSize = v
		}
	}
	if raw := os.Getenv("TRIPSYNC_SYNC_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sync.MaxAttempts = v
		}
	}
	if raw := os.Getenv("TRIPSYNC_CACHE_WINDOW_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Cache.WindowDays = v
		}
	}
	if raw := os.Getenv("TRIPSYNC_PROBE_URL"); raw != "" {
		cfg.Connectivity.ProbeURL = raw
	}
}

// SyncInterval returns the timer interval as a duration. 0 disables the timer.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// DispatchTimeout returns the per-dispatch timeout as a duration.
func (c Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Sync.DispatchTimeoutSeconds) * time.Second
}

// ProbeInterval returns the connectivity probe interval as a duration.
func (c Config) ProbeInterval() time.Duration {
	return time.Duration(c.Connectivity.IntervalSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "mode=%s|log=%s|db=%s|interval=%d|batch=%d|conc=%d|attempts=%d|window=%d|remote=%s",
		c.Mode, c.LogLevel, c.DBPath, c.Sync.IntervalSeconds, c.Sync.BatchSize,
		c.Sync.Concurrency, c.Sync.MaxAttempts, c.Cache.WindowDays, c.Remote.BaseURL)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// WriteDefault writes a config.yaml with the default settings. Used on first
// run, when no config exists yet. Defaults to demo mode so the daemon works
// without a remote endpoint.
func WriteDefault(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	cfg := defaultConfig()
	cfg.Mode = ModeDemo
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(ConfigPath(homeDir), data, 0o644)
}

// SetMode updates the mode in config.yaml, preserving other settings.
func SetMode(homeDir, mode string) error {
	switch mode {
	case ModeLive, ModeDemo, ModeOfflineFixture:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["mode"] = mode
	return saveRawConfig(configPath, raw)
}

// SetFeature updates a single feature override in config.yaml.
func SetFeature(homeDir, feature, state string) error {
	switch state {
	case "on", "off", "default":
	default:
		return fmt.Errorf("unknown feature state %q", state)
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	features, _ := raw["features"].(map[string]interface{})
	if features == nil {
		features = make(map[string]interface{})
	}
	features[feature] = state
	raw["features"] = features
	return saveRawConfig(configPath, raw)
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
