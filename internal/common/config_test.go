package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	if config.Server.Port != 8085 {
		t.Errorf("Expected default port 8085, got %d", config.Server.Port)
	}
	if config.JobsAPI.BaseURL == "" {
		t.Error("Expected default jobs API base URL")
	}
	if config.Tracker.GetStuckAfter() != 2*time.Minute {
		t.Errorf("Expected default stuck threshold 2m, got %v", config.Tracker.GetStuckAfter())
	}
	if config.Tracker.GetWarnAfter() != 5*time.Minute {
		t.Errorf("Expected default warn threshold 5m, got %v", config.Tracker.GetWarnAfter())
	}
	if config.Sweep.GetRetention() != 72*time.Hour {
		t.Errorf("Expected default retention 72h, got %v", config.Sweep.GetRetention())
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Default config must validate: %v", err)
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, "custos.toml", `
environment = "production"

[server]
port = 9000

[jobs_api]
base_url = "http://backend:8080"
timeout = "10s"

[tracker]
stuck_after = "90s"

[tracker.poll_intervals]
crawl = "5s"
`)

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if !config.IsProduction() {
		t.Error("Expected production environment")
	}
	if config.Server.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", config.Server.Port)
	}
	if config.JobsAPI.BaseURL != "http://backend:8080" {
		t.Errorf("Unexpected base URL %q", config.JobsAPI.BaseURL)
	}
	if config.JobsAPI.GetTimeout() != 10*time.Second {
		t.Errorf("Expected 10s timeout, got %v", config.JobsAPI.GetTimeout())
	}
	if config.Tracker.GetStuckAfter() != 90*time.Second {
		t.Errorf("Expected 90s stuck threshold, got %v", config.Tracker.GetStuckAfter())
	}

	intervals := config.Tracker.GetPollIntervals()
	if intervals["crawl"] != 5*time.Second {
		t.Errorf("Expected crawl interval 5s, got %v", intervals["crawl"])
	}
	// unset types keep the default from NewDefaultConfig
	if intervals["extraction"] != 2*time.Second {
		t.Errorf("Expected extraction interval 2s, got %v", intervals["extraction"])
	}
}

func TestLoadFromFilesLaterFileWins(t *testing.T) {
	base := writeConfigFile(t, "base.toml", `
[server]
port = 9000
host = "base-host"
`)
	override := writeConfigFile(t, "override.toml", `
[server]
port = 9100
`)

	config, err := LoadFromFiles(base, override)
	if err != nil {
		t.Fatalf("LoadFromFiles failed: %v", err)
	}

	if config.Server.Port != 9100 {
		t.Errorf("Expected override port 9100, got %d", config.Server.Port)
	}
	if config.Server.Host != "base-host" {
		t.Errorf("Expected base host preserved, got %q", config.Server.Host)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CUSTOS_SERVER_PORT", "9300")
	t.Setenv("CUSTOS_JOBS_API_BASE_URL", "http://env-backend:8080")
	t.Setenv("CUSTOS_TRACKER_STUCK_AFTER", "3m")
	t.Setenv("CUSTOS_HISTORY_ENABLED", "false")

	config, err := LoadFromFiles()
	if err != nil {
		t.Fatalf("LoadFromFiles failed: %v", err)
	}

	if config.Server.Port != 9300 {
		t.Errorf("Expected env port 9300, got %d", config.Server.Port)
	}
	if config.JobsAPI.BaseURL != "http://env-backend:8080" {
		t.Errorf("Unexpected base URL %q", config.JobsAPI.BaseURL)
	}
	if config.Tracker.GetStuckAfter() != 3*time.Minute {
		t.Errorf("Expected 3m stuck threshold, got %v", config.Tracker.GetStuckAfter())
	}
	if config.History.Enabled {
		t.Error("Expected history disabled via env")
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	config := NewDefaultConfig()

	ApplyFlagOverrides(config, 9500, "flag-host")
	if config.Server.Port != 9500 || config.Server.Host != "flag-host" {
		t.Errorf("Flag overrides not applied: %d %q", config.Server.Port, config.Server.Host)
	}

	// zero values leave config untouched
	ApplyFlagOverrides(config, 0, "")
	if config.Server.Port != 9500 || config.Server.Host != "flag-host" {
		t.Error("Zero flags must not override")
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base url", func(c *Config) { c.JobsAPI.BaseURL = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 99999 }},
		{"bad poll interval", func(c *Config) { c.Tracker.PollIntervals = map[string]string{"crawl": "soon"} }},
		{"bad sweep schedule", func(c *Config) { c.Sweep.DiscoverySchedule = "not-cron" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)
			if err := config.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestValidateSweepSchedule(t *testing.T) {
	if err := ValidateSweepSchedule("*/5 * * * *"); err != nil {
		t.Errorf("Expected valid schedule, got: %v", err)
	}
	if err := ValidateSweepSchedule("61 * * * *"); err == nil {
		t.Error("Expected error for out-of-range minute")
	}
}

func TestParseDurationFallbacks(t *testing.T) {
	cfg := TrackerConfig{FetchTimeout: "garbage", GraceWindow: ""}
	if cfg.GetFetchTimeout() != 30*time.Second {
		t.Errorf("Expected fallback fetch timeout, got %v", cfg.GetFetchTimeout())
	}
	if cfg.GetGraceWindow() != 5*time.Second {
		t.Errorf("Expected fallback grace window, got %v", cfg.GetGraceWindow())
	}
}
