package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Logging     LoggingConfig   `toml:"logging"`
	JobsAPI     JobsAPIConfig   `toml:"jobs_api"`
	Tracker     TrackerConfig   `toml:"tracker"`
	Storage     StorageConfig   `toml:"storage"`
	History     HistoryConfig   `toml:"history"`
	Sweep       SweepConfig     `toml:"sweep"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gte=0,lte=65535"`
	Host string `toml:"host"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// JobsAPIConfig configures the connection to the backend job system
type JobsAPIConfig struct {
	BaseURL           string  `toml:"base_url" validate:"required,url"`
	Timeout           string  `toml:"timeout"`             // e.g. "30s" - per-request timeout
	RequestsPerSecond float64 `toml:"requests_per_second"` // Outbound rate cap, 0 disables
	Burst             int     `toml:"burst"`               // Rate limiter burst size
}

// GetTimeout returns the request timeout as a duration
func (c JobsAPIConfig) GetTimeout() time.Duration {
	return parseDurationOr(c.Timeout, 30*time.Second)
}

// TrackerConfig tunes the polling engine. Intervals and thresholds are
// duration strings keyed by job type name where per-type.
type TrackerConfig struct {
	PollIntervals map[string]string `toml:"poll_intervals"` // e.g. {crawl = "3s", sync = "5s"}
	FetchTimeout  string            `toml:"fetch_timeout"`  // Per-fetch timeout (default: "30s")
	GraceWindow   string            `toml:"grace_window"`   // Terminal job display window (default: "5s")
	StuckAfter    string            `toml:"stuck_after"`    // Idle time before stuck (default: "2m")
	WarnAfter     string            `toml:"warn_after"`     // Idle time before warn (default: "5m")
}

// GetPollIntervals returns the per-type poll intervals keyed by job type name.
// Invalid or missing entries fall back to the engine default.
func (c TrackerConfig) GetPollIntervals() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.PollIntervals))
	for name, raw := range c.PollIntervals {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			out[name] = d
		}
	}
	return out
}

func (c TrackerConfig) GetFetchTimeout() time.Duration {
	return parseDurationOr(c.FetchTimeout, 30*time.Second)
}

func (c TrackerConfig) GetGraceWindow() time.Duration {
	return parseDurationOr(c.GraceWindow, 5*time.Second)
}

func (c TrackerConfig) GetStuckAfter() time.Duration {
	return parseDurationOr(c.StuckAfter, 2*time.Minute)
}

func (c TrackerConfig) GetWarnAfter() time.Duration {
	return parseDurationOr(c.WarnAfter, 5*time.Minute)
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// HistoryConfig toggles the terminal-job history archive
type HistoryConfig struct {
	Enabled bool `toml:"enabled"`
}

// SweepConfig configures the background discovery, stuck-scan and prune
// sweeps. Schedules are standard 5-field cron expressions.
type SweepConfig struct {
	Enabled           bool   `toml:"enabled"`
	DiscoverySchedule string `toml:"discovery_schedule"` // default: every minute
	StuckScanSchedule string `toml:"stuck_scan_schedule"`
	PruneSchedule     string `toml:"prune_schedule"` // default: hourly
	RetentionHours    int    `toml:"retention_hours" validate:"gte=0"`
}

// GetRetention returns how long archived jobs are kept
func (c SweepConfig) GetRetention() time.Duration {
	if c.RetentionHours <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(c.RetentionHours) * time.Hour
}

// WebSocketConfig contains configuration for WebSocket event streaming
type WebSocketConfig struct {
	// Whitelist of event types to broadcast. Empty list allows all events.
	AllowedEvents []string `toml:"allowed_events"`
	// Throttle intervals for high-frequency events, event type -> duration string.
	// Example: {job_status_change = "1s"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

// GetThrottleInterval returns the throttle window for an event type, zero if
// the event is not throttled
func (c WebSocketConfig) GetThrottleInterval(eventType string) time.Duration {
	if raw, ok := c.ThrottleIntervals[eventType]; ok {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return 0
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in custos.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		JobsAPI: JobsAPIConfig{
			BaseURL:           "http://localhost:8080",
			Timeout:           "30s",
			RequestsPerSecond: 20, // room for ~10 jobs polling at 2s cadence
			Burst:             5,
		},
		Tracker: TrackerConfig{
			PollIntervals: map[string]string{
				"extraction":  "2s",
				"crawl":       "3s",
				"sync":        "2s",
				"maintenance": "5s",
			},
			FetchTimeout: "30s",
			GraceWindow:  "5s",
			StuckAfter:   "2m",
			WarnAfter:    "5m",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		History: HistoryConfig{
			Enabled: true,
		},
		Sweep: SweepConfig{
			Enabled:           true,
			DiscoverySchedule: "*/1 * * * *",
			StuckScanSchedule: "*/1 * * * *",
			PruneSchedule:     "0 * * * *",
			RetentionHours:    72,
		},
		WebSocket: WebSocketConfig{
			AllowedEvents: []string{},
			ThrottleIntervals: map[string]string{
				"job_status_change": "1s", // progress updates flood during large crawls
			},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files, later files
// overriding earlier ones. Priority: CLI flags > env > last file > ... >
// first file > defaults.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration using go-playground/validator tags plus
// cross-field rules the tags cannot express
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for name, raw := range c.Tracker.PollIntervals {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid tracker poll interval for %s: %w", name, err)
		}
	}

	if c.Sweep.Enabled {
		for _, schedule := range []string{c.Sweep.DiscoverySchedule, c.Sweep.StuckScanSchedule, c.Sweep.PruneSchedule} {
			if schedule == "" {
				continue
			}
			if err := ValidateSweepSchedule(schedule); err != nil {
				return err
			}
		}
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: CUSTOS_ENV, fallback: GO_ENV)
	if env := os.Getenv("CUSTOS_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("CUSTOS_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("CUSTOS_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Logging configuration
	if level := os.Getenv("CUSTOS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("CUSTOS_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("CUSTOS_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Jobs API configuration
	if baseURL := os.Getenv("CUSTOS_JOBS_API_BASE_URL"); baseURL != "" {
		config.JobsAPI.BaseURL = baseURL
	}
	if timeout := os.Getenv("CUSTOS_JOBS_API_TIMEOUT"); timeout != "" {
		if _, err := time.ParseDuration(timeout); err == nil {
			config.JobsAPI.Timeout = timeout
		}
	}
	if rps := os.Getenv("CUSTOS_JOBS_API_REQUESTS_PER_SECOND"); rps != "" {
		if v, err := strconv.ParseFloat(rps, 64); err == nil {
			config.JobsAPI.RequestsPerSecond = v
		}
	}

	// Tracker configuration
	if timeout := os.Getenv("CUSTOS_TRACKER_FETCH_TIMEOUT"); timeout != "" {
		if _, err := time.ParseDuration(timeout); err == nil {
			config.Tracker.FetchTimeout = timeout
		}
	}
	if grace := os.Getenv("CUSTOS_TRACKER_GRACE_WINDOW"); grace != "" {
		if _, err := time.ParseDuration(grace); err == nil {
			config.Tracker.GraceWindow = grace
		}
	}
	if stuckAfter := os.Getenv("CUSTOS_TRACKER_STUCK_AFTER"); stuckAfter != "" {
		if _, err := time.ParseDuration(stuckAfter); err == nil {
			config.Tracker.StuckAfter = stuckAfter
		}
	}
	if warnAfter := os.Getenv("CUSTOS_TRACKER_WARN_AFTER"); warnAfter != "" {
		if _, err := time.ParseDuration(warnAfter); err == nil {
			config.Tracker.WarnAfter = warnAfter
		}
	}

	// Storage configuration
	if badgerPath := os.Getenv("CUSTOS_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if reset := os.Getenv("CUSTOS_BADGER_RESET_ON_STARTUP"); reset != "" {
		if r, err := strconv.ParseBool(reset); err == nil {
			config.Storage.Badger.ResetOnStartup = r
		}
	}

	// History configuration
	if enabled := os.Getenv("CUSTOS_HISTORY_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.History.Enabled = e
		}
	}

	// Sweep configuration
	if enabled := os.Getenv("CUSTOS_SWEEP_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Sweep.Enabled = e
		}
	}
	if retention := os.Getenv("CUSTOS_SWEEP_RETENTION_HOURS"); retention != "" {
		if h, err := strconv.Atoi(retention); err == nil {
			config.Sweep.RetentionHours = h
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ValidateSweepSchedule validates a standard 5-field cron expression
func ValidateSweepSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}
	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
