package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggerConfig controls structured logging output.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig controls OpenTelemetry tracing.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LifecycleConfig holds the procedural timing rules.
type LifecycleConfig struct {
	ResponseDays      int `yaml:"response_days"`       // respondent invitation window
	EvidenceDays      int `yaml:"evidence_days"`       // evidence window after agreement
	RebuttalGapDays   int `yaml:"rebuttal_gap_days"`   // fixed gap after the evidence deadline
	ReferenceAttempts int `yaml:"reference_attempts"`  // bounded retry on reference collision
	MinReasonLength   int `yaml:"min_reason_length"`   // free-text reason floor for extensions/closure
}

// ExtensionsConfig caps the extension privilege.
type ExtensionsConfig struct {
	MaxPerDeadline    int `yaml:"max_per_deadline"`
	MaxDaysPerRequest int `yaml:"max_days_per_request"`
}

// AuditConfig tunes chain verification.
type AuditConfig struct {
	// BrokenThreshold is the mismatch fraction above which a chain is
	// classified broken rather than partial.
	BrokenThreshold float64 `yaml:"broken_threshold"`
}

// SweepConfig drives the deadline sweep.
type SweepConfig struct {
	Schedule            string `yaml:"schedule"`              // cron expression or duration, e.g. "30m"
	ReminderWindowHours []int  `yaml:"reminder_window_hours"` // e.g. [72, 24]
}

// NotifierConfig selects and tunes the delivery adapter.
type NotifierConfig struct {
	Kind          string  `yaml:"kind"` // "slack" or "noop"
	SlackToken    string  `yaml:"slack_token"`
	SlackChannel  string  `yaml:"slack_channel"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// Config is the top-level application configuration.
type Config struct {
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Store      StoreConfig      `yaml:"store"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Extensions ExtensionsConfig `yaml:"extensions"`
	Audit      AuditConfig      `yaml:"audit"`
	Sweep      SweepConfig      `yaml:"sweep"`
	Notifier   NotifierConfig   `yaml:"notifier"`
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Enabled: false, Exporter: "noop"},
		Store:  StoreConfig{Path: "arbiter.db"},
		Lifecycle: LifecycleConfig{
			ResponseDays:      14,
			EvidenceDays:      14,
			RebuttalGapDays:   7,
			ReferenceAttempts: 5,
			MinReasonLength:   10,
		},
		Extensions: ExtensionsConfig{MaxPerDeadline: 1, MaxDaysPerRequest: 7},
		Audit:      AuditConfig{BrokenThreshold: 0.05},
		Sweep: SweepConfig{
			Schedule:            "30m",
			ReminderWindowHours: []int{72, 24},
		},
		Notifier: NotifierConfig{Kind: "noop", RatePerSecond: 5, Burst: 10},
	}
}

// Load reads the YAML file at path over the defaults and validates the result.
// A missing file yields the defaults; environment variables override secrets.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Secrets come from the environment when present.
	if v := os.Getenv("ARBITER_SLACK_TOKEN"); v != "" {
		cfg.Notifier.SlackToken = v
	}
	if v := os.Getenv("ARBITER_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("config: store.path is required")
	}
	if c.Lifecycle.ResponseDays <= 0 || c.Lifecycle.EvidenceDays <= 0 || c.Lifecycle.RebuttalGapDays <= 0 {
		return fmt.Errorf("config: lifecycle windows must be positive")
	}
	if c.Lifecycle.ReferenceAttempts <= 0 {
		return fmt.Errorf("config: lifecycle.reference_attempts must be positive")
	}
	if c.Extensions.MaxPerDeadline < 0 || c.Extensions.MaxDaysPerRequest <= 0 {
		return fmt.Errorf("config: invalid extension caps")
	}
	if c.Audit.BrokenThreshold < 0 || c.Audit.BrokenThreshold > 1 {
		return fmt.Errorf("config: audit.broken_threshold must be in [0, 1]")
	}
	if len(c.Sweep.ReminderWindowHours) == 0 {
		return fmt.Errorf("config: sweep.reminder_window_hours must not be empty")
	}
	for _, w := range c.Sweep.ReminderWindowHours {
		if w <= 0 {
			return fmt.Errorf("config: reminder window %d must be positive", w)
		}
	}
	if _, err := time.ParseDuration(c.Sweep.Schedule); err != nil {
		// Not a duration; the scheduler will parse it as a cron expression.
		if c.Sweep.Schedule == "" {
			return fmt.Errorf("config: sweep.schedule is required")
		}
	}
	switch c.Notifier.Kind {
	case "slack":
		if c.Notifier.SlackToken == "" || c.Notifier.SlackChannel == "" {
			return fmt.Errorf("config: slack notifier requires token and channel")
		}
	case "noop", "":
	default:
		return fmt.Errorf("config: unknown notifier kind %q", c.Notifier.Kind)
	}
	return nil
}

// ResponseWindow returns the respondent invitation window as a duration.
func (c LifecycleConfig) ResponseWindow() time.Duration {
	return time.Duration(c.ResponseDays) * 24 * time.Hour
}

// EvidenceWindow returns the evidence window as a duration.
func (c LifecycleConfig) EvidenceWindow() time.Duration {
	return time.Duration(c.EvidenceDays) * 24 * time.Hour
}

// RebuttalGap returns the fixed evidence→rebuttal gap as a duration.
func (c LifecycleConfig) RebuttalGap() time.Duration {
	return time.Duration(c.RebuttalGapDays) * 24 * time.Hour
}
