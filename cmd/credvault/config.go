package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/371-Minds/credvault/internal/audit"
	"github.com/371-Minds/credvault/internal/policy"
	"github.com/371-Minds/credvault/internal/scheduler"
)

// Config holds all credvault configuration.
// Priority: env vars > settings file > defaults.
type Config struct {
	MasterKey        string        `json:"master_key" yaml:"master_key"`
	DBPath           string        `json:"db_path" yaml:"db_path"`
	LogLevel         string        `json:"log_level" yaml:"log_level"`
	TemplatesPath    string        `json:"templates_path" yaml:"templates_path"`
	RotationCron     string        `json:"rotation_cron" yaml:"rotation_cron"`
	ExpiryWindowDays int           `json:"expiry_window_days" yaml:"expiry_window_days"`
	AuditCapacity    int           `json:"audit_capacity" yaml:"audit_capacity"`
	Auditors         []string      `json:"auditors" yaml:"auditors"`
	AccessRules      []policy.Rule `json:"access_rules" yaml:"access_rules"`
	MetricsAddr      string        `json:"metrics_addr" yaml:"metrics_addr"`
	// CheckpointInterval is how often serve saves the vault, as a Go
	// duration. "0" saves only on shutdown.
	CheckpointInterval string `json:"checkpoint_interval" yaml:"checkpoint_interval"`
	KDFSalt          string        `json:"kdf_salt" yaml:"kdf_salt"`
	KDFIterations    int           `json:"kdf_iterations" yaml:"kdf_iterations"`
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(credvaultDir(), "credvault.db"),
		LogLevel:         "info",
		RotationCron:     scheduler.DefaultCron,
		ExpiryWindowDays: scheduler.DefaultWindowDays,
		AuditCapacity:    audit.DefaultCapacity,

		CheckpointInterval: "5m",
	}
}

func credvaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".credvault"
	}
	return filepath.Join(home, ".credvault")
}

func settingsPath() string {
	return filepath.Join(credvaultDir(), "settings.json")
}

// loadConfig layers the settings file at path (default settings.json in
// the credvault dir, ignored if missing) and CREDVAULT_* env vars over the
// defaults. An explicitly named file that is missing or malformed is an
// error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decodeSettings(path, data, &cfg); err != nil {
			return Config{}, err
		}
	case explicit || !os.IsNotExist(err):
		return Config{}, fmt.Errorf("read settings: %w", err)
	}

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeSettings(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse settings %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse settings %s: %w", path, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("CREDVAULT_MASTER_KEY"); v != "" {
		cfg.MasterKey = v
	}
	if v := getenv("CREDVAULT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("CREDVAULT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("CREDVAULT_TEMPLATES"); v != "" {
		cfg.TemplatesPath = v
	}
	if v := getenv("CREDVAULT_ROTATION_CRON"); v != "" {
		cfg.RotationCron = v
	}
	if v := getenv("CREDVAULT_EXPIRY_WINDOW_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CREDVAULT_EXPIRY_WINDOW_DAYS: %w", err)
		}
		cfg.ExpiryWindowDays = n
	}
	if v := getenv("CREDVAULT_AUDIT_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CREDVAULT_AUDIT_CAPACITY: %w", err)
		}
		cfg.AuditCapacity = n
	}
	if v := getenv("CREDVAULT_AUDITORS"); v != "" {
		cfg.Auditors = splitList(v)
	}
	if v := getenv("CREDVAULT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := getenv("CREDVAULT_CHECKPOINT_INTERVAL"); v != "" {
		cfg.CheckpointInterval = v
	}
	return nil
}

func (c Config) validate() error {
	if c.ExpiryWindowDays <= 0 {
		return fmt.Errorf("expiry_window_days must be positive, got %d", c.ExpiryWindowDays)
	}
	if c.AuditCapacity < 2 {
		return fmt.Errorf("audit_capacity must be at least 2, got %d", c.AuditCapacity)
	}
	if c.KDFIterations < 0 {
		return fmt.Errorf("kdf_iterations must not be negative")
	}
	if _, err := scheduler.ParseSchedule(c.RotationCron); err != nil {
		return err
	}
	if _, err := c.checkpointEvery(); err != nil {
		return err
	}
	return nil
}

func (c Config) checkpointEvery() (time.Duration, error) {
	if c.CheckpointInterval == "" || c.CheckpointInterval == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.CheckpointInterval)
	if err != nil {
		return 0, fmt.Errorf("checkpoint_interval: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("checkpoint_interval must not be negative")
	}
	return d, nil
}

// dsn turns DBPath into a libSQL DSN. Empty means no persistence.
func (c Config) dsn() string {
	if c.DBPath == "" || (strings.Contains(c.DBPath, ":") && !filepath.IsAbs(c.DBPath)) {
		return c.DBPath
	}
	return "file:" + c.DBPath
}

// ensureDBDir creates the parent directory of a plain file DBPath.
func (c Config) ensureDBDir() error {
	if c.DBPath == "" || c.dsn() == c.DBPath {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.DBPath), 0o700); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
