package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`

	// APIProfiling mounts net/http/pprof handlers under /debug/pprof.
	APIProfiling bool `toml:"api_profiling"`
}

// Scheduler contains admission, concurrency, and retry settings for training jobs.
type Scheduler struct {
	MaxConcurrentTraining int   `toml:"max_concurrent_training"`
	TrainingCooldownMS    int64 `toml:"training_cooldown_ms"`
	ProcessingIntervalMS  int   `toml:"processing_interval_ms"`
	MaxAttempts           int   `toml:"max_attempts"`
	// JobTimeoutSeconds bounds a single training attempt. 0 disables the watchdog.
	JobTimeoutSeconds int `toml:"job_timeout_seconds"`
	ManualPriority    int `toml:"manual_priority"`   // band 1-7
	PeriodicPriority  int `toml:"periodic_priority"` // band 8-10
	RecentJobs        int `toml:"recent_jobs"`
}

// Storage contains configuration for the consolidated asset documents.
type Storage struct {
	SaveIntervalMS         int    `toml:"save_interval_ms"`
	MaxAgeHours            int    `toml:"max_age_hours"`
	EnableCache            bool   `toml:"enable_cache"`
	CacheTTLSeconds        int    `toml:"cache_ttl_seconds"`
	TrainingHistoryLimit   int    `toml:"training_history_limit"`
	PredictionHistoryLimit int    `toml:"prediction_history_limit"`
	CleanupKeepTraining    int    `toml:"cleanup_keep_training"`
	LegacyDir              string `toml:"legacy_dir"`
}

// Periodic contains configuration for the automatic retraining cycle.
type Periodic struct {
	Enabled         bool     `toml:"enabled"`
	IntervalMinutes int      `toml:"interval_minutes"`
	Subjects        []string `toml:"subjects"`
	Variants        []string `toml:"variants"`
}

// Variant describes how to train one model variant. The command receives the
// subject, variant, and feature count through its environment and prints the
// trained weights as JSON on stdout.
type Variant struct {
	Name           string   `toml:"name"`
	Command        string   `toml:"command"`
	Args           []string `toml:"args"`
	Features       int      `toml:"features"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for retrain.
//
// Configuration sections by subsystem:
//   - Paths: data/log directories and API bind address
//   - Scheduler: concurrency ceiling, cooldown, priorities, retries
//   - Storage: asset document cache, flush interval, retention
//   - Periodic: automatic retraining cycle
//   - Variants: per-variant training runtime commands
//   - Logging: log format, level, and retention
type Config struct {
	Paths     Paths     `toml:"paths"`
	Scheduler Scheduler `toml:"scheduler"`
	Storage   Storage   `toml:"storage"`
	Periodic  Periodic  `toml:"periodic"`
	Variants  []Variant `toml:"variants"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("retrain.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.AssetsDir(), c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// AssetsDir is the directory holding one consolidated document per subject.
func (c *Config) AssetsDir() string {
	return filepath.Join(c.Paths.DataDir, "assets")
}

// HistoryDBPath is the SQLite database holding cooldowns and job history.
func (c *Config) HistoryDBPath() string {
	return filepath.Join(c.Paths.DataDir, "history.db")
}

// LockPath is the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.LogDir, "retraind.lock")
}

// SocketPath is the IPC socket used by the CLI.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.LogDir, "retrain.sock")
}

// PIDPath records the running daemon's process ID.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.LogDir, "retrain.pid")
}

// TrainingCooldown returns the minimum interval between successful trainings
// of the same subject and variant.
func (c *Config) TrainingCooldown() time.Duration {
	return time.Duration(c.Scheduler.TrainingCooldownMS) * time.Millisecond
}

// ProcessingInterval returns the scheduler pump interval.
func (c *Config) ProcessingInterval() time.Duration {
	return time.Duration(c.Scheduler.ProcessingIntervalMS) * time.Millisecond
}

// JobTimeout returns the per-attempt watchdog, or zero when disabled.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Scheduler.JobTimeoutSeconds) * time.Second
}

// SaveInterval returns the periodic flush interval for cached documents.
func (c *Config) SaveInterval() time.Duration {
	return time.Duration(c.Storage.SaveIntervalMS) * time.Millisecond
}

// CacheTTL returns the lifetime of an in-memory document copy.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Storage.CacheTTLSeconds) * time.Second
}

// PeriodicInterval returns the interval of the automatic training cycle.
func (c *Config) PeriodicInterval() time.Duration {
	return time.Duration(c.Periodic.IntervalMinutes) * time.Minute
}

// Variant returns the runtime configuration registered under name.
func (c *Config) Variant(name string) (Variant, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, v := range c.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
