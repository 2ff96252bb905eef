package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeScheduler()
	if err := c.normalizeStorage(); err != nil {
		return err
	}
	c.normalizePeriodic()
	c.normalizeVariants()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("RETRAIN_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeScheduler() {
	if c.Scheduler.ProcessingIntervalMS <= 0 {
		c.Scheduler.ProcessingIntervalMS = defaultProcessingIntervalMS
	}
	if c.Scheduler.MaxAttempts <= 0 {
		c.Scheduler.MaxAttempts = defaultMaxAttempts
	}
	if c.Scheduler.JobTimeoutSeconds < 0 {
		c.Scheduler.JobTimeoutSeconds = 0
	}
	if c.Scheduler.ManualPriority == 0 {
		c.Scheduler.ManualPriority = defaultManualPriority
	}
	if c.Scheduler.PeriodicPriority == 0 {
		c.Scheduler.PeriodicPriority = defaultPeriodicPriority
	}
	if c.Scheduler.RecentJobs <= 0 {
		c.Scheduler.RecentJobs = defaultRecentJobs
	}
}

func (c *Config) normalizeStorage() error {
	if c.Storage.SaveIntervalMS <= 0 {
		c.Storage.SaveIntervalMS = defaultSaveIntervalMS
	}
	if c.Storage.MaxAgeHours <= 0 {
		c.Storage.MaxAgeHours = defaultMaxAgeHours
	}
	if c.Storage.CacheTTLSeconds <= 0 {
		c.Storage.CacheTTLSeconds = defaultCacheTTLSeconds
	}
	if c.Storage.TrainingHistoryLimit <= 0 {
		c.Storage.TrainingHistoryLimit = defaultTrainingHistoryLimit
	}
	if c.Storage.PredictionHistoryLimit <= 0 {
		c.Storage.PredictionHistoryLimit = defaultPredictionHistoryLimit
	}
	if c.Storage.CleanupKeepTraining <= 0 {
		c.Storage.CleanupKeepTraining = defaultCleanupKeepTraining
	}
	if strings.TrimSpace(c.Storage.LegacyDir) != "" {
		var err error
		if c.Storage.LegacyDir, err = expandPath(c.Storage.LegacyDir); err != nil {
			return fmt.Errorf("storage.legacy_dir: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizePeriodic() {
	if c.Periodic.IntervalMinutes <= 0 {
		c.Periodic.IntervalMinutes = defaultPeriodicIntervalMin
	}
	c.Periodic.Subjects = normalizeNames(c.Periodic.Subjects)
	c.Periodic.Variants = normalizeNames(c.Periodic.Variants)
}

func (c *Config) normalizeVariants() {
	for i := range c.Variants {
		c.Variants[i].Name = strings.ToLower(strings.TrimSpace(c.Variants[i].Name))
		c.Variants[i].Command = strings.TrimSpace(c.Variants[i].Command)
		if c.Variants[i].TimeoutSeconds < 0 {
			c.Variants[i].TimeoutSeconds = 0
		}
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func normalizeNames(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		normalized := strings.ToLower(strings.TrimSpace(value))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}
