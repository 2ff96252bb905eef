package config

const (
	defaultConfigPath             = "~/.config/retrain/config.toml"
	defaultDataDir                = "~/.local/share/retrain"
	defaultLogDir                 = "~/.local/share/retrain/logs"
	defaultAPIBind                = "127.0.0.1:7491"
	defaultMaxConcurrentTraining  = 1
	defaultTrainingCooldownMS     = 1_800_000
	defaultProcessingIntervalMS   = 5_000
	defaultMaxAttempts            = 3
	defaultJobTimeoutSeconds      = 6 * 60 * 60
	defaultManualPriority         = 3
	defaultPeriodicPriority       = 8
	defaultRecentJobs             = 50
	defaultSaveIntervalMS         = 300_000
	defaultMaxAgeHours            = 168
	defaultCacheTTLSeconds        = 60
	defaultTrainingHistoryLimit   = 100
	defaultPredictionHistoryLimit = 1000
	defaultCleanupKeepTraining    = 10
	defaultPeriodicIntervalMin    = 60
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultLogRetentionDays       = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Scheduler: Scheduler{
			MaxConcurrentTraining: defaultMaxConcurrentTraining,
			TrainingCooldownMS:    defaultTrainingCooldownMS,
			ProcessingIntervalMS:  defaultProcessingIntervalMS,
			MaxAttempts:           defaultMaxAttempts,
			JobTimeoutSeconds:     defaultJobTimeoutSeconds,
			ManualPriority:        defaultManualPriority,
			PeriodicPriority:      defaultPeriodicPriority,
			RecentJobs:            defaultRecentJobs,
		},
		Storage: Storage{
			SaveIntervalMS:         defaultSaveIntervalMS,
			MaxAgeHours:            defaultMaxAgeHours,
			EnableCache:            true,
			CacheTTLSeconds:        defaultCacheTTLSeconds,
			TrainingHistoryLimit:   defaultTrainingHistoryLimit,
			PredictionHistoryLimit: defaultPredictionHistoryLimit,
			CleanupKeepTraining:    defaultCleanupKeepTraining,
		},
		Periodic: Periodic{
			IntervalMinutes: defaultPeriodicIntervalMin,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
