package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"retrain/internal/assets"
	"retrain/internal/config"
	"retrain/internal/daemon"
	"retrain/internal/deps"
	"retrain/internal/history"
	"retrain/internal/ipc"
	"retrain/internal/logging"
	"retrain/internal/scheduler"
	"retrain/internal/trainer"
	"retrain/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the retrain daemon runtime loop and blocks until SIGINT or
// SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("retrain-%s.log", runID))
	sessionID := uuid.NewString()

	level := opts.LogLevel
	if strings.TrimSpace(level) == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
		SessionID:        sessionID,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update retrain.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "retrain-*.log", Exclude: []string{logPath}},
	)
	logTrainerSnapshot(logger, cfg)

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	hist, err := history.Open(cfg)
	if err != nil {
		logger.Error("open history database", logging.Error(err))
		return err
	}
	defer hist.Close()

	store, err := assets.NewStore(cfg, logger)
	if err != nil {
		logger.Error("open asset store", logging.Error(err))
		return err
	}

	sched, err := scheduler.New(signalCtx, scheduler.OptionsFromConfig(cfg), store, hist, logger)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	trainers, err := trainer.NewRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("create trainers: %w", err)
	}
	workflowManager := workflow.NewManager(cfg, sched, trainers, logger)

	d, err := daemon.New(cfg, hist, store, sched, workflowManager, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		logging.WarnWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check configuration and that no other daemon holds "+cfg.LockPath()),
			logging.String(logging.FieldImpact, "training jobs will not run until the daemon is started"),
		)
	}

	<-signalCtx.Done()
	logger.Info("retrain daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "retrain.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logTrainerSnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "trainer_snapshot"),
		logging.Bool("periodic_enabled", cfg.Periodic.Enabled),
		logging.Int("max_concurrent_training", cfg.Scheduler.MaxConcurrentTraining),
		logging.Bool("api_token_present", cfg.Paths.APIToken != ""),
	}
	for i, st := range deps.CheckBinaries(deps.VariantRequirements(cfg.Variants)) {
		attrs = append(attrs, logging.Group(st.Name,
			logging.String("command", st.Command),
			logging.Bool("available", st.Available),
			logging.Int("features", cfg.Variants[i].Features),
		))
	}
	logger.Info("trainer snapshot", logging.Args(attrs...)...)
}
