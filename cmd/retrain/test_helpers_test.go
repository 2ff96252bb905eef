package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"retrain/internal/config"
	"retrain/internal/daemon"
	"retrain/internal/ipc"
	"retrain/internal/logging"
	"retrain/internal/scheduler"
	"retrain/internal/testsupport"
	"retrain/internal/trainer"
	"retrain/internal/workflow"
)

const stubOutput = `echo '{"tensors":[{"data":[0.5,0.25,0.125],"shape":[3]}],"metrics":{"loss":0.1}}'`

type cliTestEnv struct {
	cfg        *config.Config
	daemon     *daemon.Daemon
	server     *ipc.Server
	socketPath string
	configPath string
	cancel     context.CancelFunc
}

// setupOfflineEnv writes a config file without starting a daemon.
func setupOfflineEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithStubTrainer("train.sh", stubOutput))
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)
	return &cliTestEnv{
		cfg:        cfg,
		socketPath: cfg.SocketPath(),
		configPath: configPath,
	}
}

// setupCLITestEnv starts a daemon and its IPC server behind a config file.
func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	env := setupOfflineEnv(t)
	cfg := env.cfg

	logger := logging.NewNop()
	hist := testsupport.MustOpenHistory(t, cfg)
	store := testsupport.MustOpenAssets(t, cfg)
	sched, err := scheduler.New(context.Background(), scheduler.OptionsFromConfig(cfg), store, hist, logger)
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	registry, err := trainer.NewRegistry(cfg, logger)
	if err != nil {
		t.Fatalf("trainer.NewRegistry: %v", err)
	}
	d, err := daemon.New(cfg, hist, store, sched, workflow.NewManager(cfg, sched, registry, logger), logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := ipc.NewServer(ctx, env.socketPath, d, logger)
	if err != nil {
		cancel()
		d.Close()
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping CLI test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("daemon start: %v", err)
	}

	env.daemon = d
	env.server = srv
	env.cancel = cancel
	t.Cleanup(func() {
		cancel()
		srv.Close()
		d.Close()
	})
	return env
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--socket", socket}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected output to contain %q, got:\n%s", needle, haystack)
	}
}
