package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"retrain/internal/api"
)

func submitJob(t *testing.T, env *cliTestEnv, args ...string) string {
	t.Helper()
	out, _, err := runCLI(t, append([]string{"submit", "--json"}, args...), env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var resp api.SubmitResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode submit output %q: %v", out, err)
	}
	if resp.JobID == "" {
		t.Fatalf("expected job id in %q", out)
	}
	return resp.JobID
}

func waitForCLIJobState(t *testing.T, env *cliTestEnv, id, state string) api.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var job api.Job
	for time.Now().Before(deadline) {
		out, _, err := runCLI(t, []string{"job", id, "--json"}, env.socketPath, env.configPath)
		if err != nil {
			t.Fatalf("job %s: %v", id, err)
		}
		if err := json.Unmarshal([]byte(out), &job); err != nil {
			t.Fatalf("decode job output: %v", err)
		}
		if job.State == state {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %s, last state %q (%s)", id, state, job.State, job.LastError)
	return job
}

func TestSubmitJobAndHistory(t *testing.T) {
	env := setupCLITestEnv(t)

	id := submitJob(t, env, "Alpha", "lstm", "--param", "epochs=5", "--param", "note=quick")
	job := waitForCLIJobState(t, env, id, "completed")
	if job.Subject != "Alpha" || job.Variant != "lstm" {
		t.Fatalf("unexpected job %#v", job)
	}

	out, _, err := runCLI(t, []string{"job", id}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	requireContains(t, out, "COMPLETED")
	requireContains(t, out, "Alpha/lstm")

	var history []api.Job
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		out, _, err = runCLI(t, []string{"history", "alpha", "--json"}, env.socketPath, env.configPath)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if err := json.Unmarshal([]byte(out), &history); err != nil {
			t.Fatalf("decode history: %v", err)
		}
		if len(history) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(history) != 1 || history[0].ID != id {
		t.Fatalf("expected archived job %s, got %#v", id, history)
	}

	out, _, err = runCLI(t, []string{"asset", "alpha"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("asset: %v", err)
	}
	requireContains(t, out, "lstm")
}

func TestAdmissionDeniedDuringCooldownUntilCleared(t *testing.T) {
	env := setupCLITestEnv(t)

	id := submitJob(t, env, "beta", "lstm")
	waitForCLIJobState(t, env, id, "completed")

	out, _, err := runCLI(t, []string{"admission", "beta", "lstm"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("admission: %v", err)
	}
	requireContains(t, out, "denied (cooldown_active")

	if _, _, err := runCLI(t, []string{"submit", "beta", "lstm"}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected submit during cooldown to fail")
	}

	out, _, err = runCLI(t, []string{"cooldown", "list"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("cooldown list: %v", err)
	}
	requireContains(t, out, "beta")

	out, _, err = runCLI(t, []string{"cooldown", "clear", "beta", "lstm"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("cooldown clear: %v", err)
	}
	requireContains(t, out, "Cleared 1 cooldown(s)")

	out, _, err = runCLI(t, []string{"admission", "beta", "lstm"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("admission: %v", err)
	}
	requireContains(t, out, "beta/lstm: allowed")
}

func TestCooldownClearRejectsSingleArgument(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, _, err := runCLI(t, []string{"cooldown", "clear", "beta"}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected argument validation error")
	}
}

func TestSubmitUnknownVariantFails(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"submit", "gamma", "transformer"}, env.socketPath, env.configPath)
	if err == nil {
		t.Fatal("expected unknown variant to fail")
	}
	requireContains(t, err.Error(), "gamma/transformer")
}

func TestCancelUnknownJobFails(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, _, err := runCLI(t, []string{"cancel", "missing-job"}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected cancel of unknown job to fail")
	}
	if _, _, err := runCLI(t, []string{"job", "missing-job"}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected lookup of unknown job to fail")
	}
}

func TestEmergencyStopAndCycle(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"emergency-stop", "--reason", "maintenance"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("emergency-stop: %v", err)
	}
	requireContains(t, out, "Cancelled 0 queued job(s)")

	out, _, err = runCLI(t, []string{"cycle"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	requireContains(t, out, "Submitted 0 job(s)")
}

func TestStorageCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	id := submitJob(t, env, "delta", "lstm")
	waitForCLIJobState(t, env, id, "completed")

	out, _, err := runCLI(t, []string{"storage", "flush"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("storage flush: %v", err)
	}
	requireContains(t, out, "Saved")

	out, _, err = runCLI(t, []string{"storage", "stats", "--json"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("storage stats: %v", err)
	}
	var stats api.StorageStats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Documents != 1 || len(stats.Subjects) != 1 || stats.Subjects[0].Subject != "delta" {
		t.Fatalf("unexpected stats %#v", stats)
	}

	out, _, err = runCLI(t, []string{"storage", "cleanup", "--max-age-hours", "1"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("storage cleanup: %v", err)
	}
	requireContains(t, out, "Scanned 1 document(s)")

	if _, _, err := runCLI(t, []string{"storage", "cleanup", "--max-age-hours", "-1"}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected negative retention window to fail")
	}

	if err := os.MkdirAll(env.cfg.Storage.LegacyDir, 0o755); err != nil {
		t.Fatalf("mkdir legacy: %v", err)
	}
	out, _, err = runCLI(t, []string{"storage", "migrate", "--dry-run"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("storage migrate: %v", err)
	}
	requireContains(t, out, "Dry run")
}

func TestStorageExportImportAndWeights(t *testing.T) {
	env := setupCLITestEnv(t)

	id := submitJob(t, env, "epsilon", "lstm")
	waitForCLIJobState(t, env, id, "completed")

	out, _, err := runCLI(t, []string{"asset", "epsilon"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("asset: %v", err)
	}
	requireContains(t, strings.ToUpper(out), "TRAINED")

	out, _, err = runCLI(t, []string{"weights", "epsilon", "lstm", "--json"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("weights: %v", err)
	}
	var weights api.ModelWeightsResponse
	if err := json.Unmarshal([]byte(out), &weights); err != nil {
		t.Fatalf("decode weights: %v", err)
	}
	if weights.Features != 8 || weights.ParameterCount != 3 || len(weights.Tensors) != 1 {
		t.Fatalf("unexpected weights %#v", weights)
	}
	if _, _, err := runCLI(t, []string{"weights", "epsilon", "lstm", "--features", "4"}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected weights for a different feature count to be rejected")
	}

	file := filepath.Join(t.TempDir(), "epsilon.json")
	out, _, err = runCLI(t, []string{"storage", "export", "epsilon", "--output", file}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("storage export: %v", err)
	}
	requireContains(t, out, "Exported epsilon")
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.Contains(string(data), `"lstm"`) {
		t.Fatalf("export missing model entry:\n%s", data)
	}

	out, _, err = runCLI(t, []string{"storage", "import", "epsilon", file}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("storage import: %v", err)
	}
	requireContains(t, out, "Restored epsilon")
	requireContains(t, out, "lstm")

	if _, _, err := runCLI(t, []string{"storage", "import", "zeta", file}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected import under a different subject to fail")
	}
}

func TestStatusLive(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"status"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Running (pid")
	requireContains(t, out, "lstm")

	out, _, err = runCLI(t, []string{"status", "--json"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var status api.DaemonStatus
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Running || status.Scheduler.MaxConcurrent != env.cfg.Scheduler.MaxConcurrentTraining {
		t.Fatalf("unexpected status %#v", status)
	}
}

func TestStatusOffline(t *testing.T) {
	env := setupOfflineEnv(t)

	out, _, err := runCLI(t, []string{"status"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "offline snapshot")
	requireContains(t, out, "No jobs")
}

func TestCommandsRequireDaemon(t *testing.T) {
	env := setupOfflineEnv(t)

	_, _, err := runCLI(t, []string{"history"}, env.socketPath, env.configPath)
	if err == nil {
		t.Fatal("expected history without daemon to fail")
	}
	requireContains(t, err.Error(), "retrain daemon start")

	out, _, err := runCLI(t, []string{"daemon", "stop"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("daemon stop: %v", err)
	}
	requireContains(t, out, "Daemon is not running")
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"epochs=5", "rate=0.01", "name=fast", "flags=[1,2]", "debug=true"})
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	if params["epochs"] != float64(5) || params["rate"] != 0.01 || params["name"] != "fast" || params["debug"] != true {
		t.Fatalf("unexpected params %#v", params)
	}
	if list, ok := params["flags"].([]any); !ok || len(list) != 2 {
		t.Fatalf("expected decoded list, got %#v", params["flags"])
	}

	if _, err := parseParams([]string{"novalue"}); err == nil {
		t.Fatal("expected error for missing '='")
	}
	if _, err := parseParams([]string{"=5"}); err == nil {
		t.Fatal("expected error for empty key")
	}
	if params, err := parseParams(nil); err != nil || params != nil {
		t.Fatalf("expected nil params, got %#v, %v", params, err)
	}
}

func TestAdmissionSummary(t *testing.T) {
	cases := []struct {
		resp api.AdmissionResponse
		want string
	}{
		{api.AdmissionResponse{Subject: "A", Variant: "lstm", Allowed: true}, "A/lstm: allowed"},
		{api.AdmissionResponse{Subject: "A", Variant: "lstm", Reason: "duplicate_job", ExistingJobID: "j1"}, "A/lstm: denied (duplicate_job, job j1)"},
		{api.AdmissionResponse{Subject: "A", Variant: "lstm", Reason: "cooldown_active", CooldownRemainingSeconds: 90}, "A/lstm: denied (cooldown_active, 1m30s remaining)"},
	}
	for _, tc := range cases {
		if got := admissionSummary(tc.resp); got != tc.want {
			t.Fatalf("admissionSummary = %q, want %q", got, tc.want)
		}
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	env := setupOfflineEnv(t)

	out, _, err := runCLI(t, []string{"config", "validate"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, env.configPath)
	requireContains(t, out, "[OK]")

	target := env.configPath + ".sample"
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, env.socketPath, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	_, _, err = runCLI(t, []string{"config", "init", "--path", target}, env.socketPath, "")
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected already-exists error, got %v", err)
	}
}
