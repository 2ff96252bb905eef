package main

import (
	"bytes"
	"strings"
	"testing"

	"retrain/internal/api"
)

func TestRenderStatusLine(t *testing.T) {
	line := renderStatusLine("Daemon", statusOK, "Running", false)
	if !strings.Contains(line, "Daemon:") || !strings.HasSuffix(line, "[OK] Running") {
		t.Fatalf("unexpected line %q", line)
	}
	colored := renderStatusLine("Daemon", statusError, "", true)
	if !strings.HasPrefix(colored, ansiRed) || !strings.HasSuffix(colored, ansiReset) {
		t.Fatalf("expected colored line, got %q", colored)
	}
}

func TestShouldColorizeNonTerminal(t *testing.T) {
	if shouldColorize(&bytes.Buffer{}) {
		t.Fatal("buffer must not be colorized")
	}
}

func TestRenderDaemonStatusSections(t *testing.T) {
	status := &api.DaemonStatus{
		Running: true,
		PID:     42,
		Scheduler: api.SchedulerStatus{
			MaxConcurrent: 2,
			ActiveCount:   1,
			Active:        []api.Job{{ID: "j1", Subject: "A", Variant: "lstm", State: "active", Priority: 3, MaxAttempts: 3}},
			Cooldowns:     []api.Cooldown{{Subject: "B", Variant: "gru", RemainingSeconds: 600}},
		},
		Workflow: api.WorkflowStatus{
			Enabled:         true,
			IntervalSeconds: 3600,
			LastCycle:       &api.CycleSummary{Submitted: []string{"j1"}, Failed: 1},
			Trainers: []api.TrainerHealth{
				{Name: "lstm", Ready: true, Detail: "/usr/bin/train"},
				{Name: "gru", Detail: `command "gru-train" not found`},
			},
		},
	}
	var buf bytes.Buffer
	renderDaemonStatus(&buf, status, true, false)
	out := buf.String()
	for _, want := range []string{
		"Running (pid 42)",
		"1/2 active, 0 queued",
		"[OK] Ready (/usr/bin/train)",
		"[ERROR] command \"gru-train\" not found",
		"Every 1h00m",
		"1 submitted, 0 skipped, 1 failed",
		"A/lstm",
		"10m00s",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in status output:\n%s", want, out)
		}
	}
}

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable([]string{"A", "B", "C"}, [][]string{{"x"}}, []columnAlignment{alignRight})
	if !strings.Contains(out, "x") || !strings.HasSuffix(out, "\n") {
		t.Fatalf("unexpected table:\n%s", out)
	}
	if renderTable(nil, nil, nil) != "" {
		t.Fatal("expected empty output without headers")
	}
}
