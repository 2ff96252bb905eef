package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"

	"retrain/internal/api"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// renderDaemonStatus writes the full status report. live reports whether the
// snapshot came from a running daemon.
func renderDaemonStatus(w io.Writer, status *api.DaemonStatus, live, colorize bool) {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(w, line)
	}
	for _, line := range daemonLines(status, live, colorize) {
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w)

	for _, line := range renderSectionHeader("Trainers", colorize) {
		fmt.Fprintln(w, line)
	}
	for _, line := range trainerLines(status.Workflow.Trainers, colorize) {
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w)

	for _, line := range renderSectionHeader("Periodic Retraining", colorize) {
		fmt.Fprintln(w, line)
	}
	for _, line := range workflowLines(status.Workflow, colorize) {
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w)

	for _, line := range renderSectionHeader("Jobs", colorize) {
		fmt.Fprintln(w, line)
	}
	sched := status.Scheduler
	jobs := make([]api.Job, 0, len(sched.Active)+len(sched.Queued)+len(sched.Recent))
	jobs = append(jobs, sched.Active...)
	jobs = append(jobs, sched.Queued...)
	jobs = append(jobs, sched.Recent...)
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs")
	} else {
		fmt.Fprint(w, renderJobTable(jobs))
	}

	if len(sched.Cooldowns) > 0 {
		fmt.Fprintln(w)
		for _, line := range renderSectionHeader("Cooldowns", colorize) {
			fmt.Fprintln(w, line)
		}
		fmt.Fprint(w, renderCooldownTable(sched.Cooldowns))
	}
}

func daemonLines(status *api.DaemonStatus, live, colorize bool) []string {
	lines := make([]string, 0, 6)
	switch {
	case !live:
		lines = append(lines, renderStatusLine("Daemon", statusWarn, "Not running (offline snapshot)", colorize))
	case status.Running:
		lines = append(lines, renderStatusLine("Daemon", statusOK, fmt.Sprintf("Running (pid %d)", status.PID), colorize))
	default:
		lines = append(lines, renderStatusLine("Daemon", statusWarn, fmt.Sprintf("Idle (pid %d)", status.PID), colorize))
	}
	sched := status.Scheduler
	capacity := fmt.Sprintf("%d/%d active, %d queued", sched.ActiveCount, sched.MaxConcurrent, sched.QueuedCount)
	lines = append(lines, renderStatusLine("Scheduler", statusInfo, capacity, colorize))
	if status.APIAddress != "" {
		lines = append(lines, renderStatusLine("HTTP API", statusInfo, status.APIAddress, colorize))
	}
	lines = append(lines, renderStatusLine("Assets", statusInfo, status.AssetsDir, colorize))
	lines = append(lines, renderStatusLine("History", statusInfo, status.HistoryDBPath, colorize))
	return lines
}

func trainerLines(trainers []api.TrainerHealth, colorize bool) []string {
	if len(trainers) == 0 {
		return []string{renderStatusLine("Variants", statusWarn, "No variants configured", colorize)}
	}
	lines := make([]string, 0, len(trainers))
	for _, tr := range trainers {
		if tr.Ready {
			message := "Ready"
			if tr.Detail != "" {
				message = fmt.Sprintf("Ready (%s)", tr.Detail)
			}
			lines = append(lines, renderStatusLine(tr.Name, statusOK, message, colorize))
			continue
		}
		lines = append(lines, renderStatusLine(tr.Name, statusError, tr.Detail, colorize))
	}
	return lines
}

func workflowLines(wf api.WorkflowStatus, colorize bool) []string {
	if !wf.Enabled {
		return []string{renderStatusLine("Cycle", statusInfo, "Disabled", colorize)}
	}
	lines := []string{
		renderStatusLine("Cycle", statusOK, "Every "+api.FormatSeconds(wf.IntervalSeconds), colorize),
	}
	if wf.LastCycle != nil {
		detail := fmt.Sprintf("%s: %d submitted, %d skipped, %d failed",
			api.ShortTime(wf.LastCycle.StartedAt), len(wf.LastCycle.Submitted), wf.LastCycle.Skipped, wf.LastCycle.Failed)
		kind := statusOK
		if wf.LastCycle.Failed > 0 {
			kind = statusWarn
		}
		lines = append(lines, renderStatusLine("Last cycle", kind, detail, colorize))
	}
	if wf.LastError != "" {
		lines = append(lines, renderStatusLine("Last error", statusError, wf.LastError, colorize))
	}
	return lines
}

func renderJobTable(jobs []api.Job) string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			api.JobLabel(job),
			api.StateLabel(job),
			strconv.Itoa(job.Priority),
			job.Source,
			fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts),
			api.ShortTime(job.EnqueuedAt),
			api.FormatSeconds(job.DurationSeconds),
		})
	}
	return renderTable(
		[]string{"ID", "Job", "State", "Priority", "Source", "Attempts", "Enqueued", "Duration"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft, alignRight},
	)
}

func renderCooldownTable(cooldowns []api.Cooldown) string {
	rows := make([][]string, 0, len(cooldowns))
	for _, cd := range cooldowns {
		rows = append(rows, []string{cd.Subject, cd.Variant, api.FormatSeconds(cd.RemainingSeconds)})
	}
	return renderTable([]string{"Subject", "Variant", "Remaining"}, rows, []columnAlignment{alignLeft, alignLeft, alignRight})
}
