package api

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// FormatSeconds renders a second count the way the CLI tables show it:
// "45s", "12m05s", "3h20m".
func FormatSeconds(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	d := time.Duration(math.Round(seconds)) * time.Second
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// JobLabel is the short "subject/variant" label used in CLI output.
func JobLabel(job Job) string {
	return job.Subject + "/" + job.Variant
}

// StateLabel decorates a job state for display.
func StateLabel(job Job) string {
	state := strings.ToUpper(job.State)
	switch {
	case job.TimedOut:
		return state + " (timeout)"
	case job.CancelRequested && job.State == "active":
		return state + " (cancelling)"
	default:
		return state
	}
}

// ShortTime trims an API timestamp to "2006-01-02 15:04:05" in local time.
func ShortTime(value string) string {
	if value == "" {
		return "-"
	}
	t, err := time.Parse(dateTimeFormat, value)
	if err != nil {
		return value
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
