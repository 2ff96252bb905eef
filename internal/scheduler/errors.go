package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAdmissionDenied is matched by every *AdmissionError.
	ErrAdmissionDenied = errors.New("admission denied")
	// ErrJobNotFound reports an unknown or already finished job ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobSettling reports a job whose training finished and whose result
	// is already being persisted. It can no longer be cancelled.
	ErrJobSettling = errors.New("job is already settling")
)

// DenialReason explains why a submission was refused.
type DenialReason string

const (
	ReasonCooldown  DenialReason = "cooldown_active"
	ReasonDuplicate DenialReason = "duplicate_job"
)

// AdmissionError carries the details of a refused submission.
type AdmissionError struct {
	Subject           string
	Variant           string
	Reason            DenialReason
	CooldownRemaining time.Duration
	ExistingJobID     string
}

func (e *AdmissionError) Error() string {
	switch e.Reason {
	case ReasonCooldown:
		return fmt.Sprintf("admission denied for %s/%s: cooldown active for %s",
			e.Subject, e.Variant, e.CooldownRemaining.Round(time.Second))
	case ReasonDuplicate:
		return fmt.Sprintf("admission denied for %s/%s: job %s already %s",
			e.Subject, e.Variant, e.ExistingJobID, "queued or active")
	default:
		return fmt.Sprintf("admission denied for %s/%s: %s", e.Subject, e.Variant, e.Reason)
	}
}

func (e *AdmissionError) Unwrap() error { return ErrAdmissionDenied }
