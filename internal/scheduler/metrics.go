package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	activeJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "retrain",
		Subsystem: "scheduler",
		Name:      "active_jobs",
		Help:      "Training jobs currently running.",
	})
	queuedJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "retrain",
		Subsystem: "scheduler",
		Name:      "queued_jobs",
		Help:      "Training jobs waiting for a slot.",
	})
	admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retrain",
		Subsystem: "scheduler",
		Name:      "admissions_total",
		Help:      "Submission decisions by result (admitted, cooldown_active, duplicate_job).",
	}, []string{"result"})
	outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retrain",
		Subsystem: "scheduler",
		Name:      "job_outcomes_total",
		Help:      "Settled training attempts by outcome (completed, retried, failed, cancelled).",
	}, []string{"outcome"})
	trainDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "retrain",
		Subsystem: "scheduler",
		Name:      "train_duration_seconds",
		Help:      "Wall time of training attempts.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	})
)

func init() {
	for _, c := range []prometheus.Collector{activeJobs, queuedJobs, admissions, outcomes, trainDuration} {
		_ = prometheus.Register(c)
	}
}
