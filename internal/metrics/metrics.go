// Package metrics provides Prometheus metrics for the conflict lifecycle.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all Prometheus metrics for detection, voting and expiry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	MessagesScreened  *prometheus.CounterVec
	ConflictsOpened   *prometheus.CounterVec
	VotesCast         *prometheus.CounterVec
	ConflictsResolved *prometheus.CounterVec
	JudgeCalls        *prometheus.CounterVec
	JudgeLatency      prometheus.Histogram
	OutcomeFallbacks  prometheus.Counter
	SweepRuns         prometheus.Counter
	SweepFailures     prometheus.Counter
	BroadcastErrors   *prometheus.CounterVec
}

// New creates the metrics and registers them with registry.
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register dialectic metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.MessagesScreened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dialectic_messages_screened_total",
		Help: "Messages seen by the monitor, by screening result",
	}, []string{"result"})

	m.ConflictsOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dialectic_conflicts_opened_total",
		Help: "Conflicts opened for voting, by kind and severity",
	}, []string{"kind", "severity"})

	m.VotesCast = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dialectic_votes_cast_total",
		Help: "Votes accepted, by option",
	}, []string{"option"})

	m.ConflictsResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dialectic_conflicts_resolved_total",
		Help: "Conflicts resolved, by trigger and whether any votes were cast",
	}, []string{"trigger", "outcome"})

	m.JudgeCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dialectic_judge_calls_total",
		Help: "Conflict judge invocations, by verdict",
	}, []string{"verdict"})

	m.JudgeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dialectic_judge_latency_seconds",
		Help:    "Latency of conflict judge model calls",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	m.OutcomeFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dialectic_outcome_fallbacks_total",
		Help: "Outcome explanations that fell back to the template",
	})

	m.SweepRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dialectic_sweep_runs_total",
		Help: "Expiry sweep passes",
	})

	m.SweepFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dialectic_sweep_failures_total",
		Help: "Conflicts the expiry sweep failed to close",
	})

	m.BroadcastErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dialectic_broadcast_errors_total",
		Help: "Notification delivery failures, by sink",
	}, []string{"sink"})
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesScreened,
		m.ConflictsOpened,
		m.VotesCast,
		m.ConflictsResolved,
		m.JudgeCalls,
		m.JudgeLatency,
		m.OutcomeFallbacks,
		m.SweepRuns,
		m.SweepFailures,
		m.BroadcastErrors,
	}
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

func (m *Metrics) RecordScreened(result string) {
	if m == nil {
		return
	}
	m.MessagesScreened.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordConflictOpened(kind, severity string) {
	if m == nil {
		return
	}
	m.ConflictsOpened.WithLabelValues(kind, severity).Inc()
}

func (m *Metrics) RecordVote(option string) {
	if m == nil {
		return
	}
	m.VotesCast.WithLabelValues(option).Inc()
}

func (m *Metrics) RecordResolved(trigger string, voted bool) {
	if m == nil {
		return
	}
	outcome := "decided"
	if !voted {
		outcome = "deferred"
	}
	m.ConflictsResolved.WithLabelValues(trigger, outcome).Inc()
}

// ObserveJudge records one judge call and its latency.
func (m *Metrics) ObserveJudge(verdict string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JudgeCalls.WithLabelValues(verdict).Inc()
	m.JudgeLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordOutcomeFallback() {
	if m == nil {
		return
	}
	m.OutcomeFallbacks.Inc()
}

func (m *Metrics) RecordSweep(failures int) {
	if m == nil {
		return
	}
	m.SweepRuns.Inc()
	m.SweepFailures.Add(float64(failures))
}

func (m *Metrics) RecordBroadcastError(sink string) {
	if m == nil {
		return
	}
	m.BroadcastErrors.WithLabelValues(sink).Inc()
}
