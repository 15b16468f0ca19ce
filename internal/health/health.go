// Package health maintains rolling-window aggregates and surfaces the
// named operator-facing conditions: UpstreamCPU, DraftLatency,
// BudgetBreach, and WriteBehindBacklog.
package health

import (
	"sync"
	"time"

	"council/internal/budget"
	"council/internal/observability"

	"github.com/rs/zerolog"
)

// Severity is a condition's current level.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Condition is one named, currently-evaluated health signal.
type Condition struct {
	Name     string
	Severity Severity
	Detail   string
}

// PendingLenFunc reports MemoryStore's current write-behind queue depth.
type PendingLenFunc func() int

// Config tunes the thresholds and windows for each tracked condition.
type Config struct {
	GPULowUtilPct      float64
	GPULowUtilWindow   time.Duration
	DraftLatencyP95Ms  int64
	DraftLatencyWindow time.Duration
	PendingQueueWarn   int
}

// Monitor evaluates the four tracked conditions against rolling-window
// samples fed by the Orchestrator (requests, draft latency) and by the
// caller's host-load sampler (SampleGPU).
type Monitor struct {
	cfg     Config
	guard   *budget.Guard
	pending PendingLenFunc
	metrics *observability.Metrics
	log     zerolog.Logger

	mu           sync.Mutex
	draftLatency *ring
	gpuSamples   *ring
	requestRate  *ring

	dailyBudgetCap float64
	alerts         *AlertPublisher
}

// New constructs a Monitor. alerts may be nil to disable outbound alert
// publishing (conditions are still computed and queryable via Evaluate).
func New(cfg Config, guard *budget.Guard, dailyBudgetCap float64, pending PendingLenFunc, metrics *observability.Metrics, alerts *AlertPublisher) *Monitor {
	return &Monitor{
		cfg:            cfg,
		guard:          guard,
		pending:        pending,
		metrics:        metrics,
		log:            *observability.LoggerWithTrace(nil),
		draftLatency:   newRing(cfg.DraftLatencyWindow),
		gpuSamples:     newRing(cfg.GPULowUtilWindow),
		requestRate:    newRing(cfg.GPULowUtilWindow),
		dailyBudgetCap: dailyBudgetCap,
		alerts:         alerts,
	}
}

// RecordDraftLatency samples one Agent-0 draft call's latency.
func (m *Monitor) RecordDraftLatency(d time.Duration) {
	m.mu.Lock()
	m.draftLatency.add(float64(d.Milliseconds()))
	m.mu.Unlock()
}

// RecordRequest samples one inbound Chat request, for the UpstreamCPU
// condition's ">1 rps" gate.
func (m *Monitor) RecordRequest() {
	m.mu.Lock()
	m.requestRate.add(1)
	m.mu.Unlock()
}

// SampleGPU records one sample of the local host's GPU/CPU utilization, as
// measured by the caller. Intended to be called periodically (e.g. every few
// seconds).
func (m *Monitor) SampleGPU(utilPct float64) {
	m.mu.Lock()
	m.gpuSamples.add(utilPct)
	m.mu.Unlock()
}

// Evaluate computes the current severity of all four tracked conditions
// and publishes alerts for anything at warn or above.
func (m *Monitor) Evaluate() []Condition {
	conditions := []Condition{
		m.upstreamCPU(),
		m.draftLatencyCondition(),
		m.budgetBreach(),
		m.writeBehindBacklog(),
	}
	for _, c := range conditions {
		if c.Severity == SeverityOK {
			continue
		}
		if m.metrics != nil {
			sev := 1.0
			if c.Severity == SeverityCritical {
				sev = 2.0
			}
			m.metrics.SetGauge("health_condition", sev, map[string]string{"name": c.Name})
		}
		if m.alerts != nil {
			m.alerts.publish(c)
		}
	}
	return conditions
}

func (m *Monitor) upstreamCPU() Condition {
	m.mu.Lock()
	avg, n := m.gpuSamples.average()
	rps := m.requestRate.sum() / m.requestRate.window.Seconds()
	m.mu.Unlock()
	if n == 0 || rps <= 1 {
		return Condition{Name: "UpstreamCPU", Severity: SeverityOK}
	}
	if avg < m.cfg.GPULowUtilPct {
		return Condition{Name: "UpstreamCPU", Severity: SeverityWarn, Detail: "low local GPU utilisation under sustained load"}
	}
	return Condition{Name: "UpstreamCPU", Severity: SeverityOK}
}

func (m *Monitor) draftLatencyCondition() Condition {
	m.mu.Lock()
	p95 := m.draftLatency.percentile(0.95)
	m.mu.Unlock()
	if p95 > float64(m.cfg.DraftLatencyP95Ms) {
		return Condition{Name: "DraftLatency", Severity: SeverityWarn, Detail: "draft p95 latency above threshold"}
	}
	return Condition{Name: "DraftLatency", Severity: SeverityOK}
}

func (m *Monitor) budgetBreach() Condition {
	if m.guard == nil || m.dailyBudgetCap <= 0 {
		return Condition{Name: "BudgetBreach", Severity: SeverityOK}
	}
	frac := m.guard.Snapshot().DailySpentUSD / m.dailyBudgetCap
	switch {
	case frac >= 1.0:
		return Condition{Name: "BudgetBreach", Severity: SeverityCritical, Detail: "daily budget cap reached"}
	case frac >= 0.5:
		return Condition{Name: "BudgetBreach", Severity: SeverityWarn, Detail: "daily budget half consumed"}
	default:
		return Condition{Name: "BudgetBreach", Severity: SeverityOK}
	}
}

func (m *Monitor) writeBehindBacklog() Condition {
	if m.pending == nil {
		return Condition{Name: "WriteBehindBacklog", Severity: SeverityOK}
	}
	if n := m.pending(); n > m.cfg.PendingQueueWarn {
		return Condition{Name: "WriteBehindBacklog", Severity: SeverityWarn, Detail: "memory write-behind queue above threshold"}
	}
	return Condition{Name: "WriteBehindBacklog", Severity: SeverityOK}
}
