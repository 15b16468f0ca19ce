package health

import (
	"testing"
	"time"

	"council/internal/budget"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		GPULowUtilPct:      20,
		GPULowUtilWindow:   time.Minute,
		DraftLatencyP95Ms:  400,
		DraftLatencyWindow: time.Minute,
		PendingQueueWarn:   1000,
	}
}

func TestDraftLatencyWarnsOverThreshold(t *testing.T) {
	m := New(testConfig(), nil, 0, nil, nil, nil)
	for i := 0; i < 20; i++ {
		m.RecordDraftLatency(500 * time.Millisecond)
	}
	c := m.draftLatencyCondition()
	require.Equal(t, SeverityWarn, c.Severity)
}

func TestDraftLatencyOKUnderThreshold(t *testing.T) {
	m := New(testConfig(), nil, 0, nil, nil, nil)
	m.RecordDraftLatency(50 * time.Millisecond)
	c := m.draftLatencyCondition()
	require.Equal(t, SeverityOK, c.Severity)
}

func TestBudgetBreachSeverityLevels(t *testing.T) {
	g := budget.New(0.05, 0.30, 1.00, "00:00")
	m := New(testConfig(), g, 1.00, nil, nil, nil)
	require.Equal(t, SeverityOK, m.budgetBreach().Severity)

	g.Record("sess-1", 0.60, 10)
	require.Equal(t, SeverityWarn, m.budgetBreach().Severity)

	g.Record("sess-1", 0.50, 10)
	require.Equal(t, SeverityCritical, m.budgetBreach().Severity)
}

func TestWriteBehindBacklogWarnsOverThreshold(t *testing.T) {
	pending := func() int { return 2000 }
	m := New(testConfig(), nil, 0, pending, nil, nil)
	require.Equal(t, SeverityWarn, m.writeBehindBacklog().Severity)
}

func TestUpstreamCPUIgnoresLowRequestRate(t *testing.T) {
	m := New(testConfig(), nil, 0, nil, nil, nil)
	m.SampleGPU(5)
	require.Equal(t, SeverityOK, m.upstreamCPU().Severity)
}

func TestUpstreamCPUWarnsUnderSustainedLoad(t *testing.T) {
	m := New(testConfig(), nil, 0, nil, nil, nil)
	for i := 0; i < 5; i++ {
		m.SampleGPU(5)
	}
	// 120 requests in the one-minute window is 2 rps, above the 1 rps gate.
	for i := 0; i < 120; i++ {
		m.RecordRequest()
	}
	require.Equal(t, SeverityWarn, m.upstreamCPU().Severity)
}
