package budget

import (
	"testing"

	"council/internal/councilerr"

	"github.com/stretchr/testify/require"
)

func TestAuthoriseDeniesOverPerRequestCap(t *testing.T) {
	g := New(0.05, 0.30, 1.00, "00:00")
	err := g.Authorise("sess-1", 0.10)
	require.Error(t, err)
	require.Equal(t, councilerr.BudgetExceeded, councilerr.KindOf(err))
}

func TestAuthoriseDeniesOverSessionCap(t *testing.T) {
	g := New(0.05, 0.10, 1.00, "00:00")
	g.Record("sess-1", 0.08, 100)
	err := g.Authorise("sess-1", 0.05)
	require.Error(t, err)
}

func TestAuthoriseDeniesOverDailyCap(t *testing.T) {
	g := New(0.05, 5.00, 0.10, "00:00")
	g.Record("sess-1", 0.08, 100)
	err := g.Authorise("sess-2", 0.05)
	require.Error(t, err)
}

func TestRecordAccumulatesAcrossSessions(t *testing.T) {
	g := New(0.05, 5.00, 1.00, "00:00")
	g.Record("sess-1", 0.02, 10)
	g.Record("sess-2", 0.03, 20)

	snap := g.Snapshot()
	require.InDelta(t, 0.05, snap.DailySpentUSD, 1e-9)
	require.InDelta(t, 0.02, snap.SessionSpentUSD["sess-1"], 1e-9)
	require.Equal(t, 30, snap.RequestTokens)
}

func TestAuthoriseAllowsWithinCaps(t *testing.T) {
	g := New(0.05, 0.30, 1.00, "00:00")
	require.NoError(t, g.Authorise("sess-1", 0.01))
}
