// Package budget enforces three cost caps: per request, per session, and
// process-wide per day.
package budget

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"council/internal/councilerr"
)

// Snapshot is a read-only view of current spend.
type Snapshot struct {
	DailySpentUSD   float64
	SessionSpentUSD map[string]float64
	RequestTokens   int
	StartedAt       time.Time
}

// Guard is the process-wide spend guard. All state mutation happens under
// a single lock, injected into the components that need it rather than
// held as an ambient global.
type Guard struct {
	perRequestUSD float64
	sessionUSD    float64
	dailyUSD      float64
	resetHour     int
	resetMinute   int

	mu            sync.Mutex
	dailySpent    float64
	sessionSpent  map[string]float64
	requestTokens int
	startedAt     time.Time
	lastBoundary  time.Time
}

// New constructs a Guard with the given USD caps and a "HH:MM" UTC daily
// reset boundary.
func New(perRequestUSD, sessionUSD, dailyUSD float64, resetUTC string) *Guard {
	hour, minute := parseHHMM(resetUTC)
	now := time.Now().UTC()
	g := &Guard{
		perRequestUSD: perRequestUSD,
		sessionUSD:    sessionUSD,
		dailyUSD:      dailyUSD,
		resetHour:     hour,
		resetMinute:   minute,
		sessionSpent:  make(map[string]float64),
		startedAt:     now,
	}
	g.lastBoundary = currentBoundary(now, hour, minute)
	return g
}

func currentBoundary(now time.Time, hour, minute int) time.Time {
	boundary := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if now.Before(boundary) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}

func parseHHMM(s string) (int, int) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return h, m
}

// Authorise checks whether a generation of estimated cost is allowed for
// session. Must be called before any paid provider dispatch.
func (g *Guard) Authorise(session string, estimatedCost float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfNeededLocked()

	if estimatedCost > g.perRequestUSD {
		return councilerr.New(councilerr.BudgetExceeded, "budget.Authorise",
			fmt.Errorf("estimated cost %.4f exceeds per-request cap %.4f", estimatedCost, g.perRequestUSD))
	}
	if g.sessionSpent[session]+estimatedCost > g.sessionUSD {
		return councilerr.New(councilerr.BudgetExceeded, "budget.Authorise",
			fmt.Errorf("session %s spend would exceed session cap %.4f", session, g.sessionUSD))
	}
	if g.dailySpent+estimatedCost > g.dailyUSD {
		return councilerr.New(councilerr.BudgetExceeded, "budget.Authorise",
			fmt.Errorf("daily spend would exceed cap %.4f", g.dailyUSD))
	}
	return nil
}

// Record books an actual cost against session after a successful
// generation. Called unconditionally — daily_spent_usd only moves forward.
func (g *Guard) Record(session string, actualCost float64, tokens int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfNeededLocked()
	g.dailySpent += actualCost
	g.sessionSpent[session] += actualCost
	g.requestTokens += tokens
}

// Snapshot returns a point-in-time copy of the current budget state.
func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make(map[string]float64, len(g.sessionSpent))
	for k, v := range g.sessionSpent {
		cp[k] = v
	}
	return Snapshot{
		DailySpentUSD:   g.dailySpent,
		SessionSpentUSD: cp,
		RequestTokens:   g.requestTokens,
		StartedAt:       g.startedAt,
	}
}

// resetIfNeededLocked clears daily counters once wall-clock has crossed the
// configured UTC reset boundary since the last reset. Caller holds g.mu.
func (g *Guard) resetIfNeededLocked() {
	now := time.Now().UTC()
	boundary := currentBoundary(now, g.resetHour, g.resetMinute)
	if !boundary.After(g.lastBoundary) {
		return
	}
	g.dailySpent = 0
	g.sessionSpent = make(map[string]float64)
	g.lastBoundary = boundary
}
