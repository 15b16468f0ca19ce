package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"council/internal/budget"
	"council/internal/llm"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name    string
	result  llm.Result
	err     error
	pingErr error
}

func (f *fakeProvider) Name() string                           { return f.name }
func (f *fakeProvider) CostEstimate(llm.Options) float64        { return 0.001 }
func (f *fakeProvider) Generate(ctx context.Context, prompt string, opts llm.Options) (llm.Result, error) {
	return f.result, f.err
}
func (f *fakeProvider) Ping(ctx context.Context) error { return f.pingErr }

func newTestRegistry(t *testing.T, p *fakeProvider) *Registry {
	t.Helper()
	g := budget.New(0.05, 0.30, 1.00, "00:00")
	r := &Registry{
		order:  []string{p.name},
		byName: map[string]llm.Provider{p.name: p},
		guard:  g,
		health: make(map[string]healthEntry),
	}
	return r
}

func TestRegistryGenerateRecordsCost(t *testing.T) {
	p := &fakeProvider{name: "local", result: llm.Result{Text: "hi", TokensIn: 5, TokensOut: 5, CostUSD: 0.001}}
	r := newTestRegistry(t, p)

	res, err := r.Generate(context.Background(), "sess-1", "local", "hello", llm.Options{Timeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, "hi", res.Text)

	snap := r.guard.Snapshot()
	require.InDelta(t, 0.001, snap.DailySpentUSD, 1e-9)
}

func TestRegistryGenerateUnknownProvider(t *testing.T) {
	p := &fakeProvider{name: "local"}
	r := newTestRegistry(t, p)
	_, err := r.Generate(context.Background(), "sess-1", "missing", "hello", llm.Options{})
	require.Error(t, err)
}

func TestRegistryHealthDownWhenPingFails(t *testing.T) {
	p := &fakeProvider{name: "local", pingErr: errors.New("unreachable")}
	r := newTestRegistry(t, p)
	require.Equal(t, Down, r.Health(context.Background(), "local"))
}

func TestRegistryHealthCached(t *testing.T) {
	p := &fakeProvider{name: "local"}
	r := newTestRegistry(t, p)
	require.Equal(t, Healthy, r.Health(context.Background(), "local"))
	p.pingErr = errors.New("now broken")
	// still cached healthy within TTL
	require.Equal(t, Healthy, r.Health(context.Background(), "local"))
}
