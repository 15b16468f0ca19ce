package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"council/internal/budget"
	"council/internal/config"
	"council/internal/llm"
	"council/internal/memory"
	"council/internal/persistence/databases"
	"council/internal/providers"
	"council/internal/specialist"
	"council/internal/summarizer"
	"council/internal/voting"

	"github.com/stretchr/testify/require"
)

// fakeLocal is a deterministic llm.Provider standing in for the local draft
// model and every specialist backend in these tests.
type fakeLocal struct {
	mu    sync.Mutex
	text  string
	conf  int // tokens out; draftConfidence derives confidence from this
	err   error
	calls int
}

func (f *fakeLocal) Name() string                    { return "local" }
func (f *fakeLocal) CostEstimate(llm.Options) float64 { return 0 }
func (f *fakeLocal) Generate(ctx context.Context, prompt string, opts llm.Options) (llm.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return llm.Result{}, f.err
	}
	return llm.Result{Text: f.text, TokensOut: f.conf}, nil
}

func (f *fakeLocal) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeDedupe is an in-memory DedupeStore for exercising retry behavior
// without a live Redis instance.
type fakeDedupe struct {
	mu    sync.Mutex
	store map[string]string
}

func newFakeDedupe() *fakeDedupe { return &fakeDedupe{store: map[string]string{}} }

func (d *fakeDedupe) Get(_ context.Context, key string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store[key], nil
}

func (d *fakeDedupe) Set(_ context.Context, key, value string, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.store[key] = value
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Draft: config.DraftConfig{
			MaxTokens:      64,
			Timeout:        time.Second,
			ConfidenceGate: 0.60,
			Temperature:    0,
		},
		Specialist: config.SpecialistConfig{MaxTokens: 64, Timeout: time.Second, Concurrency: 4},
		Voting:     config.VotingConfig{Deadline: time.Second, FusionTopK: 3, ShortcutThreshold: 0.8, ReplaceMargin: 0.15},
		Refinement: config.RefinementConfig{Deadline: time.Second, Enabled: true},
		Memory:     config.MemoryConfig{QueryK: 3},
	}
}

// harness bundles a fully-wired, network-free Orchestrator plus the fake it
// was built around, so individual tests only pick the assertions that matter.
type harness struct {
	orch  *Orchestrator
	local *fakeLocal
	sess  databases.SessionStore
}

func newHarness(t *testing.T, cfg config.Config, dedupe DedupeStore) *harness {
	t.Helper()
	local := &fakeLocal{text: "a fine draft answer about the topic at hand", conf: 20}
	guard := budget.New(0.05, 0.30, 1.00, "00:00")
	registry := providers.NewWithProviders(map[string]llm.Provider{"local": local}, []string{"local"}, guard, nil)
	runner := specialist.New(registry, guard)
	votingEngine := voting.New(runner, cfg.Voting.Deadline)
	summariser := summarizer.New(registry, "local")

	sess := databases.NewMemorySession()
	memCfg := memory.Config{
		Dimension:       8,
		FlushInterval:   10 * time.Millisecond,
		ReindexInterval: time.Hour,
		ArchiveAge:      30 * 24 * time.Hour,
		PurgeAge:        90 * 24 * time.Hour,
		SessionTTL:      30 * 24 * time.Hour,
		DurableLogPath:  t.TempDir() + "/memory.log",
	}
	mem, err := memory.New(memCfg, databases.NewMemoryVector(), sess, memory.NewDeterministic(8, 1), nil)
	require.NoError(t, err)
	t.Cleanup(mem.Close)

	orch := New(cfg, registry, guard, mem, summariser, votingEngine, nil, sess, nil, nil, dedupe)
	return &harness{orch: orch, local: local, sess: sess}
}

func TestChatGreetingFastPath(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	draft, handle, err := h.orch.Chat(context.Background(), "hello there", "sess-1", Hints{})
	require.NoError(t, err)
	require.Nil(t, handle)
	require.Equal(t, 1.0, draft.Confidence)
	require.Contains(t, greetingRotation, draft.Text)
	require.Equal(t, 0, h.local.callCount())
}

func TestChatEmptyPromptRejected(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	_, _, err := h.orch.Chat(context.Background(), "   ", "sess-1", Hints{})
	require.Error(t, err)
}

func TestChatShortPromptUsesLocalOnlyPath(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	// >=15 non-whitespace chars (else intent.Classify treats it as a greeting)
	// and <120 chars, no risk markers: routes through localOnly, not agent0Draft.
	draft, handle, err := h.orch.Chat(context.Background(), "what time zone should I use for this meeting", "sess-1", Hints{})
	require.NoError(t, err)
	require.Nil(t, handle)
	require.NotEmpty(t, draft.Text)
}

func TestChatHighConfidenceDraftSkipsRefinement(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, nil)
	h.local.text = "a confident, sufficiently long answer with plenty of detail in it"
	h.local.conf = 200 // pushes draftConfidence above the gate

	longPrompt := "Please walk me through, in careful detail, the tradeoffs between eventual consistency and strong consistency for a distributed ledger."
	draft, handle, err := h.orch.Chat(context.Background(), longPrompt, "sess-1", Hints{})
	require.NoError(t, err)
	require.Nil(t, handle)
	require.False(t, draft.RefinementPending)
}

func TestChatLowConfidenceDraftStartsRefinement(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, nil)
	h.local.text = "unsure"
	h.local.conf = 1 // drives draftConfidence well under the 0.60 gate

	longPrompt := "Please walk me through, in careful detail, the tradeoffs between eventual consistency and strong consistency for a distributed ledger."
	draft, handle, err := h.orch.Chat(context.Background(), longPrompt, "sess-1", Hints{})
	require.NoError(t, err)
	require.NotNil(t, handle)
	require.True(t, draft.RefinementPending)
	handle.Cancel()
	_, ok := handle.Recv()
	require.False(t, ok)
}

func TestChatDisableRefineHintSuppressesRefinement(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, nil)
	h.local.text = "unsure"
	h.local.conf = 1

	longPrompt := "Please walk me through, in careful detail, the tradeoffs between eventual consistency and strong consistency for a distributed ledger."
	draft, handle, err := h.orch.Chat(context.Background(), longPrompt, "sess-1", Hints{DisableRefine: true})
	require.NoError(t, err)
	require.Nil(t, handle)
	require.False(t, draft.RefinementPending)
}

func TestChatForceCouncilHintStartsRefinementDespiteHighConfidence(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, nil)
	h.local.text = "a confident, sufficiently long answer with plenty of detail in it"
	h.local.conf = 200

	longPrompt := "Please walk me through, in careful detail, the tradeoffs between eventual consistency and strong consistency for a distributed ledger."
	draft, handle, err := h.orch.Chat(context.Background(), longPrompt, "sess-1", Hints{ForceCouncil: true})
	require.NoError(t, err)
	require.NotNil(t, handle)
	require.True(t, draft.RefinementPending)
	handle.Cancel()
}

func TestChatDedupeReturnsCachedDraftWithoutRerunningModel(t *testing.T) {
	cfg := testConfig()
	dedupe := newFakeDedupe()
	h := newHarness(t, cfg, dedupe)
	h.local.text = "a confident, sufficiently long answer with plenty of detail in it"
	h.local.conf = 200

	longPrompt := "Please walk me through, in careful detail, the tradeoffs between eventual consistency and strong consistency for a distributed ledger."
	first, _, err := h.orch.Chat(context.Background(), longPrompt, "sess-1", Hints{})
	require.NoError(t, err)
	callsAfterFirst := h.local.callCount()
	require.Greater(t, callsAfterFirst, 0)

	second, handle, err := h.orch.Chat(context.Background(), longPrompt, "sess-1", Hints{})
	require.NoError(t, err)
	require.Nil(t, handle)
	require.Equal(t, first.Text, second.Text)
	require.Equal(t, callsAfterFirst, h.local.callCount(), "retried call must not re-invoke the draft model")
}
