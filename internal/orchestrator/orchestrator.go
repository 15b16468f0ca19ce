// Package orchestrator implements Chat, the front-speaker protocol: an
// immediate Agent-0 draft followed by an optional, bounded background
// refinement pass that a caller may receive or abandon.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"council/internal/budget"
	"council/internal/config"
	"council/internal/councilerr"
	"council/internal/health"
	"council/internal/intent"
	"council/internal/llm"
	"council/internal/memory"
	"council/internal/observability"
	"council/internal/persistence/databases"
	"council/internal/providers"
	"council/internal/summarizer"
	"council/internal/voting"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Draft is the immediate, user-visible first answer.
type Draft struct {
	Text              string
	Confidence        float64
	FirstTokenLatency time.Duration
	TotalLatency      time.Duration
	RefinementPending bool
}

// Refinement is the possibly-improved answer a background voting pass
// produces, delivered at most once through a RefinementHandle.
type Refinement struct {
	Text        string
	Improved    bool
	Specialists []string
	Confidence  float64
}

// RefinementHandle exposes single-shot delivery semantics: exactly zero or
// one Refinement, followed by channel close. Callers that abandon a handle
// must call Cancel so the in-flight voting pass is cancelled and nothing it
// produces is written to memory.
type RefinementHandle struct {
	ch     chan Refinement
	cancel context.CancelFunc
	once   sync.Once
}

// Recv blocks until a Refinement arrives or the handle closes with none.
func (h *RefinementHandle) Recv() (Refinement, bool) {
	r, ok := <-h.ch
	return r, ok
}

// Cancel aborts the in-flight refinement. Safe to call multiple times.
func (h *RefinementHandle) Cancel() {
	h.once.Do(h.cancel)
}

// Hints carries the caller-supplied Chat overrides from spec's external
// interface: force a council vote regardless of draft confidence, or suppress
// background refinement entirely.
type Hints struct {
	ForceCouncil  bool
	DisableRefine bool
}

// dedupeTTL bounds how long a cached Draft answers a retried Chat call with
// the same session+prompt before voting is allowed to run again.
const dedupeTTL = 30 * time.Second

var greetingRotation = []string{
	"Hi there — what can I help with?",
	"Hello! How can I help today?",
	"Hey — what's on your mind?",
}

// Orchestrator wires ProviderRegistry, BudgetGuard, MemoryStore, Summariser,
// and VotingEngine into the Chat front-speaker protocol.
type Orchestrator struct {
	cfg        config.Config
	providers  *providers.Registry
	guard      *budget.Guard
	mem        *memory.Store
	summariser *summarizer.Summariser
	voting     *voting.Engine
	health     *health.Monitor
	sessions   databases.SessionStore
	specialists []config.SpecialistDescriptor
	metrics    *observability.Metrics
	log        zerolog.Logger
	dedupe     DedupeStore

	refineSem chan struct{}
	greetN    uint64
	greetMu   sync.Mutex
}

// New constructs an Orchestrator. health may be nil to disable latency/load
// sampling (e.g. in tests). dedupe may be nil to disable retry
// de-duplication.
func New(
	cfg config.Config,
	registry *providers.Registry,
	guard *budget.Guard,
	mem *memory.Store,
	summariser *summarizer.Summariser,
	votingEngine *voting.Engine,
	monitor *health.Monitor,
	sessions databases.SessionStore,
	specialists []config.SpecialistDescriptor,
	metrics *observability.Metrics,
	dedupe DedupeStore,
) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		providers:   registry,
		guard:       guard,
		mem:         mem,
		summariser:  summariser,
		voting:      votingEngine,
		health:      monitor,
		sessions:    sessions,
		specialists: specialists,
		metrics:     metrics,
		log:         *observability.LoggerWithTrace(context.Background()),
		dedupe:      dedupe,
		refineSem:   make(chan struct{}, maxInt(cfg.Specialist.Concurrency, 1)),
	}
}

// Chat runs the front-speaker protocol for one prompt within session,
// returning the immediate Draft and, when a background refinement was
// started, a handle for it. hints.ForceCouncil treats the confidence gate as
// failed so a refinement always starts (greetings are unaffected);
// hints.DisableRefine suppresses refinement regardless of confidence.
func (o *Orchestrator) Chat(ctx context.Context, promptText, sessionID string, hints Hints) (Draft, *RefinementHandle, error) {
	if o.health != nil {
		o.health.RecordRequest()
	}
	if strings.TrimSpace(promptText) == "" {
		return Draft{}, nil, councilerr.New(councilerr.InvalidInput, "orchestrator.Chat", fmt.Errorf("empty prompt"))
	}

	dedupeKey := o.dedupeKey(sessionID, promptText)
	if cached, ok := o.lookupDedupe(ctx, dedupeKey); ok {
		return cached, nil, nil
	}

	sess, err := o.sessions.EnsureSession(ctx, sessionID, "")
	if err != nil {
		return Draft{}, nil, councilerr.New(councilerr.StoreUnavailable, "orchestrator.Chat", err)
	}
	sessionID = sess.ID

	arrival := time.Now()
	cls := intent.Classify(promptText)

	if _, err := o.mem.Add(ctx, sessionID, promptText, map[string]string{"role": "user"}); err != nil {
		o.log.Warn().Err(err).Msg("chat_memory_add_user_degraded")
	}
	if err := o.sessions.AppendTurns(ctx, sessionID, []databases.Turn{{Role: "user", Content: promptText}}, databases.SnippetForPreview(promptText)); err != nil {
		o.log.Warn().Err(err).Msg("chat_append_user_turn_degraded")
	}

	if cls.Greeting {
		text := o.nextGreeting()
		draft := Draft{Text: text, Confidence: 1.0, TotalLatency: time.Since(arrival)}
		o.recordAssistantTurn(ctx, sessionID, text, text, "agent0-greeting", draft.Confidence, 0, 0)
		o.addAssistantMemory(ctx, sessionID, text, "agent0-greeting")
		o.storeDedupe(ctx, dedupeKey, draft)
		return draft, nil, nil
	}

	shortPrompt := len(promptText) < 120 && !cls.CloudRequired && !hints.ForceCouncil
	if shortPrompt {
		draft, handle, err := o.localOnly(ctx, sessionID, promptText, arrival)
		o.storeDedupe(ctx, dedupeKey, draft)
		return draft, handle, err
	}

	draftText, draftConf, res, draftErr := o.agent0Draft(ctx, sessionID, promptText)
	if o.health != nil {
		o.health.RecordDraftLatency(time.Since(arrival))
	}

	budgetExceeded := councilerr.Is(draftErr, councilerr.BudgetExceeded)
	switch {
	case budgetExceeded:
		draftText = "Daily budget exhausted; this reply is local-only until the budget window resets."
		draftConf = 0.3
	case draftErr != nil:
		draftText = "I'm having trouble reaching a model right now; here's a best-effort placeholder while I try to improve this."
		draftConf = 0.1
	}

	draft := Draft{
		Text:              draftText,
		Confidence:        draftConf,
		FirstTokenLatency: time.Duration(res.FirstTokenLatencyMs) * time.Millisecond,
		TotalLatency:      time.Since(arrival),
	}

	turnID := o.recordAssistantTurn(ctx, sessionID, draftText, draftText, "agent0", draftConf, res.TokensOut, res.CostUSD)

	// BudgetExceeded is user-visible and disables refinement for this
	// request; any other draft error always triggers refinement (spec §7).
	refinementNeeded := !budgetExceeded && (draftErr != nil || draftConf < o.cfg.Draft.ConfidenceGate || cls.CloudRequired || hints.ForceCouncil)
	if budgetExceeded || hints.DisableRefine || !o.cfg.Refinement.Enabled || !refinementNeeded {
		o.addAssistantMemory(ctx, sessionID, draftText, "agent0")
		o.storeDedupe(ctx, dedupeKey, draft)
		return draft, nil, nil
	}

	draft.RefinementPending = true
	handle := o.startRefinement(sessionID, promptText, cls, draftText, draftConf, turnID)
	o.storeDedupe(ctx, dedupeKey, draft)
	return draft, handle, nil
}

// dedupeKey derives a retry-idempotency key from the session and exact
// prompt text. Two Chat calls that hash identically within dedupeTTL are
// treated as the same logical request.
func (o *Orchestrator) dedupeKey(sessionID, promptText string) string {
	sum := sha256.Sum256([]byte(sessionID + "\x00" + promptText))
	return "council:chat:" + hex.EncodeToString(sum[:])
}

// lookupDedupe returns a previously cached Draft for key, if any. Errors
// from the dedupe backend are treated as a miss; dedup is an optimisation,
// never a correctness requirement.
func (o *Orchestrator) lookupDedupe(ctx context.Context, key string) (Draft, bool) {
	if o.dedupe == nil {
		return Draft{}, false
	}
	raw, err := o.dedupe.Get(ctx, key)
	if err != nil || raw == "" {
		return Draft{}, false
	}
	var draft Draft
	if err := json.Unmarshal([]byte(raw), &draft); err != nil {
		return Draft{}, false
	}
	return draft, true
}

// storeDedupe caches draft under key for dedupeTTL so a retried transport
// call for the same session+prompt replays this answer instead of
// re-running the draft model.
func (o *Orchestrator) storeDedupe(ctx context.Context, key string, draft Draft) {
	if o.dedupe == nil {
		return
	}
	raw, err := json.Marshal(draft)
	if err != nil {
		return
	}
	if err := o.dedupe.Set(ctx, key, string(raw), dedupeTTL); err != nil {
		o.log.Warn().Err(err).Msg("chat_dedupe_store_degraded")
	}
}

// localOnly is the short-prompt gate: skip voting
// entirely and answer from the local generalist only.
func (o *Orchestrator) localOnly(ctx context.Context, sessionID, promptText string, arrival time.Time) (Draft, *RefinementHandle, error) {
	opts := llm.Options{MaxTokens: o.cfg.Draft.MaxTokens, Temperature: o.cfg.Draft.Temperature, Timeout: o.cfg.Draft.Timeout}
	res, err := o.providers.Generate(ctx, sessionID, "local", promptText, opts)
	text := strings.TrimSpace(res.Text)
	conf := 0.5
	if err != nil {
		text = "I couldn't reach the local model for that — please try again shortly."
		conf = 0.2
	} else {
		conf = draftConfidence(text, res.TokensOut, res.Truncated)
	}
	o.recordAssistantTurn(ctx, sessionID, text, text, "agent0-local", conf, res.TokensOut, res.CostUSD)
	o.addAssistantMemory(ctx, sessionID, text, "agent0-local")
	return Draft{Text: text, Confidence: conf, TotalLatency: time.Since(arrival)}, nil, nil
}

// addAssistantMemory writes the one MemoryEntry recorded per
// assistant final reply ("one per user message and one per assistant final
// reply"). Degradation is logged, never surfaced to the caller.
func (o *Orchestrator) addAssistantMemory(ctx context.Context, sessionID, text, provenance string) {
	if _, err := o.mem.Add(ctx, sessionID, text, map[string]string{"role": "assistant", "provenance": provenance}); err != nil {
		o.log.Warn().Err(err).Msg("chat_memory_add_assistant_degraded")
	}
}

// agent0Draft builds the bounded context (summary + recall + recent) and
// calls the draft model.
func (o *Orchestrator) agent0Draft(ctx context.Context, sessionID, promptText string) (string, float64, llm.Result, error) {
	enhanced := o.buildDraftPrompt(ctx, sessionID, promptText)

	cctx, cancel := context.WithTimeout(ctx, o.cfg.Draft.Timeout)
	defer cancel()
	opts := llm.Options{MaxTokens: o.cfg.Draft.MaxTokens, Temperature: o.cfg.Draft.Temperature, Timeout: o.cfg.Draft.Timeout}
	res, err := o.providers.Generate(cctx, sessionID, "local", enhanced, opts)
	if err != nil {
		return "", 0, res, err
	}
	text := strings.TrimSpace(res.Text)
	return text, draftConfidence(text, res.TokensOut, res.Truncated), res, nil
}

const draftContextTokenCap = 400

// buildDraftPrompt injects the session summary and up to 3 recall/recent
// entries each, trimmed to a combined 400-token budget.
func (o *Orchestrator) buildDraftPrompt(ctx context.Context, sessionID, promptText string) string {
	var sb strings.Builder
	budget := draftContextTokenCap

	if summary, err := o.mem.Summary(ctx, sessionID); err == nil && summary != "" {
		summary = capWords(summary, budget)
		sb.WriteString("Summary: ")
		sb.WriteString(summary)
		sb.WriteString("\n")
		budget -= wordCount(summary)
	}

	if budget > 0 {
		if results, err := o.mem.Query(ctx, sessionID, promptText, o.cfg.Memory.QueryK); err == nil {
			for _, r := range results {
				if budget <= 0 {
					break
				}
				line := capWords(r.Entry.Content, budget)
				sb.WriteString("Recall: ")
				sb.WriteString(line)
				sb.WriteString("\n")
				budget -= wordCount(line)
			}
		}
	}

	if budget > 0 {
		for _, e := range o.mem.Recent(sessionID, 3) {
			if budget <= 0 {
				break
			}
			line := capWords(e.Content, budget)
			sb.WriteString("Recent: ")
			sb.WriteString(line)
			sb.WriteString("\n")
			budget -= wordCount(line)
		}
	}

	sb.WriteString("User: ")
	sb.WriteString(promptText)
	return sb.String()
}

// startRefinement spawns the bounded background voting pass. A semaphore
// guarantees a burst of low-confidence prompts cannot exhaust inference
// backends.
func (o *Orchestrator) startRefinement(sessionID, promptText string, cls intent.Result, draftText string, draftConf float64, turnID string) *RefinementHandle {
	rctx, cancel := context.WithCancel(context.Background())
	handle := &RefinementHandle{ch: make(chan Refinement, 1), cancel: cancel}

	go func() {
		defer close(handle.ch)
		select {
		case o.refineSem <- struct{}{}:
			defer func() { <-o.refineSem }()
		case <-rctx.Done():
			return
		}

		deadline := o.cfg.Refinement.Deadline
		cctx, dcancel := context.WithTimeout(rctx, deadline)
		defer dcancel()

		descriptors := selectSpecialists(cls, o.specialists, 3)
		dominant := dominantIntent(cls)

		vote := o.voting.Vote(cctx, sessionID, promptText, descriptors, dominant, draftText, draftConf)

		if cctx.Err() != nil {
			return // cancelled or timed out: discard, nothing written to memory
		}

		improved := vote.Fused && normalizeWS(vote.Text) != normalizeWS(draftText) &&
			vote.Confidence >= draftConf+o.cfg.Voting.ReplaceMargin

		bg := context.Background()
		if err := o.sessions.UpdateTurn(bg, sessionID, turnID, vote.Text, vote.WinnerName, vote.Confidence, 0, 0); err != nil {
			o.log.Warn().Err(err).Msg("refinement_update_turn_degraded")
		}
		o.addAssistantMemory(bg, sessionID, vote.Text, vote.WinnerName)
		o.maybeResummarise(bg, sessionID)

		if !improved {
			return
		}
		names := make([]string, 0, len(vote.Candidates))
		for _, c := range vote.Candidates {
			if c.SpecialistName != "" {
				names = append(names, c.SpecialistName)
			}
		}
		select {
		case handle.ch <- Refinement{Text: vote.Text, Improved: true, Specialists: names, Confidence: vote.Confidence}:
		case <-rctx.Done():
		}
	}()

	return handle
}

const resummariseEveryNTurns = 6

func (o *Orchestrator) maybeResummarise(ctx context.Context, sessionID string) {
	turns, err := o.sessions.ListTurns(ctx, sessionID, 0)
	if err != nil || len(turns) == 0 || len(turns)%resummariseEveryNTurns != 0 {
		return
	}
	summary := o.summariser.Summarise(ctx, sessionID, turns)
	if summary == "" {
		return
	}
	if err := o.mem.UpdateSummary(ctx, sessionID, summary); err != nil {
		o.log.Warn().Err(err).Msg("resummarise_update_degraded")
	}
}

// recordAssistantTurn appends (or, for the initial draft turn, creates) the
// assistant Turn and returns its id so a later refinement can target it with
// UpdateTurn.
func (o *Orchestrator) recordAssistantTurn(ctx context.Context, sessionID, draftText, finalText, provenance string, confidence float64, tokens int, costUSD float64) string {
	turnID := uuid.NewString()
	turn := databases.Turn{
		ID:         turnID,
		SessionID:  sessionID,
		Role:       "assistant",
		Content:    finalText,
		DraftText:  draftText,
		FinalText:  finalText,
		Provenance: provenance,
		Confidence: confidence,
		Tokens:     tokens,
		CostUSD:    costUSD,
	}
	if err := o.sessions.AppendTurns(ctx, sessionID, []databases.Turn{turn}, databases.SnippetForPreview(finalText)); err != nil {
		o.log.Warn().Err(err).Msg("chat_append_assistant_turn_degraded")
	}
	return turnID
}

func (o *Orchestrator) nextGreeting() string {
	o.greetMu.Lock()
	defer o.greetMu.Unlock()
	idx := o.greetN % uint64(len(greetingRotation))
	o.greetN++
	return greetingRotation[idx]
}

// selectSpecialists picks up to max specialists from descriptors whose
// domain tags match an intent score ≥ 0.2, ranked by that score descending.
func selectSpecialists(cls intent.Result, descriptors []config.SpecialistDescriptor, max int) []config.SpecialistDescriptor {
	chosen := make([]config.SpecialistDescriptor, 0, max)
	seen := make(map[string]bool, max)
	for _, score := range cls.Scores {
		if score.Confidence < 0.2 || score.Name == "general" || score.Name == "greeting" {
			continue
		}
		for _, d := range descriptors {
			if seen[d.Name] {
				continue
			}
			if hasTag(d.DomainTags, score.Name) {
				chosen = append(chosen, d)
				seen[d.Name] = true
				if len(chosen) >= max {
					return chosen
				}
			}
		}
	}
	return chosen
}

func hasTag(tags []string, name string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

func dominantIntent(cls intent.Result) string {
	if len(cls.Scores) == 0 {
		return "general"
	}
	return cls.Scores[0].Name
}

// draftConfidence approximates Agent-0's confidence when the provider
// reports none: penalised for very short or truncated output, same
// length-based shape the SpecialistRunner uses for its own heuristic.
func draftConfidence(text string, tokensOut int, truncated bool) float64 {
	if text == "" {
		return 0
	}
	base := 0.5 + 0.08*math.Log2(float64(maxInt(tokensOut, 1))+1)
	if truncated {
		base -= 0.15
	}
	if tokensOut <= 1 {
		base -= 0.2
	}
	return clamp01(base)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func normalizeWS(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func capWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	if maxWords <= 0 {
		return ""
	}
	return strings.Join(words[:maxWords], " ")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
