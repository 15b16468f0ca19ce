// Package specialist executes a single specialist generation under its
// declared caps and normalises the raw provider output into a Candidate.
package specialist

import (
	"context"
	"math"
	"regexp"
	"strings"
	"time"

	"council/internal/budget"
	"council/internal/config"
	"council/internal/councilerr"
	"council/internal/llm"
	"council/internal/providers"
)

// Status is the outcome classification of one specialist's Candidate.
type Status string

const (
	StatusOK           Status = "ok"
	StatusStubFiltered Status = "stub_filtered"
	StatusUnsure       Status = "unsure"
	StatusTimeout      Status = "timeout"
	StatusError        Status = "error"
	StatusBudgetDenied Status = "budget_denied"
)

// Candidate is the transient per-specialist result a VotingEngine
// invocation collects, scores, and fuses.
type Candidate struct {
	SpecialistName string
	Text           string
	Confidence     float64
	Tokens         int
	CostUSD        float64
	Latency        time.Duration
	Status         Status
	ErrorKind      councilerr.Kind
	Truncated      bool
}

var unsureRe = regexp.MustCompile(`(?i)^\s*unsure\b`)

// Stub markers: template placeholders, TODO-style markers, and stock
// "can't help" phrases.
var stubMarkers = []string{
	"{{", "[todo]", "todo:", "fixme", "lorem ipsum",
	"i don't know how to help", "i cannot help with that",
	"as an ai language model", "implementation pending",
}

const minNonWhitespaceChars = 10

// Runner executes specialists against the ProviderRegistry.
type Runner struct {
	registry *providers.Registry
	guard    *budget.Guard
}

// New constructs a Runner.
func New(registry *providers.Registry, guard *budget.Guard) *Runner {
	return &Runner{registry: registry, guard: guard}
}

// Run dispatches descriptor's prompt to its configured provider, scrubs the
// output, and scores confidence. Never returns an error to the caller: any
// failure from the provider is folded into the returned Candidate's
// Status/ErrorKind instead.
func (r *Runner) Run(ctx context.Context, session string, descriptor config.SpecialistDescriptor, prompt string, dominantIntent string) Candidate {
	base := Candidate{SpecialistName: descriptor.Name}

	opts := llm.Options{
		MaxTokens:   descriptor.TokenCap,
		Temperature: descriptor.Temperature,
		Timeout:     time.Duration(descriptor.TimeoutSecs) * time.Second,
	}

	start := time.Now()
	res, err := r.registry.Generate(ctx, session, descriptor.Provider, prompt, opts)
	latency := time.Since(start)
	base.Latency = latency
	base.Tokens = res.TokensOut
	base.CostUSD = res.CostUSD
	base.Truncated = res.Truncated

	if err != nil {
		kind := councilerr.KindOf(err)
		base.ErrorKind = kind
		if kind == councilerr.BudgetExceeded {
			base.Status = StatusBudgetDenied
		} else if kind == councilerr.Timeout {
			base.Status = StatusTimeout
		} else {
			base.Status = StatusError
		}
		return base
	}

	return scrub(base, res.Text, descriptor, dominantIntent)
}

func scrub(base Candidate, text string, descriptor config.SpecialistDescriptor, dominantIntent string) Candidate {
	trimmed := strings.TrimSpace(text)
	base.Text = trimmed

	if unsureRe.MatchString(trimmed) {
		base.Status = StatusUnsure
		base.Confidence = 0.05
		return base
	}

	lower := strings.ToLower(trimmed)
	for _, marker := range stubMarkers {
		if strings.Contains(lower, marker) {
			base.Status = StatusStubFiltered
			base.Confidence = 0
			return base
		}
	}
	if nonWhitespaceLen(trimmed) < minNonWhitespaceChars {
		base.Status = StatusStubFiltered
		base.Confidence = 0
		return base
	}

	if base.Tokens > descriptor.TokenCap {
		base.Truncated = true
		base.Tokens = descriptor.TokenCap
	}

	floor := 0.4
	for _, tag := range descriptor.DomainTags {
		if strings.EqualFold(tag, dominantIntent) {
			floor = 0.7
			break
		}
	}
	penalty := floor + math.Min(0.6-(floor-0.4), 0.04*float64(base.Tokens))
	base.Confidence = clamp01(confidenceHeuristic(base.Tokens) * penalty)
	base.Status = StatusOK
	return base
}

// confidenceHeuristic approximates a base confidence from output length
// when the provider exposes no native confidence signal in ProviderMeta.
func confidenceHeuristic(tokens int) float64 {
	if tokens <= 0 {
		return 0
	}
	return clamp01(0.5 + 0.1*math.Log2(float64(tokens)))
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

func nonWhitespaceLen(s string) int {
	n := 0
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			n++
		}
	}
	return n
}
