// Package voting fans specialist candidates out in parallel and fuses them
// into a single winning answer: the longest candidate within a confidence
// band of the best, with ties broken by confidence, tokens, then priority.
package voting

import (
	"context"
	"sort"
	"strings"
	"time"

	"council/internal/config"
	"council/internal/specialist"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one VotingEngine invocation.
type Result struct {
	Text       string
	WinnerName string
	Confidence float64
	Candidates []specialist.Candidate
	Fused      bool
}

const (
	shortcutConfidence = 0.80
	fusionTopK         = 3
	fusionBand         = 0.15
	replaceMargin      = 0.15
)

// Engine runs specialists under a SpecialistRunner and selects or fuses the
// winning answer.
type Engine struct {
	runner   *specialist.Runner
	deadline time.Duration
}

// New constructs an Engine with the global per-vote deadline.
func New(runner *specialist.Runner, deadline time.Duration) *Engine {
	return &Engine{runner: runner, deadline: deadline}
}

// Vote dispatches every descriptor in parallel against prompt, waits for
// all completions or the global deadline (whichever comes first), then
// selects or fuses a winner against draftText/draftConfidence.
func (e *Engine) Vote(ctx context.Context, session, prompt string, descriptors []config.SpecialistDescriptor, dominantIntent, draftText string, draftConfidence float64) Result {
	cctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	candidates := make([]specialist.Candidate, len(descriptors))
	g, gctx := errgroup.WithContext(cctx)
	for i, d := range descriptors {
		i, d := i, d
		g.Go(func() error {
			candidates[i] = e.runner.Run(gctx, session, d, prompt, dominantIntent)
			return nil
		})
	}
	_ = g.Wait() // Run never returns an error; cancellation truncates slow candidates' context only

	survivors := filterSurvivors(candidates, descriptors)
	if len(survivors) == 0 {
		return Result{Text: draftText, WinnerName: "agent0", Confidence: draftConfidence, Candidates: candidates, Fused: false}
	}

	if shortcut, ok := findShortcut(survivors, dominantIntent); ok {
		return Result{Text: shortcut.Text, WinnerName: shortcut.SpecialistName, Confidence: shortcut.Confidence, Candidates: candidates, Fused: false}
	}

	top := topK(survivors, fusionTopK)
	winner := fuse(top)

	if winner.Confidence >= draftConfidence*(1+replaceMargin) {
		return Result{Text: winner.Text, WinnerName: winner.SpecialistName, Confidence: winner.Confidence, Candidates: candidates, Fused: true}
	}
	return Result{Text: draftText, WinnerName: "agent0", Confidence: draftConfidence, Candidates: candidates, Fused: false}
}

func filterSurvivors(candidates []specialist.Candidate, descriptors []config.SpecialistDescriptor) []ranked {
	priority := make(map[string]int, len(descriptors))
	domainTags := make(map[string][]string, len(descriptors))
	for _, d := range descriptors {
		priority[d.Name] = d.Priority
		domainTags[d.Name] = d.DomainTags
	}
	out := make([]ranked, 0, len(candidates))
	for _, c := range candidates {
		switch c.Status {
		case specialist.StatusStubFiltered, specialist.StatusTimeout, specialist.StatusError, specialist.StatusBudgetDenied:
			continue
		}
		out = append(out, ranked{Candidate: c, priority: priority[c.SpecialistName], domainTags: domainTags[c.SpecialistName]})
	}
	return out
}

type ranked struct {
	specialist.Candidate
	priority   int
	domainTags []string
}

// findShortcut implements spec.md §4.6 point 2: shortcut only when exactly
// one survivor has confidence ≥ shortcutConfidence AND its domain tags
// match the dominant intent.
func findShortcut(survivors []ranked, dominantIntent string) (specialist.Candidate, bool) {
	var qualifying *specialist.Candidate
	for i := range survivors {
		c := survivors[i]
		if c.Confidence < shortcutConfidence || !hasTag(c.domainTags, dominantIntent) {
			continue
		}
		if qualifying != nil {
			return specialist.Candidate{}, false
		}
		qualifying = &survivors[i].Candidate
	}
	if qualifying == nil {
		return specialist.Candidate{}, false
	}
	return *qualifying, true
}

func hasTag(tags []string, name string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// topK sorts survivors by confidence descending (ties broken by fewer
// tokens, then declared priority) and returns at most k.
func topK(survivors []ranked, k int) []ranked {
	sort.Slice(survivors, func(i, j int) bool {
		if survivors[i].Confidence != survivors[j].Confidence {
			return survivors[i].Confidence > survivors[j].Confidence
		}
		if survivors[i].Tokens != survivors[j].Tokens {
			return survivors[i].Tokens < survivors[j].Tokens
		}
		return survivors[i].priority > survivors[j].priority
	})
	if len(survivors) > k {
		survivors = survivors[:k]
	}
	return survivors
}

// fuse selects the longest coherent response among candidates within 15%
// of the top confidence.
func fuse(top []ranked) specialist.Candidate {
	if len(top) == 0 {
		return specialist.Candidate{}
	}
	best := top[0].Confidence
	threshold := best * (1 - fusionBand)

	winner := top[0].Candidate
	for _, r := range top {
		if r.Confidence < threshold {
			continue
		}
		if len(r.Text) > len(winner.Text) {
			winner = r.Candidate
		}
	}
	return winner
}
