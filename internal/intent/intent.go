// Package intent classifies a prompt into a ranked, confidence-scored set
// of specialist domains using curated regex/keyword rules and weighted
// scoring rather than first-match-wins routing.
package intent

import (
	"regexp"
	"sort"
	"strings"
)

// Score is one domain's confidence for a given prompt.
type Score struct {
	Name       string
	Confidence float64
}

// Result is the outcome of classifying a prompt.
type Result struct {
	Scores        []Score
	Greeting      bool
	CloudRequired bool
}

const (
	generalBaseline  = 0.20
	shortPromptChars = 15
)

var greetingRe = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|good (morning|afternoon|evening)|greetings|yo|sup)\b`)

var riskMarkerRe = regexp.MustCompile(`(?i)\b(legal|medical|finance|financial|safety[- ]critical|compliance|diagnos(is|e)|lawsuit|liability)\b`)

// rule contributes weight to a named domain when its pattern matches.
type rule struct {
	domain  string
	pattern *regexp.Regexp
	weight  float64
}

var rules = []rule{
	{"math", regexp.MustCompile(`(?i)\b\d+(\.\d+)?\s*[+\-*/^]\s*\d+(\.\d+)?\b`), 0.9},
	{"math", regexp.MustCompile(`(?i)\b(sum|product|integral|derivative|equation|solve for|calculate)\b`), 0.5},
	{"code", regexp.MustCompile("```"), 0.9},
	{"code", regexp.MustCompile(`(?i)\b(func|function|def |class |import |package |return )\b`), 0.6},
	{"code", regexp.MustCompile(`[{};]`), 0.2},
	{"logic", regexp.MustCompile(`(?i)\b(therefore|if and only if|implies|contradiction|premise|syllogism|thus|hence)\b`), 0.7},
	{"logic", regexp.MustCompile(`(?i)\b(and|or|not|xor)\b.*\b(and|or|not|xor)\b`), 0.3},
	{"knowledge", regexp.MustCompile(`(?i)^\s*(who|what|when|where|why|how|which)\b`), 0.5},
	{"knowledge", regexp.MustCompile(`\?\s*$`), 0.3},
}

// Classify scores promptText against the curated rule set. Deterministic
// for a given input.
func Classify(promptText string) Result {
	trimmed := strings.TrimSpace(promptText)
	nonWhitespace := len(strings.Join(strings.Fields(trimmed), ""))

	if nonWhitespace < shortPromptChars || greetingRe.MatchString(trimmed) {
		return Result{Scores: []Score{{Name: "greeting", Confidence: 1.0}}, Greeting: true}
	}

	totals := map[string]float64{}
	for _, r := range rules {
		if r.pattern.MatchString(promptText) {
			totals[r.domain] += r.weight
		}
	}
	totals["general"] += generalBaseline

	var sum float64
	for _, v := range totals {
		sum += v
	}
	scores := make([]Score, 0, len(totals))
	for domain, v := range totals {
		scores = append(scores, Score{Name: domain, Confidence: v / sum})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Confidence != scores[j].Confidence {
			return scores[i].Confidence > scores[j].Confidence
		}
		return scores[i].Name < scores[j].Name
	})

	return Result{Scores: scores, CloudRequired: riskMarkerRe.MatchString(promptText)}
}
