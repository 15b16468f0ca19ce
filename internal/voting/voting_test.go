package voting

import (
	"testing"

	"council/internal/specialist"

	"github.com/stretchr/testify/require"
)

func cand(name string, status specialist.Status, confidence float64, tokens int, text string) ranked {
	return candTagged(name, status, confidence, tokens, text, nil)
}

func candTagged(name string, status specialist.Status, confidence float64, tokens int, text string, domainTags []string) ranked {
	return ranked{Candidate: specialist.Candidate{
		SpecialistName: name, Status: status, Confidence: confidence, Tokens: tokens, Text: text,
	}, domainTags: domainTags}
}

func TestFilterSurvivorsDropsFailedCandidates(t *testing.T) {
	candidates := []specialist.Candidate{
		{SpecialistName: "a", Status: specialist.StatusOK},
		{SpecialistName: "b", Status: specialist.StatusStubFiltered},
		{SpecialistName: "c", Status: specialist.StatusTimeout},
		{SpecialistName: "d", Status: specialist.StatusError},
		{SpecialistName: "e", Status: specialist.StatusBudgetDenied},
	}
	survivors := filterSurvivors(candidates, nil)
	require.Len(t, survivors, 1)
	require.Equal(t, "a", survivors[0].SpecialistName)
}

func TestFindShortcutRequiresConfidenceAndDomainMatch(t *testing.T) {
	// Single survivor, high confidence, matches the dominant intent: shortcut.
	survivors := []ranked{candTagged("a", specialist.StatusOK, 0.85, 20, "answer", []string{"math"})}
	winner, ok := findShortcut(survivors, "math")
	require.True(t, ok)
	require.Equal(t, "a", winner.SpecialistName)

	// Single survivor, high confidence, but off-domain: must not shortcut.
	offDomain := []ranked{candTagged("a", specialist.StatusOK, 0.85, 20, "answer", []string{"code"})}
	_, ok = findShortcut(offDomain, "math")
	require.False(t, ok)

	// Two survivors, one on-domain high-confidence and one unrelated
	// low-confidence: the on-domain candidate is the sole qualifier, so it
	// still shortcuts even though len(survivors) != 1.
	mixed := []ranked{
		candTagged("a", specialist.StatusOK, 0.85, 20, "answer", []string{"math"}),
		candTagged("b", specialist.StatusOK, 0.50, 20, "other", []string{"code"}),
	}
	winner, ok = findShortcut(mixed, "math")
	require.True(t, ok)
	require.Equal(t, "a", winner.SpecialistName)

	// Two qualifying candidates: ambiguous, falls through to fusion.
	multi := []ranked{
		candTagged("a", specialist.StatusOK, 0.85, 20, "answer", []string{"math"}),
		candTagged("b", specialist.StatusOK, 0.90, 10, "other", []string{"math"}),
	}
	_, ok = findShortcut(multi, "math")
	require.False(t, ok)
}

func TestFuseSelectsLongestWithinBand(t *testing.T) {
	top := []ranked{
		cand("a", specialist.StatusOK, 0.70, 10, "short answer"),
		cand("b", specialist.StatusOK, 0.68, 10, "a much longer and more detailed answer"),
		cand("c", specialist.StatusOK, 0.40, 10, "outside the confidence band so excluded"),
	}
	winner := fuse(top)
	require.Equal(t, "b", winner.SpecialistName)
}

func TestTopKOrdersByConfidenceThenTokensThenPriority(t *testing.T) {
	survivors := []ranked{
		{Candidate: specialist.Candidate{SpecialistName: "a", Confidence: 0.5, Tokens: 20}, priority: 1},
		{Candidate: specialist.Candidate{SpecialistName: "b", Confidence: 0.5, Tokens: 10}, priority: 1},
		{Candidate: specialist.Candidate{SpecialistName: "c", Confidence: 0.9, Tokens: 30}, priority: 0},
	}
	top := topK(survivors, 2)
	require.Equal(t, "c", top[0].SpecialistName)
	require.Equal(t, "b", top[1].SpecialistName)
}
