package specialist

import (
	"testing"

	"council/internal/config"

	"github.com/stretchr/testify/require"
)

func descriptor() config.SpecialistDescriptor {
	return config.SpecialistDescriptor{
		Name:       "math-specialist",
		Provider:   "local",
		TokenCap:   160,
		DomainTags: []string{"math"},
	}
}

func TestScrubDetectsUnsure(t *testing.T) {
	c := scrub(Candidate{}, "UNSURE, I cannot determine this.", descriptor(), "math")
	require.Equal(t, StatusUnsure, c.Status)
	require.Equal(t, 0.05, c.Confidence)
}

func TestScrubDetectsStubMarker(t *testing.T) {
	c := scrub(Candidate{}, "TODO: implement this properly later", descriptor(), "math")
	require.Equal(t, StatusStubFiltered, c.Status)
	require.Equal(t, 0.0, c.Confidence)
}

func TestScrubDetectsTooShort(t *testing.T) {
	c := scrub(Candidate{}, "ok", descriptor(), "math")
	require.Equal(t, StatusStubFiltered, c.Status)
}

func TestScrubOKGetsConfidenceFloorBoostForMatchingDomain(t *testing.T) {
	base := Candidate{Tokens: 5}
	matching := scrub(base, "the answer is 42 because the two numbers sum cleanly", descriptor(), "math")
	nonMatching := scrub(base, "the answer is 42 because the two numbers sum cleanly", descriptor(), "code")

	require.Equal(t, StatusOK, matching.Status)
	require.Equal(t, StatusOK, nonMatching.Status)
	require.Greater(t, matching.Confidence, nonMatching.Confidence)
}

func TestScrubMarksTruncatedWhenOverTokenCap(t *testing.T) {
	d := descriptor()
	d.TokenCap = 10
	c := scrub(Candidate{Tokens: 50}, "a reasonably long specialist answer about arithmetic", d, "math")
	require.True(t, c.Truncated)
	require.Equal(t, 10, c.Tokens)
}
