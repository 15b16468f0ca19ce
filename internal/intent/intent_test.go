package intent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyGreetingShortPrompt(t *testing.T) {
	res := Classify("hi there")
	require.True(t, res.Greeting)
	require.Len(t, res.Scores, 1)
	require.Equal(t, "greeting", res.Scores[0].Name)
	require.Equal(t, 1.0, res.Scores[0].Confidence)
}

func TestClassifyMathPrompt(t *testing.T) {
	res := Classify("please calculate 12 + 30 for me")
	require.False(t, res.Greeting)
	require.Equal(t, "math", res.Scores[0].Name)
}

func TestClassifyCodePrompt(t *testing.T) {
	res := Classify("write a function that returns ```go\nfunc foo() {}\n```")
	require.Equal(t, "code", res.Scores[0].Name)
}

func TestClassifyRiskMarkerSetsCloudRequired(t *testing.T) {
	res := Classify("what are the legal implications of this contract clause")
	require.True(t, res.CloudRequired)
}

func TestClassifyDeterministic(t *testing.T) {
	a := Classify("how does photosynthesis work")
	b := Classify("how does photosynthesis work")
	require.Equal(t, a, b)
}

func TestClassifyFallsBackToGeneral(t *testing.T) {
	res := Classify("tell me something interesting about the ocean today")
	require.NotEmpty(t, res.Scores)
}
