package summarizer

import (
	"testing"

	"council/internal/persistence/databases"

	"github.com/stretchr/testify/require"
)

func TestSummariseEmptyTurns(t *testing.T) {
	s := New(nil, "local")
	require.Equal(t, "", s.Summarise(nil, "sess-1", nil))
}

func TestSummariseFallsBackToExtractive(t *testing.T) {
	s := New(nil, "local")
	turns := []databases.Turn{
		{ID: "t1", Role: "user", Content: "what is the capital of France"},
		{ID: "t2", Role: "assistant", Content: "Paris is the capital of France"},
	}
	out := s.Summarise(nil, "sess-1", turns)
	require.Contains(t, out, "Paris")
}

func TestSummariseCachesByTurnIDs(t *testing.T) {
	s := New(nil, "local")
	turns := []databases.Turn{{ID: "t1", Role: "user", Content: "hello there"}}
	first := s.Summarise(nil, "sess-1", turns)
	s.cache[cacheKey(turns)] = "manually overridden"
	second := s.Summarise(nil, "sess-1", turns)
	require.Equal(t, "manually overridden", second)
	require.NotEqual(t, first, second)
}

func TestCapTokensTruncates(t *testing.T) {
	long := ""
	for i := 0; i < 200; i++ {
		long += "word "
	}
	out := capTokens(long, 80)
	require.LessOrEqual(t, len(wordsOf(out)), 80)
}

func wordsOf(s string) []string {
	out := []string{}
	cur := ""
	for _, r := range s {
		if r == ' ' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
