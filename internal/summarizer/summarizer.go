// Package summarizer produces bounded-length rolling summaries of a
// session's turns. The Orchestrator requests one whenever a session's turn
// count reaches a multiple of six.
package summarizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"council/internal/llm"
	"council/internal/persistence/databases"
	"council/internal/providers"
)

const maxSummaryTokens = 80

// Summariser produces a ≤80-token summary of a session's turns, caching by
// hash of the concatenated turn ids to avoid recomputation.
type Summariser struct {
	registry     *providers.Registry
	provider     string
	mu           sync.Mutex
	cache        map[string]string
}

// New constructs a Summariser that calls provider (normally the local/
// cheapest registered backend) for abstractive summaries, falling back to
// an extractive heuristic when the provider is unavailable.
func New(registry *providers.Registry, provider string) *Summariser {
	return &Summariser{registry: registry, provider: provider, cache: make(map[string]string)}
}

// Summarise returns a bounded summary of turns. Deterministic given the
// same turn ids and configuration, via the cache.
func (s *Summariser) Summarise(ctx context.Context, session string, turns []databases.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	key := cacheKey(turns)

	s.mu.Lock()
	if cached, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return cached
	}
	s.mu.Unlock()

	summary := s.abstractive(ctx, session, turns)
	if summary == "" {
		summary = extractive(turns)
	}
	summary = capTokens(summary, maxSummaryTokens)

	s.mu.Lock()
	s.cache[key] = summary
	s.mu.Unlock()
	return summary
}

func (s *Summariser) abstractive(ctx context.Context, session string, turns []databases.Turn) string {
	if s.registry == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Summarise the following conversation in under 80 tokens:\n")
	for _, t := range turns {
		sb.WriteString(t.Role)
		sb.WriteString(": ")
		sb.WriteString(t.Content)
		sb.WriteString("\n")
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := s.registry.Generate(cctx, session, s.provider, sb.String(), llm.Options{MaxTokens: maxSummaryTokens, Temperature: 0, Timeout: 3 * time.Second})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(res.Text)
}

// extractive falls back to the most recent turns' content, concatenated
// and truncated, when no provider is reachable.
func extractive(turns []databases.Turn) string {
	var parts []string
	for i := len(turns) - 1; i >= 0 && len(parts) < 4; i-- {
		parts = append([]string{strings.TrimSpace(turns[i].Content)}, parts...)
	}
	return strings.Join(parts, " ")
}

func capTokens(s string, maxTokens int) string {
	words := strings.Fields(s)
	if len(words) <= maxTokens {
		return s
	}
	return strings.Join(words[:maxTokens], " ")
}

func cacheKey(turns []databases.Turn) string {
	h := sha256.New()
	for _, t := range turns {
		h.Write([]byte(t.ID))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
