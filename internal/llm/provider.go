// Package llm defines the uniform generation capability the core dispatches
// against, and the adapters that implement it per backend.
package llm

import (
	"context"
	"time"
)

// Options are the recognised generation parameters (spec §4.2). Callers
// build one per request; adapters pass MaxTokens to the backend as given
// (256 when unset) and do not clip it to a per-provider cap.
type Options struct {
	MaxTokens     int
	Temperature   float64
	Timeout       time.Duration
	StopSequences []string
	// StreamSink receives incremental tokens when non-nil; nil disables streaming.
	StreamSink chan<- string
}

// Result is the outcome of one Generate call.
type Result struct {
	Text                string
	TokensIn            int
	TokensOut           int
	CostUSD             float64
	FirstTokenLatencyMs int64
	TotalLatencyMs      int64
	Truncated           bool
	ProviderMeta        map[string]string
}

// Provider is the uniform generation capability the core dispatches
// against. Adapters in the anthropic/openai/google subpackages each
// implement this for one backend; the openai adapter also serves
// OpenAI-compatible local servers.
type Provider interface {
	Generate(ctx context.Context, prompt string, opts Options) (Result, error)
	// Name identifies the backend for logging/metrics/health labels.
	Name() string
	// CostEstimate gives BudgetGuard a conservative upper bound before dispatch.
	CostEstimate(opts Options) float64
}

// Ping performs a minimal reachability check, used for Health and eager preload.
type Pinger interface {
	Ping(ctx context.Context) error
}
