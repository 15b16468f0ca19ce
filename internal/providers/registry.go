// Package providers wraps the configured llm.Provider backends with
// priority ordering, cached health checks, and cost accounting into the
// BudgetGuard.
package providers

import (
	"context"
	"sort"
	"sync"
	"time"

	"council/internal/budget"
	"council/internal/config"
	"council/internal/councilerr"
	"council/internal/llm"
	llmproviders "council/internal/llm/providers"
	"council/internal/observability"

	"github.com/rs/zerolog"
)

// Health is the cached reachability state of a provider.
type Health int

const (
	Healthy Health = iota
	Degraded
	Down
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "down"
	}
}

const healthCacheTTL = 10 * time.Second

type healthEntry struct {
	status   Health
	checkedAt time.Time
}

// Registry presents a uniform Generate capability across the configured
// providers, ordered local first, then cloud. Generate dispatches only to
// the named provider; it does not fall back to another one on failure.
type Registry struct {
	order   []string
	byName  map[string]llm.Provider
	guard   *budget.Guard
	metrics *observability.Metrics
	log     zerolog.Logger

	mu     sync.Mutex
	health map[string]healthEntry
}

// New constructs a Registry from configuration, builds every backend with
// usable credentials, and eagerly warms the primary local provider (one
// dummy token) to avoid cold-start tax on the first user request.
func New(ctx context.Context, cfg config.Config, guard *budget.Guard, metrics *observability.Metrics) (*Registry, error) {
	built, err := llmproviders.BuildAll(cfg, observability.NewHTTPClient(nil))
	if err != nil {
		return nil, err
	}

	order := []string{"local", "anthropic", "openai", "google"}
	byName := make(map[string]llm.Provider, len(built))
	var ordered []string
	for _, name := range order {
		if p, ok := built[name]; ok {
			byName[name] = p
			ordered = append(ordered, name)
		}
	}
	var extras []string
	for name, p := range built {
		if _, ok := byName[name]; !ok {
			byName[name] = p
			extras = append(extras, name)
		}
	}
	sort.Strings(extras)
	ordered = append(ordered, extras...)

	r := &Registry{
		order:   ordered,
		byName:  byName,
		guard:   guard,
		metrics: metrics,
		log:     *observability.LoggerWithTrace(ctx),
		health:  make(map[string]healthEntry),
	}

	if local, ok := byName["local"]; ok {
		r.preload(ctx, local)
	}
	return r, nil
}

// NewWithProviders builds a Registry directly from pre-constructed provider
// adapters, bypassing configuration-driven discovery. Used by callers that
// assemble providers from something other than config.Config, and by tests
// that want a fast fake backend instead of a real network-backed one.
func NewWithProviders(byName map[string]llm.Provider, order []string, guard *budget.Guard, metrics *observability.Metrics) *Registry {
	if order == nil {
		order = make([]string, 0, len(byName))
		for name := range byName {
			order = append(order, name)
		}
		sort.Strings(order)
	}
	return &Registry{
		order:   order,
		byName:  byName,
		guard:   guard,
		metrics: metrics,
		log:     *observability.LoggerWithTrace(context.Background()),
		health:  make(map[string]healthEntry),
	}
}

func (r *Registry) preload(ctx context.Context, p llm.Provider) {
	pinger, ok := p.(llm.Pinger)
	if !ok {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pinger.Ping(cctx); err != nil {
		r.log.Warn().Err(err).Str("provider", p.Name()).Msg("provider_preload_failed")
	}
}

// Names returns the registered provider names in priority order.
func (r *Registry) Names() []string { return append([]string(nil), r.order...) }

// Health returns the cached health of provider name, refreshing the cache
// if it's stale (older than 10s).
func (r *Registry) Health(ctx context.Context, name string) Health {
	r.mu.Lock()
	entry, ok := r.health[name]
	fresh := ok && time.Since(entry.checkedAt) < healthCacheTTL
	r.mu.Unlock()
	if fresh {
		return entry.status
	}

	p, ok := r.byName[name]
	if !ok {
		return Down
	}
	status := Healthy
	if pinger, ok := p.(llm.Pinger); ok {
		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := pinger.Ping(cctx)
		cancel()
		if err != nil {
			status = Down
		}
	}
	r.mu.Lock()
	r.health[name] = healthEntry{status: status, checkedAt: time.Now()}
	r.mu.Unlock()
	return status
}

// Generate dispatches to the named provider, enforcing BudgetGuard
// pre-flight authorisation and recording actual cost on success.
func (r *Registry) Generate(ctx context.Context, session, providerName, prompt string, opts llm.Options) (llm.Result, error) {
	p, ok := r.byName[providerName]
	if !ok {
		return llm.Result{}, councilerr.New(councilerr.ProviderDown, "providers.Generate", nil)
	}
	if r.Health(ctx, providerName) == Down {
		return llm.Result{}, councilerr.New(councilerr.ProviderDown, "providers.Generate", nil)
	}

	if r.guard != nil {
		estimate := p.CostEstimate(opts)
		if err := r.guard.Authorise(session, estimate); err != nil {
			return llm.Result{}, err
		}
	}

	cctx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	res, err := p.Generate(cctx, prompt, opts)
	if err != nil {
		if cctx.Err() != nil {
			return res, councilerr.New(councilerr.Timeout, "providers.Generate", err)
		}
		return res, councilerr.New(councilerr.Internal, "providers.Generate", err)
	}

	if r.guard != nil {
		r.guard.Record(session, res.CostUSD, res.TokensIn+res.TokensOut)
	}
	if r.metrics != nil {
		r.metrics.SetGauge("provider_health", float64(Healthy), map[string]string{"name": providerName})
	}
	return res, nil
}
