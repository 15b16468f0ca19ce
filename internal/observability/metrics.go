package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is a thin adapter over OpenTelemetry metrics, caching instruments
// by name so callers can record without tracking handles themselves.
type Metrics struct {
	meter metric.Meter

	mu         sync.RWMutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]*gauge
}

// gauge stores the last observed value for an async gauge registered once
// per name; OTel's Float64ObservableGauge requires a callback rather than a
// push API, so Set just updates the value the callback reports.
type gauge struct {
	mu  sync.RWMutex
	val float64
}

// NewMetrics constructs a Metrics using the global meter provider under the
// given instrumentation scope name.
func NewMetrics(scope string) *Metrics {
	return &Metrics{
		meter:      otel.Meter(scope),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]*gauge),
	}
}

// IncCounter increments a named counter by 1, creating it lazily.
func (m *Metrics) IncCounter(name string, labels map[string]string) {
	m.AddCounter(name, 1, labels)
}

// AddCounter adds delta to a named counter, creating it lazily.
func (m *Metrics) AddCounter(name string, delta int64, labels map[string]string) {
	if m == nil {
		return
	}
	c, ok := m.getCounter(name)
	if !ok {
		return
	}
	c.Add(context.Background(), delta, metric.WithAttributes(toAttrs(labels)...))
}

// ObserveHistogram records value against a named histogram, creating it
// lazily.
func (m *Metrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	if m == nil {
		return
	}
	h, ok := m.getHistogram(name)
	if !ok {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}

// SetGauge sets the current value of a named gauge, registering an
// observable callback the first time the name is seen.
func (m *Metrics) SetGauge(name string, value float64, labels map[string]string) {
	if m == nil {
		return
	}
	g := m.getGauge(name, labels)
	g.mu.Lock()
	g.val = value
	g.mu.Unlock()
}

func (m *Metrics) getCounter(name string) (metric.Int64Counter, bool) {
	m.mu.RLock()
	c, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return c, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[name]; ok {
		return c, true
	}
	ctr, err := m.meter.Int64Counter(name)
	if err != nil {
		return ctr, false
	}
	m.counters[name] = ctr
	return ctr, true
}

func (m *Metrics) getHistogram(name string) (metric.Float64Histogram, bool) {
	m.mu.RLock()
	h, ok := m.histograms[name]
	m.mu.RUnlock()
	if ok {
		return h, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.histograms[name]; ok {
		return h, true
	}
	hist, err := m.meter.Float64Histogram(name)
	if err != nil {
		return hist, false
	}
	m.histograms[name] = hist
	return hist, true
}

func (m *Metrics) getGauge(name string, labels map[string]string) *gauge {
	m.mu.RLock()
	g, ok := m.gauges[name]
	m.mu.RUnlock()
	if ok {
		return g
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok = m.gauges[name]; ok {
		return g
	}
	g = &gauge{}
	attrs := toAttrs(labels)
	_, err := m.meter.Float64ObservableGauge(name,
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			g.mu.RLock()
			v := g.val
			g.mu.RUnlock()
			o.Observe(v, metric.WithAttributes(attrs...))
			return nil
		}),
	)
	if err != nil {
		// leave a detached gauge: SetGauge still stores values, but nothing
		// reports them, and later calls under this name reuse it without
		// registering again.
	}
	m.gauges[name] = g
	return g
}

func toAttrs(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		out = append(out, attribute.String(k, v))
	}
	return out
}
