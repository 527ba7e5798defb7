// Package metrics exposes engine counters behind a small provider
// abstraction so the engine can run with Prometheus exposition or with
// metrics disabled entirely.
package metrics

import "net/http"

// CommonOpts identify a metric.
type CommonOpts struct {
	Namespace string
	Subsystem string
	Name      string
	Help      string
	Labels    []string
}

// CounterOpts configure a counter.
type CounterOpts struct{ CommonOpts }

// GaugeOpts configure a gauge.
type GaugeOpts struct{ CommonOpts }

// Counter is a monotonically increasing metric.
type Counter interface {
	Inc(delta float64, labelValues ...string)
}

// Gauge is a settable metric.
type Gauge interface {
	Set(v float64, labelValues ...string)
}

// Provider creates metrics. Implementations must return usable no-op
// instruments rather than nil on registration problems.
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	MetricsHandler() http.Handler
}

// NewNoopProvider returns a provider whose instruments discard all values.
func NewNoopProvider() Provider { return noopProvider{} }

type noopProvider struct{}

func (noopProvider) NewCounter(CounterOpts) Counter { return noopCounter{} }
func (noopProvider) NewGauge(GaugeOpts) Gauge       { return noopGauge{} }
func (noopProvider) MetricsHandler() http.Handler   { return nil }

type noopCounter struct{}

func (noopCounter) Inc(float64, ...string) {}

type noopGauge struct{}

func (noopGauge) Set(float64, ...string) {}
