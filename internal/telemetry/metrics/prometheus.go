package metrics

import (
	"net/http"
	"strings"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusProvider implements Provider backed by a Prometheus registry.
type PrometheusProvider struct {
	reg      *prom.Registry
	mu       sync.Mutex
	counters map[string]*prom.CounterVec
	gauges   map[string]*prom.GaugeVec
	handler  http.Handler
}

// NewPrometheusProvider creates a provider with its own registry.
func NewPrometheusProvider() *PrometheusProvider {
	reg := prom.NewRegistry()
	return &PrometheusProvider{
		reg:      reg,
		counters: make(map[string]*prom.CounterVec),
		gauges:   make(map[string]*prom.GaugeVec),
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

// MetricsHandler returns the /metrics exposition handler.
func (p *PrometheusProvider) MetricsHandler() http.Handler { return p.handler }

func fqName(c CommonOpts) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{c.Namespace, c.Subsystem, c.Name} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "_")
}

// NewCounter implements Provider.
func (p *PrometheusProvider) NewCounter(opts CounterOpts) Counter {
	fq := fqName(opts.CommonOpts)
	if fq == "" {
		return noopCounter{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.counters[fq]
	if !ok {
		vec = prom.NewCounterVec(prom.CounterOpts{Name: fq, Help: opts.Help}, opts.Labels)
		if err := p.reg.Register(vec); err != nil {
			if are, isDup := err.(prom.AlreadyRegisteredError); isDup {
				vec = are.ExistingCollector.(*prom.CounterVec)
			} else {
				return noopCounter{}
			}
		}
		p.counters[fq] = vec
	}
	return &promCounter{vec: vec}
}

// NewGauge implements Provider.
func (p *PrometheusProvider) NewGauge(opts GaugeOpts) Gauge {
	fq := fqName(opts.CommonOpts)
	if fq == "" {
		return noopGauge{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.gauges[fq]
	if !ok {
		vec = prom.NewGaugeVec(prom.GaugeOpts{Name: fq, Help: opts.Help}, opts.Labels)
		if err := p.reg.Register(vec); err != nil {
			if are, isDup := err.(prom.AlreadyRegisteredError); isDup {
				vec = are.ExistingCollector.(*prom.GaugeVec)
			} else {
				return noopGauge{}
			}
		}
		p.gauges[fq] = vec
	}
	return &promGauge{vec: vec}
}

type promCounter struct{ vec *prom.CounterVec }

func (c *promCounter) Inc(delta float64, labelValues ...string) {
	if delta < 0 {
		return
	}
	c.vec.WithLabelValues(labelValues...).Add(delta)
}

type promGauge struct{ vec *prom.GaugeVec }

func (g *promGauge) Set(v float64, labelValues ...string) {
	g.vec.WithLabelValues(labelValues...).Set(v)
}
