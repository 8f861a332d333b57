// Package metrics exposes rule engine counters and latencies.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines the engine's instrumentation points.
type Metrics interface {
	IncDispatch(triggerEvent string, rules int)
	ObserveRule(triggerEvent, outcome string, d time.Duration)
	VariableResolved(computationType, status string, d time.Duration)
	ActionExecuted(actionType, result string)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncDispatch(string, int)                         {}
func (Noop) ObserveRule(string, string, time.Duration)      {}
func (Noop) VariableResolved(string, string, time.Duration) {}
func (Noop) ActionExecuted(string, string)                  {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	dispatches    *prometheus.CounterVec
	rulesLoaded   *prometheus.CounterVec
	ruleOutcomes  *prometheus.CounterVec
	ruleDuration  *prometheus.HistogramVec
	resolutions   *prometheus.CounterVec
	resolveTiming *prometheus.HistogramVec
	actions       *prometheus.CounterVec
}

// NewProm builds the collectors and registers them on reg.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	p := &Prom{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Trigger events dispatched by event type",
		}, []string{"trigger_event"}),
		rulesLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_rules_total",
			Help:      "Active rules loaded for dispatch by event type",
		}, []string{"trigger_event"}),
		ruleOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_executions_total",
			Help:      "Rule executions by event type and outcome",
		}, []string{"trigger_event", "outcome"}),
		ruleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rule_duration_seconds",
			Help:      "Evaluate-and-execute duration per rule",
			Buckets:   prometheus.DefBuckets,
		}, []string{"trigger_event"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "variable_resolutions_total",
			Help:      "Variable resolutions by computation type and status",
		}, []string{"computation_type", "status"}),
		resolveTiming: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "variable_resolution_seconds",
			Help:      "Variable resolution latency by computation type",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"computation_type"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Actions executed by type and result",
		}, []string{"action_type", "result"}),
	}
	reg.MustRegister(p.dispatches, p.rulesLoaded, p.ruleOutcomes, p.ruleDuration,
		p.resolutions, p.resolveTiming, p.actions)
	return p
}

func (p *Prom) IncDispatch(triggerEvent string, rules int) {
	p.dispatches.WithLabelValues(triggerEvent).Inc()
	p.rulesLoaded.WithLabelValues(triggerEvent).Add(float64(rules))
}

func (p *Prom) ObserveRule(triggerEvent, outcome string, d time.Duration) {
	p.ruleOutcomes.WithLabelValues(triggerEvent, outcome).Inc()
	p.ruleDuration.WithLabelValues(triggerEvent).Observe(d.Seconds())
}

func (p *Prom) VariableResolved(computationType, status string, d time.Duration) {
	if computationType == "" {
		computationType = "unknown"
	}
	p.resolutions.WithLabelValues(computationType, status).Inc()
	p.resolveTiming.WithLabelValues(computationType).Observe(d.Seconds())
}

func (p *Prom) ActionExecuted(actionType, result string) {
	p.actions.WithLabelValues(actionType, result).Inc()
}

// Handler exposes the metrics registered on g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
