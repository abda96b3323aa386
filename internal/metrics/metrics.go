package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haricheung/merlin/internal/types"
)

// Metrics holds all Prometheus metrics for a merlin session
type Metrics struct {
	registry *prometheus.Registry

	// Loop metrics
	Decisions     *prometheus.CounterVec
	Exchanges     prometheus.Counter
	NearMisses    prometheus.Counter
	Verifications *prometheus.CounterVec
	Level         prometheus.Gauge
	Advances      prometheus.Counter

	// Collaborator metrics
	LLMCalls     *prometheus.CounterVec
	LLMLatency   prometheus.Histogram
	LLMTokens    *prometheus.CounterVec
	VerifyWait   prometheus.Histogram
	SessionsDone *prometheus.CounterVec
}

// New creates all metrics on a private registry, so each session (and each test) starts
// from zero.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merlin_decisions_total",
				Help: "Strategist decisions by action and whether the default question was substituted",
			},
			[]string{"action", "fallback"},
		),
		Exchanges: f.NewCounter(prometheus.CounterOpts{
			Name: "merlin_exchanges_total",
			Help: "Questions sent to the oracle",
		}),
		NearMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "merlin_near_miss_replies_total",
			Help: "Oracle replies scored as refusals or deflections",
		}),
		Verifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merlin_verifications_total",
				Help: "Submit-and-verify runs by source and result",
			},
			[]string{"source", "result"},
		),
		Level: f.NewGauge(prometheus.GaugeOpts{
			Name: "merlin_level",
			Help: "Current level signal",
		}),
		Advances: f.NewCounter(prometheus.CounterOpts{
			Name: "merlin_level_advances_total",
			Help: "Confirmed level increases",
		}),
		LLMCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merlin_llm_calls_total",
				Help: "Calls to the generative collaborator by outcome",
			},
			[]string{"outcome"},
		),
		LLMLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "merlin_llm_call_duration_seconds",
			Help:    "Duration of generative collaborator calls",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
		}),
		LLMTokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merlin_llm_tokens_total",
				Help: "Tokens consumed by kind",
			},
			[]string{"kind"},
		),
		VerifyWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "merlin_verify_wait_seconds",
			Help:    "Time spent waiting for the level signal after a submit",
			Buckets: prometheus.LinearBuckets(0.25, 0.75, 10),
		}),
		SessionsDone: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merlin_sessions_total",
				Help: "Finished sessions by stop reason",
			},
			[]string{"reason"},
		),
	}
}

// Handler serves this registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveLLM records one collaborator call. Safe on a nil receiver.
func (m *Metrics) ObserveLLM(seconds float64, promptTokens, completionTokens int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.LLMCalls.WithLabelValues(outcome).Inc()
	m.LLMLatency.Observe(seconds)
	m.LLMTokens.WithLabelValues("prompt").Add(float64(promptTokens))
	m.LLMTokens.WithLabelValues("completion").Add(float64(completionTokens))
}

// ObserveVerifyWait records how long confirmation polling took. Safe on a nil receiver.
func (m *Metrics) ObserveVerifyWait(seconds float64) {
	if m == nil {
		return
	}
	m.VerifyWait.Observe(seconds)
}

// Run consumes bus messages from tap and updates the loop metrics until ctx is done or
// tap is closed.
//
// Expectations:
//   - Decision increments merlin_decisions_total by action
//   - Exchange increments exchanges, and near misses when the score is positive
//   - Verification increments merlin_verifications_total by source and result
//   - Advanced sets the level gauge and increments advances
//   - SessionEnd increments merlin_sessions_total by reason
func (m *Metrics) Run(ctx context.Context, tap <-chan types.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-tap:
			if !ok {
				return
			}
			m.record(msg)
		}
	}
}

func (m *Metrics) record(msg types.Message) {
	switch p := msg.Payload.(type) {
	case types.DecisionEvent:
		fallback := "false"
		if p.Action.IsFallback() {
			fallback = "true"
		}
		m.Decisions.WithLabelValues(string(p.Action.Kind), fallback).Inc()
		m.Level.Set(float64(p.Level))
	case types.ExchangeEvent:
		m.Exchanges.Inc()
		if p.NearMiss > 0 {
			m.NearMisses.Inc()
		}
	case types.VerificationEvent:
		source := "submit"
		if p.Opportunistic {
			source = "opportunistic"
		}
		result := "unconfirmed"
		switch {
		case p.Result.Advanced:
			result = "advanced"
		case p.Result.Rejected():
			result = "rejected"
		}
		m.Verifications.WithLabelValues(source, result).Inc()
	case types.AdvancedEvent:
		m.Level.Set(float64(p.NewLevel))
		m.Advances.Inc()
	case types.SessionEndEvent:
		m.SessionsDone.WithLabelValues(p.Reason).Inc()
	}
}
