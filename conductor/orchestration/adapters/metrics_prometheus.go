package adapters

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

// PrometheusRecorder exports call accounting as Prometheus metrics.
type PrometheusRecorder struct {
	calls   *prometheus.CounterVec
	tokens  *prometheus.CounterVec
	saved   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the collectors on reg.
func NewPrometheusRecorder(reg prometheus.Registerer, namespace string) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Reasoning and tool calls by route and outcome.",
		}, []string{"kind", "route", "tool", "outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reasoning_tokens_total",
			Help:      "Tokens sent to and received from the reasoning service.",
		}, []string{"direction"}),
		saved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_saved_total",
			Help:      "Estimated tokens avoided through tool-only bypass and cache hits.",
		}, []string{"kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Latency of reasoning and tool calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2.5, 10),
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{r.calls, r.tokens, r.saved, r.latency} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) Record(ctx context.Context, rec ports.CallRecord) {
	outcome := "ok"
	switch {
	case rec.Err != nil:
		outcome = "error"
	case rec.Cached:
		outcome = "cached"
	}

	r.calls.WithLabelValues(rec.Kind, rec.Route, rec.Tool, outcome).Inc()
	if !rec.Cached {
		r.latency.WithLabelValues(rec.Kind).Observe(rec.Latency.Seconds())
	}
	if rec.Kind == ports.CallReasoning && !rec.Cached {
		r.tokens.WithLabelValues("prompt").Add(float64(rec.Usage.PromptTokens))
		r.tokens.WithLabelValues("completion").Add(float64(rec.Usage.CompletionTokens))
	}
	if rec.TokensSaved > 0 {
		r.saved.WithLabelValues(rec.Kind).Add(float64(rec.TokensSaved))
	}
}

// Recorders fans a record out to several recorders.
type Recorders []ports.Recorder

func (rs Recorders) Record(ctx context.Context, rec ports.CallRecord) {
	for _, r := range rs {
		r.Record(ctx, rec)
	}
}

var (
	_ ports.Recorder = (*PrometheusRecorder)(nil)
	_ ports.Recorder = Recorders(nil)
)
