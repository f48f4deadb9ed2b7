// Package accounting keeps in-process totals of reasoning and tool calls.
package accounting

import (
	"context"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

const maxSamples = 1000

// Pricing is the reasoning service price per thousand tokens.
type Pricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// RouteStats aggregates calls taken on one route.
type RouteStats struct {
	ReasoningCalls int64 `json:"reasoning_calls"`
	ToolCalls      int64 `json:"tool_calls"`
	CacheHits      int64 `json:"cache_hits"`
	Errors         int64 `json:"errors"`
}

// LatencyPercentiles represents latency percentiles
type LatencyPercentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// Summary is a point-in-time copy of the ledger.
type Summary struct {
	Routes           map[string]RouteStats `json:"routes"`
	Tools            map[string]int64      `json:"tools"`
	Usage            ports.Usage           `json:"usage"`
	TokensSaved      int64                 `json:"tokens_saved"`
	Cost             float64               `json:"cost"`
	CostSaved        float64               `json:"cost_saved"`
	ReasoningLatency LatencyPercentiles    `json:"reasoning_latency"`
	ToolLatency      LatencyPercentiles    `json:"tool_latency"`
}

// Ledger is an in-memory Recorder.
type Ledger struct {
	mu      sync.RWMutex
	pricing Pricing

	routes      map[string]RouteStats
	tools       map[string]int64
	usage       ports.Usage
	tokensSaved int64

	reasoningLatency []float64
	toolLatency      []float64
}

// NewLedger creates an empty ledger.
func NewLedger(pricing Pricing) *Ledger {
	return &Ledger{
		pricing:          pricing,
		routes:           make(map[string]RouteStats),
		tools:            make(map[string]int64),
		reasoningLatency: make([]float64, 0, maxSamples),
		toolLatency:      make([]float64, 0, maxSamples),
	}
}

func (l *Ledger) Record(ctx context.Context, rec ports.CallRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rs := l.routes[rec.Route]
	switch {
	case rec.Cached:
		rs.CacheHits++
	case rec.Kind == ports.CallReasoning:
		rs.ReasoningCalls++
		l.usage.Add(&rec.Usage)
		l.reasoningLatency = appendSample(l.reasoningLatency, rec.Latency)
	case rec.Kind == ports.CallTool:
		rs.ToolCalls++
		l.toolLatency = appendSample(l.toolLatency, rec.Latency)
	}
	if rec.Err != nil {
		rs.Errors++
	}
	l.routes[rec.Route] = rs

	if rec.Tool != "" {
		l.tools[rec.Tool]++
	}
	l.tokensSaved += int64(rec.TokensSaved)
}

// appendSample keeps the most recent maxSamples latencies.
func appendSample(samples []float64, d time.Duration) []float64 {
	if len(samples) == maxSamples {
		copy(samples, samples[1:])
		samples = samples[:maxSamples-1]
	}
	return append(samples, float64(d))
}

// Summary returns a copy of the current totals.
func (l *Ledger) Summary() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	routes := make(map[string]RouteStats, len(l.routes))
	for k, v := range l.routes {
		routes[k] = v
	}
	tools := make(map[string]int64, len(l.tools))
	for k, v := range l.tools {
		tools[k] = v
	}

	cost := float64(l.usage.PromptTokens)/1000*l.pricing.PromptPer1K +
		float64(l.usage.CompletionTokens)/1000*l.pricing.CompletionPer1K

	return Summary{
		Routes:           routes,
		Tools:            tools,
		Usage:            l.usage,
		TokensSaved:      l.tokensSaved,
		Cost:             cost,
		CostSaved:        float64(l.tokensSaved) / 1000 * l.pricing.PromptPer1K,
		ReasoningLatency: percentiles(l.reasoningLatency),
		ToolLatency:      percentiles(l.toolLatency),
	}
}

// ReasoningCalls returns the number of uncached reasoning calls across routes.
func (l *Ledger) ReasoningCalls() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var n int64
	for _, rs := range l.routes {
		n += rs.ReasoningCalls
	}
	return n
}

// Reset clears all collected totals.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.routes = make(map[string]RouteStats)
	l.tools = make(map[string]int64)
	l.usage = ports.Usage{}
	l.tokensSaved = 0
	l.reasoningLatency = l.reasoningLatency[:0]
	l.toolLatency = l.toolLatency[:0]
}

func percentiles(samples []float64) LatencyPercentiles {
	if len(samples) == 0 {
		return LatencyPercentiles{}
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	q := func(p float64) time.Duration {
		return time.Duration(stat.Quantile(p, stat.Empirical, sorted, nil))
	}
	return LatencyPercentiles{P50: q(0.50), P95: q(0.95), P99: q(0.99)}
}

// Ensure Ledger implements the Recorder interface.
var _ ports.Recorder = (*Ledger)(nil)
