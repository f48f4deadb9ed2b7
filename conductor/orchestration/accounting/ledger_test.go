package accounting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

func TestLedger_Totals(t *testing.T) {
	l := NewLedger(Pricing{PromptPer1K: 0.01, CompletionPer1K: 0.03})
	ctx := context.Background()

	l.Record(ctx, ports.CallRecord{
		Kind:    ports.CallReasoning,
		Route:   "mixed",
		Usage:   ports.Usage{PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000},
		Latency: 100 * time.Millisecond,
	})
	l.Record(ctx, ports.CallRecord{Kind: ports.CallTool, Route: "mixed", Tool: "read_file", Latency: time.Millisecond})
	l.Record(ctx, ports.CallRecord{Kind: ports.CallTool, Route: "tool_only", Tool: "read_file", Cached: true, TokensSaved: 500})
	l.Record(ctx, ports.CallRecord{Kind: ports.CallTool, Route: "tool_only", Tool: "write_file", Err: errors.New("denied")})

	s := l.Summary()
	assert.Equal(t, RouteStats{ReasoningCalls: 1, ToolCalls: 1}, s.Routes["mixed"])
	assert.Equal(t, RouteStats{ToolCalls: 1, CacheHits: 1, Errors: 1}, s.Routes["tool_only"])
	assert.Equal(t, int64(2), s.Tools["read_file"])
	assert.Equal(t, 2000, s.Usage.TotalTokens)
	assert.Equal(t, int64(500), s.TokensSaved)
	assert.InDelta(t, 0.04, s.Cost, 1e-9)
	assert.InDelta(t, 0.005, s.CostSaved, 1e-9)
	assert.Equal(t, int64(1), l.ReasoningCalls())
}

func TestLedger_Percentiles(t *testing.T) {
	l := NewLedger(Pricing{})
	ctx := context.Background()
	for i := 1; i <= 100; i++ {
		l.Record(ctx, ports.CallRecord{Kind: ports.CallReasoning, Route: "reasoning_only", Latency: time.Duration(i) * time.Millisecond})
	}

	p := l.Summary().ReasoningLatency
	assert.Equal(t, 50*time.Millisecond, p.P50)
	assert.Equal(t, 95*time.Millisecond, p.P95)
	assert.Equal(t, 99*time.Millisecond, p.P99)
	assert.Zero(t, l.Summary().ToolLatency)
}

func TestLedger_SampleWindowBounded(t *testing.T) {
	l := NewLedger(Pricing{})
	for i := 0; i < maxSamples+50; i++ {
		l.Record(context.Background(), ports.CallRecord{Kind: ports.CallTool, Route: "tool_only", Latency: time.Millisecond})
	}
	assert.Len(t, l.toolLatency, maxSamples)
}

func TestLedger_ConcurrentRecordAndReset(t *testing.T) {
	l := NewLedger(Pricing{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Record(context.Background(), ports.CallRecord{Kind: ports.CallReasoning, Route: "mixed"})
				_ = l.Summary()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(800), l.ReasoningCalls())

	l.Reset()
	assert.Zero(t, l.ReasoningCalls())
	assert.Empty(t, l.Summary().Routes)
}
