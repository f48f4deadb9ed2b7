package adapters

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/agent-conductor/conductor/db"
	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

type stubProvider struct {
	calls atomic.Int32
	err   error
}

func (p *stubProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	p.calls.Add(1)
	if p.err != nil {
		return ports.Completion{}, p.err
	}
	return ports.Completion{Text: "ok", Usage: &ports.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}, nil
}

type failingLimiter struct{ err error }

func (f failingLimiter) Acquire(ctx context.Context, key string) (func(), error) {
	return nil, f.err
}

type countingLimiter struct {
	acquired atomic.Int32
	released atomic.Int32
}

func (c *countingLimiter) Acquire(ctx context.Context, key string) (func(), error) {
	c.acquired.Add(1)
	return func() { c.released.Add(1) }, nil
}

func storeContract(t *testing.T, s ports.KVStore) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "workflow:missing:state")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "workflow:wf-1:state", []byte(`{"a":1}`)))
	v, ok, err := s.Get(ctx, "workflow:wf-1:state")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(v))

	require.NoError(t, s.Put(ctx, "workflow:wf-1:state", []byte(`{"a":2}`)))
	v, _, err = s.Get(ctx, "workflow:wf-1:state")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(v))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	storeContract(t, s)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, s.Put(ctx, "k", buf))
	buf[0] = 'x'

	v, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(v))
	v[1] = 'y'
	v2, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(v2))
}

func TestLibSQLStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "conductor.db")
	conn, err := db.Connect(ctx, path, zerolog.Nop())
	require.NoError(t, err)

	s := NewLibSQLStore(conn)
	defer s.Close()
	storeContract(t, s)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("CONDUCTOR_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CONDUCTOR_TEST_REDIS_URL not set")
	}
	s, err := NewRedisStore(context.Background(), url, "conductor-test")
	require.NoError(t, err)
	defer s.Close()
	storeContract(t, s)
}

func TestNATSStore(t *testing.T) {
	url := os.Getenv("CONDUCTOR_TEST_NATS_URL")
	if url == "" {
		t.Skip("CONDUCTOR_TEST_NATS_URL not set")
	}
	s, err := NewNATSStore(context.Background(), url, "conductor_test")
	require.NoError(t, err)
	defer s.Close()
	storeContract(t, s)
}

func TestTokenBucket_RejectsLongWaits(t *testing.T) {
	tb := NewTokenBucket(0.1, 1, 10*time.Millisecond)
	ctx := context.Background()

	release, err := tb.Acquire(ctx, "reasoning")
	require.NoError(t, err)
	release()

	_, err = tb.Acquire(ctx, "reasoning")
	var rl *ports.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Greater(t, rl.RetryAfter, time.Second)
	assert.True(t, ports.IsTransient(err))

	// Separate keys have separate buckets.
	_, err = tb.Acquire(ctx, "other")
	assert.NoError(t, err)
}

func TestTokenBucket_WaitsForShortDelays(t *testing.T) {
	tb := NewTokenBucket(100, 1, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		release, err := tb.Acquire(ctx, "k")
		require.NoError(t, err)
		release()
	}
}

func TestInflightLimiter_BoundsConcurrency(t *testing.T) {
	l := NewInflightLimiter(2, 20*time.Millisecond)
	ctx := context.Background()

	r1, err := l.Acquire(ctx, "k")
	require.NoError(t, err)
	r2, err := l.Acquire(ctx, "k")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "k")
	var rl *ports.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 20*time.Millisecond, rl.RetryAfter)

	r1()
	r1() // second release is a no-op
	r3, err := l.Acquire(ctx, "k")
	require.NoError(t, err)

	r2()
	r3()
}

func TestInflightLimiter_ParentCancellation(t *testing.T) {
	l := NewInflightLimiter(1, time.Second)
	r, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer r()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInflightLimiter_ConcurrentHolders(t *testing.T) {
	l := NewInflightLimiter(3, time.Second)
	var current, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "k")
			if err != nil {
				return
			}
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			release()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestChainLimiter_ReleasesOnFailure(t *testing.T) {
	first := &countingLimiter{}
	boom := &ports.RateLimitError{Message: "nope"}
	chain := ChainLimiter{first, failingLimiter{err: boom}}

	_, err := chain.Acquire(context.Background(), "k")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), first.acquired.Load())
	assert.Equal(t, int32(1), first.released.Load())
}

func TestChainLimiter_ReleaseAll(t *testing.T) {
	a, b := &countingLimiter{}, &countingLimiter{}
	release, err := ChainLimiter{a, b}.Acquire(context.Background(), "k")
	require.NoError(t, err)
	release()
	assert.Equal(t, int32(1), a.released.Load())
	assert.Equal(t, int32(1), b.released.Load())
}

func TestBreakerProvider_OpensAfterFailures(t *testing.T) {
	next := &stubProvider{err: errors.New("upstream 503")}
	p := NewBreakerProvider(next, BreakerSettings{Failures: 2, OpenFor: time.Minute}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.Complete(ctx, ports.PromptInput{}, ports.Options{})
		require.Error(t, err)
		assert.False(t, ports.IsTransient(err))
	}
	assert.Equal(t, "open", p.State())

	_, err := p.Complete(ctx, ports.PromptInput{}, ports.Options{})
	var rl *ports.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, time.Minute, rl.RetryAfter)
	assert.Equal(t, int32(2), next.calls.Load(), "open breaker must not reach the service")
}

func TestBreakerProvider_IgnoresValidationErrors(t *testing.T) {
	next := &stubProvider{err: &ports.ValidationError{Message: "bad prompt"}}
	p := NewBreakerProvider(next, BreakerSettings{Failures: 1}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		_, err := p.Complete(context.Background(), ports.PromptInput{}, ports.Options{})
		assert.True(t, ports.IsValidation(err))
	}
	assert.Equal(t, "closed", p.State())
}

func TestBreakerProvider_PassesThrough(t *testing.T) {
	p := NewBreakerProvider(&stubProvider{}, BreakerSettings{}, zerolog.Nop())
	c, err := p.Complete(context.Background(), ports.PromptInput{}, ports.Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", c.Text)
	assert.Equal(t, 5, c.Usage.TotalTokens)
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewPrometheusRecorder(reg, "conductor")
	require.NoError(t, err)
	ctx := context.Background()

	r.Record(ctx, ports.CallRecord{
		Kind:    ports.CallReasoning,
		Route:   "reasoning_only",
		Usage:   ports.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
		Latency: 40 * time.Millisecond,
	})
	r.Record(ctx, ports.CallRecord{Kind: ports.CallTool, Route: "tool_only", Tool: "read_file", TokensSaved: 80})
	r.Record(ctx, ports.CallRecord{Kind: ports.CallTool, Route: "tool_only", Tool: "read_file", Cached: true, TokensSaved: 80})

	assert.Equal(t, float64(1), testutil.ToFloat64(r.calls.WithLabelValues(ports.CallReasoning, "reasoning_only", "", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.calls.WithLabelValues(ports.CallTool, "tool_only", "read_file", "cached")))
	assert.Equal(t, float64(100), testutil.ToFloat64(r.tokens.WithLabelValues("prompt")))
	assert.Equal(t, float64(160), testutil.ToFloat64(r.saved.WithLabelValues(ports.CallTool)))

	// Registering twice on the same registry fails.
	_, err = NewPrometheusRecorder(reg, "conductor")
	assert.Error(t, err)
}

func TestRecorders_FanOut(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewPrometheusRecorder(reg, "a")
	require.NoError(t, err)
	b, err := NewPrometheusRecorder(reg, "b")
	require.NoError(t, err)

	Recorders{a, b}.Record(context.Background(), ports.CallRecord{Kind: ports.CallTool, Route: "tool_only", Tool: "list_dir"})
	assert.Equal(t, float64(1), testutil.ToFloat64(a.calls.WithLabelValues(ports.CallTool, "tool_only", "list_dir", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(b.calls.WithLabelValues(ports.CallTool, "tool_only", "list_dir", "ok")))
}

func TestZerologTracer_NestedSpans(t *testing.T) {
	var buf safeBuffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	tr := NewZerologTracer(logger)

	ctx, endOuter := tr.StartSpan(context.Background(), "route", map[string]any{"workflow": "wf-1"})
	ctx, endInner := tr.StartSpan(ctx, "reasoning", nil)
	tr.Event(ctx, "cache_miss", map[string]any{"ns": "ctx"})
	endInner(errors.New("boom"))
	endOuter(nil)

	out := buf.String()
	assert.Contains(t, out, `"span":"reasoning"`)
	assert.Contains(t, out, `"workflow":"wf-1"`)
	assert.Contains(t, out, `"event":"cache_miss"`)
	assert.Contains(t, out, `"error":"boom"`)
}

type safeBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func TestZerologTracer_EventWithoutSpan(t *testing.T) {
	var buf safeBuffer
	tr := NewZerologTracer(zerolog.New(&buf))

	tr.Event(context.Background(), "breaker_open", map[string]any{"failures": 3})
	assert.Contains(t, buf.String(), `"event":"breaker_open"`)
	assert.Contains(t, buf.String(), `"failures":3`)
}
