package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/agent-conductor/conductor/cache"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/adapters"
	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

type countingSummarizer struct {
	inner Summarizer
	calls atomic.Int32
}

func (c *countingSummarizer) Summarize(ctx context.Context, prior *Summary, msgs []Message) (*Summary, error) {
	c.calls.Add(1)
	return c.inner.Summarize(ctx, prior, msgs)
}

type stubProvider struct {
	text string
	err  error
	last ports.PromptInput
}

func (p *stubProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	p.last = in
	if p.err != nil {
		return ports.Completion{}, p.err
	}
	return ports.Completion{Text: p.text}, nil
}

func newTestGuard(t *testing.T, cfg Config, opts ...Option) (*Guard, *adapters.MemoryStore) {
	t.Helper()
	kv := adapters.NewMemoryStore()
	clock := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	opts = append([]Option{WithClock(func() time.Time { return clock })}, opts...)
	return NewGuard(kv, NewDeterministicSummarizer(), cfg, opts...), kv
}

func appendN(t *testing.T, g *Guard, id string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		role := ports.RoleUser
		if i%2 == 0 {
			role = ports.RoleAgent
		}
		require.NoError(t, g.Append(context.Background(), id, Message{Role: role, Content: fmt.Sprintf("message %d about src/main.go", i)}))
	}
}

func TestGuard_ThirtyFiveMessagesCompactToSix(t *testing.T) {
	g, _ := newTestGuard(t, Config{Threshold: 30, Retain: 5})
	ctx := context.Background()
	appendN(t, g, "conv-1", 35)

	window, err := g.EnsureBounded(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, window, 6)
	assert.Equal(t, ports.RoleSystem, window[0].Role)
	assert.Contains(t, window[0].Content, "Conversation summary:")
	assert.Contains(t, window[0].Content, "src/main.go")
	for i, m := range window[1:] {
		assert.Equal(t, fmt.Sprintf("message %d about src/main.go", 31+i), m.Content)
	}

	st, err := g.State(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Compactions)
	assert.Equal(t, uint64(30), st.Summary.Coverage.GetCardinality())
	assert.True(t, st.Summary.Covers(1))
	assert.False(t, st.Summary.Covers(31))
	assert.False(t, st.LastCompaction.IsZero())
}

func TestGuard_BelowThresholdIsUnchanged(t *testing.T) {
	g, _ := newTestGuard(t, Config{Threshold: 30, Retain: 5})
	appendN(t, g, "conv-1", 30)

	window, err := g.EnsureBounded(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Len(t, window, 30)

	st, _ := g.State(context.Background(), "conv-1")
	assert.Nil(t, st.Summary)
	assert.Zero(t, st.Compactions)
}

func TestGuard_CompactingBoundedConversationIsNoop(t *testing.T) {
	g, _ := newTestGuard(t, Config{Threshold: 30, Retain: 5})
	ctx := context.Background()
	appendN(t, g, "conv-1", 35)

	first, err := g.EnsureBounded(ctx, "conv-1")
	require.NoError(t, err)
	second, err := g.EnsureBounded(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	st, _ := g.State(ctx, "conv-1")
	assert.Equal(t, 1, st.Compactions)
}

func TestGuard_CoverageNonDecreasingAndHistoryRecoverable(t *testing.T) {
	g, _ := newTestGuard(t, Config{Threshold: 10, Retain: 3})
	ctx := context.Background()

	var prevCoverage uint64
	total := 0
	for round := 0; round < 5; round++ {
		appendN(t, g, "conv-1", 12)
		total += 12

		window, err := g.EnsureBounded(ctx, "conv-1")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(window), 10)

		st, err := g.State(ctx, "conv-1")
		require.NoError(t, err)
		cov := st.Summary.Coverage.GetCardinality()
		assert.GreaterOrEqual(t, cov, prevCoverage)
		prevCoverage = cov
	}

	history, err := g.History(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, history, total)
	for i, m := range history {
		assert.Equal(t, uint32(i+1), m.Seq, "history must stay in append order")
	}
}

func TestGuard_SummariesCompose(t *testing.T) {
	g, _ := newTestGuard(t, Config{Threshold: 4, Retain: 1})
	ctx := context.Background()

	require.NoError(t, g.Append(ctx, "c", Message{Role: ports.RoleUser, Content: "please read docs/alpha.md"}))
	for i := 0; i < 4; i++ {
		require.NoError(t, g.Append(ctx, "c", Message{Role: ports.RoleAgent, Content: fmt.Sprintf("reply %d", i)}))
	}
	_, err := g.EnsureBounded(ctx, "c")
	require.NoError(t, err)

	require.NoError(t, g.Append(ctx, "c", Message{Role: ports.RoleUser, Content: "now check docs/beta.md"}))
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Append(ctx, "c", Message{Role: ports.RoleAgent, Content: fmt.Sprintf("later %d", i)}))
	}
	window, err := g.EnsureBounded(ctx, "c")
	require.NoError(t, err)

	summary := window[0].Content
	assert.Contains(t, summary, "docs/alpha.md")
	assert.Contains(t, summary, "docs/beta.md")
	assert.Less(t, strings.Index(summary, "please read"), strings.Index(summary, "now check"), "older facts come first")
}

func TestGuard_ForceCompact(t *testing.T) {
	g, _ := newTestGuard(t, Config{Threshold: 30, Retain: 5})
	ctx := context.Background()

	appendN(t, g, "conv-1", 5)
	did, err := g.ForceCompact(ctx, "conv-1")
	require.NoError(t, err)
	assert.False(t, did, "nothing beyond the tail")

	appendN(t, g, "conv-1", 3)
	did, err = g.ForceCompact(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, did)

	window, err := g.Window(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, window, 6)
}

func TestGuard_CachesIdenticalRanges(t *testing.T) {
	lru := cache.NewLRU(cache.NamespaceContext, 16, time.Hour)
	sum := &countingSummarizer{inner: NewDeterministicSummarizer()}
	ctx := context.Background()

	run := func(kv ports.KVStore) {
		g := NewGuard(kv, sum, Config{Threshold: 30, Retain: 5},
			WithCache(lru),
			WithClock(func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }))
		appendN(t, g, "conv-1", 35)
		_, err := g.EnsureBounded(ctx, "conv-1")
		require.NoError(t, err)
	}

	run(adapters.NewMemoryStore())
	run(adapters.NewMemoryStore())
	assert.Equal(t, int32(1), sum.calls.Load())
	assert.Equal(t, int64(1), lru.Stats().Hits)
}

func TestGuard_SummarizerFailureKeepsWindow(t *testing.T) {
	kv := adapters.NewMemoryStore()
	g := NewGuard(kv, NewReasoningSummarizer(&stubProvider{err: errors.New("boom")}, 0), Config{Threshold: 5, Retain: 2})
	appendN(t, g, "conv-1", 8)

	_, err := g.EnsureBounded(context.Background(), "conv-1")
	require.Error(t, err)

	st, err := g.State(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Len(t, st.Messages, 8)
	assert.Nil(t, st.Summary)
}

func TestGuard_RetainClampedBelowThreshold(t *testing.T) {
	g, _ := newTestGuard(t, Config{Threshold: 4, Retain: 10})
	appendN(t, g, "conv-1", 9)

	window, err := g.EnsureBounded(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Len(t, window, 4)
}

func TestGuard_AppendValidation(t *testing.T) {
	g, _ := newTestGuard(t, Config{Threshold: 30, Retain: 5})
	ctx := context.Background()

	err := g.Append(ctx, "", Message{Role: ports.RoleUser, Content: "x"})
	assert.True(t, ports.IsValidation(err))

	err = g.Append(ctx, "conv-1", Message{Role: "wizard", Content: "x"})
	assert.True(t, ports.IsValidation(err))
}

func TestGuard_ConcurrentAppendsPreserveCount(t *testing.T) {
	g, _ := newTestGuard(t, Config{Threshold: 10, Retain: 3})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_ = g.Append(ctx, "conv-1", Message{Role: ports.RoleUser, Content: fmt.Sprintf("w%d-%d", w, i)})
				_, _ = g.EnsureBounded(ctx, "conv-1")
			}
		}(w)
	}
	wg.Wait()

	history, err := g.History(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, history, 60)

	window, err := g.Window(ctx, "conv-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(window), 10)
}

func TestReasoningSummarizer_ExtendsPrior(t *testing.T) {
	p := &stubProvider{text: "user asked for a report"}
	s := NewReasoningSummarizer(p, 128)
	ctx := context.Background()

	first, err := s.Summarize(ctx, nil, []Message{{Seq: 1, Role: ports.RoleUser, Content: "make a report"}})
	require.NoError(t, err)
	assert.Contains(t, first.Content, "messages 1-1: user asked for a report")
	assert.Contains(t, p.last.Messages[0].Content, "[1] user: make a report")

	p.text = "agent drafted it"
	second, err := s.Summarize(ctx, first, []Message{{Seq: 2, Role: ports.RoleAgent, Content: "draft"}})
	require.NoError(t, err)
	assert.Contains(t, second.Content, "user asked for a report")
	assert.Contains(t, second.Content, "agent drafted it")
}

func TestReasoningSummarizer_EmptyResponse(t *testing.T) {
	s := NewReasoningSummarizer(&stubProvider{text: "  "}, 0)
	_, err := s.Summarize(context.Background(), nil, []Message{{Seq: 1, Role: ports.RoleUser, Content: "x"}})
	assert.Error(t, err)
}

func TestDeterministicSummarizer_RejectsResummarizing(t *testing.T) {
	s := NewDeterministicSummarizer()
	ctx := context.Background()
	msgs := []Message{{Seq: 1, Role: ports.RoleUser, Content: "a"}, {Seq: 2, Role: ports.RoleAgent, Content: "b"}}

	first, err := s.Summarize(ctx, nil, msgs)
	require.NoError(t, err)
	first.Coverage = coverageOf(1, 2)

	_, err = s.Summarize(ctx, first, msgs)
	assert.Error(t, err)

	_, err = s.Summarize(ctx, nil, []Message{msgs[1], msgs[0]})
	assert.Error(t, err)
}

func TestDeterministicSummarizer_Sections(t *testing.T) {
	s := NewDeterministicSummarizer()
	out, err := s.Summarize(context.Background(), nil, []Message{
		{Seq: 1, Role: ports.RoleUser, Content: "search for TODO in internal/app"},
		{Seq: 2, Role: ports.RoleSystem, Content: "tool result [search]: 3 matches"},
		{Seq: 3, Role: ports.RoleAgent, Content: "the migration is still blocked on #42"},
	})
	require.NoError(t, err)

	titles := make([]string, 0, len(out.Sections))
	for _, sec := range out.Sections {
		titles = append(titles, sec.Title)
	}
	assert.Equal(t, []string{SectionRequests, SectionResponses, SectionTools, SectionIdentifiers, SectionOpenItems, SectionTimeline}, titles)
	assert.Contains(t, out.Content, "internal/app")
	assert.Contains(t, out.Content, "#42")
}

func coverageOf(seqs ...uint32) *roaring.Bitmap {
	return roaring.BitmapOf(seqs...)
}

func TestGuard_RepeatedCompactionsKeepEveryFact(t *testing.T) {
	g, _ := newTestGuard(t, Config{Threshold: 30, Retain: 5})
	ctx := context.Background()

	const total = 300
	for i := 1; i <= total; i++ {
		require.NoError(t, g.Append(ctx, "conv-1", Message{Role: ports.RoleUser, Content: fmt.Sprintf("fact-%03d decided", i)}))
		_, err := g.EnsureBounded(ctx, "conv-1")
		require.NoError(t, err)
	}

	st, err := g.State(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, st.Summary)
	assert.GreaterOrEqual(t, st.Compactions, 10)

	folded := total - len(st.Messages)
	assert.EqualValues(t, folded, st.Summary.Coverage.GetCardinality())
	for i := 1; i <= folded; i++ {
		assert.Contains(t, st.Summary.Content, fmt.Sprintf("fact-%03d decided", i))
	}
	for _, sec := range st.Summary.Sections {
		assert.LessOrEqual(t, len(sec.Entries), NewDeterministicSummarizer().MaxEntries, sec.Title)
	}
}

func TestDeterministicSummarizer_BoundCondensesOldEntries(t *testing.T) {
	s := &DeterministicSummarizer{MaxEntries: 3}

	out := s.bound([]string{"a", "b", "c", "d", "e"})
	assert.Equal(t, []string{"Earlier: a | b | c", "d", "e"}, out)

	out = s.bound(append(out, "f"))
	assert.Equal(t, []string{"Earlier: a | b | c | d", "e", "f"}, out)

	assert.Equal(t, []string{"x", "y"}, s.bound([]string{"x", "y"}))
}
