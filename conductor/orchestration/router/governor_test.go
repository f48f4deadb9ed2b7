package router

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/accounting"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/adapters"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/compaction"
	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

func TestGovernor_AccountsUnderLabel(t *testing.T) {
	p := &scriptedProvider{steps: []func(context.Context, ports.PromptInput) (ports.Completion, error){text("short summary")}}
	ledger := accounting.NewLedger(accounting.Pricing{})
	g := &Governor{Provider: p, Recorder: ledger, Timeout: time.Second}

	got, err := g.For(LabelCompaction).Complete(context.Background(), ports.PromptInput{
		Messages: []ports.PromptMessage{{Role: ports.RoleUser, Content: "summarize"}},
	}, ports.Options{ToolChoice: "none"})
	require.NoError(t, err)
	assert.Equal(t, "short summary", got.Text)
	require.NotNil(t, got.Usage)
	assert.Equal(t, 50, got.Usage.TotalTokens)

	s := ledger.Summary()
	assert.EqualValues(t, 1, s.Routes[LabelCompaction].ReasoningCalls)
	assert.Equal(t, 50, s.Usage.TotalTokens)
}

func TestGovernor_AppliesLimiter(t *testing.T) {
	p := &scriptedProvider{steps: []func(context.Context, ports.PromptInput) (ports.Completion, error){text("unused")}}
	limiter := adapters.NewInflightLimiter(1, 5*time.Millisecond)
	hold, err := limiter.Acquire(context.Background(), "reasoning")
	require.NoError(t, err)
	defer hold()

	g := &Governor{Provider: p, Limiter: limiter, Timeout: time.Second}
	_, err = g.For(LabelCompaction).Complete(context.Background(), ports.PromptInput{}, ports.Options{})
	var rl *ports.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 5*time.Millisecond, rl.RetryAfter)
	assert.Zero(t, p.Calls())
}

func TestGovernor_AppliesTimeout(t *testing.T) {
	p := &scriptedProvider{steps: []func(context.Context, ports.PromptInput) (ports.Completion, error){
		func(ctx context.Context, _ ports.PromptInput) (ports.Completion, error) {
			<-ctx.Done()
			return ports.Completion{}, ctx.Err()
		},
	}}
	ledger := accounting.NewLedger(accounting.Pricing{})
	g := &Governor{Provider: p, Recorder: ledger, Timeout: 10 * time.Millisecond}

	_, err := g.For(LabelCompaction).Complete(context.Background(), ports.PromptInput{}, ports.Options{})
	var te *ports.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.True(t, ports.IsTransient(err))
	assert.EqualValues(t, 1, ledger.Summary().Routes[LabelCompaction].Errors)
}

func TestRoute_RateLimitedSummaryIsRetried(t *testing.T) {
	ctx := context.Background()
	ledger := accounting.NewLedger(accounting.Pricing{})

	summaries := &scriptedProvider{steps: []func(context.Context, ports.PromptInput) (ports.Completion, error){
		fail(&ports.RateLimitError{Message: "slow down", RetryAfter: time.Millisecond}),
		text("they agreed on short-lived JWTs"),
	}}
	governor := &Governor{Provider: summaries, Recorder: ledger, Timeout: time.Second}
	guard := compaction.NewGuard(adapters.NewMemoryStore(),
		compaction.NewReasoningSummarizer(governor.For(LabelCompaction), 0),
		compaction.Config{Threshold: 30, Retain: 5})

	answers := &scriptedProvider{steps: []func(context.Context, ports.PromptInput) (ports.Completion, error){text("rotate the signing keys")}}
	policy := DefaultPolicy()
	policy.Backoff = Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
	r := New(Dependencies{
		Provider: answers,
		Tools:    newStubTools(),
		Guard:    guard,
		Caches:   testCaches(),
		Recorder: ledger,
		Logger:   zerolog.Nop(),
	}, policy)

	for i := 1; i <= 35; i++ {
		require.NoError(t, guard.Append(ctx, "conv-1", compaction.Message{Role: ports.RoleUser, Content: fmt.Sprintf("seeded %d", i)}))
	}

	res, err := r.Route(ctx, req("review our authentication approach and recommend improvements"))
	require.NoError(t, err)
	assert.Equal(t, "rotate the signing keys", res.Text)
	assert.Equal(t, 2, summaries.Calls())
	require.Equal(t, 1, answers.Calls())
	assert.Len(t, answers.inputs[0].Messages, 6)
	assert.True(t, strings.Contains(answers.inputs[0].Messages[0].Content, "short-lived JWTs"))

	s := ledger.Summary()
	assert.EqualValues(t, 2, s.Routes[LabelCompaction].ReasoningCalls)
	assert.EqualValues(t, 1, s.Routes[LabelCompaction].Errors)
	assert.EqualValues(t, 1, s.Routes[RouteReasoningOnly.String()].ReasoningCalls)
}
