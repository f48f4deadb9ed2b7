// Package router classifies instructions and sequences tool and reasoning calls for them.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"

	"github.com/ZanzyTHEbar/agent-conductor/conductor/cache"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/compaction"
	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

const defaultSystemPrompt = "You coordinate work for a software agent. Use the listed tools when they help; " +
	"otherwise answer directly and concisely."

// Policy controls routing limits and retries.
type Policy struct {
	MaxRounds        int           // reasoning calls per mixed instruction
	ReasoningTimeout time.Duration // per reasoning call
	RetryCount       int           // retries after a transient failure
	Backoff          Backoff
	ToolConcurrency  int // parallel tool calls per round
	MaxNewTokens     int
	SystemPrompt     string
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRounds:        5,
		ReasoningTimeout: 45 * time.Second,
		RetryCount:       1,
		Backoff:          Backoff{Base: 500 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2},
		ToolConcurrency:  4,
		MaxNewTokens:     1024,
		SystemPrompt:     defaultSystemPrompt,
	}
}

// Dependencies are the collaborators a Router drives. Optional ones may be nil.
type Dependencies struct {
	Provider   ports.Provider
	Tools      ports.ToolExecutor
	Guard      *compaction.Guard
	Caches     *cache.Registry
	Limiter    ports.RateLimiter    // optional
	Tracer     ports.Tracer         // optional
	Recorder   ports.Recorder       // optional
	Agents     ports.AgentDirectory // optional
	Guardrails *Guardrails          // optional
	Classifier *Classifier          // optional
	Logger     zerolog.Logger
}

// Request is one instruction routed on behalf of an agent.
type Request struct {
	WorkflowID     string
	ConversationID string
	AgentID        string
	Instruction    string
}

// ToolResult is the outcome of one executed tool call.
type ToolResult struct {
	Call   ports.ToolCall `json:"call"`
	Output string         `json:"output,omitempty"`
	Err    error          `json:"-"`
	Cached bool           `json:"cached"`
}

// Result is the outcome of a routed instruction.
type Result struct {
	Route       Route
	Rule        string
	Text        string
	ToolResults []ToolResult
	// PendingCalls are proposals left unexecuted when the round cap was hit.
	PendingCalls   []ports.ToolCall
	Partial        bool
	ReasoningCalls int
	Cached         bool
	Usage          ports.Usage
}

// Router is the hybrid execution router.
type Router struct {
	deps     Dependencies
	policy   Policy
	governor *Governor
	builder  *PromptBuilder
	parser  *OutputParser
	logger  zerolog.Logger
}

// New creates a router. Policy values outside their bounds are replaced with defaults.
func New(deps Dependencies, policy Policy) *Router {
	def := DefaultPolicy()
	if policy.MaxRounds <= 0 {
		policy.MaxRounds = def.MaxRounds
	}
	if policy.ReasoningTimeout <= 0 {
		policy.ReasoningTimeout = def.ReasoningTimeout
	}
	if policy.RetryCount < 0 {
		policy.RetryCount = 0
	}
	if policy.ToolConcurrency <= 0 {
		policy.ToolConcurrency = def.ToolConcurrency
	}
	if policy.MaxNewTokens <= 0 {
		policy.MaxNewTokens = def.MaxNewTokens
	}
	if policy.SystemPrompt == "" {
		policy.SystemPrompt = def.SystemPrompt
	}
	if deps.Classifier == nil {
		deps.Classifier = NewClassifier()
	}

	return &Router{
		deps:   deps,
		policy: policy,
		governor: &Governor{
			Provider: deps.Provider,
			Limiter:  deps.Limiter,
			Tracer:   deps.Tracer,
			Recorder: deps.Recorder,
			Timeout:  policy.ReasoningTimeout,
		},
		builder: NewPromptBuilder(policy.SystemPrompt),
		parser:  NewOutputParser(),
		logger:  deps.Logger.With().Str("component", "router").Logger(),
	}
}

// Classify exposes the routing decision without executing anything.
func (r *Router) Classify(instruction string) Classification {
	return r.deps.Classifier.Classify(instruction, r.deps.Tools)
}

// Route executes req along the path chosen by the classifier.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Instruction) == "" {
		return nil, &ports.ValidationError{Field: "instruction", Message: "instruction is required"}
	}
	if req.ConversationID == "" {
		return nil, &ports.ValidationError{Field: "conversationId", Message: "conversation id is required"}
	}

	cls := r.Classify(req.Instruction)
	ctx, finish := r.startSpan(ctx, "route", map[string]any{
		"workflow_id":     req.WorkflowID,
		"conversation_id": req.ConversationID,
		"agent_id":        req.AgentID,
		"route":           cls.Route.String(),
		"rule":            cls.Rule,
	})

	var (
		res *Result
		err error
	)
	switch cls.Route {
	case RouteToolOnly:
		res, err = r.routeToolOnly(ctx, req, cls)
	case RouteReasoningOnly:
		res, err = r.routeReasoningOnly(ctx, req)
	default:
		res, err = r.routeMixed(ctx, req)
	}
	finish(err)
	if err != nil {
		return nil, err
	}
	res.Route = cls.Route
	res.Rule = cls.Rule
	return res, nil
}

func (r *Router) routeToolOnly(ctx context.Context, req Request, cls Classification) (*Result, error) {
	agent := r.agent(ctx, req.AgentID)
	results := r.runTools(ctx, agent, RouteToolOnly, cls.Calls, req.Instruction)

	res := &Result{ToolResults: results}
	outputs := make([]string, 0, len(results))
	for _, tr := range results {
		if tr.Err != nil {
			return nil, tr.Err
		}
		outputs = append(outputs, tr.Output)
	}
	res.Text = strings.Join(outputs, "\n")

	msgs := []compaction.Message{{Role: ports.RoleUser, Content: req.Instruction}}
	for _, tr := range results {
		msgs = append(msgs, compaction.Message{Role: ports.RoleSystem, Content: toolMessage(tr)})
	}
	if err := r.deps.Guard.Append(ctx, req.ConversationID, msgs...); err != nil {
		return nil, fmt.Errorf("failed to record tool-only turn: %w", err)
	}
	return res, nil
}

type cachedExchange struct {
	Text  string      `json:"text"`
	Usage ports.Usage `json:"usage"`
}

func (r *Router) routeReasoningOnly(ctx context.Context, req Request) (*Result, error) {
	if err := r.deps.Guard.Append(ctx, req.ConversationID, compaction.Message{Role: ports.RoleUser, Content: req.Instruction}); err != nil {
		return nil, err
	}

	build := r.promptFor(req, nil)
	prompt, err := build(ctx)
	if err != nil {
		return nil, err
	}

	key := promptKey(prompt)
	ctxCache := r.deps.Caches.ContextCompression()
	if raw, ok := ctxCache.Get(key); ok {
		var ex cachedExchange
		if err := json.Unmarshal(raw, &ex); err == nil {
			r.record(ctx, ports.CallRecord{
				Kind:        ports.CallReasoning,
				Route:       RouteReasoningOnly.String(),
				Cached:      true,
				TokensSaved: ex.Usage.TotalTokens,
			})
			if err := r.appendAgent(ctx, req.ConversationID, ex.Text); err != nil {
				return nil, err
			}
			return &Result{Text: ex.Text, Cached: true}, nil
		}
		ctxCache.Invalidate(key)
	}

	completion, usage, err := r.callReasoning(ctx, req, RouteReasoningOnly, build, "none")
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(cachedExchange{Text: completion.Text, Usage: usage}); err == nil {
		ctxCache.Put(key, raw, 0)
	}
	if err := r.appendAgent(ctx, req.ConversationID, completion.Text); err != nil {
		return nil, err
	}
	return &Result{Text: completion.Text, ReasoningCalls: 1, Usage: usage}, nil
}

func (r *Router) routeMixed(ctx context.Context, req Request) (*Result, error) {
	if err := r.deps.Guard.Append(ctx, req.ConversationID, compaction.Message{Role: ports.RoleUser, Content: req.Instruction}); err != nil {
		return nil, err
	}

	agent := r.agent(ctx, req.AgentID)
	specs := r.eligibleSpecs(agent)
	build := r.promptFor(req, specs)
	res := &Result{}

	for {
		completion, usage, err := r.callReasoning(ctx, req, RouteMixed, build, "auto")
		if err != nil {
			return nil, err
		}
		res.ReasoningCalls++
		res.Usage.Add(&usage)

		calls := completion.ToolCalls
		if len(calls) == 0 {
			calls = r.knownCalls(r.parser.ParseToolCalls(completion.Text))
		}

		if err := r.appendAgent(ctx, req.ConversationID, proposalText(completion.Text, calls)); err != nil {
			return nil, err
		}

		if len(calls) == 0 {
			res.Text = completion.Text
			return res, nil
		}

		if res.ReasoningCalls >= r.policy.MaxRounds {
			r.logger.Warn().
				Str("conversation", req.ConversationID).
				Int("rounds", res.ReasoningCalls).
				Int("pending", len(calls)).
				Msg("Round cap reached, returning partial result")
			res.Text = completion.Text
			res.PendingCalls = calls
			res.Partial = true
			return res, nil
		}

		results := r.runTools(ctx, agent, RouteMixed, calls, "")
		res.ToolResults = append(res.ToolResults, results...)

		msgs := make([]compaction.Message, 0, len(results))
		for _, tr := range results {
			msgs = append(msgs, compaction.Message{Role: ports.RoleSystem, Content: toolMessage(tr)})
		}
		if err := r.deps.Guard.Append(ctx, req.ConversationID, msgs...); err != nil {
			return nil, err
		}
	}
}

// promptFor returns a builder that re-reads the bounded window, so a retry after compaction sends the smaller prompt.
func (r *Router) promptFor(req Request, specs []ports.ToolSpec) func(context.Context) (ports.PromptInput, error) {
	return func(ctx context.Context) (ports.PromptInput, error) {
		window, err := r.deps.Guard.EnsureBounded(ctx, req.ConversationID)
		if err != nil {
			return ports.PromptInput{}, fmt.Errorf("failed to bound conversation %s: %w", req.ConversationID, err)
		}
		return r.builder.Build(window, specs, map[string]string{
			"workflow_id":     req.WorkflowID,
			"conversation_id": req.ConversationID,
			"agent_id":        req.AgentID,
		}), nil
	}
}

// callReasoning makes one reasoning call with a bounded retry on transient failures.
func (r *Router) callReasoning(
	ctx context.Context,
	req Request,
	route Route,
	build func(context.Context) (ports.PromptInput, error),
	toolChoice string,
) (ports.Completion, ports.Usage, error) {
	var lastErr error
	attempts := r.policy.RetryCount + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if _, err := r.deps.Guard.ForceCompact(ctx, req.ConversationID); err != nil {
				r.logger.Warn().Err(err).Str("conversation", req.ConversationID).Msg("Preemptive compaction failed")
			}
			delay := r.policy.Backoff.Delay(attempt - 1)
			if hint := ports.RetryAfter(lastErr); hint > delay && (r.policy.Backoff.Max <= 0 || hint <= r.policy.Backoff.Max) {
				delay = hint
			}
			r.logger.Debug().Int("attempt", attempt).Dur("delay", delay).Err(lastErr).Msg("Retrying reasoning call")
			if err := sleep(ctx, delay); err != nil {
				return ports.Completion{}, ports.Usage{}, err
			}
		}

		prompt, err := build(ctx)
		if err != nil {
			// A rate-limited or timed-out summary call is retried like the reasoning call itself.
			if ports.IsTransient(err) {
				lastErr = err
				continue
			}
			return ports.Completion{}, ports.Usage{}, err
		}

		completion, usage, err := r.reasoningOnce(ctx, route, prompt, toolChoice)
		if err == nil {
			return completion, usage, nil
		}
		if !ports.IsTransient(err) {
			return ports.Completion{}, ports.Usage{}, err
		}
		lastErr = err
	}

	return ports.Completion{}, ports.Usage{}, &ports.RetryableError{
		Attempts:   attempts,
		RetryAfter: ports.RetryAfter(lastErr),
		Err:        lastErr,
	}
}

func (r *Router) reasoningOnce(ctx context.Context, route Route, prompt ports.PromptInput, toolChoice string) (ports.Completion, ports.Usage, error) {
	return r.governor.Complete(ctx, route.String(), prompt, ports.Options{
		MaxNewTokens: r.policy.MaxNewTokens,
		ToolChoice:   toolChoice,
	})
}

// runTools executes calls in parallel; results keep the order of calls.
func (r *Router) runTools(ctx context.Context, agent *ports.AgentDescriptor, route Route, calls []ports.ToolCall, instruction string) []ToolResult {
	mapper := iter.Mapper[ports.ToolCall, ToolResult]{MaxGoroutines: r.policy.ToolConcurrency}
	return mapper.Map(calls, func(c *ports.ToolCall) ToolResult {
		return r.runTool(ctx, agent, route, *c, instruction)
	})
}

func (r *Router) runTool(ctx context.Context, agent *ports.AgentDescriptor, route Route, call ports.ToolCall, instruction string) ToolResult {
	tr := ToolResult{Call: call}

	spec, ok := r.deps.Tools.Describe(call.Name)
	if !ok {
		tr.Err = &ports.ValidationError{Field: "tool", Message: fmt.Sprintf("unknown tool %s", call.Name)}
		return tr
	}
	if agent != nil && !agent.Can(spec.Capability) {
		tr.Err = &ports.ValidationError{
			Field:   "tool",
			Message: fmt.Sprintf("agent %s lacks capability %s for tool %s", agent.ID, spec.Capability, call.Name),
		}
		return tr
	}
	if r.deps.Guardrails != nil {
		if err := r.deps.Guardrails.ValidateToolCall(call, spec); err != nil {
			tr.Err = err
			return tr
		}
	}

	saved := 0
	if route == RouteToolOnly {
		saved = EstimateTokens(r.policy.SystemPrompt) + EstimateTokens(instruction)
	}

	var key string
	toolCache := r.deps.Caches.ToolResult()
	if spec.Cacheable {
		key = toolCacheKey(call)
		if raw, ok := toolCache.Get(key); ok {
			tr.Output = string(raw)
			tr.Cached = true
			r.record(ctx, ports.CallRecord{
				Kind:        ports.CallTool,
				Route:       route.String(),
				Tool:        call.Name,
				Cached:      true,
				TokensSaved: saved + EstimateTokens(tr.Output),
			})
			return tr
		}
	}

	ctx, finish := r.startSpan(ctx, "tool_call", map[string]any{"tool": call.Name})
	start := time.Now()
	out, err := r.deps.Tools.Execute(ctx, call)
	latency := time.Since(start)
	if err != nil {
		err = &ports.ToolExecutionError{Tool: call.Name, Err: err}
	}
	finish(err)

	if err == nil {
		if r.deps.Guardrails != nil {
			out = r.deps.Guardrails.SanitizeOutput(out)
		}
		tr.Output = out
		if spec.Cacheable {
			toolCache.Put(key, []byte(out), 0)
		}
		saved += EstimateTokens(out)
	} else {
		tr.Err = err
		saved = 0
	}

	r.record(ctx, ports.CallRecord{
		Kind:        ports.CallTool,
		Route:       route.String(),
		Tool:        call.Name,
		Latency:     latency,
		Err:         err,
		TokensSaved: saved,
	})
	return tr
}

func toolCacheKey(call ports.ToolCall) string {
	args := strings.TrimSpace(string(call.Args))
	var v any
	if err := json.Unmarshal(call.Args, &v); err == nil {
		if canon, err := json.Marshal(v); err == nil {
			args = string(canon)
		}
	}
	return cache.NamespaceTool.Key(cache.Hash(call.Name, args))
}

func (r *Router) agent(ctx context.Context, agentID string) *ports.AgentDescriptor {
	if r.deps.Agents == nil || agentID == "" {
		return nil
	}
	a, ok := r.deps.Agents.Agent(ctx, agentID)
	if !ok {
		return nil
	}
	return &a
}

func (r *Router) eligibleSpecs(agent *ports.AgentDescriptor) []ports.ToolSpec {
	all := r.deps.Tools.Specs()
	if agent == nil {
		return all
	}
	out := make([]ports.ToolSpec, 0, len(all))
	for _, s := range all {
		if agent.Can(s.Capability) {
			out = append(out, s)
		}
	}
	return out
}

func (r *Router) knownCalls(calls []ports.ToolCall) []ports.ToolCall {
	out := calls[:0]
	for _, c := range calls {
		if _, ok := r.deps.Tools.Describe(c.Name); ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *Router) appendAgent(ctx context.Context, conversationID, text string) error {
	return r.deps.Guard.Append(ctx, conversationID, compaction.Message{Role: ports.RoleAgent, Content: text})
}

func (r *Router) record(ctx context.Context, rec ports.CallRecord) {
	if r.deps.Recorder != nil {
		r.deps.Recorder.Record(ctx, rec)
	}
}

func (r *Router) startSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(error)) {
	if r.deps.Tracer == nil {
		return ctx, func(error) {}
	}
	return r.deps.Tracer.StartSpan(ctx, name, attrs)
}

func toolMessage(tr ToolResult) string {
	if tr.Err != nil {
		return fmt.Sprintf("tool error [%s]: %v", tr.Call.Name, tr.Err)
	}
	return fmt.Sprintf("tool result [%s]: %s", tr.Call.Name, tr.Output)
}

func proposalText(text string, calls []ports.ToolCall) string {
	if len(calls) == 0 || strings.TrimSpace(text) != "" {
		return text
	}
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = fmt.Sprintf("%s(%s)", c.Name, string(c.Args))
	}
	return "proposed tool calls: " + strings.Join(names, ", ")
}
