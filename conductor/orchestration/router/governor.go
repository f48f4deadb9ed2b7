package router

import (
	"context"
	"errors"
	"time"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

// LabelCompaction accounts reasoning calls made to summarize a conversation.
const LabelCompaction = "compaction"

// Governor wraps every reasoning call with the rate limiter, a per-call timeout, a trace span
// and an accounting record. Optional fields may be nil.
type Governor struct {
	Provider ports.Provider
	Limiter  ports.RateLimiter
	Tracer   ports.Tracer
	Recorder ports.Recorder
	Timeout  time.Duration
}

// Complete makes one governed call, accounted under label. Usage is estimated when the provider reports none.
func (g *Governor) Complete(ctx context.Context, label string, prompt ports.PromptInput, opts ports.Options) (ports.Completion, ports.Usage, error) {
	if g.Limiter != nil {
		release, err := g.Limiter.Acquire(ctx, "reasoning")
		if err != nil {
			return ports.Completion{}, ports.Usage{}, err
		}
		defer release()
	}

	ctx, finish := g.startSpan(ctx, "reasoning_call", map[string]any{"route": label, "messages": len(prompt.Messages)})
	callCtx := ctx
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	start := time.Now()
	completion, err := g.Provider.Complete(callCtx, prompt, opts)
	latency := time.Since(start)

	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = &ports.TimeoutError{Op: "reasoning call", After: g.Timeout, Err: err}
	}
	finish(err)

	var usage ports.Usage
	if err == nil {
		if completion.Usage != nil {
			usage = *completion.Usage
		} else {
			usage.PromptTokens = estimatePrompt(prompt)
			usage.CompletionTokens = EstimateTokens(completion.Text)
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}
	}

	if g.Recorder != nil {
		g.Recorder.Record(ctx, ports.CallRecord{
			Kind:    ports.CallReasoning,
			Route:   label,
			Usage:   usage,
			Latency: latency,
			Err:     err,
		})
	}
	if err != nil {
		return ports.Completion{}, ports.Usage{}, err
	}
	return completion, usage, nil
}

// For returns a Provider whose calls are governed and accounted under label.
func (g *Governor) For(label string) ports.Provider {
	return governed{g: g, label: label}
}

func (g *Governor) startSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(error)) {
	if g.Tracer == nil {
		return ctx, func(error) {}
	}
	return g.Tracer.StartSpan(ctx, name, attrs)
}

type governed struct {
	g     *Governor
	label string
}

func (p governed) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	completion, usage, err := p.g.Complete(ctx, p.label, in, opts)
	if err != nil {
		return ports.Completion{}, err
	}
	completion.Usage = &usage
	return completion, nil
}
