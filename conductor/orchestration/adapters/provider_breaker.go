package adapters

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

// BreakerSettings configures BreakerProvider.
type BreakerSettings struct {
	Failures    uint32        // consecutive failures before opening
	OpenFor     time.Duration // how long the breaker stays open
	HalfOpenMax uint32        // requests allowed while half-open
}

// BreakerProvider guards a reasoning Provider with a circuit breaker.
// An open breaker is reported as a RateLimitError so callers treat it as transient.
type BreakerProvider struct {
	next    ports.Provider
	cb      *gobreaker.CircuitBreaker
	openFor time.Duration
}

// NewBreakerProvider wraps next.
func NewBreakerProvider(next ports.Provider, s BreakerSettings, logger zerolog.Logger) *BreakerProvider {
	if s.Failures == 0 {
		s.Failures = 3
	}
	if s.OpenFor <= 0 {
		s.OpenFor = 30 * time.Second
	}
	if s.HalfOpenMax == 0 {
		s.HalfOpenMax = 1
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reasoning",
		MaxRequests: s.HalfOpenMax,
		Timeout:     s.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.Failures
		},
		// Caller mistakes and cancellations say nothing about service health.
		IsSuccessful: func(err error) bool {
			return err == nil || ports.IsValidation(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
		},
	})

	return &BreakerProvider{next: next, cb: cb, openFor: s.OpenFor}
}

func (p *BreakerProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	res, err := p.cb.Execute(func() (interface{}, error) {
		return p.next.Complete(ctx, in, opts)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ports.Completion{}, &ports.RateLimitError{
			Message:    "reasoning service circuit open",
			RetryAfter: p.openFor,
		}
	}
	if err != nil {
		return ports.Completion{}, err
	}
	return res.(ports.Completion), nil
}

// State exposes the breaker state for diagnostics.
func (p *BreakerProvider) State() string {
	return p.cb.State().String()
}

// Ensure BreakerProvider implements the Provider interface.
var _ ports.Provider = (*BreakerProvider)(nil)
