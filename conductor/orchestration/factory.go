// Package orchestration wires the conductor components from configuration.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/agent-conductor/conductor/cache"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/config"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/db"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/accounting"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/adapters"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/compaction"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/detection"
	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/router"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/tools"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/workflow"
)

// Policy bounds enforced on configuration.
const (
	minReasoningTimeout = 30 * time.Second
	maxReasoningTimeout = 60 * time.Second
	maxRounds           = 5
)

// Conductor is a fully wired set of components sharing one store and one cache registry.
type Conductor struct {
	Store     ports.KVStore
	Caches    *cache.Registry
	Guard     *compaction.Guard
	Tools     *tools.Registry
	Router    *router.Router
	Workflows *workflow.Manager
	Ledger    *accounting.Ledger

	// Optional parts, nil when disabled.
	Metrics *adapters.PrometheusRecorder
	Breaker *adapters.BreakerProvider

	closers []io.Closer
}

// Close releases the store connection, if any.
func (c *Conductor) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i].Close())
	}
	return errors.Join(errs...)
}

// Factory creates and wires conductor components from config.
type Factory struct {
	cfg        *config.Config
	provider   ports.Provider
	store      ports.KVStore
	registerer prometheus.Registerer
	logger     zerolog.Logger
}

// NewFactory creates a new factory.
func NewFactory(cfg *config.Config, logger zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

// WithProvider injects the reasoning service instead of building one from provider config.
func (f *Factory) WithProvider(p ports.Provider) *Factory {
	f.provider = p
	return f
}

// WithStore injects the persistence backend instead of building one from store config.
func (f *Factory) WithStore(kv ports.KVStore) *Factory {
	f.store = kv
	return f
}

// WithRegisterer sets where metrics are registered; defaults to prometheus.DefaultRegisterer.
func (f *Factory) WithRegisterer(reg prometheus.Registerer) *Factory {
	f.registerer = reg
	return f
}

// Build creates a Conductor. The caller owns Close.
func (f *Factory) Build(ctx context.Context) (*Conductor, error) {
	c := &Conductor{}

	store, closer, err := f.createStore(ctx)
	if err != nil {
		return nil, err
	}
	c.Store = store
	if closer != nil {
		c.closers = append(c.closers, closer)
	}

	c.Caches = cache.NewRegistry(f.cfg.Cache)

	provider, breaker := f.createProvider()
	c.Breaker = breaker

	c.Ledger = accounting.NewLedger(accounting.Pricing{
		PromptPer1K:     f.cfg.Router.CostPer1KPrompt,
		CompletionPer1K: f.cfg.Router.CostPer1KCompletion,
	})
	recorder := adapters.Recorders{c.Ledger}
	if f.cfg.Metrics.Enabled {
		c.Metrics, err = f.createMetrics()
		if err != nil {
			c.Close()
			return nil, err
		}
		recorder = append(recorder, c.Metrics)
	}

	// Summary calls share the router's limiter, timeout and accounting.
	policy := f.CreatePolicy()
	limiter := f.createRateLimiter()
	tracer := f.createTracer()
	governor := &router.Governor{
		Provider: provider,
		Limiter:  limiter,
		Tracer:   tracer,
		Recorder: recorder,
		Timeout:  policy.ReasoningTimeout,
	}

	c.Guard = compaction.NewGuard(store, f.createSummarizer(provider, governor), f.CompactionConfig(),
		compaction.WithCache(c.Caches.ContextCompression()),
		compaction.WithLogger(f.logger),
	)

	c.Tools, err = f.createTools()
	if err != nil {
		c.Close()
		return nil, err
	}

	detector, err := f.createDetector()
	if err != nil {
		c.Close()
		return nil, err
	}

	agents := workflow.NewAgentRegistry(store)
	c.Router = router.New(router.Dependencies{
		Provider:   provider,
		Tools:      c.Tools,
		Guard:      c.Guard,
		Caches:     c.Caches,
		Limiter:    limiter,
		Tracer:     tracer,
		Recorder:   recorder,
		Agents:     agents,
		Guardrails: f.createGuardrails(),
		Logger:     f.logger,
	}, policy)

	c.Workflows = workflow.NewManager(store,
		workflow.WithCache(c.Caches.AgentState()),
		workflow.WithAgents(agents),
		workflow.WithRouter(c.Router),
		workflow.WithDetector(detector),
		workflow.WithTimeout(f.cfg.Workflow.Timeout),
		workflow.WithLogger(f.logger),
	)

	f.logger.Debug().
		Str("store", f.cfg.Store.Backend).
		Int("tools", c.Tools.Len()).
		Bool("metrics", c.Metrics != nil).
		Bool("breaker", c.Breaker != nil).
		Msg("Conductor wired")
	return c, nil
}

// createStore creates the persistence backend from config.
func (f *Factory) createStore(ctx context.Context) (ports.KVStore, io.Closer, error) {
	if f.store != nil {
		return f.store, nil, nil
	}

	sc := f.cfg.Store
	switch sc.Backend {
	case "", "memory":
		return adapters.NewMemoryStore(), nil, nil
	case "libsql":
		conn, err := db.Connect(ctx, sc.LibSQLPath, f.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open libsql store: %w", err)
		}
		s := adapters.NewLibSQLStore(conn)
		return s, s, nil
	case "redis":
		s, err := adapters.NewRedisStore(ctx, sc.RedisURL, sc.RedisPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open redis store: %w", err)
		}
		return s, s, nil
	case "nats":
		s, err := adapters.NewNATSStore(ctx, sc.NATSURL, sc.NATSBucket)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open nats store: %w", err)
		}
		return s, s, nil
	}
	return nil, nil, &ports.ValidationError{Field: "store.backend", Message: fmt.Sprintf("unknown store backend %q", sc.Backend)}
}

// createProvider creates the reasoning service, wrapped in a breaker when enabled.
func (f *Factory) createProvider() (ports.Provider, *adapters.BreakerProvider) {
	provider := f.provider
	if provider == nil {
		pc := f.cfg.Provider
		switch pc.Kind {
		case "openai":
			provider = adapters.NewOpenAIProvider(pc.BaseURL, pc.APIKey, pc.Model, pc.Temperature)
		default:
			if pc.Kind != "" && pc.Kind != "none" {
				f.logger.Warn().Str("kind", pc.Kind).Msg("Unknown provider kind, reasoning disabled")
			}
			return adapters.UnavailableProvider{}, nil
		}
	}

	rc := f.cfg.Router
	if !rc.BreakerEnabled {
		return provider, nil
	}
	breaker := adapters.NewBreakerProvider(provider, adapters.BreakerSettings{
		Failures:    rc.BreakerFailures,
		OpenFor:     rc.BreakerOpenFor,
		HalfOpenMax: rc.BreakerHalfOpenMax,
	}, f.logger)
	return breaker, breaker
}

// createSummarizer picks the compaction summarizer; reasoning summaries go through governor.
func (f *Factory) createSummarizer(provider ports.Provider, governor *router.Governor) compaction.Summarizer {
	switch f.cfg.Compaction.Summarizer {
	case "reasoning":
		if _, ok := provider.(adapters.UnavailableProvider); ok {
			f.logger.Warn().Msg("Reasoning summarizer needs a provider, using deterministic summaries")
			return compaction.NewDeterministicSummarizer()
		}
		return compaction.NewReasoningSummarizer(governor.For(router.LabelCompaction), f.cfg.Router.MaxNewTokens)
	case "", "deterministic":
	default:
		f.logger.Warn().Str("summarizer", f.cfg.Compaction.Summarizer).Msg("Unknown summarizer, using deterministic summaries")
	}
	return compaction.NewDeterministicSummarizer()
}

// CompactionConfig returns the guard bounds with validation.
func (f *Factory) CompactionConfig() compaction.Config {
	cc := compaction.Config{Threshold: f.cfg.Compaction.Threshold, Retain: f.cfg.Compaction.Retain}
	if cc.Threshold < 2 {
		cc.Threshold = 2
		f.logger.Warn().Int("threshold", f.cfg.Compaction.Threshold).Msg("Compaction threshold clamped to minimum of 2")
	}
	if cc.Retain < 0 {
		cc.Retain = 0
		f.logger.Warn().Int("retain", f.cfg.Compaction.Retain).Msg("Compaction retain clamped to minimum of 0")
	}
	if cc.Retain >= cc.Threshold {
		cc.Retain = cc.Threshold - 1
		f.logger.Warn().Int("retain", f.cfg.Compaction.Retain).Int("threshold", cc.Threshold).Msg("Compaction retain clamped below threshold")
	}
	return cc
}

// createRateLimiter chains the request rate limit with in-flight backpressure.
func (f *Factory) createRateLimiter() ports.RateLimiter {
	rc := f.cfg.Router
	var chain adapters.ChainLimiter
	if rc.RatePerSecond > 0 {
		chain = append(chain, adapters.NewTokenBucket(rc.RatePerSecond, rc.RateBurst, rc.InflightWait))
	}
	if rc.MaxInflight > 0 {
		chain = append(chain, adapters.NewInflightLimiter(rc.MaxInflight, rc.InflightWait))
	}
	if len(chain) == 0 {
		return adapters.NopLimiter{}
	}
	return chain
}

func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Router.EnableTracing {
		return adapters.NopTracer{}
	}
	return adapters.NewZerologTracer(f.logger)
}

func (f *Factory) createMetrics() (*adapters.PrometheusRecorder, error) {
	reg := f.registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return adapters.NewPrometheusRecorder(reg, f.cfg.Metrics.Namespace)
}

// createGuardrails returns nil when guardrails are disabled.
func (f *Factory) createGuardrails() *router.Guardrails {
	if !f.cfg.Router.EnableGuardrails {
		return nil
	}
	return router.NewGuardrails(f.cfg.Router.AllowedTools, f.cfg.Router.AllowedPaths)
}

func (f *Factory) createTools() (*tools.Registry, error) {
	ws, err := tools.NewWorkspace(f.cfg.Tools.Root, f.cfg.Tools.MaxReadSize)
	if err != nil {
		return nil, err
	}
	reg := tools.NewRegistry()
	if err := reg.RegisterWorkspace(ws, f.cfg.Tools.ReadOnly); err != nil {
		return nil, err
	}
	return reg, nil
}

func (f *Factory) createDetector() (ports.WorkflowDetector, error) {
	rules := detection.DefaultRules()
	if path := f.cfg.Workflow.DetectionRules; path != "" {
		var err error
		if rules, err = detection.LoadRules(path); err != nil {
			return nil, err
		}
	}
	return detection.NewRuleDetector(rules)
}

// CreatePolicy creates a router policy from config with validation.
func (f *Factory) CreatePolicy() router.Policy {
	rc := f.cfg.Router
	policy := router.Policy{
		MaxRounds:        rc.MaxRounds,
		ReasoningTimeout: rc.ReasoningTimeout,
		RetryCount:       rc.RetryCount,
		Backoff:          router.Backoff{Base: rc.RetryBackoff, Max: rc.MaxBackoff, Multiplier: 2},
		ToolConcurrency:  rc.ToolConcurrency,
		MaxNewTokens:     rc.MaxNewTokens,
		SystemPrompt:     rc.SystemPrompt,
	}

	// Validate and clamp policy values
	if policy.MaxRounds < 1 {
		policy.MaxRounds = 1
		f.logger.Warn().Int("max_rounds", rc.MaxRounds).Msg("MaxRounds clamped to minimum of 1")
	}
	if policy.MaxRounds > maxRounds {
		policy.MaxRounds = maxRounds
		f.logger.Warn().Int("max_rounds", rc.MaxRounds).Msg("MaxRounds clamped to maximum of 5")
	}

	if policy.ReasoningTimeout < minReasoningTimeout {
		policy.ReasoningTimeout = minReasoningTimeout
		f.logger.Warn().Dur("reasoning_timeout", rc.ReasoningTimeout).Msg("ReasoningTimeout clamped to minimum of 30s")
	}
	if policy.ReasoningTimeout > maxReasoningTimeout {
		policy.ReasoningTimeout = maxReasoningTimeout
		f.logger.Warn().Dur("reasoning_timeout", rc.ReasoningTimeout).Msg("ReasoningTimeout clamped to maximum of 60s")
	}

	if policy.RetryCount < 0 {
		policy.RetryCount = 0
		f.logger.Warn().Int("retry_count", rc.RetryCount).Msg("RetryCount clamped to minimum of 0")
	}
	if policy.Backoff.Max > 0 && policy.Backoff.Base > policy.Backoff.Max {
		policy.Backoff.Base = policy.Backoff.Max
		f.logger.Warn().Dur("retry_backoff", rc.RetryBackoff).Dur("max_backoff", rc.MaxBackoff).Msg("RetryBackoff clamped to MaxBackoff")
	}
	if policy.ToolConcurrency < 1 {
		policy.ToolConcurrency = 1
		f.logger.Warn().Int("tool_concurrency", rc.ToolConcurrency).Msg("ToolConcurrency clamped to minimum of 1")
	}

	return policy
}
