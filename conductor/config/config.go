package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/agent-conductor/conductor"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Compaction CompactionConfig `mapstructure:"compaction"`
	Router     RouterConfig     `mapstructure:"router"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Store      StoreConfig      `mapstructure:"store"`
	Tools      ToolsConfig      `mapstructure:"tools"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Provider   ProviderConfig   `mapstructure:"provider"`
}

// LoggingConfig controls the root zerolog logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format string `mapstructure:"format"` // console | json
}

// CacheNamespaceConfig bounds one cache namespace.
type CacheNamespaceConfig struct {
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// CacheConfig stores per-namespace cache bounds.
type CacheConfig struct {
	Context CacheNamespaceConfig `mapstructure:"context"` // compressed context / reasoning exchanges
	Tool    CacheNamespaceConfig `mapstructure:"tool"`    // cacheable tool results, keep short
	Agent   CacheNamespaceConfig `mapstructure:"agent"`   // workflow/agent state read-through
}

// CompactionConfig stores conversation compaction settings.
type CompactionConfig struct {
	Threshold  int    `mapstructure:"threshold"`  // max active window length
	Retain     int    `mapstructure:"retain"`     // verbatim tail kept after compaction
	Summarizer string `mapstructure:"summarizer"` // deterministic | reasoning
}

// RouterConfig stores hybrid routing, retry and backpressure settings.
type RouterConfig struct {
	MaxRounds        int           `mapstructure:"max_rounds"`        // reasoning calls per mixed instruction
	ReasoningTimeout time.Duration `mapstructure:"reasoning_timeout"` // per reasoning call
	RetryCount       int           `mapstructure:"retry_count"`       // retries after a transient failure
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`     // base backoff
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	MaxInflight      int           `mapstructure:"max_inflight"`  // concurrent reasoning calls
	InflightWait     time.Duration `mapstructure:"inflight_wait"` // bounded queue wait
	RatePerSecond    float64       `mapstructure:"rate_per_second"`
	RateBurst        int           `mapstructure:"rate_burst"`
	ToolConcurrency  int           `mapstructure:"tool_concurrency"`
	MaxNewTokens     int           `mapstructure:"max_new_tokens"`
	SystemPrompt     string        `mapstructure:"system_prompt"`

	// Accounting
	CostPer1KPrompt     float64 `mapstructure:"cost_per_1k_prompt"`
	CostPer1KCompletion float64 `mapstructure:"cost_per_1k_completion"`

	// Circuit breaker in front of the reasoning service
	BreakerEnabled     bool          `mapstructure:"breaker_enabled"`
	BreakerFailures    uint32        `mapstructure:"breaker_failures"`
	BreakerOpenFor     time.Duration `mapstructure:"breaker_open_for"`
	BreakerHalfOpenMax uint32        `mapstructure:"breaker_half_open_max"`

	// Safety and validation
	EnableGuardrails bool     `mapstructure:"enable_guardrails"`
	AllowedTools     []string `mapstructure:"allowed_tools"` // empty means every registered tool
	AllowedPaths     []string `mapstructure:"allowed_paths"` // doublestar globs for path arguments

	EnableTracing bool `mapstructure:"enable_tracing"`
}

// WorkflowConfig stores workflow manager settings.
type WorkflowConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	DetectionRules string        `mapstructure:"detection_rules"` // YAML rule file, optional
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // memory | libsql | redis | nats

	LibSQLPath  string `mapstructure:"libsql_path"`
	RedisURL    string `mapstructure:"redis_url"`
	RedisPrefix string `mapstructure:"redis_prefix"`
	NATSURL     string `mapstructure:"nats_url"`
	NATSBucket  string `mapstructure:"nats_bucket"`
}

// ToolsConfig configures the built-in workspace tools.
type ToolsConfig struct {
	Root        string `mapstructure:"root"` // sandbox directory for file tools
	MaxReadSize int    `mapstructure:"max_read_size"`
	ReadOnly    bool   `mapstructure:"read_only"` // do not register write_file
}

// MetricsConfig configures Prometheus export.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// ProviderConfig selects the reasoning service.
type ProviderConfig struct {
	Kind        string  `mapstructure:"kind"` // none | openai
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
}

// LoadConfig reads configuration from file or environment variables.
// Each call uses a fresh viper instance so concurrent loaders never share state.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	SetDefaults(v)

	v.SetEnvPrefix(internal.DefaultEnvPrefix)
	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. router.max_rounds becomes CONDUCTOR_ROUTER_MAX_ROUNDS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &cfg, nil
}

// Watch reloads the config file on change and hands the decoded result to onChange.
// Decode failures are passed with a nil config so the caller can keep its current one.
func Watch(configPath string, onChange func(*Config, error)) error {
	if configPath == "" {
		return fmt.Errorf("watch requires an explicit config path")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	SetDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			onChange(nil, fmt.Errorf("unable to decode %s: %w", e.Name, err))
			return
		}
		onChange(&cfg, nil)
	})
	v.WatchConfig()
	return nil
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	// Cache defaults: tool results reflect mutable external state, keep them short
	v.SetDefault("cache.context.capacity", 512)
	v.SetDefault("cache.context.ttl", "30m")
	v.SetDefault("cache.tool.capacity", 256)
	v.SetDefault("cache.tool.ttl", "30s")
	v.SetDefault("cache.agent.capacity", 1024)
	v.SetDefault("cache.agent.ttl", "10m")

	v.SetDefault("compaction.threshold", 30)
	v.SetDefault("compaction.retain", 5)
	v.SetDefault("compaction.summarizer", "deterministic")

	v.SetDefault("router.max_rounds", 5)
	v.SetDefault("router.reasoning_timeout", "45s")
	v.SetDefault("router.retry_count", 1)
	v.SetDefault("router.retry_backoff", "500ms")
	v.SetDefault("router.max_backoff", "5s")
	v.SetDefault("router.max_inflight", 8)
	v.SetDefault("router.inflight_wait", "2s")
	v.SetDefault("router.rate_per_second", 5.0)
	v.SetDefault("router.rate_burst", 10)
	v.SetDefault("router.tool_concurrency", 4)
	v.SetDefault("router.max_new_tokens", 1024)
	v.SetDefault("router.system_prompt", "You are one agent in a coordinated multi-agent workflow.")
	v.SetDefault("router.cost_per_1k_prompt", 0.003)
	v.SetDefault("router.cost_per_1k_completion", 0.015)
	v.SetDefault("router.breaker_enabled", true)
	v.SetDefault("router.breaker_failures", 3)
	v.SetDefault("router.breaker_open_for", "30s")
	v.SetDefault("router.breaker_half_open_max", 1)
	v.SetDefault("router.enable_guardrails", true)
	v.SetDefault("router.allowed_tools", []string{})
	v.SetDefault("router.allowed_paths", []string{})
	v.SetDefault("router.enable_tracing", true)

	v.SetDefault("workflow.timeout", "300s")
	v.SetDefault("workflow.detection_rules", "")

	v.SetDefault("store.backend", internal.DefaultStoreBackend)
	v.SetDefault("store.libsql_path", internal.DefaultDatabasePath)
	v.SetDefault("store.redis_url", "redis://localhost:6379/0")
	v.SetDefault("store.redis_prefix", internal.DefaultRedisPrefix)
	v.SetDefault("store.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("store.nats_bucket", internal.DefaultNATSBucket)

	v.SetDefault("tools.root", ".")
	v.SetDefault("tools.max_read_size", 64*1024)
	v.SetDefault("tools.read_only", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", internal.DefaultAppName)

	v.SetDefault("provider.kind", "none")
	v.SetDefault("provider.base_url", "https://api.openai.com/v1")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.model", "gpt-4o-mini")
	v.SetDefault("provider.temperature", 0.2)
}
