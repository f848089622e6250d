// Package config provides configuration loading and management for lexitask.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/lexitask/cache"
	"github.com/c360studio/lexitask/fallback"
	"github.com/c360studio/lexitask/provider"
	"github.com/c360studio/lexitask/retry"
	"github.com/c360studio/lexitask/task"
	"github.com/c360studio/lexitask/telemetry"
	"github.com/c360studio/lexitask/transport/natsbus"
)

// Config represents the complete lexitask configuration
type Config struct {
	LogLevel  string              `yaml:"log_level"`
	Cache     CacheConfig         `yaml:"cache"`
	Telemetry TelemetryConfig     `yaml:"telemetry"`
	Router    RouterConfig        `yaml:"router"`
	NATS      NATSConfig          `yaml:"nats"`
	Metrics   MetricsConfig       `yaml:"metrics"`
	Providers ProvidersConfig     `yaml:"providers"`
	Retry     RetrySettings       `yaml:"retry"`
	Chains    map[string][]string `yaml:"chains,omitempty"`
}

// CacheConfig configures the result cache
type CacheConfig struct {
	// Capacity is the number of results kept per task kind
	Capacity int `yaml:"capacity"`
}

// TelemetryConfig configures the attempt log
type TelemetryConfig struct {
	// Capacity is the number of entries kept in memory
	Capacity int `yaml:"capacity"`
	// Verbose logs every entry at info level
	Verbose bool `yaml:"verbose"`
	// KVBucket is the JetStream bucket entries are mirrored to by serve
	KVBucket string `yaml:"kv_bucket"`
	// KVTTL is how long mirrored entries live
	KVTTL time.Duration `yaml:"kv_ttl"`
}

// RouterConfig configures the task router
type RouterConfig struct {
	// Watchdog is the least time a task may wait for its response. Each kind
	// gets at least its worst-case retry and fallback budget, see WatchdogFor.
	Watchdog time.Duration `yaml:"watchdog"`
	// StartupTimeout bounds starting or reaching a worker
	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

// NATSConfig configures the NATS transport
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue"`
}

// MetricsConfig configures the Prometheus endpoint of serve
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint
	Addr string `yaml:"addr"`
}

// ProvidersConfig configures the provider adapters
type ProvidersConfig struct {
	Builtin BuiltinSettings `yaml:"builtin"`
	Cloud   CloudSettings   `yaml:"cloud"`
}

// BuiltinSettings configures the local model runtime
type BuiltinSettings struct {
	// Enabled is a pointer so a file can switch it off over the default
	Enabled   *bool    `yaml:"enabled,omitempty"`
	URL       string   `yaml:"url"`
	Model     string   `yaml:"model"`
	Languages []string `yaml:"languages,omitempty"`
	Warmup    bool     `yaml:"warmup"`
	// MaxSessions caps the language pairs kept warm; zero uses the adapter default
	MaxSessions int `yaml:"max_sessions,omitempty"`
}

// IsEnabled reports whether the builtin adapter should be registered.
func (b BuiltinSettings) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// CloudSettings configures the remote chat completions service
type CloudSettings struct {
	URL       string `yaml:"url"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key,omitempty"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// RetrySettings overrides the built-in retry profiles
type RetrySettings struct {
	// Default applies to every kind
	Default RetryProfile `yaml:"default"`
	// Kinds applies to one kind, over Default
	Kinds map[string]RetryProfile `yaml:"kinds,omitempty"`
}

// RetryProfile is a partial retry.Config; zero fields keep the underlying value
type RetryProfile struct {
	MaxAttempts       int           `yaml:"max_attempts,omitempty"`
	BaseDelay         time.Duration `yaml:"base_delay,omitempty"`
	MaxDelay          time.Duration `yaml:"max_delay,omitempty"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier,omitempty"`
	Timeout           time.Duration `yaml:"timeout,omitempty"`
	Retryable         []string      `yaml:"retryable,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Cache: CacheConfig{
			Capacity: cache.DefaultCapacity,
		},
		Telemetry: TelemetryConfig{
			Capacity: telemetry.DefaultCapacity,
			KVBucket: telemetry.DefaultBucket,
			KVTTL:    telemetry.DefaultTTL,
		},
		Router: RouterConfig{
			Watchdog:       15 * time.Second,
			StartupTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			URL:     natsbus.DefaultURL,
			Subject: natsbus.DefaultSubject,
			Queue:   natsbus.DefaultQueue,
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
		Providers: ProvidersConfig{
			Builtin: BuiltinSettings{
				URL:   "http://localhost:11434",
				Model: "llama3.2",
			},
			Cloud: CloudSettings{
				URL:       "https://api.openai.com/v1",
				Model:     "gpt-4o-mini",
				APIKeyEnv: "OPENAI_API_KEY",
			},
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be positive")
	}
	if c.Telemetry.Capacity <= 0 {
		return fmt.Errorf("telemetry.capacity must be positive")
	}
	if c.Router.Watchdog <= 0 {
		return fmt.Errorf("router.watchdog must be positive")
	}
	if c.Router.StartupTimeout <= 0 {
		return fmt.Errorf("router.startup_timeout must be positive")
	}
	if c.NATS.Subject == "" {
		return fmt.Errorf("nats.subject is required")
	}
	if c.Providers.Builtin.IsEnabled() && c.Providers.Builtin.Model == "" {
		return fmt.Errorf("providers.builtin.model is required when enabled")
	}
	if c.Providers.Builtin.MaxSessions < 0 {
		return fmt.Errorf("providers.builtin.max_sessions must not be negative")
	}

	for name, chain := range c.Chains {
		if !task.Kind(name).IsValid() {
			return fmt.Errorf("chains: unknown task kind %q", name)
		}
		if len(chain) == 0 {
			return fmt.Errorf("chains.%s is empty", name)
		}
	}
	for name := range c.Retry.Kinds {
		if !task.Kind(name).IsValid() {
			return fmt.Errorf("retry.kinds: unknown task kind %q", name)
		}
	}
	for _, kind := range task.AllKinds() {
		rc, err := c.RetryFor(kind)
		if err != nil {
			return err
		}
		if err := rc.Validate(); err != nil {
			return fmt.Errorf("retry for %s: %w", kind, err)
		}
	}
	return nil
}

// Level returns the configured log level, info when unparseable.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// RetryFor builds the retry configuration for kind: the built-in profile, then
// retry.default, then retry.kinds.<kind>.
func (c *Config) RetryFor(kind task.Kind) (retry.Config, error) {
	rc := retry.ForKind(kind)
	if err := c.Retry.Default.apply(&rc); err != nil {
		return rc, fmt.Errorf("retry.default: %w", err)
	}
	if p, ok := c.Retry.Kinds[string(kind)]; ok {
		if err := p.apply(&rc); err != nil {
			return rc, fmt.Errorf("retry.kinds.%s: %w", kind, err)
		}
	}
	return rc, nil
}

func (p RetryProfile) apply(rc *retry.Config) error {
	if p.MaxAttempts != 0 {
		rc.MaxAttempts = p.MaxAttempts
	}
	if p.BaseDelay != 0 {
		rc.BaseDelay = p.BaseDelay
	}
	if p.MaxDelay != 0 {
		rc.MaxDelay = p.MaxDelay
	}
	if p.BackoffMultiplier != 0 {
		rc.BackoffMultiplier = p.BackoffMultiplier
	}
	if p.Timeout != 0 {
		rc.Timeout = p.Timeout
	}
	if len(p.Retryable) > 0 {
		kinds := make(map[task.ErrorKind]bool, len(p.Retryable))
		for _, name := range p.Retryable {
			kind := task.ParseErrorKind(name)
			if string(kind) != name {
				return fmt.Errorf("unknown error kind %q", name)
			}
			kinds[kind] = true
		}
		rc.RetryableKinds = kinds
	}
	return nil
}

// RetryFunc adapts RetryFor for fallback.WithRetryConfig. Validate has already
// rejected profiles that fail to build, so errors fall back to the built-in profile.
func (c *Config) RetryFunc() func(task.Kind) retry.Config {
	return func(kind task.Kind) retry.Config {
		rc, err := c.RetryFor(kind)
		if err != nil {
			return retry.ForKind(kind)
		}
		return rc
	}
}

// WatchdogGrace is added to a chain's budget for dispatch and availability checks.
const WatchdogGrace = 5 * time.Second

// WatchdogFor returns the router watchdog for kind: router.watchdog, raised to the
// time the fallback chain may spend retrying every planned adapter. An adapter
// without a per-attempt timeout has no budget and leaves router.watchdog as is.
func (c *Config) WatchdogFor(kind task.Kind) time.Duration {
	rc := c.RetryFunc()(kind)
	budget := rc.Budget()
	if budget == 0 {
		return c.Router.Watchdog
	}
	adapters := len(c.Plan()[kind])
	if adapters == 0 {
		return c.Router.Watchdog
	}
	return max(c.Router.Watchdog, time.Duration(adapters)*budget+WatchdogGrace)
}

// Plan returns the fallback plan: the default order without disabled adapters,
// with chains.<kind> overriding whole entries.
func (c *Config) Plan() fallback.Plan {
	plan := fallback.DefaultPlan()
	if !c.Providers.Builtin.IsEnabled() {
		for kind, names := range plan {
			plan[kind] = slices.DeleteFunc(names, func(n string) bool { return n == provider.NameBuiltin })
		}
	}
	for name, chain := range c.Chains {
		plan[task.Kind(name)] = slices.Clone(chain)
	}
	return plan
}

// Adapters builds the configured provider adapters.
func (c *Config) Adapters(opts ...provider.Option) []provider.Adapter {
	var adapters []provider.Adapter
	if b := c.Providers.Builtin; b.IsEnabled() {
		adapters = append(adapters, provider.NewBuiltin(provider.BuiltinConfig{
			URL:         b.URL,
			Model:       b.Model,
			Languages:   b.Languages,
			Warmup:      b.Warmup,
			MaxSessions: b.MaxSessions,
		}, opts...))
	}
	cl := c.Providers.Cloud
	adapters = append(adapters, provider.NewCloud(provider.CloudConfig{
		URL:       cl.URL,
		Model:     cl.Model,
		APIKey:    cl.APIKey,
		APIKeyEnv: cl.APIKeyEnv,
	}, opts...))
	return adapters
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// parseFile reads a YAML file without applying defaults, for layering with Merge.
func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may carry an API key.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}

	if other.Cache.Capacity != 0 {
		c.Cache.Capacity = other.Cache.Capacity
	}

	// Telemetry
	if other.Telemetry.Capacity != 0 {
		c.Telemetry.Capacity = other.Telemetry.Capacity
	}
	if other.Telemetry.Verbose {
		c.Telemetry.Verbose = true
	}
	if other.Telemetry.KVBucket != "" {
		c.Telemetry.KVBucket = other.Telemetry.KVBucket
	}
	if other.Telemetry.KVTTL != 0 {
		c.Telemetry.KVTTL = other.Telemetry.KVTTL
	}

	// Router
	if other.Router.Watchdog != 0 {
		c.Router.Watchdog = other.Router.Watchdog
	}
	if other.Router.StartupTimeout != 0 {
		c.Router.StartupTimeout = other.Router.StartupTimeout
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Subject != "" {
		c.NATS.Subject = other.NATS.Subject
	}
	if other.NATS.Queue != "" {
		c.NATS.Queue = other.NATS.Queue
	}

	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}

	// Providers
	ob := other.Providers.Builtin
	if ob.Enabled != nil {
		enabled := *ob.Enabled
		c.Providers.Builtin.Enabled = &enabled
	}
	if ob.URL != "" {
		c.Providers.Builtin.URL = ob.URL
	}
	if ob.Model != "" {
		c.Providers.Builtin.Model = ob.Model
	}
	if len(ob.Languages) > 0 {
		c.Providers.Builtin.Languages = slices.Clone(ob.Languages)
	}
	if ob.Warmup {
		c.Providers.Builtin.Warmup = true
	}
	if ob.MaxSessions != 0 {
		c.Providers.Builtin.MaxSessions = ob.MaxSessions
	}
	oc := other.Providers.Cloud
	if oc.URL != "" {
		c.Providers.Cloud.URL = oc.URL
	}
	if oc.Model != "" {
		c.Providers.Cloud.Model = oc.Model
	}
	if oc.APIKey != "" {
		c.Providers.Cloud.APIKey = oc.APIKey
	}
	if oc.APIKeyEnv != "" {
		c.Providers.Cloud.APIKeyEnv = oc.APIKeyEnv
	}

	// Retry profiles merge field by field
	c.Retry.Default = c.Retry.Default.merge(other.Retry.Default)
	for name, p := range other.Retry.Kinds {
		if c.Retry.Kinds == nil {
			c.Retry.Kinds = make(map[string]RetryProfile)
		}
		c.Retry.Kinds[name] = c.Retry.Kinds[name].merge(p)
	}

	// Chains replace per kind
	for name, chain := range other.Chains {
		if c.Chains == nil {
			c.Chains = make(map[string][]string)
		}
		c.Chains[name] = slices.Clone(chain)
	}
}

func (p RetryProfile) merge(other RetryProfile) RetryProfile {
	if other.MaxAttempts != 0 {
		p.MaxAttempts = other.MaxAttempts
	}
	if other.BaseDelay != 0 {
		p.BaseDelay = other.BaseDelay
	}
	if other.MaxDelay != 0 {
		p.MaxDelay = other.MaxDelay
	}
	if other.BackoffMultiplier != 0 {
		p.BackoffMultiplier = other.BackoffMultiplier
	}
	if other.Timeout != 0 {
		p.Timeout = other.Timeout
	}
	if len(other.Retryable) > 0 {
		p.Retryable = slices.Clone(other.Retryable)
	}
	return p
}
