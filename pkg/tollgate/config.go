package tollgate

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KanavDutta/tollgate/core"
	"github.com/KanavDutta/tollgate/store"
)

// Config holds the rate limiting configuration.
// It supports both global defaults and per-route policy overrides.
type Config struct {
	// Defaults are applied to all routes unless overridden
	Defaults PolicyConfig `yaml:"defaults"`

	// Policies is a map of route names to their specific rate limit policies
	// Example: "/check/login" -> strict policy
	Policies map[string]PolicyConfig `yaml:"policies,omitempty"`

	// KeyExtractor specifies how the HTTP middleware identifies clients.
	// The /check service ignores it: the key comes in the request body.
	// Examples: "ip", "ip-proxy", "header:X-API-Key", "bearer"
	KeyExtractor string `yaml:"key_extractor,omitempty"`

	// IdleTimeout is how long a bucket must go unused before the reaper may
	// drop it (0 = time a drained bucket needs to refill)
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty"`

	// SweepInterval is how often the reaper runs
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`

	// FailOpen admits requests when a shared backend cannot be reached
	FailOpen bool `yaml:"fail_open,omitempty"`

	// Redis enables shared bucket state when Addr is set
	Redis store.RedisConfig `yaml:"redis,omitempty"`

	// Breaker guards the Redis backend
	Breaker store.BreakerConfig `yaml:"breaker,omitempty"`
}

// PolicyConfig defines rate limiting parameters for a route or default.
type PolicyConfig struct {
	// Capacity is the maximum number of tokens (burst size)
	Capacity int64 `yaml:"capacity"`

	// RefillInterval is the time needed to regenerate one token
	// Example: 100ms = 10 tokens/sec = 600 requests/minute
	RefillInterval time.Duration `yaml:"refill_interval"`

	// Disabled turns rate limiting off for a route
	Disabled bool `yaml:"disabled,omitempty"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Defaults: PolicyConfig{
			Capacity:       100,
			RefillInterval: 100 * time.Millisecond, // 600 req/min
		},
		Policies:      make(map[string]PolicyConfig),
		KeyExtractor:  "ip",
		SweepInterval: defaultSweepInterval,
		Redis:         store.RedisConfig{Prefix: store.DefaultPrefix},
		Breaker:       store.DefaultBreakerConfig(),
	}
}

// LoadConfigFromFile loads configuration from a YAML file.
// Fields missing from the file keep their NewConfig defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
	}

	config := NewConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalidConfig, err)
	}

	if config.KeyExtractor == "" {
		config.KeyExtractor = "ip"
	}
	if config.Policies == nil {
		config.Policies = make(map[string]PolicyConfig)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// ApplyEnv overrides configuration values from TOLLGATE_* variables.
// lookup is normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("TOLLGATE_CAPACITY"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: TOLLGATE_CAPACITY: %v", ErrInvalidConfig, err)
		}
		c.Defaults.Capacity = n
	}
	if v, ok := lookup("TOLLGATE_REFILL_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: TOLLGATE_REFILL_INTERVAL: %v", ErrInvalidConfig, err)
		}
		c.Defaults.RefillInterval = d
	}
	if v, ok := lookup("TOLLGATE_KEY_EXTRACTOR"); ok {
		c.KeyExtractor = v
	}
	if v, ok := lookup("TOLLGATE_REDIS_ADDR"); ok {
		c.Redis.Addr = v
	}
	if v, ok := lookup("TOLLGATE_REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := lookup("TOLLGATE_REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: TOLLGATE_REDIS_DB: %v", ErrInvalidConfig, err)
		}
		c.Redis.DB = db
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("invalid defaults: %w", err)
	}

	for route, policy := range c.Policies {
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("invalid policy for route %s: %w", route, err)
		}
	}

	if c.IdleTimeout < 0 {
		return fmt.Errorf("%w: idle_timeout cannot be negative", ErrInvalidConfig)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("%w: sweep_interval cannot be negative", ErrInvalidConfig)
	}
	if c.KeyExtractor != "" {
		if _, err := ParseKeyExtractorConfig(c.KeyExtractor); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks if a PolicyConfig is valid. Disabled policies are not checked.
func (p PolicyConfig) Validate() error {
	if p.Disabled {
		return nil
	}
	return p.Policy().Validate()
}

// Policy converts a PolicyConfig to the bucket policy.
func (p PolicyConfig) Policy() core.Policy {
	return core.Policy{
		Capacity:       p.Capacity,
		RefillInterval: p.RefillInterval,
	}
}

// PolicyFor returns the rate limit policy for a given route.
// If no specific policy exists for the route, returns the default policy.
func (c *Config) PolicyFor(route string) PolicyConfig {
	if policy, exists := c.Policies[route]; exists {
		return policy
	}
	return c.Defaults
}

// SetPolicy sets a rate limit policy for a specific route.
func (c *Config) SetPolicy(route string, policy PolicyConfig) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	if c.Policies == nil {
		c.Policies = make(map[string]PolicyConfig)
	}
	c.Policies[route] = policy
	return nil
}

// LimiterOptions translates the reaper settings into limiter options.
func (c *Config) LimiterOptions() []Option {
	var opts []Option
	if c.IdleTimeout > 0 {
		opts = append(opts, WithIdleTimeout(c.IdleTimeout))
	}
	if c.SweepInterval > 0 {
		opts = append(opts, WithSweepInterval(c.SweepInterval))
	}
	return opts
}

// NewFromConfig builds a limiter for the given route's policy.
// Extra options are applied after the ones derived from the config.
func NewFromConfig[K comparable](c *Config, route string, opts ...Option) (*Limiter[K], error) {
	policy := c.PolicyFor(route)
	if policy.Disabled {
		return nil, fmt.Errorf("%w: route %q has rate limiting disabled", ErrInvalidConfig, route)
	}
	all := append(c.LimiterOptions(), opts...)
	return New[K](policy.Capacity, policy.RefillInterval, all...)
}
