package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all gateway configuration. Every field maps to an
// environment variable; an optional YAML file can pre-fill values and the
// environment always wins.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	RedisURL string `yaml:"redis_url"`

	GovernanceURL    string `yaml:"governance_url"`
	GovernanceAPIKey string `yaml:"governance_api_key"`

	ProviderAPIURL string `yaml:"provider_api_url"`
	ProviderAPIKey string `yaml:"provider_api_key"`

	LimitsCacheTTLSeconds int `yaml:"limits_cache_ttl_seconds"`
	AuthCacheTTLSeconds   int `yaml:"auth_cache_ttl_seconds"`
	TierConfigTTLSeconds  int `yaml:"tier_config_ttl_seconds"`
	SessionTTLSeconds     int `yaml:"session_ttl_seconds"`

	RateLimitRequests      int  `yaml:"rate_limit_requests"`
	RateLimitWindowSeconds int  `yaml:"rate_limit_window_seconds"`
	RateLimitFailOpen      bool `yaml:"rate_limit_fail_open"`

	UsageBatchSize           int `yaml:"usage_batch_size"`
	UsageBatchIntervalMS     int `yaml:"usage_batch_interval_ms"`
	UsageQueueCapacity       int `yaml:"usage_queue_capacity"`
	UsageBreakerThreshold    int `yaml:"usage_breaker_threshold"`
	UsageBreakerResetSeconds int `yaml:"usage_breaker_reset_seconds"`
	UsageUpstreamRPS         int `yaml:"usage_upstream_rps"`

	HealthInitialBackoffSeconds int     `yaml:"health_initial_backoff_seconds"`
	HealthMaxBackoffSeconds     int     `yaml:"health_max_backoff_seconds"`
	HealthBackoffMultiplier     float64 `yaml:"health_backoff_multiplier"`

	UpstreamTimeoutSeconds int `yaml:"upstream_timeout_seconds"`
}

// Load builds a Config from the environment.
func Load() (Config, error) {
	var c Config
	fromEnv(&c)
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// LoadFromBytes loads configuration from YAML bytes with environment
// variable expansion, then overlays the environment on top.
func LoadFromBytes(data []byte) (Config, error) {
	var c Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, err
	}
	fromEnv(&c)
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate checks the required settings. Missing values fail startup with
// a readable message rather than surfacing later as request errors.
func (c Config) Validate() error {
	var missing []string
	if c.GovernanceURL == "" {
		missing = append(missing, "GOVERNANCE_URL")
	}
	if c.GovernanceAPIKey == "" {
		missing = append(missing, "GOVERNANCE_API_KEY")
	}
	if c.ProviderAPIKey == "" {
		missing = append(missing, "PROVIDER_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.HealthBackoffMultiplier < 1 {
		return fmt.Errorf("HEALTH_BACKOFF_MULTIPLIER must be >= 1, got %v", c.HealthBackoffMultiplier)
	}
	return nil
}

func fromEnv(c *Config) {
	setString(&c.Host, "HOST")
	setInt(&c.Port, "PORT")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.GovernanceURL, "GOVERNANCE_URL")
	setString(&c.GovernanceAPIKey, "GOVERNANCE_API_KEY")
	setString(&c.ProviderAPIURL, "PROVIDER_API_URL")
	setString(&c.ProviderAPIKey, "PROVIDER_API_KEY")
	setInt(&c.LimitsCacheTTLSeconds, "LIMITS_CACHE_TTL_SECONDS")
	setInt(&c.AuthCacheTTLSeconds, "AUTH_CACHE_TTL_SECONDS")
	setInt(&c.TierConfigTTLSeconds, "TIER_CONFIG_TTL_SECONDS")
	setInt(&c.SessionTTLSeconds, "SESSION_TTL_SECONDS")
	setInt(&c.RateLimitRequests, "RATE_LIMIT_REQUESTS")
	setInt(&c.RateLimitWindowSeconds, "RATE_LIMIT_WINDOW_SECONDS")
	setBool(&c.RateLimitFailOpen, "RATE_LIMIT_FAIL_OPEN")
	setInt(&c.UsageBatchSize, "USAGE_BATCH_SIZE")
	setInt(&c.UsageBatchIntervalMS, "USAGE_BATCH_INTERVAL_MS")
	setInt(&c.UsageQueueCapacity, "USAGE_QUEUE_CAPACITY")
	setInt(&c.UsageBreakerThreshold, "USAGE_BREAKER_THRESHOLD")
	setInt(&c.UsageBreakerResetSeconds, "USAGE_BREAKER_RESET_SECONDS")
	setInt(&c.UsageUpstreamRPS, "USAGE_UPSTREAM_RPS")
	setInt(&c.HealthInitialBackoffSeconds, "HEALTH_INITIAL_BACKOFF_SECONDS")
	setInt(&c.HealthMaxBackoffSeconds, "HEALTH_MAX_BACKOFF_SECONDS")
	setFloat(&c.HealthBackoffMultiplier, "HEALTH_BACKOFF_MULTIPLIER")
	setInt(&c.UpstreamTimeoutSeconds, "UPSTREAM_TIMEOUT_SECONDS")
}

// applyDefaults sets default values for unset config fields
func applyDefaults(c *Config) {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.RedisURL == "" {
		c.RedisURL = "redis://localhost:6379"
	}
	if c.ProviderAPIURL == "" {
		c.ProviderAPIURL = "https://api.openai.com/v1"
	}
	if c.LimitsCacheTTLSeconds == 0 {
		c.LimitsCacheTTLSeconds = 300
	}
	if c.AuthCacheTTLSeconds == 0 {
		c.AuthCacheTTLSeconds = 300
	}
	if c.TierConfigTTLSeconds == 0 {
		c.TierConfigTTLSeconds = 1800
	}
	if c.SessionTTLSeconds == 0 {
		c.SessionTTLSeconds = 86400
	}
	if c.RateLimitRequests == 0 {
		c.RateLimitRequests = 100
	}
	if c.RateLimitWindowSeconds == 0 {
		c.RateLimitWindowSeconds = 60
	}
	if c.UsageBatchSize == 0 {
		c.UsageBatchSize = 100
	}
	if c.UsageBatchIntervalMS == 0 {
		c.UsageBatchIntervalMS = 500
	}
	if c.UsageQueueCapacity == 0 {
		c.UsageQueueCapacity = 10000
	}
	if c.UsageBreakerThreshold == 0 {
		c.UsageBreakerThreshold = 3
	}
	if c.UsageBreakerResetSeconds == 0 {
		c.UsageBreakerResetSeconds = 30
	}
	if c.UsageUpstreamRPS == 0 {
		c.UsageUpstreamRPS = 20
	}
	if c.HealthInitialBackoffSeconds == 0 {
		c.HealthInitialBackoffSeconds = 30
	}
	if c.HealthMaxBackoffSeconds == 0 {
		c.HealthMaxBackoffSeconds = 300
	}
	if c.HealthBackoffMultiplier == 0 {
		c.HealthBackoffMultiplier = 2.0
	}
	if c.UpstreamTimeoutSeconds == 0 {
		c.UpstreamTimeoutSeconds = 300
	}
}

// Duration helpers keep call sites free of second/millisecond juggling.

func (c Config) AuthCacheTTL() time.Duration   { return time.Duration(c.AuthCacheTTLSeconds) * time.Second }
func (c Config) LimitsCacheTTL() time.Duration { return time.Duration(c.LimitsCacheTTLSeconds) * time.Second }
func (c Config) TierConfigTTL() time.Duration  { return time.Duration(c.TierConfigTTLSeconds) * time.Second }
func (c Config) SessionTTL() time.Duration     { return time.Duration(c.SessionTTLSeconds) * time.Second }
func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}
func (c Config) UsageBatchInterval() time.Duration {
	return time.Duration(c.UsageBatchIntervalMS) * time.Millisecond
}
func (c Config) UsageBreakerReset() time.Duration {
	return time.Duration(c.UsageBreakerResetSeconds) * time.Second
}
func (c Config) HealthInitialBackoff() time.Duration {
	return time.Duration(c.HealthInitialBackoffSeconds) * time.Second
}
func (c Config) HealthMaxBackoff() time.Duration {
	return time.Duration(c.HealthMaxBackoffSeconds) * time.Second
}
func (c Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return
	}
	*dst = v == "true" || v == "1" || v == "yes"
}
