package modelproxy

import (
	"time"

	"github.com/ferro-labs/model-proxy/internal/accounts"
	"github.com/ferro-labs/model-proxy/internal/deployments"
	"github.com/ferro-labs/model-proxy/models"
)

// Config holds the configuration for the model proxy.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Accounts AccountsConfig `json:"accounts" yaml:"accounts"`

	// ModelCatalogURL replaces the embedded model catalog when reachable.
	ModelCatalogURL string `json:"model_catalog_url,omitempty" yaml:"model_catalog_url,omitempty"`
	// Models are added to (or override) the model catalog.
	Models []models.Model `json:"models,omitempty" yaml:"models,omitempty"`

	// Deployments and the deployments in DeploymentsFile make up the local
	// deployment registry.
	Deployments     []deployments.ModelDeployment `json:"deployments,omitempty" yaml:"deployments,omitempty"`
	DeploymentsFile string                        `json:"deployments_file,omitempty" yaml:"deployments_file,omitempty"`
	// Remote is another proxy whose deployments are used for names not
	// known locally.
	Remote *RemoteConfig `json:"remote,omitempty" yaml:"remote,omitempty"`

	Providers []ProviderConfig `json:"providers" yaml:"providers"`
	Cache     CacheConfig      `json:"cache" yaml:"cache"`
	Retry     RetryConfig      `json:"retry" yaml:"retry"`
	Scoring   ScoringConfig    `json:"scoring" yaml:"scoring"`
	UsageLog  UsageLogConfig   `json:"usage_log" yaml:"usage_log"`

	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
}

// ServerConfig configures the HTTP listener. Durations use Go syntax.
type ServerConfig struct {
	Addr            string `json:"addr" yaml:"addr"`
	ReadTimeout     string `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
	// RateLimit throttles API calls per API key. Nil disables it.
	RateLimit *RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// RateLimitConfig is a token bucket: RequestsPerSecond refill, Burst
// capacity (defaults to RequestsPerSecond).
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             float64 `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// LoggingConfig selects the slog level and handler. LOG_LEVEL and
// LOG_FORMAT take precedence.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// AccountsConfig configures the account store and ledger.
type AccountsConfig struct {
	// Backend is "memory", "sqlite" or "postgres".
	Backend string `json:"backend" yaml:"backend"`
	DSN     string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	// RootAPIKey bootstraps an admin account with this key.
	RootAPIKey string `json:"root_api_key,omitempty" yaml:"root_api_key,omitempty"`
	// RootMode authenticates every caller as admin and disables quotas.
	RootMode bool `json:"root_mode,omitempty" yaml:"root_mode,omitempty"`
	// DefaultQuotas apply to new accounts, by model group.
	DefaultQuotas map[string]accounts.Quota `json:"default_quotas,omitempty" yaml:"default_quotas,omitempty"`
}

// RemoteConfig points at another proxy's deployment listing.
type RemoteConfig struct {
	URL             string `json:"url" yaml:"url"`
	APIKey          string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Timeout         string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RefreshInterval string `json:"refresh_interval,omitempty" yaml:"refresh_interval,omitempty"`
}

// Provider types.
const (
	ProviderSimple  = "simple"
	ProviderOpenAI  = "openai"
	ProviderBedrock = "bedrock"
)

// ProviderConfig configures one backend provider. Name defaults to Type
// and is what request organizations and deployment client specs refer to.
type ProviderConfig struct {
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Type    string `json:"type" yaml:"type"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	// Bedrock only. Empty keys use the default AWS credential chain.
	Region          string `json:"region,omitempty" yaml:"region,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
}

// ProviderName returns Name, or Type when Name is empty.
func (p ProviderConfig) ProviderName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Type
}

// CacheConfig configures the request result cache. Size 0 disables it.
type CacheConfig struct {
	Size int    `json:"size" yaml:"size"`
	TTL  string `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// RetryConfig configures retries of scoring calls.
type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BaseDelay   string `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// CircuitBreakerConfig guards each provider. A FailureThreshold of 0
// disables the breakers.
type CircuitBreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	SuccessThreshold int    `json:"success_threshold,omitempty" yaml:"success_threshold,omitempty"`
	Timeout          string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ScoringConfig configures the toxicity and moderation services. A service
// with no credentials is disabled.
type ScoringConfig struct {
	Perspective PerspectiveConfig `json:"perspective" yaml:"perspective"`
	Moderation  ModerationConfig  `json:"moderation" yaml:"moderation"`
}

// PerspectiveConfig configures the Perspective API client.
type PerspectiveConfig struct {
	APIKey      string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	AccessToken string `json:"access_token,omitempty" yaml:"access_token,omitempty"`
	BaseURL     string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Timeout     string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ModerationConfig configures the OpenAI moderation client.
type ModerationConfig struct {
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
}

// UsageLogConfig configures the usage audit log. Backend "none" or empty
// disables it.
type UsageLogConfig struct {
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`
	DSN     string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// DefaultConfig returns a configuration that serves the simple provider
// from an in-memory account store.
func DefaultConfig() Config {
	return Config{
		Server:    ServerConfig{Addr: ":8080"},
		Accounts:  AccountsConfig{Backend: "memory"},
		Providers: []ProviderConfig{{Type: ProviderSimple}},
		Cache:     CacheConfig{Size: 1024},
	}
}

// duration parses s, returning def for an empty string. Callers run after
// ValidateConfig, so parse errors fall back to def as well.
func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ReadTimeoutDuration returns the server read timeout (default 30s).
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return duration(s.ReadTimeout, 30*time.Second)
}

// WriteTimeoutDuration returns the server write timeout (default 120s).
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return duration(s.WriteTimeout, 120*time.Second)
}

// ShutdownTimeoutDuration bounds the graceful drain (default 15s).
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return duration(s.ShutdownTimeout, 15*time.Second)
}
