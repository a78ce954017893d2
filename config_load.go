package modelproxy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/model-proxy/internal/accounts"
	"github.com/ferro-labs/model-proxy/internal/deployments"
)

//go:embed config.schema.json
var configSchema string

var compiledSchema = jsonschema.MustCompileString("config.schema.json", configSchema)

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml). ${VAR} references
// are expanded from the environment before parsing, and the document is
// checked against the embedded JSON Schema.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	var (
		cfg Config
		raw any
	)
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateSchema checks a decoded document against the config schema. The
// document is round-tripped through JSON so YAML values reach the validator
// as JSON types.
func validateSchema(raw any) error {
	if raw == nil {
		raw = map[string]any{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("normalizing config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("normalizing config: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	switch cfg.Accounts.Backend {
	case "", "memory", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Accounts.DSN) == "" {
			return fmt.Errorf("accounts: postgres backend requires a dsn")
		}
	default:
		return fmt.Errorf("accounts: unknown backend %q", cfg.Accounts.Backend)
	}
	if err := validateQuotas(cfg.Accounts.DefaultQuotas); err != nil {
		return err
	}

	durations := map[string]string{
		"server.read_timeout":         cfg.Server.ReadTimeout,
		"server.write_timeout":        cfg.Server.WriteTimeout,
		"server.shutdown_timeout":     cfg.Server.ShutdownTimeout,
		"cache.ttl":                   cfg.Cache.TTL,
		"retry.base_delay":            cfg.Retry.BaseDelay,
		"retry.max_delay":             cfg.Retry.MaxDelay,
		"scoring.perspective.timeout": cfg.Scoring.Perspective.Timeout,
		"circuit_breaker.timeout":     cfg.CircuitBreaker.Timeout,
	}
	if cfg.Remote != nil {
		durations["remote.timeout"] = cfg.Remote.Timeout
		durations["remote.refresh_interval"] = cfg.Remote.RefreshInterval
	}
	for field, v := range durations {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d < 0 {
			return fmt.Errorf("%s: invalid duration %q", field, v)
		}
	}

	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	seen := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		switch p.Type {
		case ProviderSimple, ProviderBedrock:
		case ProviderOpenAI:
			if p.APIKey == "" {
				return fmt.Errorf("provider %q: api_key is required", p.ProviderName())
			}
		default:
			return fmt.Errorf("provider %q: unknown type %q", p.ProviderName(), p.Type)
		}
		if seen[p.ProviderName()] {
			return fmt.Errorf("duplicate provider name %q", p.ProviderName())
		}
		seen[p.ProviderName()] = true
	}

	names := make(map[string]bool, len(cfg.Deployments))
	for _, d := range cfg.Deployments {
		if err := d.Validate(); err != nil {
			return err
		}
		if names[d.Name] {
			return fmt.Errorf("duplicate deployment %q", d.Name)
		}
		names[d.Name] = true
	}

	if cfg.Cache.Size < 0 {
		return fmt.Errorf("cache.size must not be negative")
	}
	if cfg.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if cfg.CircuitBreaker.FailureThreshold < 0 || cfg.CircuitBreaker.SuccessThreshold < 0 {
		return fmt.Errorf("circuit_breaker thresholds must not be negative")
	}
	if rl := cfg.Server.RateLimit; rl != nil && (rl.RequestsPerSecond <= 0 || rl.Burst < 0) {
		return fmt.Errorf("server.rate_limit: requests_per_second must be positive and burst not negative")
	}
	switch cfg.UsageLog.Backend {
	case "", "none", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.UsageLog.DSN) == "" {
			return fmt.Errorf("usage_log: postgres backend requires a dsn")
		}
	default:
		return fmt.Errorf("usage_log: unknown backend %q", cfg.UsageLog.Backend)
	}
	return nil
}

func validateQuotas(quotas map[string]accounts.Quota) error {
	for group, q := range quotas {
		for _, v := range []*int64{q.Daily, q.Monthly, q.Total} {
			if v != nil && *v < 0 {
				return fmt.Errorf("accounts.default_quotas.%s: quota must not be negative", group)
			}
		}
	}
	return nil
}

// AllDeployments returns the inline deployments followed by those loaded
// from DeploymentsFile.
func (c Config) AllDeployments() ([]deployments.ModelDeployment, error) {
	out := append([]deployments.ModelDeployment(nil), c.Deployments...)
	if c.DeploymentsFile == "" {
		return out, nil
	}
	fromFile, err := deployments.LoadFile(c.DeploymentsFile)
	if err != nil {
		return nil, err
	}
	return append(out, fromFile...), nil
}
