package modelproxy

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ferro-labs/model-proxy/internal/accounts"
	"github.com/ferro-labs/model-proxy/internal/circuitbreaker"
	"github.com/ferro-labs/model-proxy/internal/client"
	"github.com/ferro-labs/model-proxy/internal/deployments"
	"github.com/ferro-labs/model-proxy/internal/lifecycle"
	"github.com/ferro-labs/model-proxy/internal/logging"
	"github.com/ferro-labs/model-proxy/internal/metrics"
	"github.com/ferro-labs/model-proxy/internal/retry"
	"github.com/ferro-labs/model-proxy/internal/scoring"
	"github.com/ferro-labs/model-proxy/internal/tokencounter"
	"github.com/ferro-labs/model-proxy/internal/tokenizers"
	"github.com/ferro-labs/model-proxy/internal/usagelog"
	"github.com/ferro-labs/model-proxy/internal/window"
	"github.com/ferro-labs/model-proxy/models"
	"github.com/ferro-labs/model-proxy/providers"
)

// BuildOption customizes New.
type BuildOption func(*buildOptions)

type buildOptions struct {
	terminator lifecycle.Terminator
	providers  []providers.Provider
}

// WithTerminator sets what an admin shutdown runs. The default signals the
// process with SIGTERM.
func WithTerminator(t lifecycle.Terminator) BuildOption {
	return func(o *buildOptions) { o.terminator = t }
}

// WithProvider registers p in addition to the configured providers,
// replacing a configured provider of the same name.
func WithProvider(p providers.Provider) BuildOption {
	return func(o *buildOptions) { o.providers = append(o.providers, p) }
}

// New builds a Service from cfg. cfg should already have passed
// ValidateConfig. Close the service to release its stores.
func New(ctx context.Context, cfg Config, opts ...BuildOption) (*Service, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	var closers []func() error
	fail := func(err error) (*Service, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	store, err := accounts.OpenStore(cfg.Accounts.Backend, cfg.Accounts.DSN)
	if err != nil {
		return fail(err)
	}
	if c, ok := store.(io.Closer); ok {
		closers = append(closers, c.Close)
	}
	ledger := accounts.NewLedger(store, accounts.Options{
		DefaultQuotas: cfg.Accounts.DefaultQuotas,
		RootMode:      cfg.Accounts.RootMode,
	})
	if cfg.Accounts.RootAPIKey != "" {
		if _, err := ledger.EnsureRoot(cfg.Accounts.RootAPIKey); err != nil {
			return fail(err)
		}
	}

	catalog, err := models.Load(cfg.ModelCatalogURL)
	if err != nil {
		return fail(err)
	}
	if err := catalog.Merge(cfg.Models...); err != nil {
		return fail(fmt.Errorf("merge configured models: %w", err))
	}

	deps, err := cfg.AllDeployments()
	if err != nil {
		return fail(err)
	}
	registry, err := deployments.NewRegistry(deps...)
	if err != nil {
		return fail(err)
	}

	provs, err := buildProviders(ctx, cfg.Providers)
	if err != nil {
		return fail(err)
	}
	for _, p := range bo.providers {
		provs.Register(p)
	}

	toks := tokenizers.Defaults()
	cl := client.New(provs, toks, registry, client.Options{
		CacheSize: cfg.Cache.Size,
		CacheTTL:  duration(cfg.Cache.TTL, 0),
		Breakers:  providerBreakers(cfg.CircuitBreaker),
	})

	var windowOpts []window.FactoryOption
	if cfg.Remote != nil && cfg.Remote.URL != "" {
		remote := deployments.NewRemoteRegistry(cfg.Remote.URL, cfg.Remote.APIKey,
			duration(cfg.Remote.Timeout, 10*time.Second),
			duration(cfg.Remote.RefreshInterval, 0))
		windowOpts = append(windowOpts, window.WithRemote(remote))
	}

	usage, err := usagelog.Open(cfg.UsageLog.Backend, cfg.UsageLog.DSN)
	if err != nil {
		return fail(err)
	}
	if c, ok := usage.(io.Closer); ok {
		closers = append(closers, c.Close)
	}

	svcOpts := Options{
		Ledger:      ledger,
		Client:      cl,
		Catalog:     catalog,
		Counter:     tokencounter.NewAutoCounter(toks, registry),
		Deployments: registry,
		Tokenizers:  toks,
		Windows:     window.NewFactory(registry, windowOpts...),
		Retry:       retryPolicy(cfg.Retry),
		UsageLog:    usage,
		Lifecycle:   lifecycle.New(bo.terminator),
	}
	if p := cfg.Scoring.Perspective; p.APIKey != "" || p.AccessToken != "" {
		svcOpts.Toxicity = scoring.NewPerspective(scoring.PerspectiveOptions{
			BaseURL:     p.BaseURL,
			APIKey:      p.APIKey,
			AccessToken: p.AccessToken,
			Timeout:     duration(p.Timeout, 30*time.Second),
		})
	}
	if m := cfg.Scoring.Moderation; m.APIKey != "" {
		svcOpts.Moderation = scoring.NewModeration(scoring.ModerationOptions{
			APIKey:  m.APIKey,
			BaseURL: m.BaseURL,
			Model:   m.Model,
		})
	}

	svc, err := NewService(svcOpts)
	if err != nil {
		return fail(err)
	}
	svc.closers = closers

	logging.Logger.Info("model proxy ready",
		"providers", provs.List(),
		"deployments", len(deps),
		"models", len(catalog.All()),
		"accounts_backend", cfg.Accounts.Backend,
		"root_mode", cfg.Accounts.RootMode,
		"toxicity", svcOpts.Toxicity != nil,
		"moderation", svcOpts.Moderation != nil,
	)
	return svc, nil
}

func buildProviders(ctx context.Context, cfgs []ProviderConfig) (*providers.Registry, error) {
	reg := providers.NewRegistry()
	for _, pc := range cfgs {
		name := pc.ProviderName()
		switch pc.Type {
		case ProviderSimple:
			reg.Register(providers.NewSimpleNamed(name))
		case ProviderOpenAI:
			p, err := providers.NewOpenAI(name, pc.APIKey, pc.BaseURL)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			reg.Register(p)
		case ProviderBedrock:
			p, err := providers.NewBedrock(ctx, providers.BedrockOptions{
				Name:            name,
				Region:          pc.Region,
				AccessKeyID:     pc.AccessKeyID,
				SecretAccessKey: pc.SecretAccessKey,
			})
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			reg.Register(p)
		default:
			return nil, fmt.Errorf("provider %s: unknown type %q", name, pc.Type)
		}
		logging.Logger.Debug("provider registered", "name", name, "type", pc.Type)
	}
	return reg, nil
}

func retryPolicy(rc RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	p.BaseDelay = duration(rc.BaseDelay, p.BaseDelay)
	p.MaxDelay = duration(rc.MaxDelay, p.MaxDelay)
	return p
}

// providerBreakers returns nil when breakers are disabled.
func providerBreakers(cc CircuitBreakerConfig) *circuitbreaker.Set {
	if cc.FailureThreshold <= 0 {
		return nil
	}
	return circuitbreaker.NewSet(circuitbreaker.Options{
		FailureThreshold: cc.FailureThreshold,
		SuccessThreshold: cc.SuccessThreshold,
		Timeout:          duration(cc.Timeout, 30*time.Second),
	}, func(provider string, from, to circuitbreaker.State) {
		metrics.CircuitState.WithLabelValues(provider).Set(float64(to))
		logging.Logger.Warn("provider circuit state changed",
			"provider", provider,
			"from", from.String(),
			"to", to.String(),
		)
	})
}
