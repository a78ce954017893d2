// Package client routes requests to backend providers and owns the result
// cache. A result served from the cache is returned with Cached set, which
// is what tells the dispatcher not to bill it.
package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/ferro-labs/model-proxy/internal/cache"
	"github.com/ferro-labs/model-proxy/internal/circuitbreaker"
	"github.com/ferro-labs/model-proxy/internal/deployments"
	"github.com/ferro-labs/model-proxy/internal/logging"
	"github.com/ferro-labs/model-proxy/internal/metrics"
	"github.com/ferro-labs/model-proxy/internal/proxyerr"
	"github.com/ferro-labs/model-proxy/internal/tokenizers"
	"github.com/ferro-labs/model-proxy/providers"
)

// ArgProvider is the client spec arg naming a provider instance when it
// differs from the spec's class name.
const ArgProvider = "provider"

// DeploymentSource resolves deployment descriptors.
type DeploymentSource interface {
	Lookup(name string) (deployments.ModelDeployment, bool)
}

// Options configures a Client.
type Options struct {
	// CacheSize bounds the result cache; zero disables caching.
	CacheSize int
	// CacheTTL expires cached results; zero keeps them until evicted.
	CacheTTL time.Duration
	// Breakers, if set, guards every provider with its own breaker.
	Breakers *circuitbreaker.Set
}

// Client executes requests against providers and tokenizers.
type Client struct {
	providers   *providers.Registry
	tokenizers  *tokenizers.Registry
	deployments DeploymentSource
	results     cache.Cache[*providers.RequestResult]
	breakers    *circuitbreaker.Set
}

// New creates a client. deps may be nil, in which case providers are chosen
// by the request's organization only.
func New(provs *providers.Registry, toks *tokenizers.Registry, deps DeploymentSource, opts Options) *Client {
	c := &Client{
		providers:   provs,
		tokenizers:  toks,
		deployments: deps,
		breakers:    opts.Breakers,
	}
	if opts.CacheSize > 0 {
		c.results = cache.NewMemory[*providers.RequestResult](opts.CacheSize, opts.CacheTTL)
	}
	return c
}

// MakeRequest returns a cached result when one exists for an identical
// request, and otherwise calls the provider serving the request. Provider
// failures, including calls refused by an open breaker, are wrapped as
// ErrUpstream; only successful results are cached.
func (c *Client) MakeRequest(ctx context.Context, req providers.Request) (*providers.RequestResult, error) {
	key := req.CacheKey()
	if c.results != nil {
		if hit, ok := c.results.Get(key); ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			res := hit.Clone()
			res.Cached = true
			return res, nil
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	p, err := c.providerFor(req)
	if err != nil {
		return nil, err
	}

	res, err := c.complete(ctx, p, req)
	if err != nil {
		logging.FromContext(ctx).Warn("provider request failed",
			slog.String("provider", p.Name()),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		return nil, proxyerr.Upstream(p.Name(), err)
	}
	res.Cached = false
	if c.results != nil && res.Success {
		c.results.Set(key, res.Clone())
	}
	return res, nil
}

func (c *Client) complete(ctx context.Context, p providers.Provider, req providers.Request) (*providers.RequestResult, error) {
	if c.breakers == nil {
		return p.Complete(ctx, req)
	}
	return circuitbreaker.Do(ctx, c.breakers.Get(p.Name()), func(ctx context.Context) (*providers.RequestResult, error) {
		return p.Complete(ctx, req)
	})
}

// providerFor picks the deployment's client spec provider when the
// deployment names one, otherwise the request's organization.
func (c *Client) providerFor(req providers.Request) (providers.Provider, error) {
	name := req.Organization()
	if c.deployments != nil {
		if d, ok := c.deployments.Lookup(req.DeploymentName()); ok && d.ClientSpec != nil {
			name = d.ClientSpec.ClassName
			if v, ok, err := d.ClientSpec.Args.String(ArgProvider); err == nil && ok && v != "" {
				name = v
			}
		}
	}
	if name == "" {
		return nil, proxyerr.Configuration("model %q names no organization", req.Model)
	}
	p, ok := c.providers.Get(name)
	if !ok {
		return nil, proxyerr.Configuration("no provider %q for model %q", name, req.Model)
	}
	return p, nil
}

// Tokenize tokenizes text with the named tokenizer.
func (c *Client) Tokenize(ctx context.Context, req tokenizers.TokenizationRequest) (*tokenizers.TokenizationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.tokenizers.Tokenize(req)
}

// Decode turns token IDs back into text.
func (c *Client) Decode(ctx context.Context, req tokenizers.DecodeRequest) (*tokenizers.DecodeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.tokenizers.Decode(req)
}

// Providers lists the registered provider names.
func (c *Client) Providers() []string {
	return c.providers.List()
}
