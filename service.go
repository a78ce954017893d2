// Package modelproxy is a quota-metered proxy in front of model-serving
// backends.
//
// Service is the entry point: it authenticates callers, admits requests
// against per-account quotas for the requested model's group, dispatches to
// the backend client and bills usage only for results that did not come
// from the cache. Build one from a [Config] with [New], or assemble the
// parts yourself with [NewService].
package modelproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ferro-labs/model-proxy/internal/accounts"
	"github.com/ferro-labs/model-proxy/internal/deployments"
	"github.com/ferro-labs/model-proxy/internal/lifecycle"
	"github.com/ferro-labs/model-proxy/internal/logging"
	"github.com/ferro-labs/model-proxy/internal/metrics"
	"github.com/ferro-labs/model-proxy/internal/proxyerr"
	"github.com/ferro-labs/model-proxy/internal/retry"
	"github.com/ferro-labs/model-proxy/internal/scoring"
	"github.com/ferro-labs/model-proxy/internal/tokencounter"
	"github.com/ferro-labs/model-proxy/internal/tokenizers"
	"github.com/ferro-labs/model-proxy/internal/usagelog"
	"github.com/ferro-labs/model-proxy/internal/version"
	"github.com/ferro-labs/model-proxy/internal/window"
	"github.com/ferro-labs/model-proxy/models"
	"github.com/ferro-labs/model-proxy/providers"
)

// Ledger authenticates callers and meters their usage.
type Ledger interface {
	Authenticate(creds accounts.Credentials) (*accounts.Account, error)
	CheckAdmin(creds accounts.Credentials) (*accounts.Account, error)
	CheckCanUse(apiKey, group string, estimate int64) (accounts.Admission, error)
	Use(adm accounts.Admission, amount int64) error
	Release(adm accounts.Admission)

	CreateAccount(creds accounts.Credentials, in accounts.NewAccount) (*accounts.Account, error)
	GetAccount(creds accounts.Credentials, apiKey string) (*accounts.Account, error)
	UpdateAccount(creds accounts.Credentials, upd accounts.AccountUpdate) (*accounts.Account, error)
	DeleteAccount(creds accounts.Credentials, apiKey string) error
	ListAccounts(creds accounts.Credentials) ([]*accounts.Account, error)
	RotateAPIKey(creds accounts.Credentials, apiKey string) (*accounts.Account, error)
}

// Client executes requests. A result served without invoking the backend
// must have Cached set.
type Client interface {
	MakeRequest(ctx context.Context, req providers.Request) (*providers.RequestResult, error)
	Tokenize(ctx context.Context, req tokenizers.TokenizationRequest) (*tokenizers.TokenizationResult, error)
	Decode(ctx context.Context, req tokenizers.DecodeRequest) (*tokenizers.DecodeResult, error)
}

// ModelGroups maps a model to the group its usage is billed against.
type ModelGroups interface {
	GroupOf(model string) (string, error)
}

// ToxicityScorer scores texts for toxicity.
type ToxicityScorer interface {
	Score(ctx context.Context, req scoring.ToxicityRequest) (*scoring.ToxicityResult, error)
}

// ModerationScorer checks a text against a moderation policy.
type ModerationScorer interface {
	Moderate(ctx context.Context, req scoring.ModerationRequest) (*scoring.ModerationResult, error)
}

// Options assembles a Service. Ledger, Client and Groups are required.
type Options struct {
	Ledger  Ledger
	Client  Client
	Groups  ModelGroups
	Counter tokencounter.Counter

	// Catalog is listed by GetGeneralInfo. When Groups is nil it also
	// provides the model groups.
	Catalog     *models.Catalog
	Deployments *deployments.Registry
	Tokenizers  *tokenizers.Registry
	Windows     *window.Factory

	Toxicity   ToxicityScorer
	Moderation ModerationScorer
	// Retry bounds scoring calls. The zero value uses retry.DefaultPolicy.
	Retry retry.Policy

	UsageLog  usagelog.Writer
	Lifecycle *lifecycle.Controller
}

// Service is the proxy's request dispatcher.
type Service struct {
	ledger      Ledger
	client      Client
	groups      ModelGroups
	counter     tokencounter.Counter
	catalog     *models.Catalog
	deployments *deployments.Registry
	tokenizers  *tokenizers.Registry
	windows     *window.Factory
	usage       usagelog.Writer
	lifecycle   *lifecycle.Controller

	toxicity   func(context.Context, scoring.ToxicityRequest) (*scoring.ToxicityResult, error)
	moderation func(context.Context, scoring.ModerationRequest) (*scoring.ModerationResult, error)

	closers []func() error
}

// NewService creates a Service from its parts.
func NewService(opts Options) (*Service, error) {
	if opts.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	if opts.Groups == nil {
		if opts.Catalog == nil {
			return nil, errors.New("model groups or catalog is required")
		}
		opts.Groups = opts.Catalog
	}
	if opts.Counter == nil {
		var deps tokencounter.DeploymentSource
		if opts.Deployments != nil {
			deps = opts.Deployments
		}
		opts.Counter = tokencounter.NewAutoCounter(opts.Tokenizers, deps)
	}
	if opts.UsageLog == nil {
		opts.UsageLog = usagelog.NoopWriter{}
	}
	if opts.Lifecycle == nil {
		opts.Lifecycle = lifecycle.New(nil)
	}
	if opts.Windows == nil && opts.Deployments != nil {
		opts.Windows = window.NewFactory(opts.Deployments)
	}
	if opts.Retry.MaxAttempts == 0 {
		def := retry.DefaultPolicy()
		def.Sleep, def.Rand = opts.Retry.Sleep, opts.Retry.Rand
		opts.Retry = def
	}

	s := &Service{
		ledger:      opts.Ledger,
		client:      opts.Client,
		groups:      opts.Groups,
		counter:     opts.Counter,
		catalog:     opts.Catalog,
		deployments: opts.Deployments,
		tokenizers:  opts.Tokenizers,
		windows:     opts.Windows,
		usage:       opts.UsageLog,
		lifecycle:   opts.Lifecycle,
	}
	if opts.Toxicity != nil {
		s.toxicity = retry.Wrap(scoringPolicy(opts.Retry, "toxicity"), opts.Toxicity.Score)
	}
	if opts.Moderation != nil {
		s.moderation = retry.Wrap(scoringPolicy(opts.Retry, "moderation"), opts.Moderation.Moderate)
	}
	return s, nil
}

// scoringPolicy adds retry logging and metrics for operation to p.
func scoringPolicy(p retry.Policy, operation string) retry.Policy {
	next := p.OnRetry
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.RetryAttempts.WithLabelValues(operation).Inc()
		logging.Logger.Warn("retrying scoring call",
			"operation", operation,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err.Error(),
		)
		if next != nil {
			next(attempt, err, delay)
		}
	}
	return p
}

// Close releases the stores opened by New.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Lifecycle returns the controller that admin shutdown drives.
func (s *Service) Lifecycle() *lifecycle.Controller { return s.lifecycle }

// MakeRequest authenticates the caller, admits the request against the
// quota of its model group, dispatches it and bills the counted usage.
//
// Cached results are never billed. A dispatch failure releases the
// admission and bills nothing. A billing failure after a successful
// dispatch does not fail the request: the result is returned, the failure
// is logged and recorded as unbilled, and the charge is not retried, so a
// request is billed at most once.
func (s *Service) MakeRequest(ctx context.Context, creds accounts.Credentials, req providers.Request) (*providers.RequestResult, error) {
	start := time.Now()

	acct, err := s.ledger.Authenticate(creds)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("", metrics.OutcomeAuthError).Inc()
		return nil, err
	}
	ctx = logging.WithAccountID(ctx, acct.ID)
	log := logging.FromContext(ctx)

	if err := req.Validate(); err != nil {
		metrics.RequestsTotal.WithLabelValues("", metrics.OutcomeConfigError).Inc()
		return nil, proxyerr.Configuration("invalid request: %v", err)
	}
	group, err := s.groups.GroupOf(req.Model)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("", metrics.OutcomeConfigError).Inc()
		return nil, err
	}

	adm, err := s.ledger.CheckCanUse(creds.APIKey, group, s.counter.Estimate(req))
	if err != nil {
		if errors.Is(err, proxyerr.ErrQuotaExceeded) {
			metrics.QuotaRejections.WithLabelValues(group).Inc()
			metrics.RequestsTotal.WithLabelValues(group, metrics.OutcomeQuotaExceeded).Inc()
			log.Info("request rejected by quota", "model", req.Model, "model_group", group)
		} else {
			metrics.RequestsTotal.WithLabelValues(group, metrics.OutcomeAuthError).Inc()
		}
		return nil, err
	}

	result, err := s.client.MakeRequest(ctx, req)
	metrics.RequestDuration.WithLabelValues(group).Observe(time.Since(start).Seconds())
	if err != nil {
		s.ledger.Release(adm)
		outcome := metrics.OutcomeUpstreamError
		if errors.Is(err, proxyerr.ErrConfiguration) {
			outcome = metrics.OutcomeConfigError
		}
		metrics.RequestsTotal.WithLabelValues(group, outcome).Inc()
		log.Error("request failed",
			"model", req.Model,
			"model_group", group,
			"latency_ms", time.Since(start).Milliseconds(),
			"error", err.Error(),
		)
		return nil, err
	}

	entry := usagelog.Entry{
		TraceID:    logging.TraceIDFromContext(ctx),
		AccountID:  acct.ID,
		ModelGroup: group,
		Model:      req.Model,
	}

	if result.Cached {
		s.ledger.Release(adm)
		metrics.RequestsTotal.WithLabelValues(group, metrics.OutcomeCached).Inc()
		log.Debug("request served from cache", "model", req.Model, "model_group", group)
		entry.Cached = true
		s.recordUsage(ctx, entry)
		return result, nil
	}

	amount := s.counter.Count(req, result.Completions)
	entry.Amount = amount
	if err := s.ledger.Use(adm, amount); err != nil {
		metrics.BillingFailures.WithLabelValues(group).Inc()
		metrics.RequestsTotal.WithLabelValues(group, metrics.OutcomeBillingFailed).Inc()
		log.Error("billing failed, result returned unbilled",
			"model", req.Model,
			"model_group", group,
			"amount", amount,
			"error", err.Error(),
		)
		entry.ErrorMessage = err.Error()
		s.recordUsage(ctx, entry)
		return result, nil
	}

	metrics.BilledUnits.WithLabelValues(group).Add(float64(amount))
	metrics.RequestsTotal.WithLabelValues(group, metrics.OutcomeBilled).Inc()
	log.Info("request completed",
		"model", req.Model,
		"model_group", group,
		"latency_ms", time.Since(start).Milliseconds(),
		"amount", amount,
	)
	entry.Billed = true
	s.recordUsage(ctx, entry)
	return result, nil
}

// recordUsage writes to the usage log. The write outlives a canceled
// request; failures are logged only.
func (s *Service) recordUsage(ctx context.Context, e usagelog.Entry) {
	if err := s.usage.Write(context.WithoutCancel(ctx), e); err != nil {
		logging.FromContext(ctx).Warn("usage log write failed", slog.String("error", err.Error()))
	}
}

// Tokenize tokenizes text for an authenticated caller. It does not touch
// quotas.
func (s *Service) Tokenize(ctx context.Context, creds accounts.Credentials, req tokenizers.TokenizationRequest) (*tokenizers.TokenizationResult, error) {
	if _, err := s.ledger.Authenticate(creds); err != nil {
		return nil, err
	}
	return s.client.Tokenize(ctx, req)
}

// Decode decodes token IDs for an authenticated caller. It does not touch
// quotas.
func (s *Service) Decode(ctx context.Context, creds accounts.Credentials, req tokenizers.DecodeRequest) (*tokenizers.DecodeResult, error) {
	if _, err := s.ledger.Authenticate(creds); err != nil {
		return nil, err
	}
	return s.client.Decode(ctx, req)
}

// GetToxicityScores scores texts with the toxicity service, retrying
// upstream failures. Running out of attempts yields ErrRetryExhausted.
func (s *Service) GetToxicityScores(ctx context.Context, creds accounts.Credentials, req scoring.ToxicityRequest) (*scoring.ToxicityResult, error) {
	if _, err := s.ledger.Authenticate(creds); err != nil {
		return nil, err
	}
	if s.toxicity == nil {
		return nil, proxyerr.Configuration("toxicity scoring is not configured")
	}
	res, err := s.toxicity(ctx, req)
	if errors.Is(err, proxyerr.ErrRetryExhausted) {
		metrics.RetryExhausted.WithLabelValues("toxicity").Inc()
	}
	return res, err
}

// GetModerationScores checks a text with the moderation service, retrying
// upstream failures. Running out of attempts yields ErrRetryExhausted.
func (s *Service) GetModerationScores(ctx context.Context, creds accounts.Credentials, req scoring.ModerationRequest) (*scoring.ModerationResult, error) {
	if _, err := s.ledger.Authenticate(creds); err != nil {
		return nil, err
	}
	if s.moderation == nil {
		return nil, proxyerr.Configuration("moderation scoring is not configured")
	}
	res, err := s.moderation(ctx, req)
	if errors.Is(err, proxyerr.ErrRetryExhausted) {
		metrics.RetryExhausted.WithLabelValues("moderation").Inc()
	}
	return res, err
}

// CreateAccount creates an account on behalf of creds.
func (s *Service) CreateAccount(creds accounts.Credentials, in accounts.NewAccount) (*accounts.Account, error) {
	return s.ledger.CreateAccount(creds, in)
}

// GetAccount returns the account owning apiKey; empty means the caller's.
func (s *Service) GetAccount(creds accounts.Credentials, apiKey string) (*accounts.Account, error) {
	return s.ledger.GetAccount(creds, apiKey)
}

// Authenticate returns the account creds belong to.
func (s *Service) Authenticate(creds accounts.Credentials) (*accounts.Account, error) {
	return s.ledger.Authenticate(creds)
}

// UpdateAccount applies upd on behalf of creds.
func (s *Service) UpdateAccount(creds accounts.Credentials, upd accounts.AccountUpdate) (*accounts.Account, error) {
	return s.ledger.UpdateAccount(creds, upd)
}

// DeleteAccount deletes the account owning apiKey. Admin only.
func (s *Service) DeleteAccount(creds accounts.Credentials, apiKey string) error {
	return s.ledger.DeleteAccount(creds, apiKey)
}

// ListAccounts lists every account. Admin only.
func (s *Service) ListAccounts(creds accounts.Credentials) ([]*accounts.Account, error) {
	return s.ledger.ListAccounts(creds)
}

// RotateAPIKey replaces the API key of the account owning apiKey. Admin only.
func (s *Service) RotateAPIKey(creds accounts.Credentials, apiKey string) (*accounts.Account, error) {
	return s.ledger.RotateAPIKey(creds, apiKey)
}

// ListUsage lists usage log entries. Non-admin callers only see their own.
func (s *Service) ListUsage(ctx context.Context, creds accounts.Credentials, q usagelog.Query) (usagelog.ListResult, error) {
	acct, err := s.ledger.Authenticate(creds)
	if err != nil {
		return usagelog.ListResult{}, err
	}
	if !acct.IsAdmin {
		if q.AccountID != "" && q.AccountID != acct.ID {
			return usagelog.ListResult{}, fmt.Errorf("%w: usage of other accounts", proxyerr.ErrPermission)
		}
		q.AccountID = acct.ID
	}
	reader, ok := s.usage.(usagelog.Reader)
	if !ok {
		return usagelog.ListResult{}, proxyerr.Configuration("usage log is not enabled")
	}
	return reader.List(ctx, q)
}

// Shutdown starts a graceful shutdown of the process. Only admins may call
// it. It returns once the shutdown has been requested, without waiting for
// it; calling it again while shutting down is a no-op.
func (s *Service) Shutdown(ctx context.Context, creds accounts.Credentials) error {
	acct, err := s.ledger.CheckAdmin(creds)
	if err != nil {
		logging.FromContext(ctx).Warn("shutdown refused", "error", err.Error())
		return err
	}
	if !s.lifecycle.Shutdown("admin request by account " + acct.ID) {
		logging.FromContext(ctx).Info("shutdown already in progress", "state", s.lifecycle.State().String())
	}
	return nil
}

// GeneralInfo describes the running proxy.
type GeneralInfo struct {
	Version     version.Info   `json:"version"`
	State       string         `json:"state"`
	Models      []models.Model `json:"all_models"`
	ModelGroups []string       `json:"model_groups"`
}

// GetGeneralInfo returns version and model catalog information. It needs
// no credentials.
func (s *Service) GetGeneralInfo() GeneralInfo {
	info := GeneralInfo{
		Version: version.Current(),
		State:   s.lifecycle.State().String(),
	}
	if s.catalog != nil {
		info.Models = s.catalog.All()
		info.ModelGroups = s.catalog.Groups()
	}
	return info
}

// Deployments describes the local deployments in the form other proxies
// consume as remote deployments.
func (s *Service) Deployments() []deployments.RemoteDeployment {
	if s.deployments == nil {
		return []deployments.RemoteDeployment{}
	}
	list := s.deployments.List()
	out := make([]deployments.RemoteDeployment, 0, len(list))
	for _, d := range list {
		rd := deployments.RemoteDeployment{
			Name:                                d.Name,
			TokenizerName:                       d.TokenizerName,
			MaxSequenceLength:                   d.MaxSequenceLength,
			MaxRequestLength:                    d.MaxRequestLength,
			MaxSequenceAndGeneratedTokensLength: d.MaxSequenceAndGeneratedTokensLength,
		}
		if rd.MaxRequestLength == 0 {
			rd.MaxRequestLength = rd.MaxSequenceLength
		}
		if s.tokenizers != nil {
			if t, ok := s.tokenizers.Get(d.TokenizerName); ok {
				rd.EndOfTextToken = t.EndOfTextToken()
				rd.PrefixToken = t.PrefixToken()
			}
		}
		out = append(out, rd)
	}
	return out
}

// WindowService returns the memoized window service for a deployment.
func (s *Service) WindowService(name string) (window.WindowService, error) {
	if s.windows == nil {
		return nil, proxyerr.Configuration("no deployments configured")
	}
	return s.windows.Resolve(name, s.client)
}
