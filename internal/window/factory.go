package window

import (
	"slices"
	"sync"

	"github.com/ferro-labs/model-proxy/internal/deployments"
	"github.com/ferro-labs/model-proxy/internal/logging"
	"github.com/ferro-labs/model-proxy/internal/metrics"
	"github.com/ferro-labs/model-proxy/internal/objectspec"
	"github.com/ferro-labs/model-proxy/internal/proxyerr"
)

// Built-in window service class names.
const (
	DefaultClass        = "default"
	EncoderDecoderClass = "encoder_decoder"
	remoteClass         = "remote"
)

// RemoteDescriptor describes a deployment served by another proxy.
type RemoteDescriptor = deployments.RemoteDeployment

// Constructor builds a window service from merged arguments.
type Constructor func(args objectspec.Args) (WindowService, error)

// RemoteConstructor builds a window service for a remote deployment.
type RemoteConstructor func(svc TokenizerService, d RemoteDescriptor) (WindowService, error)

// DeploymentSource looks up local deployments.
type DeploymentSource interface {
	Lookup(name string) (deployments.ModelDeployment, bool)
}

// RemoteSource looks up deployments served by another proxy.
type RemoteSource interface {
	LookupRemote(name string) (deployments.RemoteDeployment, bool)
}

// FactoryOption configures a Factory at construction.
type FactoryOption func(*Factory)

// WithConstructor registers an additional window service class. The set of
// classes is fixed once NewFactory returns.
func WithConstructor(class string, c Constructor) FactoryOption {
	return func(f *Factory) { f.constructors[class] = c }
}

// WithRemote enables the remote fallback for names unknown locally.
func WithRemote(src RemoteSource) FactoryOption {
	return func(f *Factory) { f.remote = src }
}

// WithRemoteConstructor replaces NewRemote.
func WithRemoteConstructor(c RemoteConstructor) FactoryOption {
	return func(f *Factory) { f.remoteConstructor = c }
}

type entry struct {
	once    sync.Once
	service WindowService
	err     error
}

// Factory resolves deployment names to window services and memoizes them.
// Construction happens at most once per name, even when callers race on a
// name that has not been resolved yet. A failed construction is forgotten
// so a later call can try again.
type Factory struct {
	local             DeploymentSource
	remote            RemoteSource
	constructors      map[string]Constructor
	remoteConstructor RemoteConstructor

	entries sync.Map // deployment name -> *entry
}

// NewFactory creates a factory over the local deployment source with the
// built-in classes registered.
func NewFactory(local DeploymentSource, opts ...FactoryOption) *Factory {
	f := &Factory{
		local: local,
		constructors: map[string]Constructor{
			DefaultClass:        NewDefault,
			EncoderDecoderClass: NewEncoderDecoder,
		},
		remoteConstructor: NewRemote,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Classes returns the registered class names, sorted.
func (f *Factory) Classes() []string {
	names := make([]string, 0, len(f.constructors))
	for name := range f.constructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Resolve returns the window service for the named deployment, building it
// on first use. svc is injected as the tokenizer service unless the
// deployment's spec sets one explicitly; once a name is resolved, later
// calls return the memoized instance regardless of svc.
func (f *Factory) Resolve(name string, svc TokenizerService) (WindowService, error) {
	v, ok := f.entries.Load(name)
	if !ok {
		v, _ = f.entries.LoadOrStore(name, &entry{})
	}
	e := v.(*entry)
	e.once.Do(func() {
		e.service, e.err = f.build(name, svc)
	})
	if e.err != nil {
		f.entries.CompareAndDelete(name, e)
		return nil, e.err
	}
	return e.service, nil
}

func (f *Factory) build(name string, svc TokenizerService) (WindowService, error) {
	if d, ok := f.local.Lookup(name); ok {
		spec := objectspec.Spec{ClassName: DefaultClass}
		if d.WindowServiceSpec != nil {
			spec = *d.WindowServiceSpec
		}
		spec = spec.WithInjected(objectspec.Args{
			ArgTokenizerService:                    svc,
			ArgTokenizerName:                       d.TokenizerName,
			ArgMaxSequenceLength:                   d.MaxSequenceLength,
			ArgMaxRequestLength:                    d.MaxRequestLength,
			ArgMaxSequenceAndGeneratedTokensLength: d.MaxSequenceAndGeneratedTokensLength,
		})

		construct, ok := f.constructors[spec.ClassName]
		if !ok {
			return nil, proxyerr.Configuration("deployment %s: unknown window service class %q", name, spec.ClassName)
		}
		ws, err := construct(spec.Args)
		if err != nil {
			return nil, err
		}
		metrics.WindowServiceConstructions.WithLabelValues(spec.ClassName).Inc()
		logging.Logger.Debug("window service constructed", "deployment", name, "class", spec.ClassName)
		return ws, nil
	}

	if f.remote != nil {
		if d, ok := f.remote.LookupRemote(name); ok {
			ws, err := f.remoteConstructor(svc, d)
			if err != nil {
				return nil, err
			}
			metrics.WindowServiceConstructions.WithLabelValues(remoteClass).Inc()
			logging.Logger.Debug("remote window service constructed", "deployment", name)
			return ws, nil
		}
	}

	return nil, proxyerr.Configuration("unhandled deployment name %q", name)
}
