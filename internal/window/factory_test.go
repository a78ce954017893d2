package window

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ferro-labs/model-proxy/internal/deployments"
	"github.com/ferro-labs/model-proxy/internal/objectspec"
	"github.com/ferro-labs/model-proxy/internal/proxyerr"
	"github.com/ferro-labs/model-proxy/internal/tokenizers"
)

// registryService adapts a tokenizer registry to TokenizerService.
type registryService struct{ r *tokenizers.Registry }

func (s registryService) Tokenize(_ context.Context, req tokenizers.TokenizationRequest) (*tokenizers.TokenizationResult, error) {
	return s.r.Tokenize(req)
}

func (s registryService) Decode(_ context.Context, req tokenizers.DecodeRequest) (*tokenizers.DecodeResult, error) {
	return s.r.Decode(req)
}

func newService() TokenizerService { return registryService{r: tokenizers.Defaults()} }

func mustRegistry(t *testing.T, ds ...deployments.ModelDeployment) *deployments.Registry {
	t.Helper()
	r, err := deployments.NewRegistry(ds...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

// recordingConstructor counts constructions and keeps the last args.
type recordingConstructor struct {
	calls atomic.Int32
	delay time.Duration
	mu    sync.Mutex
	args  objectspec.Args
}

func (c *recordingConstructor) construct(args objectspec.Args) (WindowService, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.args = args
	c.mu.Unlock()
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return NewDefault(args)
}

func TestResolve_DefaultSpecGetsInjectedArgs(t *testing.T) {
	rec := &recordingConstructor{}
	reg := mustRegistry(t, deployments.ModelDeployment{
		Name:              "simple/model1",
		TokenizerName:     tokenizers.WordTokenizerName,
		MaxSequenceLength: 2048,
		MaxRequestLength:  2049,
	})
	svc := newService()
	f := NewFactory(reg, WithConstructor(DefaultClass, rec.construct))

	ws, err := f.Resolve("simple/model1", svc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.calls.Load() != 1 {
		t.Fatalf("expected default constructor to run once, ran %d", rec.calls.Load())
	}
	if got := rec.args[ArgTokenizerService]; got != svc {
		t.Errorf("tokenizer service not injected: %v", got)
	}
	if got, _, _ := rec.args.String(ArgTokenizerName); got != tokenizers.WordTokenizerName {
		t.Errorf("tokenizer_name = %q", got)
	}
	if got, _, _ := rec.args.Int(ArgMaxSequenceLength); got != 2048 {
		t.Errorf("max_sequence_length = %d", got)
	}
	if got, _, _ := rec.args.Int(ArgMaxRequestLength); got != 2049 {
		t.Errorf("max_request_length = %d", got)
	}
	if ws.MaxRequestLength() != 2049 {
		t.Errorf("MaxRequestLength() = %d", ws.MaxRequestLength())
	}
}

func TestResolve_ExplicitArgWinsOverInjected(t *testing.T) {
	reg := mustRegistry(t, deployments.ModelDeployment{
		Name:              "custom/model",
		TokenizerName:     tokenizers.WordTokenizerName,
		MaxSequenceLength: 20,
		WindowServiceSpec: &objectspec.Spec{
			ClassName: DefaultClass,
			Args:      objectspec.Args{ArgMaxSequenceLength: 10},
		},
	})
	ws, err := NewFactory(reg).Resolve("custom/model", newService())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ws.MaxSequenceLength() != 10 {
		t.Errorf("MaxSequenceLength() = %d, want 10", ws.MaxSequenceLength())
	}
}

func TestResolve_SameInstance(t *testing.T) {
	reg := mustRegistry(t, deployments.ModelDeployment{
		Name: "simple/model1", TokenizerName: tokenizers.WordTokenizerName, MaxSequenceLength: 100,
	})
	f := NewFactory(reg)
	a, err := f.Resolve("simple/model1", newService())
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.Resolve("simple/model1", newService())
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("expected the memoized instance on the second resolve")
	}
}

func TestResolve_ConcurrentFirstUseConstructsOnce(t *testing.T) {
	const callers = 64
	rec := &recordingConstructor{delay: 20 * time.Millisecond}
	reg := mustRegistry(t, deployments.ModelDeployment{
		Name: "simple/model1", TokenizerName: tokenizers.WordTokenizerName, MaxSequenceLength: 100,
	})
	f := NewFactory(reg, WithConstructor(DefaultClass, rec.construct))
	svc := newService()

	start := make(chan struct{})
	results := make([]WindowService, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.Resolve("simple/model1", svc)
		}(i)
	}
	close(start)
	wg.Wait()

	if rec.calls.Load() != 1 {
		t.Fatalf("expected exactly one construction, got %d", rec.calls.Load())
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different instance", i)
		}
	}
}

func TestResolve_UnknownDeployment(t *testing.T) {
	_, err := NewFactory(mustRegistry(t)).Resolve("nope/model", newService())
	if !errors.Is(err, proxyerr.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestResolve_UnknownClass(t *testing.T) {
	reg := mustRegistry(t, deployments.ModelDeployment{
		Name:              "custom/model",
		TokenizerName:     tokenizers.WordTokenizerName,
		MaxSequenceLength: 20,
		WindowServiceSpec: &objectspec.Spec{ClassName: "does_not_exist"},
	})
	_, err := NewFactory(reg).Resolve("custom/model", newService())
	if !errors.Is(err, proxyerr.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestResolve_FailureIsNotMemoized(t *testing.T) {
	var calls atomic.Int32
	failing := func(args objectspec.Args) (WindowService, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("handshake failed")
		}
		return NewDefault(args)
	}
	reg := mustRegistry(t, deployments.ModelDeployment{
		Name: "flaky/model", TokenizerName: tokenizers.WordTokenizerName, MaxSequenceLength: 20,
	})
	f := NewFactory(reg, WithConstructor(DefaultClass, failing))
	if _, err := f.Resolve("flaky/model", newService()); err == nil {
		t.Fatal("expected first resolve to fail")
	}
	if _, err := f.Resolve("flaky/model", newService()); err != nil {
		t.Fatalf("expected second resolve to succeed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 constructions, got %d", calls.Load())
	}
}

type fakeRemote map[string]deployments.RemoteDeployment

func (f fakeRemote) LookupRemote(name string) (deployments.RemoteDeployment, bool) {
	d, ok := f[name]
	return d, ok
}

func TestResolve_RemoteFallback(t *testing.T) {
	remote := fakeRemote{"remote/model": {
		Name:              "remote/model",
		TokenizerName:     tokenizers.ByteTokenizerName,
		MaxSequenceLength: 512,
		MaxRequestLength:  513,
	}}
	var remoteCalls atomic.Int32
	f := NewFactory(mustRegistry(t),
		WithRemote(remote),
		WithRemoteConstructor(func(svc TokenizerService, d RemoteDescriptor) (WindowService, error) {
			remoteCalls.Add(1)
			return NewRemote(svc, d)
		}),
	)
	ws, err := f.Resolve("remote/model", newService())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ws.TokenizerName() != tokenizers.ByteTokenizerName || ws.MaxRequestLength() != 513 {
		t.Errorf("unexpected remote window service %+v", ws)
	}
	if remoteCalls.Load() != 1 {
		t.Errorf("expected remote constructor once, got %d", remoteCalls.Load())
	}
	if _, err := f.Resolve("remote/other", newService()); !errors.Is(err, proxyerr.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for unknown remote, got %v", err)
	}
}

func TestClasses(t *testing.T) {
	got := NewFactory(mustRegistry(t)).Classes()
	if len(got) != 2 || got[0] != DefaultClass || got[1] != EncoderDecoderClass {
		t.Errorf("Classes() = %v", got)
	}
}
