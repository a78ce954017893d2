package providers

import (
	"context"
	"testing"
)

type stubProvider struct {
	name string
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Complete(_ context.Context, _ Request) (*RequestResult, error) {
	return &RequestResult{Success: true}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubProvider{name: "a"})

	p, ok := r.Get("a")
	if !ok {
		t.Fatal("expected provider a")
	}
	if p.Name() != "a" {
		t.Errorf("got %q", p.Name())
	}

	_, ok = r.Get("missing")
	if ok {
		t.Error("expected not found")
	}
}

func TestRegistry_ReplaceAndList(t *testing.T) {
	first := &stubProvider{name: "b"}
	second := &stubProvider{name: "b"}
	r := NewRegistry(first, &stubProvider{name: "a"})
	r.Register(second)

	p, _ := r.Get("b")
	if p != second {
		t.Error("Register should replace an existing provider")
	}
	names := r.List()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("List() = %v, want [a b]", names)
	}
}
