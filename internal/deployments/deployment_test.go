package deployments

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ferro-labs/model-proxy/internal/objectspec"
)

func testDeployment(name string) ModelDeployment {
	return ModelDeployment{
		Name:              name,
		TokenizerName:     "simple/word",
		MaxSequenceLength: 2048,
	}
}

func TestRegistry_LookupAndDuplicates(t *testing.T) {
	r, err := NewRegistry(testDeployment("simple/model1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d, ok := r.Lookup("simple/model1")
	if !ok {
		t.Fatal("expected deployment to be found")
	}
	if d.Model() != "simple/model1" {
		t.Errorf("Model() = %q", d.Model())
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Error("expected missing deployment")
	}
	if err := r.Register(testDeployment("simple/model1")); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestRegistry_LookupReturnsCopy(t *testing.T) {
	d := testDeployment("d1")
	d.WindowServiceSpec = &objectspec.Spec{ClassName: "default", Args: objectspec.Args{"max_sequence_length": 10}}
	r, _ := NewRegistry(d)

	got, _ := r.Lookup("d1")
	got.WindowServiceSpec.Args["max_sequence_length"] = 99

	again, _ := r.Lookup("d1")
	n, _, _ := again.WindowServiceSpec.Args.Int("max_sequence_length")
	if n != 10 {
		t.Errorf("registry entry was mutated through a lookup copy: %d", n)
	}
}

func TestRegistry_ForModel(t *testing.T) {
	d := testDeployment("openai/gpt-4o-2024")
	d.ModelName = "openai/gpt-4o"
	r, _ := NewRegistry(d)
	got, ok := r.ForModel("openai/gpt-4o")
	if !ok || got.Name != "openai/gpt-4o-2024" {
		t.Errorf("ForModel = %+v, %v", got, ok)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		d    ModelDeployment
	}{
		{"no name", ModelDeployment{TokenizerName: "t", MaxSequenceLength: 1}},
		{"no tokenizer", ModelDeployment{Name: "n", MaxSequenceLength: 1}},
		{"zero length", ModelDeployment{Name: "n", TokenizerName: "t"}},
		{"empty class", ModelDeployment{Name: "n", TokenizerName: "t", MaxSequenceLength: 1, WindowServiceSpec: &objectspec.Spec{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.d.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model_deployments.yaml")
	data := `model_deployments:
  - name: simple/model1
    tokenizer_name: simple/word
    max_sequence_length: 2048
  - name: custom/encdec
    tokenizer_name: simple/byte
    max_sequence_length: 512
    window_service_spec:
      class_name: encoder_decoder
      args:
        max_sequence_length: 256
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	list, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 deployments, got %d", len(list))
	}
	spec := list[1].WindowServiceSpec
	if spec == nil || spec.ClassName != "encoder_decoder" {
		t.Fatalf("unexpected window spec: %+v", spec)
	}
	if n, _, _ := spec.Args.Int("max_sequence_length"); n != 256 {
		t.Errorf("max_sequence_length = %d, want 256", n)
	}
}

func TestRemoteRegistry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/api/deployments" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer remote-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		_ = json.NewEncoder(w).Encode([]RemoteDeployment{{
			Name:              "remote/model",
			TokenizerName:     "simple/word",
			MaxSequenceLength: 4096,
			MaxRequestLength:  4096,
		}})
	}))
	defer srv.Close()

	r := NewRemoteRegistry(srv.URL, "remote-key", time.Second, 0)
	d, ok := r.LookupRemote("remote/model")
	if !ok {
		t.Fatal("expected remote deployment")
	}
	if d.MaxSequenceLength != 4096 {
		t.Errorf("MaxSequenceLength = %d", d.MaxSequenceLength)
	}
	if _, ok := r.LookupRemote("other"); ok {
		t.Error("expected unknown remote deployment")
	}
	if hits.Load() != 1 {
		t.Errorf("expected one fetch, got %d", hits.Load())
	}
}

func TestRemoteRegistry_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRemoteRegistry(srv.URL, "", time.Second, 0)
	if _, ok := r.LookupRemote("remote/model"); ok {
		t.Error("expected lookup to miss when the remote fails")
	}
}
