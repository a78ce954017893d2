// Package deployments holds the immutable descriptors of served model
// deployments: how to reach a model and how to tokenize for it.
package deployments

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/model-proxy/internal/objectspec"
)

// ModelDeployment describes one served model deployment.
type ModelDeployment struct {
	Name          string `yaml:"name" json:"name"`
	ModelName     string `yaml:"model_name,omitempty" json:"model_name,omitempty"`
	TokenizerName string `yaml:"tokenizer_name" json:"tokenizer_name"`

	MaxSequenceLength int `yaml:"max_sequence_length" json:"max_sequence_length"`
	// MaxRequestLength defaults to MaxSequenceLength when zero.
	MaxRequestLength                    int `yaml:"max_request_length,omitempty" json:"max_request_length,omitempty"`
	MaxSequenceAndGeneratedTokensLength int `yaml:"max_sequence_and_generated_tokens_length,omitempty" json:"max_sequence_and_generated_tokens_length,omitempty"`

	// WindowServiceSpec overrides the default window service adapter.
	WindowServiceSpec *objectspec.Spec `yaml:"window_service_spec,omitempty" json:"window_service_spec,omitempty"`
	// ClientSpec names the provider that serves this deployment.
	ClientSpec *objectspec.Spec `yaml:"client_spec,omitempty" json:"client_spec,omitempty"`

	Deprecated bool `yaml:"deprecated,omitempty" json:"deprecated,omitempty"`
}

// Model returns the model served by this deployment.
func (d ModelDeployment) Model() string {
	if d.ModelName != "" {
		return d.ModelName
	}
	return d.Name
}

// Validate checks the descriptor for missing or inconsistent fields.
func (d ModelDeployment) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("deployment name is required")
	}
	if d.TokenizerName == "" {
		return fmt.Errorf("deployment %s: tokenizer_name is required", d.Name)
	}
	if d.MaxSequenceLength <= 0 {
		return fmt.Errorf("deployment %s: max_sequence_length must be positive", d.Name)
	}
	if d.MaxRequestLength < 0 || d.MaxSequenceAndGeneratedTokensLength < 0 {
		return fmt.Errorf("deployment %s: lengths must not be negative", d.Name)
	}
	if d.WindowServiceSpec != nil && d.WindowServiceSpec.ClassName == "" {
		return fmt.Errorf("deployment %s: window_service_spec.class_name is required", d.Name)
	}
	return nil
}

func (d ModelDeployment) clone() ModelDeployment {
	if d.WindowServiceSpec != nil {
		s := d.WindowServiceSpec.WithInjected(nil)
		d.WindowServiceSpec = &s
	}
	if d.ClientSpec != nil {
		s := d.ClientSpec.WithInjected(nil)
		d.ClientSpec = &s
	}
	return d
}

// Registry is a concurrency-safe set of deployments keyed by name.
type Registry struct {
	mu          sync.RWMutex
	deployments map[string]ModelDeployment
}

// NewRegistry builds a registry from deployments. Names must be unique.
func NewRegistry(deployments ...ModelDeployment) (*Registry, error) {
	r := &Registry{deployments: make(map[string]ModelDeployment, len(deployments))}
	for _, d := range deployments {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a deployment. Registering the same name twice fails.
func (r *Registry) Register(d ModelDeployment) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.deployments[d.Name]; exists {
		return fmt.Errorf("deployment %s already registered", d.Name)
	}
	r.deployments[d.Name] = d.clone()
	return nil
}

// Lookup returns a copy of the named deployment.
func (r *Registry) Lookup(name string) (ModelDeployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deployments[name]
	if !ok {
		return ModelDeployment{}, false
	}
	return d.clone(), true
}

// ForModel returns the first non-deprecated deployment serving model,
// preferring a deployment named after the model itself.
func (r *Registry) ForModel(model string) (ModelDeployment, bool) {
	if d, ok := r.Lookup(model); ok {
		return d, true
	}
	for _, d := range r.List() {
		if d.Model() == model && !d.Deprecated {
			return d, true
		}
	}
	return ModelDeployment{}, false
}

// List returns all deployments sorted by name.
func (r *Registry) List() []ModelDeployment {
	r.mu.RLock()
	out := make([]ModelDeployment, 0, len(r.deployments))
	for _, d := range r.deployments {
		out = append(out, d.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted deployment names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.deployments))
	for name := range r.deployments {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// fileFormat is the on-disk layout of a deployments file.
type fileFormat struct {
	ModelDeployments []ModelDeployment `yaml:"model_deployments"`
}

// LoadFile reads deployments from a YAML file with a top-level
// model_deployments list.
func LoadFile(path string) ([]ModelDeployment, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-provided path
	if err != nil {
		return nil, fmt.Errorf("read deployments file: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse deployments file %s: %w", path, err)
	}
	return f.ModelDeployments, nil
}
