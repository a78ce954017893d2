// Package models provides the model catalog: every servable model with its
// display metadata and the model group its usage is billed against.
//
// The catalog is embedded in the binary and can be replaced at startup from
// a remote URL. Loading never fails because the remote is unavailable; the
// embedded copy is used instead.
package models

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/model-proxy/internal/proxyerr"
)

//go:embed models.yaml
var bundledCatalog []byte

// CatalogURLEnv is the env var operators set to override the catalog source.
const CatalogURLEnv = "MODELPROXY_MODEL_CATALOG_URL"

// Model holds the metadata of a single model.
type Model struct {
	Name                string   `yaml:"name" json:"name"`
	Group               string   `yaml:"group" json:"group"`
	DisplayName         string   `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Description         string   `yaml:"description,omitempty" json:"description,omitempty"`
	CreatorOrganization string   `yaml:"creator_organization,omitempty" json:"creator_organization,omitempty"`
	Tags                []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

type catalogFile struct {
	Models []Model `yaml:"models" json:"models"`
}

// Catalog maps model names to models. It is safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]Model
}

// NewCatalog builds a catalog from models. Later entries replace earlier
// ones with the same name.
func NewCatalog(models ...Model) (*Catalog, error) {
	c := &Catalog{models: make(map[string]Model, len(models))}
	if err := c.Merge(models...); err != nil {
		return nil, err
	}
	return c, nil
}

// Bundled returns the catalog embedded in the binary.
func Bundled() (*Catalog, error) {
	models, err := parse(bundledCatalog)
	if err != nil {
		return nil, err
	}
	return NewCatalog(models...)
}

// Load fetches the catalog from url, or from CatalogURLEnv when url is
// empty. With neither set, or on any fetch or parse failure, it returns the
// embedded catalog.
func Load(url string) (*Catalog, error) {
	if url == "" {
		url = os.Getenv(CatalogURLEnv)
	}
	if url != "" {
		if data, err := fetchRemote(url); err == nil {
			if models, err := parse(data); err == nil {
				return NewCatalog(models...)
			}
		}
	}
	return Bundled()
}

func fetchRemote(url string) ([]byte, error) {
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog fetch: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// parse accepts YAML or JSON; JSON is a subset of YAML.
func parse(data []byte) ([]Model, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog parse: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("catalog parse: no models")
	}
	return f.Models, nil
}

// Merge adds or replaces models.
func (c *Catalog) Merge(models ...Model) error {
	for _, m := range models {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("model name is required")
		}
		if strings.TrimSpace(m.Group) == "" {
			return fmt.Errorf("model %s: group is required", m.Name)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range models {
		m.Tags = slices.Clone(m.Tags)
		c.models[m.Name] = m
	}
	return nil
}

// Get looks up a model by name.
func (c *Catalog) Get(name string) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[name]
	return m, ok
}

// GroupOf returns the model group usage of model is billed against.
func (c *Catalog) GroupOf(model string) (string, error) {
	m, ok := c.Get(model)
	if !ok {
		return "", proxyerr.Configuration("unknown model %q", model)
	}
	return m.Group, nil
}

// All returns every model sorted by name.
func (c *Catalog) All() []Model {
	c.mu.RLock()
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b Model) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Groups returns the distinct model groups, sorted.
func (c *Catalog) Groups() []string {
	c.mu.RLock()
	seen := make(map[string]struct{})
	for _, m := range c.models {
		seen[m.Group] = struct{}{}
	}
	c.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	slices.Sort(out)
	return out
}

// MarshalJSON renders the catalog as its sorted model list.
func (c *Catalog) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.All())
}
