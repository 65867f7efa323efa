package providers

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// AdapterKind selects the wire protocol used for a provider
type AdapterKind string

const (
	AdapterOpenAI           AdapterKind = "openai"
	AdapterOpenAICompatible AdapterKind = "openai_compatible"
	AdapterAnthropic        AdapterKind = "anthropic"
	AdapterGoogle           AdapterKind = "google"
	AdapterOllama           AdapterKind = "ollama"
)

const defaultProviderTimeout = 60 * time.Second

// CapabilitySpec lists the models a provider serves for one capability
type CapabilitySpec struct {
	DefaultModel string   `yaml:"default_model"`
	Models       []string `yaml:"models"`
}

// ProviderSpec describes one upstream provider
type ProviderSpec struct {
	Name          string                        `yaml:"-"`
	Kind          AdapterKind                   `yaml:"kind"`
	BaseURL       string                        `yaml:"base_url"`
	HealthURL     string                        `yaml:"health_url"`
	RequiresKey   bool                          `yaml:"requires_key"`
	Local         bool                          `yaml:"local"`
	Timeout       time.Duration                 `yaml:"timeout"`
	ModelPrefixes []string                      `yaml:"model_prefixes"` // chat only
	Capabilities  map[Capability]CapabilitySpec `yaml:"capabilities"`
}

// Supports reports whether the provider serves a capability
func (p *ProviderSpec) Supports(c Capability) bool {
	_, ok := p.Capabilities[c]
	return ok
}

// Serves reports whether model natively belongs to this provider
func (p *ProviderSpec) Serves(c Capability, model string) bool {
	spec, ok := p.Capabilities[c]
	if !ok || model == "" {
		return false
	}
	if model == spec.DefaultModel {
		return true
	}
	for _, m := range spec.Models {
		if m == model {
			return true
		}
	}
	for _, prefix := range p.ModelPrefixes {
		if c == CapabilityChat && strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// ModelFor returns requested when the provider serves it, otherwise the
// provider's default model for the capability
func (p *ProviderSpec) ModelFor(c Capability, requested string) string {
	if p.Serves(c, requested) {
		return requested
	}
	return p.Capabilities[c].DefaultModel
}

// Catalog is the static provider configuration
type Catalog struct {
	Providers   map[string]*ProviderSpec `yaml:"providers"`
	Fallback    map[Capability][]string  `yaml:"fallback"`
	Equivalents [][]string               `yaml:"equivalents"`
}

// LoadCatalog reads the catalog at path, or the embedded default when path
// is empty
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return ParseCatalog(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider catalog: %w", err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the embedded catalog
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseCatalog decodes and validates a YAML catalog
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse provider catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("provider catalog: no providers")
	}
	for name, p := range c.Providers {
		if p == nil {
			return fmt.Errorf("provider catalog: %s: empty entry", name)
		}
		p.Name = name
		switch p.Kind {
		case AdapterOpenAI, AdapterOpenAICompatible, AdapterAnthropic, AdapterGoogle, AdapterOllama:
		default:
			return fmt.Errorf("provider catalog: %s: unknown kind %q", name, p.Kind)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider catalog: %s: base_url is required", name)
		}
		if p.Timeout <= 0 {
			p.Timeout = defaultProviderTimeout
		}
	}
	for capability, chain := range c.Fallback {
		for _, name := range chain {
			p, ok := c.Providers[name]
			if !ok {
				return fmt.Errorf("provider catalog: %s fallback: unknown provider %s", capability, name)
			}
			if !p.Supports(capability) {
				return fmt.Errorf("provider catalog: %s fallback: %s does not support it", capability, name)
			}
		}
	}
	return nil
}

// Provider looks up a provider by name
func (c *Catalog) Provider(name string) (*ProviderSpec, bool) {
	p, ok := c.Providers[name]
	return p, ok
}

// Names returns provider names in sorted order
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Chain returns the declared fallback order for a capability
func (c *Catalog) Chain(capability Capability) []string {
	return append([]string(nil), c.Fallback[capability]...)
}

// NativeProvider returns the provider a chat model belongs to
func (c *Catalog) NativeProvider(capability Capability, model string) (string, bool) {
	for _, name := range c.Chain(capability) {
		if c.Providers[name].Serves(capability, model) {
			return name, true
		}
	}
	for _, name := range c.Names() {
		if c.Providers[name].Serves(capability, model) {
			return name, true
		}
	}
	return "", false
}

// Equivalent finds the model provider offers in place of model
func (c *Catalog) Equivalent(model, provider string) (string, bool) {
	p, ok := c.Providers[provider]
	if !ok {
		return "", false
	}
	if p.Serves(CapabilityChat, model) {
		return model, true
	}
	for _, group := range c.Equivalents {
		if !contains(group, model) {
			continue
		}
		for _, candidate := range group {
			if p.Serves(CapabilityChat, candidate) {
				return candidate, true
			}
		}
		return "", false
	}
	return "", false
}

// SetLocalURL points a local provider at root, deriving its API base and
// health probe URLs
func (c *Catalog) SetLocalURL(name, root string) {
	p, ok := c.Providers[name]
	if !ok || root == "" {
		return
	}
	root = strings.TrimRight(root, "/")
	switch p.Kind {
	case AdapterOllama:
		p.BaseURL = root
		p.HealthURL = root + "/api/tags"
	default:
		p.BaseURL = root + "/v1"
		p.HealthURL = root + "/health"
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
