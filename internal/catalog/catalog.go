// Package catalog holds the static provider capability catalog. It is
// loaded once at process start and read-only afterwards.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

type Transport string

const (
	TransportNativeSDK  Transport = "native-sdk"
	TransportSubprocess Transport = "subprocess-cli"
	TransportOpenAISSE  Transport = "http-sse-openai"
	TransportErnieSSE   Transport = "http-sse-ernie"
)

// Descriptor is the static configuration for one backend. CredentialKind
// empty means the backend manages its own auth out of band.
type Descriptor struct {
	ID             string    `yaml:"id"`
	Transport      Transport `yaml:"transport"`
	BaseEndpoint   string    `yaml:"base_endpoint"`
	CredentialKind string    `yaml:"credential_kind"`
	EnvVar         string    `yaml:"env_var"`
	DefaultModel   string    `yaml:"default_model"`
}

// ManagesOwnAuth reports whether the backend needs no credential from us.
func (d Descriptor) ManagesOwnAuth() bool {
	return d.CredentialKind == ""
}

type Catalog struct {
	providers map[string]Descriptor
	order     []string
}

func defaults() []Descriptor {
	return []Descriptor{
		{
			ID:             "gemini",
			Transport:      TransportNativeSDK,
			CredentialKind: "google-api-key",
			EnvVar:         "GOOGLE_API_KEY",
			DefaultModel:   "gemini-2.5-flash",
		},
		{
			ID:           "claude-cli",
			Transport:    TransportSubprocess,
			DefaultModel: "claude-sonnet-4-5",
		},
		{
			ID:             "openai",
			Transport:      TransportOpenAISSE,
			BaseEndpoint:   "https://api.openai.com/v1",
			CredentialKind: "openai-api-key",
			EnvVar:         "OPENAI_API_KEY",
			DefaultModel:   "gpt-4o",
		},
		{
			ID:             "deepseek",
			Transport:      TransportOpenAISSE,
			BaseEndpoint:   "https://api.deepseek.com/v1",
			CredentialKind: "deepseek-api-key",
			EnvVar:         "DEEPSEEK_API_KEY",
			DefaultModel:   "deepseek-chat",
		},
		{
			ID:             "moonshot",
			Transport:      TransportOpenAISSE,
			BaseEndpoint:   "https://api.moonshot.cn/v1",
			CredentialKind: "moonshot-api-key",
			EnvVar:         "MOONSHOT_API_KEY",
			DefaultModel:   "moonshot-v1-8k",
		},
		{
			ID:             "zhipu",
			Transport:      TransportOpenAISSE,
			BaseEndpoint:   "https://open.bigmodel.cn/api/paas/v4",
			CredentialKind: "zhipu-api-key",
			EnvVar:         "ZHIPU_API_KEY",
			DefaultModel:   "glm-4",
		},
		{
			ID:             "ernie",
			Transport:      TransportErnieSSE,
			BaseEndpoint:   "https://aip.baidubce.com",
			CredentialKind: "ernie-key-pair",
			EnvVar:         "ERNIE_KEY_PAIR",
			DefaultModel:   "ernie-4.0-8k",
		},
	}
}

// New builds the default catalog.
func New() *Catalog {
	c := &Catalog{providers: make(map[string]Descriptor)}
	for _, d := range defaults() {
		c.providers[d.ID] = d
		c.order = append(c.order, d.ID)
	}
	return c
}

// Load builds the catalog, merging an optional YAML override file. Overrides
// may change endpoints, env vars, and default models of known providers;
// they cannot introduce new transports.
func Load(path string) (*Catalog, error) {
	c := New()
	if path == "" {
		return c, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog override: %w", err)
	}

	var file struct {
		Providers []Descriptor `yaml:"providers"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog override: %w", err)
	}

	for _, o := range file.Providers {
		d, ok := c.providers[o.ID]
		if !ok {
			return nil, fmt.Errorf("catalog override for unknown provider %q", o.ID)
		}
		if o.Transport != "" && o.Transport != d.Transport {
			return nil, fmt.Errorf("provider %q: transport cannot be overridden", o.ID)
		}
		if o.BaseEndpoint != "" {
			d.BaseEndpoint = o.BaseEndpoint
		}
		if o.EnvVar != "" {
			d.EnvVar = o.EnvVar
		}
		if o.DefaultModel != "" {
			d.DefaultModel = o.DefaultModel
		}
		c.providers[o.ID] = d
	}
	return c, nil
}

func (c *Catalog) Descriptor(id string) (Descriptor, bool) {
	d, ok := c.providers[id]
	return d, ok
}

func (c *Catalog) IsValid(id string) bool {
	_, ok := c.providers[id]
	return ok
}

// IDs returns all provider ids in catalog order.
func (c *Catalog) IDs() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// ByTransport returns the descriptors using the given transport, sorted by id.
func (c *Catalog) ByTransport(t Transport) []Descriptor {
	var out []Descriptor
	for _, d := range c.providers {
		if d.Transport == t {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
