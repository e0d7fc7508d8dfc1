package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vibe80/vibe80/internal/store"
)

// Built-in provider names.
const (
	ProviderCodex  = "codex"
	ProviderClaude = "claude"
)

// Wire protocols an adapter can speak.
const (
	ProtocolAppServer  = "app-server"
	ProtocolStreamJSON = "stream-json"
)

// ProviderSpec describes one hosted CLI.
type ProviderSpec struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"displayName"`
	// Binary is the executable looked up on the sandbox PATH.
	Binary   string `yaml:"binary"`
	Protocol string `yaml:"protocol"`

	DefaultModel string `yaml:"defaultModel,omitempty"`
	// Models is the static fallback for protocols without a live listing.
	Models []Model `yaml:"models,omitempty"`

	// APIKeyEnv is the environment variable an api_key credential is
	// injected as; SetupTokenEnv likewise for setup_token credentials.
	APIKeyEnv     string `yaml:"apiKeyEnv,omitempty"`
	SetupTokenEnv string `yaml:"setupTokenEnv,omitempty"`

	// LoginArgs invoke the CLI's interactive device login.
	LoginArgs []string `yaml:"loginArgs,omitempty"`

	// CredentialKinds lists the credential types the provider accepts.
	CredentialKinds []string `yaml:"credentialKinds,omitempty"`
}

// CredentialEnv maps a workspace credential onto the environment variable
// the provider CLI reads, or "" when the credential lives on disk.
func (s ProviderSpec) CredentialEnv(credType string) string {
	switch credType {
	case store.CredentialAPIKey:
		return s.APIKeyEnv
	case store.CredentialSetupToken:
		return s.SetupTokenEnv
	default:
		return ""
	}
}

// Catalog is the set of providers this deployment can host.
type Catalog struct {
	providers map[string]ProviderSpec
	order     []string
}

// DefaultCatalog returns the built-in providers.
func DefaultCatalog() *Catalog {
	c := &Catalog{providers: make(map[string]ProviderSpec)}
	c.add(ProviderSpec{
		Name:        ProviderCodex,
		DisplayName: "Codex",
		Binary:      "codex",
		Protocol:    ProtocolAppServer,
		APIKeyEnv:   "OPENAI_API_KEY",
		LoginArgs:   []string{"login"},
		CredentialKinds: []string{
			store.CredentialAPIKey,
			store.CredentialAuthJSON,
		},
	})
	c.add(ProviderSpec{
		Name:         ProviderClaude,
		DisplayName:  "Claude Code",
		Binary:       "claude",
		Protocol:     ProtocolStreamJSON,
		DefaultModel: "sonnet",
		Models: []Model{
			{ID: "sonnet", DisplayName: "Sonnet"},
			{ID: "opus", DisplayName: "Opus"},
			{ID: "haiku", DisplayName: "Haiku"},
		},
		APIKeyEnv:     "ANTHROPIC_API_KEY",
		SetupTokenEnv: "CLAUDE_CODE_OAUTH_TOKEN",
		LoginArgs:     []string{"/login"},
		CredentialKinds: []string{
			store.CredentialAPIKey,
			store.CredentialAuthJSON,
			store.CredentialSetupToken,
		},
	})
	return c
}

// LoadCatalog reads a YAML provider list that replaces or extends the
// defaults. Entries matching a built-in name override it field-complete.
func LoadCatalog(path string) (*Catalog, error) {
	c := DefaultCatalog()
	if path == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var file struct {
		Providers []ProviderSpec `yaml:"providers"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	for _, spec := range file.Providers {
		if spec.Name == "" || spec.Binary == "" {
			return nil, fmt.Errorf("catalog: provider entry missing name or binary in %s", path)
		}
		if spec.Protocol != ProtocolAppServer && spec.Protocol != ProtocolStreamJSON {
			return nil, fmt.Errorf("catalog: provider %q: unknown protocol %q", spec.Name, spec.Protocol)
		}
		c.add(spec)
	}
	return c, nil
}

func (c *Catalog) add(spec ProviderSpec) {
	if _, exists := c.providers[spec.Name]; !exists {
		c.order = append(c.order, spec.Name)
	}
	c.providers[spec.Name] = spec
}

// Get returns the spec for a provider name.
func (c *Catalog) Get(name string) (ProviderSpec, bool) {
	spec, ok := c.providers[name]
	return spec, ok
}

// Has reports whether the catalog knows the provider.
func (c *Catalog) Has(name string) bool {
	_, ok := c.providers[name]
	return ok
}

// Names returns provider names in registration order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Filter keeps only the named providers, preserving catalog order. Unknown
// names are dropped.
func (c *Catalog) Filter(names []string) []string {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []string
	for _, n := range c.order {
		if want[n] {
			out = append(out, n)
		}
	}
	return out
}
