package pricing

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var embeddedModels []byte

// Catalog is an in-memory, case-insensitive lookup from (provider, model)
// to ModelMetadata. It is built once at startup and is safe for concurrent
// read access; there is no mutation path after Load.
type Catalog struct {
	entries []ModelMetadata
	// index is keyed by lowercase "provider|model" and lowercase
	// "provider|inference_provider.model_name"; first entry in file order
	// wins on collision. bare is keyed by model name alone, for
	// identifiers without a provider prefix.
	index map[string]*ModelMetadata
	bare  map[string]*ModelMetadata
}

// Load builds a Catalog from $HOME/.langdb/models.yaml if it exists and
// from the embedded models.yaml otherwise (the files are not merged), matching the original
// `get_models_path` resolution order (user override or bundled default).
func Load() (*Catalog, error) {
	data := embeddedModels
	if home, err := os.UserHomeDir(); err == nil {
		override := filepath.Join(home, ".langdb", "models.yaml")
		if b, err := os.ReadFile(override); err == nil {
			data = b
		}
	}
	return LoadFromBytes(data)
}

// BundledModels returns the embedded catalog document after checking it
// still parses, for the CLI `update` path that seeds the local cache.
func BundledModels() ([]byte, error) {
	if _, err := LoadFromBytes(embeddedModels); err != nil {
		return nil, err
	}
	return embeddedModels, nil
}

// LoadFromBytes builds a Catalog directly from a YAML document, useful for
// tests, for BundledModels' parse check, and for a caller-supplied catalog.
func LoadFromBytes(data []byte) (*Catalog, error) {
	var entries []ModelMetadata
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse models catalog: %w", err)
	}
	return FromEntries(entries), nil
}

// FromEntries builds a Catalog from already-decoded entries, used when the
// model list rides inline in the gateway config file.
func FromEntries(entries []ModelMetadata) *Catalog {
	c := &Catalog{
		entries: entries,
		index:   make(map[string]*ModelMetadata, len(entries)*2),
		bare:    make(map[string]*ModelMetadata, len(entries)),
	}
	for i := range entries {
		m := &entries[i]
		c.indexKey(m.ModelProvider, m.Model, m)
		c.indexKey(m.InferenceProvider.Provider, m.InferenceProvider.ModelName, m)
		c.bareKey(m.Model, m)
		c.bareKey(m.InferenceProvider.ModelName, m)
	}
	return c
}

func (c *Catalog) bareKey(model string, m *ModelMetadata) {
	key := strings.ToLower(model)
	if _, exists := c.bare[key]; !exists {
		c.bare[key] = m
	}
}

func (c *Catalog) indexKey(provider, model string, m *ModelMetadata) {
	key := lookupKey(provider, model)
	if _, exists := c.index[key]; !exists {
		c.index[key] = m
	}
}

func lookupKey(provider, model string) string {
	return strings.ToLower(provider) + "|" + strings.ToLower(model)
}

// Lookup finds a model's metadata by provider and model name/alias.
// Matching is case-insensitive against both the catalog model name and the
// inference provider's model_name.
func (c *Catalog) Lookup(provider, model string) (*ModelMetadata, bool) {
	m, ok := c.index[lookupKey(provider, model)]
	return m, ok
}

// Resolve finds a model's metadata from a request identifier of the form
// "provider/model" or a bare "model". Bare identifiers resolve against the
// model name alone, so Resolve("openai/gpt-4o") and Resolve("gpt-4o")
// return the same entry when gpt-4o appears uniquely.
func (c *Catalog) Resolve(id string) (*ModelMetadata, bool) {
	if provider, model, found := strings.Cut(id, "/"); found {
		return c.Lookup(provider, model)
	}
	m, ok := c.bare[strings.ToLower(id)]
	return m, ok
}

// All returns every catalog entry in file order, used by the CLI `list`
// subcommand and `/v1/models`.
func (c *Catalog) All() []ModelMetadata {
	return c.entries
}
