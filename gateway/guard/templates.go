// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

package guard

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var embeddedTemplates []byte

// Template is a named, reusable guard definition from the bundled set
// returned by LoadTemplates. Guards in the gateway config are inline
// definitions; nothing resolves a template by name from config.
type Template struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Guard       Guard  `yaml:"guard"`
}

// LoadTemplates parses the bundled guard template set.
func LoadTemplates() (map[string]Template, error) {
	return LoadTemplatesFromBytes(embeddedTemplates)
}

// LoadTemplatesFromBytes parses a guard template document, keyed by
// template name. Duplicate names are a configuration error.
func LoadTemplatesFromBytes(data []byte) (map[string]Template, error) {
	var list []Template
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse guard templates: %w", err)
	}

	templates := make(map[string]Template, len(list))
	for _, t := range list {
		if t.Name == "" {
			return nil, fmt.Errorf("guard template missing name")
		}
		if _, dup := templates[t.Name]; dup {
			return nil, fmt.Errorf("duplicate guard template %q", t.Name)
		}
		templates[t.Name] = t
	}
	return templates, nil
}
