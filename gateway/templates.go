// Copyright 2025 AgentGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// PolicyTemplate is a ready-made starting policy for a vertical. The rules
// field is a complete policy document in JSON, kept as text so the rule and
// constraint ordering written in the template survives round-trips.
type PolicyTemplate struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Rules       string `yaml:"rules" json:"rules"`
}

// LoadTemplates parses the embedded templates and validates each one's
// policy document. A template that doesn't parse is a build defect, so
// this fails loudly at startup rather than at apply time.
func LoadTemplates() (map[string]PolicyTemplate, error) {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded templates: %w", err)
	}

	templates := make(map[string]PolicyTemplate, len(entries))
	for _, entry := range entries {
		data, err := templateFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", entry.Name(), err)
		}

		var tmpl PolicyTemplate
		if err := yaml.Unmarshal(data, &tmpl); err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", entry.Name(), err)
		}
		if tmpl.Name == "" {
			return nil, fmt.Errorf("template %s has no name", entry.Name())
		}
		if _, err := ParsePolicyDocument(tmpl.Rules); err != nil {
			return nil, fmt.Errorf("template %s has invalid rules: %w", tmpl.Name, err)
		}
		templates[tmpl.Name] = tmpl
	}
	return templates, nil
}

// TemplateNames returns the available template names, sorted.
func TemplateNames(templates map[string]PolicyTemplate) []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
