// Package mapping loads declarative FHIR mapping templates and renders
// extracted rows into resource documents through a typed binding table.
package mapping

import (
	"os"
	"regexp"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/medic-kiel/aql2fhir/internal/openehr"
)

// FieldType tags a declared placeholder with its rendering behavior.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeNumber   FieldType = "number"
	TypeBoolean  FieldType = "boolean"
	TypeCoded    FieldType = "coded"
	TypeQuantity FieldType = "quantity" // number rounded half-to-even at 2 decimals
	TypeDateTime FieldType = "datetime" // normalized to UTC 2006-01-02T15:04:05Z
	TypeNested   FieldType = "nested"   // opaque pre-rendered fragment list
)

func validFieldType(t FieldType) bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeCoded, TypeQuantity, TypeDateTime, TypeNested:
		return true
	}
	return false
}

// Template is one resource type's declarative mapping definition, loaded
// from a versioned YAML file. The pipeline treats the mapping body as
// opaque structure; only placeholders and directives are interpreted.
type Template struct {
	ResourceType string               `yaml:"resource_type"`
	Query        string               `yaml:"query_template"`
	Parameters   map[string]string    `yaml:"parameters"`
	GroupBy      string               `yaml:"group_by"`
	Identifier   string               `yaml:"identifier"`
	Unique       bool                 `yaml:"identifier_unique"`
	Placeholders map[string]FieldType `yaml:"placeholders"`
	Required     []string             `yaml:"required"`
	NestedField  string               `yaml:"nested_field"`
	Body         map[string]any       `yaml:"mappings"`
	SubTemplate  map[string]any       `yaml:"nested_template"`
}

var tmplPlaceholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// LoadTemplate reads and validates a mapping file. Validation failures are
// configuration errors: the job must not run until the file is corrected.
func LoadTemplate(path string) (*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "mapping: read template %s", path)
	}
	var t Template
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, eris.Wrapf(err, "mapping: parse template %s", path)
	}
	if err := t.Validate(); err != nil {
		return nil, eris.Wrapf(err, "mapping: template %s", path)
	}
	return &t, nil
}

// Validate checks the template's declared placeholder set against every
// reference in the mapping body, the identifier expression and the query
// template. Unknown placeholders are rejected at load time, not at render
// time.
func (t *Template) Validate() error {
	if t.ResourceType == "" {
		return eris.New("missing resource_type")
	}
	if t.Identifier == "" {
		return eris.New("missing identifier expression")
	}
	if len(t.Body) == 0 {
		return eris.New("missing mappings body")
	}
	for name, ft := range t.Placeholders {
		if !validFieldType(ft) {
			return eris.Errorf("placeholder %q has unknown type %q", name, ft)
		}
	}
	if err := openehr.ValidateQueryTemplate(t.Query, t.Parameters); err != nil {
		return err
	}

	check := func(where string, node any) error {
		for _, name := range collectPlaceholders(node) {
			if _, ok := t.Placeholders[name]; !ok {
				return eris.Errorf("%s references undeclared placeholder %q", where, name)
			}
		}
		return nil
	}
	if err := check("mappings", t.Body); err != nil {
		return err
	}
	if err := check("identifier", t.Identifier); err != nil {
		return err
	}
	if err := check("nested_template", t.SubTemplate); err != nil {
		return err
	}

	for _, name := range t.Required {
		if _, ok := t.Placeholders[name]; !ok {
			return eris.Errorf("required field %q is not a declared placeholder", name)
		}
	}

	if t.GroupBy != "" {
		if t.NestedField == "" {
			return eris.New("group_by requires nested_field")
		}
		if len(t.SubTemplate) == 0 {
			return eris.New("group_by requires nested_template")
		}
		if ft, ok := t.Placeholders[t.NestedField]; !ok || ft != TypeNested {
			return eris.Errorf("nested_field %q must be declared as type nested", t.NestedField)
		}
		if _, ok := t.Placeholders[t.GroupBy]; !ok {
			return eris.Errorf("group_by column %q is not a declared placeholder", t.GroupBy)
		}
	}
	return nil
}

// collectPlaceholders walks a template node and returns every placeholder
// name referenced in its strings.
func collectPlaceholders(node any) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(n any)
	walk = func(n any) {
		switch v := n.(type) {
		case string:
			for _, m := range tmplPlaceholderRe.FindAllStringSubmatch(v, -1) {
				if !seen[m[1]] {
					seen[m[1]] = true
					out = append(out, m[1])
				}
			}
		case map[string]any:
			for _, child := range v {
				walk(child)
			}
		case []any:
			for _, child := range v {
				walk(child)
			}
		}
	}
	walk(node)
	return out
}
