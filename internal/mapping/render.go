package mapping

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/medic-kiel/aql2fhir/internal/model"
)

// RowError marks a single-row rendering failure. The row is excluded from
// the batch and reported; siblings are unaffected.
type RowError struct {
	ResourceType string
	Reason       string
}

func (e *RowError) Error() string {
	return "mapping: " + e.ResourceType + ": " + e.Reason
}

var exactPlaceholderRe = regexp.MustCompile(`^\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}$`)

// Render binds the table into the mapping body and produces one document
// body. An unresolved mandatory placeholder is a hard failure for the row;
// optional placeholders without values render absent, and empty sections are
// pruned so the output carries no residual structure.
func (t *Template) Render(b *Bindings) (map[string]any, error) {
	if missing := b.MissingRequired(); len(missing) > 0 {
		return nil, &RowError{ResourceType: t.ResourceType, Reason: "missing required fields: " + strings.Join(missing, ", ")}
	}

	resolved := resolveNode(t.Body, b)
	body, ok := resolved.(map[string]any)
	if !ok || len(body) == 0 {
		return nil, &RowError{ResourceType: t.ResourceType, Reason: "document empty after rendering"}
	}
	if _, ok := body["resourceType"]; !ok {
		body["resourceType"] = t.ResourceType
	}
	return body, nil
}

// RenderIdentifier evaluates the template's identifier expression. Identifier
// composition is declared per mapping: some resource types use one column
// verbatim, others join several columns into a synthetic key.
func (t *Template) RenderIdentifier(b *Bindings) (string, error) {
	v := resolveString(t.Identifier, b)
	s, _ := v.(string)
	if s == "" {
		return "", &RowError{ResourceType: t.ResourceType, Reason: "identifier rendered empty"}
	}
	return s, nil
}

// RenderFragment maps one grouped row into a nested structural fragment
// using the sub-template.
func (t *Template) RenderFragment(row model.Row) any {
	return resolveNode(t.SubTemplate, t.BindRow(row))
}

// resolveNode walks a template node, substituting placeholders and pruning
// branches that resolve empty.
func resolveNode(node any, b *Bindings) any {
	switch v := node.(type) {
	case string:
		return resolveString(v, b)
	case map[string]any:
		if alts, ok := v["$oneOf"]; ok {
			return resolveOneOf(alts, b)
		}
		out := make(map[string]any, len(v))
		for key, child := range v {
			if r := resolveNode(child, b); r != nil {
				out[key] = r
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []any:
		out := make([]any, 0, len(v))
		for _, child := range v {
			if r := resolveNode(child, b); r != nil {
				out = append(out, r)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return v
	}
}

// resolveOneOf emits exactly one of the alternative representations: the
// first whose source values are present. Fields with both a numeric and a
// textual source never emit both.
func resolveOneOf(alts any, b *Bindings) any {
	list, ok := alts.([]any)
	if !ok {
		return nil
	}
	for _, alt := range list {
		if !altPresent(alt, b) {
			continue
		}
		if r := resolveNode(alt, b); r != nil {
			return r
		}
	}
	return nil
}

// altPresent decides eligibility by the alternative's referenced
// placeholders, not by what it renders to: constants like a fixed unit
// system always render, but they must not select a branch whose source
// values are absent. An alternative without placeholders is a static
// fallback and is always eligible.
func altPresent(alt any, b *Bindings) bool {
	names := collectPlaceholders(alt)
	if len(names) == 0 {
		return true
	}
	for _, name := range names {
		if b.Has(name) {
			return true
		}
	}
	return false
}

// resolveString substitutes placeholders in a template string. A string
// that is exactly one placeholder emits the typed value natively (numbers
// stay numbers, booleans stay booleans, nested fragment lists are spliced
// verbatim without re-rendering). Mixed text interpolates string forms; a
// string whose placeholders are all absent resolves to nothing.
func resolveString(s string, b *Bindings) any {
	if m := exactPlaceholderRe.FindStringSubmatch(s); m != nil {
		v, ok := b.values[m[1]]
		if !ok {
			return nil
		}
		if str, isStr := v.(string); isStr && str == "" {
			return nil
		}
		// An empty fragment list prunes like any other empty section.
		if list, isList := v.([]any); isList && len(list) == 0 {
			return nil
		}
		return v
	}

	matches := tmplPlaceholderRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return s
	}

	anyPresent := false
	result := tmplPlaceholderRe.ReplaceAllStringFunc(s, func(ph string) string {
		name := tmplPlaceholderRe.FindStringSubmatch(ph)[1]
		v, ok := b.values[name]
		if !ok || v == nil {
			return ""
		}
		anyPresent = true
		return stringForm(v)
	})
	if !anyPresent || strings.TrimSpace(result) == "" {
		return nil
	}
	return result
}

func stringForm(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return formatNumber(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// DeduplicateByIdentifier collapses identifier collisions within one batch,
// last write wins by input row order. The surviving document keeps its first
// appearance position so delivery order stays stable.
func DeduplicateByIdentifier(docs []model.Document) []model.Document {
	index := make(map[string]int, len(docs))
	out := make([]model.Document, 0, len(docs))
	for _, doc := range docs {
		if pos, seen := index[doc.Identifier]; seen {
			out[pos] = doc
			continue
		}
		index[doc.Identifier] = len(out)
		out = append(out, doc)
	}
	return out
}
