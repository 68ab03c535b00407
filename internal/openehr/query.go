package openehr

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Builtin query parameters the executor always provides.
var builtinParams = map[string]bool{
	"last_run_time": true,
	"window_end":    true,
	"offset":        true,
	"limit":         true,
}

// QueryPlaceholders returns the distinct placeholder names in an AQL template,
// in order of first appearance.
func QueryPlaceholders(template string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// ValidateQueryTemplate checks at load time that every placeholder in the
// template is either a builtin pagination/window parameter or declared in the
// mapping's default parameters. Unknown placeholders are a configuration
// error and fail the job before it runs.
func ValidateQueryTemplate(template string, declared map[string]string) error {
	if strings.TrimSpace(template) == "" {
		return eris.New("openehr: empty query template")
	}
	for _, name := range QueryPlaceholders(template) {
		if builtinParams[name] {
			continue
		}
		if _, ok := declared[name]; !ok {
			return eris.Errorf("openehr: query template references undeclared parameter %q", name)
		}
	}
	return nil
}

// RenderQuery substitutes named placeholders into an AQL template and
// collapses whitespace. Placeholders without a bound value are left for
// ValidateQueryTemplate to have rejected earlier; a missing limit strips the
// LIMIT clause so the repository returns the full window.
func RenderQuery(template string, params map[string]string) string {
	if _, ok := params["limit"]; !ok {
		template = strings.ReplaceAll(template, "LIMIT {{limit}}", "")
		template = strings.ReplaceAll(template, "OFFSET {{offset}}", "")
	}
	rendered := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := params[name]; ok {
			return v
		}
		return m
	})
	return strings.Join(strings.Fields(rendered), " ")
}
