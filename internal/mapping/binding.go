package mapping

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/medic-kiel/aql2fhir/internal/model"
)

// Bindings is the typed binding table for one logical entity: row fields,
// pseudonym tokens (already substituted into the row) and injected nested
// fragments, each coerced to its declared placeholder type.
type Bindings struct {
	tmpl   *Template
	values map[string]any
}

// BindRow builds the binding table for a row. Values are coerced to the
// declared types; uncoercible or missing values are simply absent so that
// partially populated source data still renders a valid document.
func (t *Template) BindRow(row model.Row) *Bindings {
	b := &Bindings{tmpl: t, values: make(map[string]any, len(t.Placeholders))}
	for name, ft := range t.Placeholders {
		if ft == TypeNested {
			continue // injected separately, never read from the row
		}
		raw, ok := row[name]
		if !ok || raw == nil {
			continue
		}
		if v, ok := coerce(raw, ft); ok {
			b.values[name] = v
		}
	}
	return b
}

// InjectNested attaches a pre-rendered fragment list under a nested-typed
// placeholder. The renderer emits it verbatim and never descends into it,
// so fragment content cannot be expanded a second time.
func (b *Bindings) InjectNested(name string, fragments []any) {
	if fragments == nil {
		fragments = []any{}
	}
	b.values[name] = fragments
}

// Has reports whether a placeholder has a bound, non-empty value.
func (b *Bindings) Has(name string) bool {
	v, ok := b.values[name]
	if !ok {
		return false
	}
	if s, isStr := v.(string); isStr {
		return s != ""
	}
	return true
}

// MissingRequired returns the declared-mandatory placeholders without a
// bound value.
func (b *Bindings) MissingRequired() []string {
	var missing []string
	for _, name := range b.tmpl.Required {
		if !b.Has(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// coerce converts a raw row value to the declared placeholder type.
func coerce(raw any, ft FieldType) (any, bool) {
	switch ft {
	case TypeString, TypeCoded:
		s := asString(raw)
		return s, s != ""
	case TypeNumber:
		return asNumber(raw)
	case TypeQuantity:
		n, ok := asNumber(raw)
		if !ok {
			return nil, false
		}
		return roundHalfEven(n, 2), true
	case TypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, true
		case string:
			parsed, err := strconv.ParseBool(strings.ToLower(v))
			return parsed, err == nil
		}
		return nil, false
	case TypeDateTime:
		s := asString(raw)
		if s == "" {
			return nil, false
		}
		norm, ok := normalizeDateTime(s)
		return norm, ok
	}
	return nil, false
}

func asString(raw any) string {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	case float64:
		return formatNumber(v)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

func asNumber(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return n, err == nil
	}
	return 0, false
}

// roundHalfEven applies banker's rounding at the given decimal precision.
// Quantity magnitudes are emitted at 2 decimals wherever they appear.
func roundHalfEven(v float64, decimals int) float64 {
	shift := math.Pow(10, float64(decimals))
	return math.RoundToEven(v*shift) / shift
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// dateTimeLayouts lists the source timestamp shapes the repository emits.
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// normalizeDateTime converts a source timestamp to FHIR-compliant UTC form.
func normalizeDateTime(s string) (string, bool) {
	if s == "" || strings.EqualFold(s, "none") || strings.EqualFold(s, "null") {
		return "", false
	}
	for _, layout := range dateTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC().Format("2006-01-02T15:04:05Z"), true
		}
	}
	return "", false
}
