// Package pseudonym replaces identifying source values with stable surrogate
// tokens before they reach the mapping renderer. Raw values never cross the
// package boundary into logs or durable storage.
package pseudonym

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/medic-kiel/aql2fhir/internal/config"
	"github.com/medic-kiel/aql2fhir/internal/model"
)

// Engine maps a sensitive raw value to a stable pseudonym within a domain.
type Engine interface {
	Pseudonymize(ctx context.Context, value, domain string) (string, error)
}

// fieldRule binds one source column to an engine, domain and token prefix.
type fieldRule struct {
	column string
	domain string
	prefix string
	engine Engine
}

// Fields applies the configured per-column pseudonymization rules to rows.
// Columns without an enabled rule pass through unchanged.
type Fields struct {
	rules []fieldRule
}

// NewFields resolves the per-field strategy selection from configuration.
// local and remote may be nil when the corresponding strategy is not
// configured; referencing a missing strategy is a startup error.
func NewFields(cfg config.PseudonymConfig, local, remote Engine) (*Fields, error) {
	f := &Fields{}
	if !cfg.Enabled {
		return f, nil
	}

	for column, fc := range cfg.Fields {
		if !fc.Enabled {
			continue
		}
		strategy := fc.Strategy
		if strategy == "" {
			strategy = cfg.Strategy
		}

		var engine Engine
		switch strategy {
		case "deterministic":
			engine = local
		case "gpas":
			engine = remote
		default:
			return nil, eris.Errorf("pseudonym: unknown strategy %q for field %s", strategy, column)
		}
		if engine == nil {
			return nil, eris.Errorf("pseudonym: strategy %q for field %s is not configured", strategy, column)
		}

		domain := fc.Domain
		if domain == "" {
			domain = column
		}
		f.rules = append(f.rules, fieldRule{column: column, domain: domain, prefix: fc.Prefix, engine: engine})
	}
	return f, nil
}

// Enabled reports whether any field has an active rule.
func (f *Fields) Enabled() bool {
	return len(f.rules) > 0
}

// Apply replaces every configured column in the row with its prefixed token,
// mutating the row in place. Any engine failure aborts the row: silently
// passing raw values through would leak PHI downstream.
func (f *Fields) Apply(ctx context.Context, row model.Row) error {
	for _, rule := range f.rules {
		raw, ok := row[rule.column]
		if !ok || raw == nil {
			continue
		}
		value := fmt.Sprintf("%v", raw)
		if value == "" {
			continue
		}

		token, err := rule.engine.Pseudonymize(ctx, value, rule.domain)
		if err != nil {
			return eris.Wrapf(err, "pseudonym: field %s", rule.column)
		}
		row[rule.column] = rule.prefix + token
	}
	return nil
}
