package mapping

import (
	"fmt"
	"strings"

	"github.com/medic-kiel/aql2fhir/internal/model"
)

// Group is one logical record assembled from rows sharing a group key: a
// representative head row plus the remaining rows in input order, each of
// which becomes one nested fragment.
type Group struct {
	Key  string
	Head model.Row
	Rest []model.Row
}

// GroupRows partitions rows by equality of the group key. Group order
// follows first appearance of the key; row order within a group is
// preserved. Rows with a missing or empty key cannot be assembled and are
// counted as skipped.
func GroupRows(rows []model.Row, key string) (groups []Group, skipped int) {
	index := make(map[string]int)
	for _, row := range rows {
		k := strings.TrimSpace(fmt.Sprintf("%v", row[key]))
		if k == "" || k == "<nil>" {
			skipped++
			continue
		}
		if pos, seen := index[k]; seen {
			groups[pos].Rest = append(groups[pos].Rest, row)
			continue
		}
		index[k] = len(groups)
		groups = append(groups, Group{Key: k, Head: row})
	}
	return groups, skipped
}

// BuildNested renders each non-head row of a group into a fragment with the
// sub-template. A single-row group yields an empty list, and fragment order
// follows input row order.
func (t *Template) BuildNested(g Group) []any {
	fragments := make([]any, 0, len(g.Rest))
	for _, row := range g.Rest {
		if frag := t.RenderFragment(row); frag != nil {
			fragments = append(fragments, frag)
		}
	}
	return fragments
}
