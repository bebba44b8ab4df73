// Package mapping turns an arbitrary customer CSV into the canonical feature
// frame the model consumes, and reports what it had to correct on the way.
package mapping

import (
	"regexp"
	"sort"
	"strings"

	"github.com/kiranshivaraju/churnwatch/internal/model"
)

// Normalization regexes compiled once at package init.
var (
	reNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)
)

// Normalize lowercases name, collapses runs of non-alphanumerics to a single
// underscore and trims underscores from both ends. It is idempotent.
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = reNonAlnum.ReplaceAllString(name, "_")
	return strings.Trim(name, "_")
}

// matchKey is the punctuation-insensitive form used for alias comparison.
func matchKey(name string) string {
	return strings.ReplaceAll(Normalize(name), "_", "")
}

// SchemaError is returned when required canonical features have no source column.
type SchemaError struct {
	Missing []string
}

func (e *SchemaError) Error() string {
	return "schema_unresolvable: " + strings.Join(e.Missing, ", ")
}

// Resolution maps canonical features to source columns.
type Resolution struct {
	// Source[i] is the input column index feeding schema feature i, or -1.
	Source []int
	// Dropped lists input columns that feed no feature, in input order.
	Dropped []string
}

type candidate struct {
	feature  int
	priority int
}

// ResolveHeader matches header against the schema's alias sets. Every canonical
// name is an implicit alias with priority 0. When several columns match one
// feature the lowest alias priority wins, then the leftmost column.
func ResolveHeader(schema *model.Schema, header []string) (*Resolution, error) {
	aliases := make(map[string]candidate)
	for i, f := range schema.Features {
		aliases[matchKey(f.Name)] = candidate{feature: i, priority: 0}
		for _, a := range f.Aliases {
			key := matchKey(a.Name)
			if _, taken := aliases[key]; taken {
				continue
			}
			aliases[key] = candidate{feature: i, priority: a.Priority}
		}
	}

	res := &Resolution{Source: make([]int, len(schema.Features))}
	best := make([]int, len(schema.Features))
	for i := range res.Source {
		res.Source[i] = -1
	}

	used := make([]bool, len(header))
	for col, name := range header {
		c, ok := aliases[matchKey(name)]
		if !ok {
			continue
		}
		if cur := res.Source[c.feature]; cur >= 0 {
			if c.priority >= best[c.feature] {
				continue
			}
			used[cur] = false
		}
		res.Source[c.feature] = col
		best[c.feature] = c.priority
		used[col] = true
	}

	for col, name := range header {
		if !used[col] {
			res.Dropped = append(res.Dropped, name)
		}
	}

	var missing []string
	for i, f := range schema.Features {
		if f.Required && res.Source[i] < 0 {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return res, &SchemaError{Missing: missing}
	}
	return res, nil
}

// CanonicalHeader renames every resolved source column to its feature name and
// leaves the rest untouched. Resolving the result yields the same Resolution.
func CanonicalHeader(schema *model.Schema, header []string, res *Resolution) []string {
	out := make([]string, len(header))
	copy(out, header)
	for i, col := range res.Source {
		if col >= 0 {
			out[col] = schema.Features[i].Name
		}
	}
	return out
}
