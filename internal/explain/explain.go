// Package explain ranks, per row, the features that moved a prediction the
// most: importance(feature) × |value − typical|, with numeric deviations
// scaled by the feature's training envelope so units are comparable.
package explain

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/churnwatch/internal/model"
)

const (
	DefaultTopN = 3
	MaxTopN     = 5

	// NoFactors is the explanation for a row that matches the typical profile.
	NoFactors = "close to typical customer profile"
)

// Factor is one ranked contribution.
type Factor struct {
	Feature string
	Value   string
	Typical string
	Weight  float64
	Above   bool
}

func (f Factor) String() string {
	if f.Typical == "" {
		return fmt.Sprintf("%s=%s", f.Feature, f.Value)
	}
	dir := "below"
	if f.Above {
		dir = "above"
	}
	return fmt.Sprintf("%s %s typical (%s vs %s)", f.Feature, dir, f.Value, f.Typical)
}

// Explanation is the per-row result.
type Explanation struct {
	Factors []Factor
}

// Text renders the factors as one human-readable string, never empty.
func (e Explanation) Text() string {
	if len(e.Factors) == 0 {
		return NoFactors
	}
	parts := make([]string, len(e.Factors))
	for i, f := range e.Factors {
		parts[i] = f.String()
	}
	return strings.Join(parts, "; ")
}

// Explainer is immutable after construction and safe for concurrent use.
type Explainer struct {
	features    []model.Feature
	importances []float64
	typical     []float64
	span        []float64
	topN        int
}

// New precomputes typical values from the schema's training statistics.
// topN is clamped to [1, MaxTopN].
func New(rt model.Runtime, topN int) *Explainer {
	if topN < 1 {
		topN = 1
	}
	if topN > MaxTopN {
		topN = MaxTopN
	}

	schema := rt.Schema()
	imp := rt.FeatureImportances()
	e := &Explainer{
		features:    schema.Features,
		importances: make([]float64, schema.Len()),
		typical:     make([]float64, schema.Len()),
		span:        make([]float64, schema.Len()),
		topN:        topN,
	}
	for i, f := range schema.Features {
		e.importances[i] = imp[f.Name]
		e.typical[i] = f.Median
		e.span[i] = f.Max - f.Min
		if e.span[i] <= 0 {
			e.span[i] = 1
		}
	}
	return e
}

func (e *Explainer) TopN() int { return e.topN }

// Explain ranks features for each canonical row. Rows must be schema-ordered.
func (e *Explainer) Explain(rows []model.Row) []Explanation {
	out := make([]Explanation, len(rows))
	for r, row := range rows {
		out[r] = e.explainRow(row)
	}
	return out
}

func (e *Explainer) explainRow(row model.Row) Explanation {
	factors := make([]Factor, 0, len(e.features))
	for i := range e.features {
		if i >= len(row) {
			break
		}
		f := &e.features[i]
		if f.Type == model.Categorical {
			if row[i].Level == f.Mode && f.Mode != "" {
				continue
			}
			w := e.importances[i]
			if w == 0 {
				continue
			}
			factors = append(factors, Factor{Feature: f.Name, Value: row[i].Level, Weight: w})
			continue
		}

		dev := math.Abs(row[i].Num-e.typical[i]) / e.span[i]
		w := e.importances[i] * dev
		if w == 0 || math.IsNaN(w) {
			continue
		}
		factors = append(factors, Factor{
			Feature: f.Name,
			Value:   formatNum(row[i].Num),
			Typical: formatNum(e.typical[i]),
			Weight:  w,
			Above:   row[i].Num > e.typical[i],
		})
	}

	sort.SliceStable(factors, func(a, b int) bool { return factors[a].Weight > factors[b].Weight })
	if len(factors) > e.topN {
		factors = factors[:e.topN]
	}
	return Explanation{Factors: factors}
}

func formatNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
