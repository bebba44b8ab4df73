package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// ctxCheckEvery is how many rows are scored between cancellation checks.
const ctxCheckEvery = 1024

// Node is a binary split (x[Feature] < Threshold goes Left) or a leaf.
// Children always have larger indexes than their parent.
type Node struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
}

type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Bundle is the serialized model: schema, statistics and trees.
type Bundle struct {
	Name      string  `json:"name"`
	Version   string  `json:"version"`
	BaseScore float64 `json:"base_score"`
	Schema    Schema  `json:"schema"`
	Trees     []Tree  `json:"trees"`
}

// Ensemble scores rows by summing tree outputs in log-odds space.
type Ensemble struct {
	bundle      Bundle
	importances map[string]float64
}

var _ Runtime = (*Ensemble)(nil)

// Parse decodes and validates a JSON bundle.
func Parse(data []byte) (*Ensemble, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if err := b.Schema.validate(); err != nil {
		return nil, err
	}
	for i, t := range b.Trees {
		if err := t.validate(len(b.Schema.Features)); err != nil {
			return nil, fmt.Errorf("%w: tree %d: %v", ErrInvalidBundle, i, err)
		}
	}

	imp := make(map[string]float64, len(b.Schema.Features))
	for _, f := range b.Schema.Features {
		imp[f.Name] = f.Importance
	}
	return &Ensemble{bundle: b, importances: imp}, nil
}

// LoadFile reads a bundle from disk.
func LoadFile(path string) (*Ensemble, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model bundle: %w", err)
	}
	return Parse(data)
}

func (e *Ensemble) Name() string    { return e.bundle.Name }
func (e *Ensemble) Version() string { return e.bundle.Version }
func (e *Ensemble) Schema() *Schema { return &e.bundle.Schema }

func (e *Ensemble) FeatureImportances() map[string]float64 {
	out := make(map[string]float64, len(e.importances))
	for k, v := range e.importances {
		out[k] = v
	}
	return out
}

func (e *Ensemble) Prepare(rows []Row) (Matrix, error) {
	features := e.bundle.Schema.Features
	m := make(Matrix, len(rows))
	for r, row := range rows {
		if len(row) != len(features) {
			return nil, fmt.Errorf("%w: row %d has %d values, schema has %d", ErrShape, r, len(row), len(features))
		}
		vec := make([]float64, len(features))
		for i := range features {
			if features[i].Type == Categorical {
				vec[i] = float64(features[i].LevelIndex(row[i].Level))
				continue
			}
			vec[i] = row[i].Num
		}
		m[r] = vec
	}
	return m, nil
}

func (e *Ensemble) PredictProba(ctx context.Context, m Matrix) ([]float64, error) {
	width := len(e.bundle.Schema.Features)
	out := make([]float64, len(m))
	for r, x := range m {
		if r%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if len(x) != width {
			return nil, fmt.Errorf("%w: row %d has %d columns, schema has %d", ErrShape, r, len(x), width)
		}
		score := e.bundle.BaseScore
		for i := range e.bundle.Trees {
			score += e.bundle.Trees[i].eval(x)
		}
		p := sigmoid(score)
		if math.IsNaN(p) {
			return nil, fmt.Errorf("%w: row %d produced NaN", ErrInference, r)
		}
		out[r] = p
	}
	return out, nil
}

func (t *Tree) eval(x []float64) float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if x[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

func (t *Tree) validate(width int) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("no nodes")
	}
	for i, n := range t.Nodes {
		if n.Leaf {
			if math.IsNaN(n.Value) || math.IsInf(n.Value, 0) {
				return fmt.Errorf("node %d: non-finite leaf", i)
			}
			continue
		}
		if n.Feature < 0 || n.Feature >= width {
			return fmt.Errorf("node %d: feature %d out of range", i, n.Feature)
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d: child index out of order", i)
		}
	}
	return nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
