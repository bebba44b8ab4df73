// Package model is the in-process model runtime: the canonical feature
// schema and a gradient-boosted tree ensemble scoring retention probability.
package model

import (
	"context"
	"errors"
)

var (
	ErrInvalidBundle = errors.New("invalid model bundle")
	ErrShape         = errors.New("feature matrix does not match schema")
	ErrInference     = errors.New("model inference failed")
)

// Matrix is the numeric encoding of canonical rows, one column per feature.
type Matrix [][]float64

// Runtime is what the worker needs from a model.
type Runtime interface {
	Schema() *Schema
	// Prepare encodes canonical rows. It performs no I/O.
	Prepare(rows []Row) (Matrix, error)
	// PredictProba returns one retention probability in [0, 1] per row.
	PredictProba(ctx context.Context, m Matrix) ([]float64, error)
	// FeatureImportances is static for the life of the runtime.
	FeatureImportances() map[string]float64
}
