package mock

import (
	"context"

	"github.com/kiranshivaraju/churnwatch/internal/model"
)

// MockRuntime satisfies model.Runtime for testing. Unset funcs fall back to
// the wrapped Base runtime.
type MockRuntime struct {
	Base             model.Runtime
	PrepareFunc      func(rows []model.Row) (model.Matrix, error)
	PredictProbaFunc func(ctx context.Context, m model.Matrix) ([]float64, error)
}

func (m *MockRuntime) Schema() *model.Schema { return m.Base.Schema() }

func (m *MockRuntime) FeatureImportances() map[string]float64 { return m.Base.FeatureImportances() }

func (m *MockRuntime) Prepare(rows []model.Row) (model.Matrix, error) {
	if m.PrepareFunc != nil {
		return m.PrepareFunc(rows)
	}
	return m.Base.Prepare(rows)
}

func (m *MockRuntime) PredictProba(ctx context.Context, mat model.Matrix) ([]float64, error) {
	if m.PredictProbaFunc != nil {
		return m.PredictProbaFunc(ctx, mat)
	}
	return m.Base.PredictProba(ctx, mat)
}

// NewMockRuntime wraps the embedded default model.
func NewMockRuntime() *MockRuntime {
	base, err := model.Default()
	if err != nil {
		panic("mock: default bundle: " + err.Error())
	}
	return &MockRuntime{Base: base}
}

// NewFailingRuntime returns a runtime whose inference always fails with err.
func NewFailingRuntime(err error) *MockRuntime {
	m := NewMockRuntime()
	m.PredictProbaFunc = func(context.Context, model.Matrix) ([]float64, error) {
		return nil, err
	}
	return m
}

// NewBlockingRuntime returns a runtime whose inference blocks until ctx is cancelled.
func NewBlockingRuntime() *MockRuntime {
	m := NewMockRuntime()
	m.PredictProbaFunc = func(ctx context.Context, _ model.Matrix) ([]float64, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return m
}

// NewConstantRuntime scores every row with p.
func NewConstantRuntime(p float64) *MockRuntime {
	m := NewMockRuntime()
	m.PredictProbaFunc = func(_ context.Context, mat model.Matrix) ([]float64, error) {
		out := make([]float64, len(mat))
		for i := range out {
			out[i] = p
		}
		return out, nil
	}
	return m
}

var _ model.Runtime = (*MockRuntime)(nil)
