package model

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(tenure, monthly, total float64, contract string, tickets, autoPay float64) Row {
	return Row{{Num: tenure}, {Num: monthly}, {Num: total}, {Level: contract}, {Num: tickets}, {Num: autoPay}}
}

func TestDefault_Loads(t *testing.T) {
	e, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "churn-gbt", e.Name())
	var names []string
	for _, f := range e.Schema().Features {
		names = append(names, f.Name)
	}
	assert.Equal(t,
		[]string{"tenure_months", "monthly_revenue", "total_revenue", "contract_type", "support_tickets", "auto_pay"},
		names)
}

func TestFeatureImportances_NonNegativeAndCopied(t *testing.T) {
	e, err := Default()
	require.NoError(t, err)

	imp := e.FeatureImportances()
	require.Len(t, imp, 6)
	for name, w := range imp {
		assert.GreaterOrEqual(t, w, 0.0, name)
	}
	imp["tenure_months"] = 99
	assert.Equal(t, 0.35, e.FeatureImportances()["tenure_months"])
}

func TestPrepare_EncodesCategoricals(t *testing.T) {
	e, err := Default()
	require.NoError(t, err)

	m, err := e.Prepare([]Row{
		row(5, 72.5, 300, "two_year", 0, 1),
		row(5, 72.5, 300, Unknown, 0, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 72.5, 300, 2, 0, 1}, m[0])
	assert.Equal(t, -1.0, m[1][3])
}

func TestPrepare_ShapeMismatch(t *testing.T) {
	e, err := Default()
	require.NoError(t, err)

	_, err = e.Prepare([]Row{{{Num: 1}}})
	assert.ErrorIs(t, err, ErrShape)
}

func TestPredictProba_RangeAndOrdering(t *testing.T) {
	e, err := Default()
	require.NoError(t, err)

	m, err := e.Prepare([]Row{
		row(2, 110, 220, "month_to_month", 6, 0), // new, expensive, unhappy
		row(60, 45, 2700, "two_year", 0, 1),      // long-standing, cheap, auto-pay
	})
	require.NoError(t, err)

	probs, err := e.PredictProba(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, probs, 2)
	for _, p := range probs {
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
	}
	assert.Less(t, probs[0], 0.5)
	assert.Greater(t, probs[1], 0.5)
}

func TestPredictProba_Empty(t *testing.T) {
	e, err := Default()
	require.NoError(t, err)

	probs, err := e.PredictProba(context.Background(), Matrix{})
	require.NoError(t, err)
	assert.Empty(t, probs)
}

func TestPredictProba_Cancelled(t *testing.T) {
	e, err := Default()
	require.NoError(t, err)
	m, err := e.Prepare([]Row{row(1, 1, 1, "one_year", 0, 0)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.PredictProba(ctx, m)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParse_RejectsInvalidBundles(t *testing.T) {
	cases := map[string]string{
		"not json":       `{`,
		"no features":    `{"schema":{"features":[]},"trees":[]}`,
		"bad type":       `{"schema":{"features":[{"name":"a","type":"text"}]}}`,
		"median range":   `{"schema":{"features":[{"name":"a","type":"continuous","min":0,"max":1,"median":2}]}}`,
		"no levels":      `{"schema":{"features":[{"name":"a","type":"categorical"}]}}`,
		"bad mode":       `{"schema":{"features":[{"name":"a","type":"categorical","levels":["x"],"mode":"y"}]}}`,
		"duplicate":      `{"schema":{"features":[{"name":"a","type":"boolean","max":1},{"name":"a","type":"boolean","max":1}]}}`,
		"neg importance": `{"schema":{"features":[{"name":"a","type":"boolean","max":1,"importance":-1}]}}`,
		"feature range":  `{"schema":{"features":[{"name":"a","type":"boolean","max":1}]},"trees":[{"nodes":[{"feature":3,"threshold":1,"left":1,"right":2},{"leaf":true},{"leaf":true}]}]}`,
		"cycle":          `{"schema":{"features":[{"name":"a","type":"boolean","max":1}]},"trees":[{"nodes":[{"feature":0,"threshold":1,"left":0,"right":0}]}]}`,
		"empty tree":     `{"schema":{"features":[{"name":"a","type":"boolean","max":1}]},"trees":[{"nodes":[]}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidBundle)
		})
	}
}

func TestLoad_FromFileAndDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.json")
	require.NoError(t, os.WriteFile(path, defaultBundle, 0o600))

	e, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "2026.03.1", e.Version())

	e, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "churn-gbt", e.Name())

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestShared_LoadsOnce(t *testing.T) {
	a, err := Shared("")
	require.NoError(t, err)
	b, err := Shared("/ignored/after/first/call.json")
	require.NoError(t, err)
	assert.Same(t, a, b)
}
