package explain

import (
	"testing"

	"github.com/kiranshivaraju/churnwatch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExplainer(t *testing.T, topN int) (*Explainer, *model.Schema) {
	t.Helper()
	rt, err := model.Default()
	require.NoError(t, err)
	return New(rt, topN), rt.Schema()
}

// featureIndex returns the position of the named feature in s.
func featureIndex(t *testing.T, s *model.Schema, name string) int {
	t.Helper()
	for i, f := range s.Features {
		if f.Name == name {
			return i
		}
	}
	t.Fatalf("schema has no feature %q", name)
	return -1
}

// typicalRow is a row sitting exactly on every feature's typical value.
func typicalRow(s *model.Schema) model.Row {
	row := make(model.Row, s.Len())
	for i, f := range s.Features {
		if f.Type == model.Categorical {
			row[i] = model.Value{Level: f.Mode}
			continue
		}
		row[i] = model.Value{Num: f.Median}
	}
	return row
}

func TestExplain_RanksByImportanceTimesDeviation(t *testing.T) {
	e, s := newExplainer(t, 3)

	row := typicalRow(s)
	row[featureIndex(t, s, "tenure_months")].Num = 89           // +60 of 120 → 0.35 * 0.5 = 0.175
	row[featureIndex(t, s, "monthly_revenue")].Num = 170.35     // +100 of 500 → 0.25 * 0.2 = 0.05
	row[featureIndex(t, s, "contract_type")].Level = "two_year" // 0.17
	row[featureIndex(t, s, "support_tickets")].Num = 6          // +5 of 50 → 0.1 * 0.1 = 0.01

	got := e.Explain([]model.Row{row})
	require.Len(t, got, 1)
	factors := got[0].Factors
	require.Len(t, factors, 3)
	assert.Equal(t, "tenure_months", factors[0].Feature)
	assert.Equal(t, "contract_type", factors[1].Feature)
	assert.Equal(t, "monthly_revenue", factors[2].Feature)
	assert.InDelta(t, 0.175, factors[0].Weight, 1e-9)
	assert.True(t, factors[0].Above)
}

func TestExplain_TextIsHumanReadable(t *testing.T) {
	e, s := newExplainer(t, 2)

	row := typicalRow(s)
	row[featureIndex(t, s, "tenure_months")].Num = 2
	row[featureIndex(t, s, "contract_type")].Level = model.Unknown

	text := e.Explain([]model.Row{row})[0].Text()
	assert.Equal(t, "contract_type=__unknown__; tenure_months below typical (2 vs 29)", text)
}

func TestExplain_TypicalRowStillHasText(t *testing.T) {
	e, s := newExplainer(t, 3)

	exp := e.Explain([]model.Row{typicalRow(s)})[0]
	assert.Empty(t, exp.Factors)
	assert.Equal(t, NoFactors, exp.Text())
}

func TestNew_ClampsTopN(t *testing.T) {
	e, _ := newExplainer(t, 0)
	assert.Equal(t, 1, e.TopN())

	e, _ = newExplainer(t, 9)
	assert.Equal(t, MaxTopN, e.TopN())
}

func TestExplain_AtMostTopN(t *testing.T) {
	e, s := newExplainer(t, 5)

	row := typicalRow(s)
	for i, f := range s.Features {
		if f.Type == model.Categorical {
			row[i].Level = model.Unknown
			continue
		}
		row[i].Num = f.Max
	}

	factors := e.Explain([]model.Row{row})[0].Factors
	assert.Len(t, factors, 5)
	for i := 1; i < len(factors); i++ {
		assert.GreaterOrEqual(t, factors[i-1].Weight, factors[i].Weight)
	}
	assert.Equal(t, "tenure_months", factors[0].Feature)
}
