package mapping

import (
	"math"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/churnwatch/internal/model"
	"github.com/kiranshivaraju/churnwatch/internal/table"
)

// Report records what the mapper did to the input. It is stored with the
// prediction's metrics.
type Report struct {
	Rows           int               `json:"rows"`
	UsedColumns    map[string]string `json:"used_columns"`
	DroppedColumns []string          `json:"dropped_columns"`
	// Defaulted lists optional features absent from the input; every row gets the default.
	Defaulted     []string       `json:"defaulted_features"`
	Imputed       map[string]int `json:"imputed"`
	Invalid       map[string]int `json:"invalid"`
	UnknownLevels map[string]int `json:"unknown_levels"`
	Clamped       map[string]int `json:"clamped"`
}

func newReport() *Report {
	return &Report{
		UsedColumns:    map[string]string{},
		DroppedColumns: []string{},
		Defaulted:      []string{},
		Imputed:        map[string]int{},
		Invalid:        map[string]int{},
		UnknownLevels:  map[string]int{},
		Clamped:        map[string]int{},
	}
}

// Totals sums the per-feature counters.
func (r *Report) Totals() (imputed, unknown, clamped int) {
	for _, n := range r.Imputed {
		imputed += n
	}
	for _, n := range r.UnknownLevels {
		unknown += n
	}
	for _, n := range r.Clamped {
		clamped += n
	}
	return imputed, unknown, clamped
}

// Metrics flattens the report for the prediction's metrics column.
func (r *Report) Metrics() map[string]any {
	imputed, unknown, clamped := r.Totals()
	return map[string]any{
		"rows":               r.Rows,
		"used_columns":       r.UsedColumns,
		"dropped_columns":    r.DroppedColumns,
		"defaulted_features": r.Defaulted,
		"imputed":            r.Imputed,
		"invalid":            r.Invalid,
		"unknown_levels":     r.UnknownLevels,
		"clamped":            r.Clamped,
		"imputed_total":      imputed,
		"unknown_total":      unknown,
		"clamped_total":      clamped,
	}
}

// Result is the canonical frame plus its mapping report.
type Result struct {
	Rows       []model.Row
	Report     *Report
	Resolution *Resolution
}

// Map resolves frame's header against schema and emits one canonical row per
// input row, in schema feature order. A *SchemaError is returned when a
// required feature has no source column.
func Map(schema *model.Schema, frame *table.Frame) (*Result, error) {
	res, err := ResolveHeader(schema, frame.Header)
	if err != nil {
		return nil, err
	}

	report := newReport()
	report.Rows = frame.Len()
	report.DroppedColumns = append(report.DroppedColumns, res.Dropped...)

	levelIndex := make([]map[string]string, len(schema.Features))
	for i, f := range schema.Features {
		if col := res.Source[i]; col >= 0 {
			report.UsedColumns[f.Name] = frame.Header[col]
		} else {
			report.Defaulted = append(report.Defaulted, f.Name)
		}
		if f.Type == model.Categorical {
			levelIndex[i] = make(map[string]string, len(f.Levels))
			for _, l := range f.Levels {
				levelIndex[i][matchKey(l)] = l
			}
		}
	}

	rows := make([]model.Row, frame.Len())
	for r, in := range frame.Rows {
		out := make(model.Row, len(schema.Features))
		for i := range schema.Features {
			f := &schema.Features[i]
			col := res.Source[i]
			if col < 0 {
				out[i] = defaultValue(f)
				continue
			}
			out[i] = coerce(f, in[col], levelIndex[i], report)
		}
		rows[r] = out
	}

	return &Result{Rows: rows, Report: report, Resolution: res}, nil
}

func defaultValue(f *model.Feature) model.Value {
	if f.Type == model.Categorical {
		return model.Value{Level: model.Unknown}
	}
	return model.Value{Num: f.Median}
}

func coerce(f *model.Feature, c table.Cell, levels map[string]string, report *Report) model.Value {
	if f.Type == model.Categorical {
		if c.IsMissing() {
			report.Imputed[f.Name]++
			return model.Value{Level: model.Unknown}
		}
		level, ok := levels[matchKey(c.Text())]
		if !ok {
			report.UnknownLevels[f.Name]++
			return model.Value{Level: model.Unknown}
		}
		return model.Value{Level: level}
	}

	if c.IsMissing() {
		report.Imputed[f.Name]++
		return model.Value{Num: f.Median}
	}

	var (
		v  float64
		ok bool
	)
	if f.Type == model.Boolean {
		v, ok = parseBool(c)
	} else {
		v, ok = parseNumber(c)
	}
	if !ok {
		report.Invalid[f.Name]++
		report.Imputed[f.Name]++
		return model.Value{Num: f.Median}
	}

	if f.Type == model.Integer {
		v = math.Round(v)
	}
	if f.Type != model.Boolean {
		if v < f.Min {
			v = f.Min
			report.Clamped[f.Name]++
		} else if v > f.Max {
			v = f.Max
			report.Clamped[f.Name]++
		}
	}
	return model.Value{Num: v}
}

var numberReplacer = strings.NewReplacer(
	"$", "", "€", "", "£", "", "¥", "", "₹", "",
	",", "", "'", "", "_", "", " ", "", "\u00a0", "",
	"%", "",
)

// parseNumber accepts currency symbols, thousands separators and accounting
// negatives such as "(1,200.50)".
func parseNumber(c table.Cell) (float64, bool) {
	switch c.Kind {
	case table.Number:
		return c.Num, !math.IsNaN(c.Num)
	case table.Bool:
		if c.Bool {
			return 1, true
		}
		return 0, true
	}

	s := strings.TrimSpace(c.Raw)
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = numberReplacer.Replace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	if neg {
		v = -v
	}
	return v, true
}

var boolWords = map[string]float64{
	"true": 1, "t": 1, "yes": 1, "y": 1, "on": 1, "enabled": 1, "1": 1,
	"false": 0, "f": 0, "no": 0, "n": 0, "off": 0, "disabled": 0, "0": 0,
}

func parseBool(c table.Cell) (float64, bool) {
	switch c.Kind {
	case table.Bool:
		if c.Bool {
			return 1, true
		}
		return 0, true
	case table.Number:
		if c.Num == 0 {
			return 0, true
		}
		if c.Num == 1 {
			return 1, true
		}
		return 0, false
	}
	v, ok := boolWords[Normalize(c.Raw)]
	return v, ok
}
