package model

import (
	"fmt"
	"slices"
)

// FeatureType is the declared semantic type of a canonical feature.
type FeatureType string

const (
	Continuous  FeatureType = "continuous"
	Integer     FeatureType = "integer"
	Categorical FeatureType = "categorical"
	Boolean     FeatureType = "boolean"
)

// Unknown is the level assigned to missing or unrecognized categorical values.
const Unknown = "__unknown__"

// Alias is an accepted source column name. Lower Priority wins when several
// input columns resolve to the same feature.
type Alias struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

// Feature is one canonical model input together with its training-time statistics.
type Feature struct {
	Name       string      `json:"name"`
	Type       FeatureType `json:"type"`
	Required   bool        `json:"required"`
	Aliases    []Alias     `json:"aliases"`
	Levels     []string    `json:"levels,omitempty"`
	Mode       string      `json:"mode,omitempty"`
	Median     float64     `json:"median"`
	Min        float64     `json:"min"`
	Max        float64     `json:"max"`
	Importance float64     `json:"importance"`
}

// LevelIndex returns the position of level in Levels, or -1.
func (f *Feature) LevelIndex(level string) int {
	return slices.Index(f.Levels, level)
}

// Schema is the fixed, ordered canonical feature set.
type Schema struct {
	Features []Feature `json:"features"`
}

func (s *Schema) Len() int { return len(s.Features) }

func (s *Schema) validate() error {
	if len(s.Features) == 0 {
		return fmt.Errorf("%w: schema has no features", ErrInvalidBundle)
	}
	seen := make(map[string]bool)
	for i := range s.Features {
		f := &s.Features[i]
		if f.Name == "" {
			return fmt.Errorf("%w: feature %d has no name", ErrInvalidBundle, i)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate feature %q", ErrInvalidBundle, f.Name)
		}
		seen[f.Name] = true

		switch f.Type {
		case Continuous, Integer, Boolean:
			if f.Min > f.Max {
				return fmt.Errorf("%w: feature %q has min > max", ErrInvalidBundle, f.Name)
			}
			if f.Median < f.Min || f.Median > f.Max {
				return fmt.Errorf("%w: feature %q median outside [min, max]", ErrInvalidBundle, f.Name)
			}
		case Categorical:
			if len(f.Levels) == 0 {
				return fmt.Errorf("%w: categorical feature %q has no levels", ErrInvalidBundle, f.Name)
			}
			if f.Mode != "" && f.LevelIndex(f.Mode) < 0 {
				return fmt.Errorf("%w: feature %q mode %q is not a level", ErrInvalidBundle, f.Name, f.Mode)
			}
		default:
			return fmt.Errorf("%w: feature %q has unknown type %q", ErrInvalidBundle, f.Name, f.Type)
		}
		if f.Importance < 0 {
			return fmt.Errorf("%w: feature %q has negative importance", ErrInvalidBundle, f.Name)
		}
	}
	return nil
}

// Value is one canonical cell. Numeric and boolean features use Num;
// categorical features use Level.
type Value struct {
	Num   float64
	Level string
}

// Row holds one Value per schema feature, in schema order.
type Row []Value
