package mlguard

import (
	"errors"
	"fmt"
)

// Scaler standardises features as (x - mean) / scale over a fixed column set.
type Scaler struct {
	FeatureNames []string  `json:"feature_names"`
	Mean         []float64 `json:"mean"`
	Scale        []float64 `json:"scale"`
}

func (s *Scaler) validate() error {
	if len(s.FeatureNames) == 0 {
		return errors.New("scaler: no feature names")
	}
	if len(s.Mean) != len(s.FeatureNames) || len(s.Scale) != len(s.FeatureNames) {
		return fmt.Errorf("scaler: %d names, %d means, %d scales", len(s.FeatureNames), len(s.Mean), len(s.Scale))
	}
	return nil
}

// Transform reindexes v onto the scaler's columns, filling unknown columns
// with 0, and standardises the result.
func (s *Scaler) Transform(v FeatureVector) []float64 {
	values := v.Map()
	out := make([]float64, len(s.FeatureNames))
	for i, name := range s.FeatureNames {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (values[name] - s.Mean[i]) / scale
	}
	return out
}
