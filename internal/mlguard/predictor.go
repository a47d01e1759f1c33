package mlguard

import (
	"context"
	"fmt"
)

const DefaultThreshold = 0.7

// Prediction is the ensemble outcome. Votes holds the positive-class
// probability of every classifier that produced one; Failures names the ones
// that did not.
type Prediction struct {
	Threat     bool               `json:"is_threat"`
	Confidence float64            `json:"confidence"`
	Threshold  float64            `json:"threshold"`
	Votes      map[string]float64 `json:"predictions,omitempty"`
	Failures   map[string]string  `json:"failures,omitempty"`
	Disabled   bool               `json:"disabled,omitempty"`
}

// Predictor fuses the bundle's classifiers by averaging their probabilities.
// A Predictor without a bundle never reports a threat.
type Predictor struct {
	bundle     *Bundle
	calculator *FeatureCalculator
}

func NewPredictor(bundle *Bundle, calculator *FeatureCalculator) *Predictor {
	return &Predictor{bundle: bundle, calculator: calculator}
}

func (p *Predictor) Ready() bool {
	return p != nil && p.bundle != nil
}

// Predict scores address from its tracked history. currentSize is used
// when no history exists yet.
func (p *Predictor) Predict(ctx context.Context, address string, currentSize int, threshold float64) (Prediction, error) {
	if !p.Ready() {
		return Prediction{Threshold: threshold, Disabled: true}, nil
	}
	features, err := p.calculator.Features(ctx, address, currentSize)
	if err != nil {
		return Prediction{Threshold: threshold}, fmt.Errorf("ml features: %w", err)
	}
	return p.PredictVector(features, threshold), nil
}

// PredictVector scores a precomputed feature vector. A threshold outside
// (0, 1] falls back to DefaultThreshold.
func (p *Predictor) PredictVector(features FeatureVector, threshold float64) Prediction {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if !p.Ready() {
		return Prediction{Threshold: threshold, Disabled: true}
	}

	row := p.bundle.Scaler.Transform(features)
	prediction := Prediction{
		Threshold: threshold,
		Votes:     make(map[string]float64, len(p.bundle.Classifiers)),
	}

	sum := 0.0
	for _, classifier := range p.bundle.Classifiers {
		probability, err := classifier.PredictProbability(row)
		if err != nil {
			if prediction.Failures == nil {
				prediction.Failures = make(map[string]string)
			}
			prediction.Failures[classifier.Name()] = err.Error()
			continue
		}
		prediction.Votes[classifier.Name()] = probability
		sum += probability
	}

	if len(prediction.Votes) > 0 {
		prediction.Confidence = sum / float64(len(prediction.Votes))
	}
	prediction.Threat = prediction.Confidence > threshold
	return prediction
}
