// Package mlguard turns per-address request history into the feature vector
// expected by the pretrained flood classifiers and runs the ensemble.
package mlguard

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	protocolOverhead = 100
	minRequestSize   = 200
)

// FeatureNames lists the model inputs in the order the scaler was fitted on.
var FeatureNames = [FeatureCount]string{
	"Packet Length Std",
	"Bwd Packet Length Max",
	"Average Packet Size",
	"Packet Length Variance",
	"Bwd Packet Length Std",
	"Subflow Fwd Bytes",
	"Avg Fwd Segment Size",
	"Total Length of Fwd Packets",
	"Max Packet Length",
	"Subflow Fwd Packets",
}

const FeatureCount = 10

type FeatureVector [FeatureCount]float64

// Map returns the vector keyed by feature name.
func (v FeatureVector) Map() map[string]float64 {
	out := make(map[string]float64, FeatureCount)
	for i, name := range FeatureNames {
		out[name] = v[i]
	}
	return out
}

// EstimateSize approximates the on-wire size of a request from the lengths of
// its header keys and values, path, query string and body.
func EstimateSize(headerBytes, pathLen, queryLen int, bodyLen int64) int {
	size := int64(headerBytes+pathLen+queryLen) + max(bodyLen, 0) + protocolOverhead
	return int(max(size, minRequestSize))
}

// ComputeFeatures derives the vector from a size sample. An empty sample is
// replaced by the single current size. Spread measures are population
// statistics.
func ComputeFeatures(sizes []float64, currentSize int) FeatureVector {
	if len(sizes) == 0 {
		sizes = []float64{float64(currentSize)}
	}

	n := float64(len(sizes))
	sum := floats.Sum(sizes)
	peak := floats.Max(sizes)

	mean, variance := stat.PopMeanVariance(sizes, nil)
	if len(sizes) == 1 {
		variance = 0
	}
	std := math.Sqrt(variance)

	v := FeatureVector{
		std,
		peak * 0.7,
		mean,
		variance,
		std * 0.6,
		sum,
		mean,
		sum,
		peak,
		n,
	}
	for i, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			v[i] = 0
		}
	}
	return v
}

// FeatureCalculator reads the tracked history for an address and derives its
// feature vector.
type FeatureCalculator struct {
	tracker *RequestTracker
}

func NewFeatureCalculator(tracker *RequestTracker) *FeatureCalculator {
	return &FeatureCalculator{tracker: tracker}
}

func (c *FeatureCalculator) Features(ctx context.Context, address string, currentSize int) (FeatureVector, error) {
	sizes, err := c.tracker.Sizes(ctx, address)
	if err != nil {
		return FeatureVector{}, err
	}
	return ComputeFeatures(sizes, currentSize), nil
}
