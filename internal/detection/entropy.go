package detection

import (
	"fmt"
	"math"

	"gatekeeper/internal/config"

	"gonum.org/v1/gonum/stat"
)

// ShannonEntropy returns the base-2 entropy of the character distribution
// of data. The empty string has entropy 0.
func ShannonEntropy(data string) float64 {
	if data == "" {
		return 0
	}

	counts := make(map[rune]int)
	length := 0
	for _, r := range data {
		counts[r]++
		length++
	}

	probabilities := make([]float64, 0, len(counts))
	for _, c := range counts {
		probabilities = append(probabilities, float64(c)/float64(length))
	}
	return stat.Entropy(probabilities) / math.Ln2
}

// Entropy flags requests whose query string, user agent and referer look
// templated.
func Entropy(req Request, cfg config.EntropyConfig) Result {
	combined := req.RawQuery + req.UserAgent + req.Referer
	if combined == "" {
		return Result{Algorithm: config.AlgorithmEntropyAnalysis, Reason: "No data for entropy analysis"}
	}

	entropy := ShannonEntropy(combined)
	return Result{
		Algorithm: config.AlgorithmEntropyAnalysis,
		Threat:    entropy < cfg.MinEntropy,
		Reason:    fmt.Sprintf("Low entropy detected: %.2f (threshold: %v)", entropy, cfg.MinEntropy),
		Details:   map[string]any{"entropy": entropy, "threshold": cfg.MinEntropy},
	}
}
