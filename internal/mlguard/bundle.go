package mlguard

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
)

const (
	ScalerFile = "scaler.json"
	ForestFile = "rf_model.json"
	MLPFile    = "nn_model.json"
)

// ProbabilityClassifier scores a standardised feature row with the
// probability of the positive (attack) class.
type ProbabilityClassifier interface {
	Name() string
	PredictProbability(x []float64) (float64, error)
}

// Bundle is the immutable set of artifacts loaded at startup.
type Bundle struct {
	Scaler      *Scaler
	Classifiers []ProbabilityClassifier
}

// LoadBundle reads the scaler and both classifiers from dir. Every artifact
// is required.
func LoadBundle(dir string) (*Bundle, error) {
	var scaler Scaler
	var forest RandomForest
	var mlp MLP

	var errs []error
	for _, artifact := range []struct {
		file   string
		target any
	}{
		{ScalerFile, &scaler},
		{ForestFile, &forest},
		{MLPFile, &mlp},
	} {
		if err := readArtifact(filepath.Join(dir, artifact.file), artifact.target); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if err := scaler.validate(); err != nil {
		return nil, err
	}
	width := len(scaler.FeatureNames)
	if err := forest.validate(width); err != nil {
		return nil, err
	}
	if err := mlp.validate(width); err != nil {
		return nil, err
	}

	return &Bundle{
		Scaler:      &scaler,
		Classifiers: []ProbabilityClassifier{&forest, &mlp},
	}, nil
}

func readArtifact(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// LoadBundleOrDisable loads the bundle and returns nil, with a warning, when
// any artifact is unusable. A nil bundle keeps ML detection off for the
// lifetime of the process.
func LoadBundleOrDisable(dir string) *Bundle {
	bundle, err := LoadBundle(dir)
	if err != nil {
		log.Warn("ML detection disabled", "dir", dir, "error", err)
		return nil
	}
	log.Info("ML models loaded", "dir", dir, "features", len(bundle.Scaler.FeatureNames))
	return bundle
}
