package mlguard

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DenseLayer holds weights indexed [input][output].
type DenseLayer struct {
	Weights [][]float64 `json:"weights"`
	Biases  []float64   `json:"biases"`
}

// MLP is a fully connected feed-forward network with one output unit. When
// LabelOnly is set the network only reports a class label, so its
// probability collapses to 0 or 1.
type MLP struct {
	Activation       string       `json:"activation"`
	OutputActivation string       `json:"output_activation"`
	Layers           []DenseLayer `json:"layers"`
	LabelOnly        bool         `json:"label_only"`
}

func (m *MLP) Name() string { return "nn" }

// matrix returns the layer weights as an inputs x outputs matrix.
func (d DenseLayer) matrix() (*mat.Dense, error) {
	rows, cols := len(d.Weights), len(d.Biases)
	if rows == 0 || cols == 0 {
		return nil, errors.New("mlp: empty layer")
	}
	data := make([]float64, 0, rows*cols)
	for r, row := range d.Weights {
		if len(row) != cols {
			return nil, fmt.Errorf("mlp: row %d has %d weights, want %d", r, len(row), cols)
		}
		data = append(data, row...)
	}
	return mat.NewDense(rows, cols, data), nil
}

func activation(name string) (func(float64) float64, error) {
	switch name {
	case "", "relu":
		return func(x float64) float64 { return math.Max(0, x) }, nil
	case "tanh":
		return math.Tanh, nil
	case "logistic":
		return func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }, nil
	case "identity":
		return func(x float64) float64 { return x }, nil
	}
	return nil, fmt.Errorf("mlp: unsupported activation %q", name)
}

func (m *MLP) validate(width int) error {
	if len(m.Layers) == 0 {
		return errors.New("mlp: no layers")
	}
	if _, err := activation(m.Activation); err != nil {
		return err
	}
	output := m.OutputActivation
	if output == "" {
		output = "logistic"
	}
	if _, err := activation(output); err != nil {
		return err
	}

	in := width
	for l, layer := range m.Layers {
		if len(layer.Weights) != in {
			return fmt.Errorf("mlp: layer %d expects %d inputs, has %d weight rows", l, in, len(layer.Weights))
		}
		out := len(layer.Biases)
		for r, row := range layer.Weights {
			if len(row) != out {
				return fmt.Errorf("mlp: layer %d row %d has %d weights, want %d", l, r, len(row), out)
			}
		}
		in = out
	}
	if in != 1 {
		return fmt.Errorf("mlp: final layer has %d outputs, want 1", in)
	}
	return nil
}

func (m *MLP) PredictProbability(x []float64) (float64, error) {
	hidden, err := activation(m.Activation)
	if err != nil {
		return 0, err
	}
	outputName := m.OutputActivation
	if outputName == "" {
		outputName = "logistic"
	}
	output, err := activation(outputName)
	if err != nil {
		return 0, err
	}

	if len(x) == 0 {
		return 0, errors.New("mlp: empty input")
	}

	current := mat.NewVecDense(len(x), append([]float64(nil), x...))
	for l, layer := range m.Layers {
		if len(layer.Weights) != current.Len() {
			return 0, fmt.Errorf("mlp: layer %d got %d inputs, want %d", l, current.Len(), len(layer.Weights))
		}
		weights, err := layer.matrix()
		if err != nil {
			return 0, fmt.Errorf("mlp: layer %d: %w", l, err)
		}
		next := mat.NewVecDense(len(layer.Biases), nil)
		next.MulVec(weights.T(), current)
		next.AddVec(next, mat.NewVecDense(len(layer.Biases), append([]float64(nil), layer.Biases...)))

		act := hidden
		if l == len(m.Layers)-1 {
			act = output
		}
		for j := 0; j < next.Len(); j++ {
			next.SetVec(j, act(next.AtVec(j)))
		}
		current = next
	}

	p := current.AtVec(0)
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, errors.New("mlp: non-finite output")
	}
	if m.LabelOnly {
		if p > 0.5 {
			return 1, nil
		}
		return 0, nil
	}
	return p, nil
}
