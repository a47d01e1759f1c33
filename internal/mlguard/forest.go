package mlguard

import (
	"errors"
	"fmt"
)

const leafNode = -1

// TreeNode is one node of a fitted decision tree. Leaves have Left == -1 and
// carry per-class sample weights in Value.
type TreeNode struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Value     []float64 `json:"value"`
}

type DecisionTree struct {
	Nodes []TreeNode `json:"nodes"`
}

// RandomForest averages the leaf class distributions of its trees.
type RandomForest struct {
	PositiveClass int            `json:"positive_class"`
	Trees         []DecisionTree `json:"trees"`
}

func (f *RandomForest) Name() string { return "rf" }

func (f *RandomForest) validate(width int) error {
	if len(f.Trees) == 0 {
		return errors.New("forest: no trees")
	}
	for t, tree := range f.Trees {
		if len(tree.Nodes) == 0 {
			return fmt.Errorf("forest: tree %d is empty", t)
		}
		for n, node := range tree.Nodes {
			if node.Left == leafNode {
				if f.PositiveClass < 0 || f.PositiveClass >= len(node.Value) {
					return fmt.Errorf("forest: tree %d leaf %d has no class %d", t, n, f.PositiveClass)
				}
				continue
			}
			if node.Feature < 0 || node.Feature >= width {
				return fmt.Errorf("forest: tree %d node %d splits on feature %d of %d", t, n, node.Feature, width)
			}
			if node.Left <= n || node.Right <= n || node.Left >= len(tree.Nodes) || node.Right >= len(tree.Nodes) {
				return fmt.Errorf("forest: tree %d node %d has invalid children", t, n)
			}
		}
	}
	return nil
}

// PredictProbability returns the mean positive-class probability over all
// trees. Samples go left when x[feature] <= threshold.
func (f *RandomForest) PredictProbability(x []float64) (float64, error) {
	total := 0.0
	for t, tree := range f.Trees {
		i := 0
		for tree.Nodes[i].Left != leafNode {
			node := tree.Nodes[i]
			if node.Feature >= len(x) {
				return 0, fmt.Errorf("forest: tree %d needs feature %d, got %d", t, node.Feature, len(x))
			}
			if x[node.Feature] <= node.Threshold {
				i = node.Left
			} else {
				i = node.Right
			}
		}

		leaf := tree.Nodes[i].Value
		weight := 0.0
		for _, w := range leaf {
			weight += w
		}
		if weight <= 0 {
			return 0, fmt.Errorf("forest: tree %d reached an empty leaf", t)
		}
		total += leaf[f.PositiveClass] / weight
	}
	return total / float64(len(f.Trees)), nil
}
