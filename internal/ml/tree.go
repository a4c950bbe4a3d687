package ml

import (
	"fmt"

	"aqi-predictor/internal/features"
)

// leafNode marks a node without children in the flattened tree arrays.
const leafNode = -1

// Tree is one fitted regression tree in flattened array form: node i splits
// on Feature[i] at Threshold[i], going left when float32(x) <= threshold,
// and a leaf predicts Value[i].
type Tree struct {
	ChildrenLeft  []int
	ChildrenRight []int
	Feature       []int
	Threshold     []float64
	Value         []float64
}

// Aggregation selects how an ensemble combines its trees.
type Aggregation string

const (
	// AggregateMean averages tree outputs (random forest, extra trees).
	AggregateMean Aggregation = "mean"
	// AggregateSum adds init + learning_rate * sum(tree outputs) (gradient boosting).
	AggregateSum Aggregation = "sum"
)

// TreeEnsemble is a forest or boosted ensemble of regression trees. A
// single decision tree is an ensemble of one with mean aggregation.
type TreeEnsemble struct {
	Trees        []Tree
	Aggregation  Aggregation
	LearningRate float64
	Init         float64
}

// Predict walks every tree and combines the leaf values per Aggregation.
func (e *TreeEnsemble) Predict(v features.Vector) (float64, error) {
	var sum float64
	for i := range e.Trees {
		out, err := e.Trees[i].predict(v)
		if err != nil {
			return 0, fmt.Errorf("tree %d: %w", i, err)
		}
		sum += out
	}

	if e.Aggregation == AggregateSum {
		return e.Init + e.LearningRate*sum, nil
	}
	return sum / float64(len(e.Trees)), nil
}

func (t *Tree) predict(v features.Vector) (float64, error) {
	node := 0
	// A well-formed tree reaches a leaf in fewer steps than it has nodes.
	for steps := 0; steps <= len(t.Value); steps++ {
		left := t.ChildrenLeft[node]
		if left == leafNode {
			return t.Value[node], nil
		}
		// Fitted trees compare float32 inputs against float64 thresholds.
		if float64(float32(v[t.Feature[node]])) <= t.Threshold[node] {
			node = left
		} else {
			node = t.ChildrenRight[node]
		}
	}
	return 0, fmt.Errorf("%w: tree does not terminate", ErrArtifactShape)
}

// validate checks array lengths and index ranges once at load so predict
// can index without bounds surprises.
func (t *Tree) validate() error {
	n := len(t.Value)
	if n == 0 {
		return fmt.Errorf("%w: tree has no nodes", ErrArtifactShape)
	}
	if len(t.ChildrenLeft) != n || len(t.ChildrenRight) != n || len(t.Feature) != n || len(t.Threshold) != n {
		return fmt.Errorf("%w: tree arrays have mismatched lengths (value=%d left=%d right=%d feature=%d threshold=%d)",
			ErrArtifactShape, n, len(t.ChildrenLeft), len(t.ChildrenRight), len(t.Feature), len(t.Threshold))
	}

	for i := 0; i < n; i++ {
		left, right := t.ChildrenLeft[i], t.ChildrenRight[i]
		if left == leafNode {
			if right != leafNode {
				return fmt.Errorf("%w: node %d has only a right child", ErrArtifactShape, i)
			}
			continue
		}
		if left <= i || left >= n || right <= i || right >= n {
			return fmt.Errorf("%w: node %d has children out of range (%d, %d)", ErrArtifactShape, i, left, right)
		}
		if f := t.Feature[i]; f < 0 || f >= features.Count {
			return fmt.Errorf("%w: node %d splits on feature %d", ErrArtifactShape, i, f)
		}
	}
	return nil
}
