package ml

import (
	"testing"

	"aqi-predictor/internal/features"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stump splits on one feature: left leaf when x <= threshold.
func stump(feature int, threshold, left, right float64) Tree {
	return Tree{
		ChildrenLeft:  []int{1, leafNode, leafNode},
		ChildrenRight: []int{2, leafNode, leafNode},
		Feature:       []int{feature, -2, -2},
		Threshold:     []float64{threshold, -2, -2},
		Value:         []float64{0, left, right},
	}
}

func TestTree_Predict(t *testing.T) {
	tree := stump(0, 50, 42.5, 150)
	require.NoError(t, tree.validate())

	got, err := tree.predict(scenarioVector)
	require.NoError(t, err)
	assert.Equal(t, 42.5, got)

	high := scenarioVector
	high[0] = 51
	got, err = tree.predict(high)
	require.NoError(t, err)
	assert.Equal(t, 150.0, got)

	// The split is inclusive on the left.
	edge := scenarioVector
	edge[0] = 50
	got, err = tree.predict(edge)
	require.NoError(t, err)
	assert.Equal(t, 42.5, got)
}

func TestTree_SplitsOnFloat32Input(t *testing.T) {
	tree := stump(0, 0.5, 10, 20)
	require.NoError(t, tree.validate())

	tests := []struct {
		x    float64
		want float64
	}{
		// float32(0.50000001) == 0.5
		{0.50000001, 10},
		{0.5, 10},
		{0.5000001, 20},
		{0.49999999, 10},
	}
	for _, tt := range tests {
		v := scenarioVector
		v[0] = tt.x
		got, err := tree.predict(v)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "x %v", tt.x)
	}
}

func TestTree_Deeper(t *testing.T) {
	// 0: PM10 <= 15 ? 1 : 2
	// 2: O3 <= 5 ? 3 : 4
	tree := Tree{
		ChildrenLeft:  []int{1, leafNode, 3, leafNode, leafNode},
		ChildrenRight: []int{2, leafNode, 4, leafNode, leafNode},
		Feature:       []int{1, -2, 8, -2, -2},
		Threshold:     []float64{15, -2, 5, -2, -2},
		Value:         []float64{0, 10, 0, 20, 30},
	}
	require.NoError(t, tree.validate())

	got, err := tree.predict(scenarioVector)
	require.NoError(t, err)
	assert.Equal(t, 30.0, got)
}

func TestTreeEnsemble_Aggregation(t *testing.T) {
	trees := []Tree{stump(0, 50, 40, 100), stump(1, 50, 60, 100)}

	mean := &TreeEnsemble{Trees: trees, Aggregation: AggregateMean, LearningRate: 1}
	got, err := mean.Predict(scenarioVector)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, got, 1e-12)

	sum := &TreeEnsemble{Trees: trees, Aggregation: AggregateSum, LearningRate: 0.1, Init: 80}
	got, err = sum.Predict(scenarioVector)
	require.NoError(t, err)
	assert.InDelta(t, 80+0.1*(40+60), got, 1e-12)
}

func TestTree_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Tree)
	}{
		{"empty", func(tr *Tree) { *tr = Tree{} }},
		{"short threshold", func(tr *Tree) { tr.Threshold = tr.Threshold[:2] }},
		{"only right child", func(tr *Tree) { tr.ChildrenRight[1] = 2 }},
		{"child points back", func(tr *Tree) { tr.ChildrenLeft[0] = 0 }},
		{"child out of range", func(tr *Tree) { tr.ChildrenRight[0] = 7 }},
		{"feature out of range", func(tr *Tree) { tr.Feature[0] = features.Count }},
		{"negative feature", func(tr *Tree) { tr.Feature[0] = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := stump(0, 50, 1, 2)
			tt.mutate(&tree)
			assert.ErrorIs(t, tree.validate(), ErrArtifactShape)
		})
	}
}
