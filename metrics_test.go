package linearprobing

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"

	_ "github.com/gomlx/gomlx/backends/default"
)

// takeFirstFn wraps metricFn with a function that takes a single node for
// labels and logits, as opposed to slices of nodes.
func takeFirstFn(
	metricFn func(ctx *context.Context, labels, logits []*Node) *Node,
) func(*context.Context, *Node, *Node) *Node {
	return func(ctx *context.Context, labels, logits *Node) *Node {
		return metricFn(ctx, []*Node{labels}, []*Node{logits})
	}
}

func TestTopKAccuracyGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()

	// k=1 must match plain argmax accuracy.
	top1Exec := context.MustNewExec(backend, ctx, takeFirstFn(TopKAccuracyGraph(1)))
	labels, logits := [][]int{{0}, {1}, {2}}, [][]float32{
		{0, 0, 1},     // True logit below the max: a miss.
		{-2, -1, -3},  // Correct, even if negative.
		{100, 90, 80}, // Wrong even if positive.
	}
	results := top1Exec.MustExec(labels, logits)
	got, _ := results[0].Value().(float32)
	assert.Equal(t, float32(1.0/3.0), got, "TopKAccuracyGraph(k=1)")

	top2Exec := context.MustNewExec(backend, ctx, takeFirstFn(TopKAccuracyGraph(2)))
	labels, logits = [][]int{{1}, {2}, {0}, {3}}, [][]float32{
		{10, 9, 8, 7},   // Second largest: a top-2 hit.
		{10, 9, 8, 7},   // Third largest: a top-2 miss.
		{5, 5, 5, 5},    // All tied, nothing strictly larger: a hit.
		{-1, -2, -3, 0}, // Largest: a hit.
	}
	results = top2Exec.MustExec(labels, logits)
	got, _ = results[0].Value().(float32)
	assert.Equal(t, float32(3.0/4.0), got, "TopKAccuracyGraph(k=2)")
}

func TestNewTopKAccuracy(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	accMetric := NewTopKAccuracy("Top-2 Accuracy", "#acc2", 2)
	accExec := context.MustNewExec(backend, ctx, func(ctx *context.Context, labels, logits *Node) *Node {
		return accMetric.UpdateGraph(ctx, []*Node{labels}, []*Node{logits})
	})

	// First batch: 2 of 4 in the top-2.
	labels, logits := [][]int{{0}, {1}, {2}, {3}}, [][]float32{
		{10, 9, 8, 7},
		{10, 9, 8, 7},
		{10, 9, 8, 7},
		{10, 9, 8, 7},
	}
	results := accExec.MustExec(labels, logits)
	meanAcc := results[0].Value().(float32)
	assert.Equal(t, float32(2.0/4.0), meanAcc, "TopKAccuracy after batch #1")

	// Second batch: all 4 in the top-2, the mean accumulates across batches.
	labels = [][]int{{0}, {1}, {0}, {1}}
	results = accExec.MustExec(labels, logits)
	meanAcc = results[0].Value().(float32)
	assert.Equal(t, float32(6.0/8.0), meanAcc, "TopKAccuracy after batch #2")

	assert.Equal(t, "75.00%", topKPPrint(tensors.FromValue(float32(0.75))))
}
