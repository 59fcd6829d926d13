package linearprobing

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
)

// TopKAccuracyGraph returns the fraction of examples whose true label is
// among the k largest logits: an example is correct iff fewer than k logits
// are strictly larger than the true label's logit, so classes tied with the
// true label don't count against it.
//
// labels[0] is expected to be an integer tensor with the same rank as
// logits[0] and last dimension 1, holding the true category per example.
func TopKAccuracyGraph(k int) metrics.BaseMetricGraph {
	return func(_ *context.Context, labels, logits []*graph.Node) *graph.Node {
		logits0 := logits[0]
		labels0 := labels[0]
		labelsShape := labels0.Shape()
		logitsShape := logits0.Shape()
		logitsDType := logits0.DType()
		if !labelsShape.DType.IsInt() {
			exceptions.Panicf("labels indices dtype (%s), it must be integer", labelsShape.DType)
		}
		if labelsShape.Rank() != logitsShape.Rank() || labelsShape.Dimensions[labelsShape.Rank()-1] != 1 {
			exceptions.Panicf("labels (%s) must have the same rank as logits (%s), with the last dimension == 1",
				labelsShape, logitsShape)
		}
		numClasses := logitsShape.Dim(-1)
		if k >= numClasses {
			exceptions.Panicf("top-%d accuracy is trivially 100%% with only %d classes", k, numClasses)
		}

		// Logit of the true label, per example: [batch, 1].
		trueMask := graph.OneHot(graph.Squeeze(labels0, -1), numClasses, logitsDType)
		trueLogit := graph.ReduceAndKeep(graph.Mul(logits0, trueMask), graph.ReduceSum, -1)

		// True label is in the top k iff fewer than k logits are strictly larger.
		larger := graph.ConvertDType(graph.GreaterThan(logits0, trueLogit), logitsDType)
		numLarger := graph.ReduceSum(larger, -1)
		correctExamples := graph.ConvertDType(graph.LessThan(numLarger, graph.Scalar(logits0.Graph(), logitsDType, float64(k))), logitsDType)
		return graph.ReduceAllMean(correctExamples)
	}
}

// NewTopKAccuracy returns a metric with the mean top-k accuracy, in the mold
// of metrics.NewSparseCategoricalAccuracy.
func NewTopKAccuracy(name, shortName string, k int) *metrics.MeanMetric {
	return metrics.NewMeanMetric(name, shortName, metrics.AccuracyMetricType, TopKAccuracyGraph(k), topKPPrint)
}

func topKPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f%%", shapes.ConvertTo[float64](value.Value())*100.0)
}
