package linearprobing

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/nn"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// Context hyperparameter keys used by the model graph.
const (
	// ParamNumClasses is the number of classes of the classification head.
	ParamNumClasses = "nb_classes"

	// ParamEmbedDim is the dimension of the embeddings fed to the head.
	ParamEmbedDim = "embed_dim"
)

// headInitialStdDev for the classifier weights. The bias starts at zero.
const headInitialStdDev = 0.01

// EmbeddingFn maps a batch of images, shaped `[batch, height, width, 3]`, to a
// batch of frozen embeddings, shaped `[batch, embed_dim]`. In training it is
// Encoder.EmbeddingGraph; tests can plug in a cheap substitute.
type EmbeddingFn func(ctx *context.Context, images *graph.Node) *graph.Node

// normalInitializer returns a variable initializer that samples from
// N(0, stddev²), using the context's random state.
func normalInitializer(ctx *context.Context, stddev float64) context.VariableInitializer {
	return func(g *graph.Graph, shape shapes.Shape) *graph.Node {
		return graph.MulScalar(ctx.RandomNormal(g, shape), stddev)
	}
}

// zeroInitializer initializes a variable with zeros.
func zeroInitializer(g *graph.Graph, shape shapes.Shape) *graph.Node {
	return graph.Zeros(g, shape)
}

// LinearProbeGraph builds the trainable part of the model: a feature-wise
// batch normalization without learned offset or scale, followed by a single
// dense layer to numClasses logits.
//
// The normalization stands in for the usual feature whitening of a linear
// probe, so no embedding statistics need to be precomputed.
func LinearProbeGraph(ctx *context.Context, embeddings *graph.Node, numClasses int) *graph.Node {
	g := embeddings.Graph()
	dtype := embeddings.DType()
	ctx = ctx.In("linear_probe")

	x := batchnorm.New(ctx.In("norm"), embeddings, -1).
		Center(false).
		Scale(false).
		Epsilon(1e-6).
		Done()

	headCtx := ctx.In("head")
	embedDim := x.Shape().Dim(-1)
	weightsVar := headCtx.WithInitializer(normalInitializer(ctx, headInitialStdDev)).
		VariableWithShape("weights", shapes.Make(dtype, embedDim, numClasses))
	if regularizer := regularizers.FromContext(headCtx); regularizer != nil {
		// Weight decay applies to the weights only, never the bias.
		regularizer(headCtx, g, weightsVar)
	}
	biasVar := headCtx.WithInitializer(zeroInitializer).
		VariableWithShape("biases", shapes.Make(dtype, numClasses))
	return nn.Dense(x, weightsVar.ValueGraph(g), biasVar.ValueGraph(g))
}

// BuildModelFn returns the model graph function used by the trainer: frozen
// embeddings from embedFn, the linear probe head on top, and the cosine
// learning rate schedule (configured from the context hyperparameters)
// applied during training.
//
// inputs[0] is the images batch; the returned slice holds the logits, shaped
// `[batch, nb_classes]`.
func BuildModelFn(embedFn EmbeddingFn) func(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	return func(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
		g := inputs[0].Graph()
		cosineschedule.New(ctx, g, dtypes.Float32).FromContext().Done()
		embeddings := embedFn(ctx, inputs[0])
		numClasses := context.GetParamOr(ctx, ParamNumClasses, 1000)
		logits := LinearProbeGraph(ctx, embeddings, numClasses)
		return []*graph.Node{logits}
	}
}
