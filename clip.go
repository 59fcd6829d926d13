package linearprobing

import (
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/pkg/errors"
)

// onnxModelFile is the path of the exported vision model inside a HuggingFace
// model repository.
const onnxModelFile = "onnx/model.onnx"

// Encoder is a frozen pretrained vision transformer, downloaded from
// HuggingFace as an ONNX model, used to extract image embeddings for the
// linear probe. Its weights are loaded into the model's context but are never
// trained: the embedding it produces is wrapped in a graph.StopGradient.
type Encoder struct {
	// ModelID is the HuggingFace repository, e.g. "openai/clip-vit-large-patch14".
	ModelID string

	// EmbedDim is the dimension of the embeddings the encoder must produce.
	// It is asserted against the model output the first time the graph is built.
	EmbedDim int

	model *onnx.Model
}

// NewEncoder downloads (or uses the cached copy of) the ONNX export of the
// given HuggingFace model and parses it. Authentication for gated
// repositories is taken from the HF_TOKEN environment variable.
//
// The repository must ship the vision encoder as onnx/model.onnx. The
// official openai/clip-* repositories only carry the PyTorch weights, so for
// those use a community ONNX export (e.g. a Xenova/clip-* mirror) as the
// model id.
func NewEncoder(modelID string, embedDim int) (*Encoder, error) {
	repo := hub.New(modelID).WithAuth(os.Getenv("HF_TOKEN")).WithProgressBar(true)
	onnxPath, err := repo.DownloadFile(onnxModelFile)
	if err != nil {
		return nil, errors.WithMessagef(err,
			"failed to download %q from HuggingFace model %q: the repository must include an ONNX "+
				"export of the vision encoder (the official openai/clip-* repositories do not; "+
				"point --model at a community ONNX export instead)", onnxModelFile, modelID)
	}
	model, err := onnx.ReadFile(onnxPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse ONNX model %q", onnxPath)
	}
	return &Encoder{ModelID: modelID, EmbedDim: embedDim, model: model}, nil
}

// AttachWeights uploads the pretrained weights into ctx and marks them all as
// non-trainable, so the optimizer only ever sees the linear probe variables.
//
// It must be called on a fresh context, before any other variables are
// created in it.
func (e *Encoder) AttachWeights(ctx *context.Context) error {
	if err := e.model.VariablesToContext(ctx); err != nil {
		return errors.WithMessagef(err, "failed to load weights of %q into context", e.ModelID)
	}
	ctx.EnumerateVariables(func(v *context.Variable) {
		v.SetTrainable(false)
	})
	return nil
}

// EmbeddingGraph builds the frozen forward pass of the encoder: it takes a
// batch of images shaped `[batch, height, width, 3]` with values in [0, 1]
// and returns their embeddings, shaped `[batch, EmbedDim]`.
//
// The images are normalized with the ImageNet statistics and transposed to
// the channels-first layout the ONNX export expects. The embedding is the
// hidden state of the class token, with gradients stopped.
func (e *Encoder) EmbeddingGraph(ctx *context.Context, images *graph.Node) *graph.Node {
	g := images.Graph()
	x := NormalizeImages(images)
	x = graph.TransposeAllDims(x, 0, 3, 1, 2) // NHWC -> NCHW ("pixel_values" layout).
	hidden := e.model.CallGraph(ctx, g, map[string]*graph.Node{"pixel_values": x}, "last_hidden_state")[0]
	// hidden is shaped [batch, tokens, dim]; token 0 is the class token.
	embeddings := graph.Squeeze(graph.Slice(hidden, graph.AxisRange(), graph.AxisElem(0), graph.AxisRange()), 1)
	if embeddings.Shape().Dim(-1) != e.EmbedDim {
		exceptions.Panicf("model %q produced embeddings of dimension %d, but --embed_dim=%d was given",
			e.ModelID, embeddings.Shape().Dim(-1), e.EmbedDim)
	}
	return graph.StopGradient(embeddings)
}
