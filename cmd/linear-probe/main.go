// linear-probe trains a linear classifier on top of frozen CLIP image
// embeddings, on an ImageNet-style directory of images.
//
// The common hyperparameters have their own flags, e.g.:
//
//	linear-probe --data_path=~/work/imagenet --checkpoint=probe \
//	    --batch_size=512 --blr=0.1 --epochs=90
//
// Any other context hyperparameter can be set with --set, e.g.
// --set="warmup_epochs=5;num_workers=16". Use --eval to only evaluate a
// previously trained checkpoint.
package main

import (
	"flag"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	linearprobing "github.com/lavinal712/linear-probing"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataPath = flag.String("data_path", "~/work/imagenet", "Directory with train/ and val/ sub-directories, one sub-directory per class.")

	// Checkpointing.
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from, created under --data_path if relative. If left empty, no checkpoints are created.")

	flagEval = flag.Bool("eval", false, "Only evaluate the model loaded from --checkpoint on the validation data, without training.")
)

// hyperparameterFlags registers one flag per common hyperparameter, named
// after its context parameter and defaulting to the context value. It returns
// a getter per flag; applyHyperparameterFlags copies the flags explicitly
// given on the command line back into the context after flag.Parse.
func hyperparameterFlags(ctx *context.Context) map[string]func() any {
	getters := make(map[string]func() any)
	intParam := func(name, usage string) {
		f := flag.Int(name, context.GetParamOr(ctx, name, 0), usage)
		getters[name] = func() any { return *f }
	}
	floatParam := func(name, usage string) {
		f := flag.Float64(name, context.GetParamOr(ctx, name, 0.0), usage)
		getters[name] = func() any { return *f }
	}
	stringParam := func(name, usage string) {
		f := flag.String(name, context.GetParamOr(ctx, name, ""), usage)
		getters[name] = func() any { return *f }
	}
	boolParam := func(name, usage string) {
		f := flag.Bool(name, context.GetParamOr(ctx, name, false), usage)
		getters[name] = func() any { return *f }
	}

	intParam("batch_size", "Batch size per device; the effective batch size is multiplied by the number of devices.")
	stringParam(linearprobing.ParamModel, "HuggingFace repository of the frozen encoder. It must include an ONNX export (onnx/model.onnx).")
	intParam(linearprobing.ParamEmbedDim, "Dimension of the encoder embeddings.")
	intParam(linearprobing.ParamEpochs, "Number of training epochs.")
	floatParam(linearprobing.ParamBaseLearningRate, "Base learning rate: the absolute rate is blr * effective_batch_size / 256.")
	floatParam(linearprobing.ParamWeightDecay, "Weight decay (L2) on the classifier weights.")
	boolParam(linearprobing.ParamDistEval, "Request distributed evaluation across all devices.")
	return getters
}

// applyHyperparameterFlags copies the hyperparameter flags explicitly given
// on the command line into the context, overriding --set, and returns their
// names appended to paramsSet.
func applyHyperparameterFlags(ctx *context.Context, getters map[string]func() any, paramsSet []string) []string {
	flag.Visit(func(f *flag.Flag) {
		getter, ok := getters[f.Name]
		if !ok {
			return
		}
		ctx.SetParam(f.Name, getter())
		paramsSet = append(paramsSet, f.Name)
	})
	return paramsSet
}

func main() {
	ctx := linearprobing.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	hyperFlags := hyperparameterFlags(ctx)
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	paramsSet = applyHyperparameterFlags(ctx, hyperFlags, paramsSet)

	linearprobing.TrainModel(ctx, *flagDataPath, *flagCheckpoint, *flagEval, paramsSet)
}
