package linearprobing

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context hyperparameter keys used by TrainModel, beyond the ones in model.go.
const (
	// ParamModel is the HuggingFace repository of the frozen encoder.
	ParamModel = "model"

	// ParamEpochs is the total number of training epochs.
	ParamEpochs = "epochs"

	// ParamWarmupEpochs is the number of epochs of linear learning rate warmup.
	ParamWarmupEpochs = "warmup_epochs"

	// ParamBaseLearningRate is the base learning rate: the absolute learning
	// rate is derived from it as blr * effective_batch_size / 256, unless
	// optimizers.ParamLearningRate is set explicitly (non-zero).
	ParamBaseLearningRate = "blr"

	// ParamDistEval enables distributed evaluation across all devices.
	ParamDistEval = "dist_eval"

	// ParamNumWorkers is the number of goroutines decoding images in parallel.
	ParamNumWorkers = "num_workers"

	// ParamSeed for the model initialization and data shuffling.
	ParamSeed = "seed"

	// ParamWeightDecay is an alias for regularizers.ParamL2: L2 regularization
	// applied to the classifier weights.
	ParamWeightDecay = "weight_decay"
)

// baseLearningRateDivisor: the linear scaling rule normalizes the effective
// batch size by this value.
const baseLearningRateDivisor = 256.0

// DType used for images, embeddings and the probe.
var DType = dtypes.Float32

// CreateDefaultContext sets the context with the default hyperparameters to
// use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Frozen encoder.
		ParamModel:    "openai/clip-vit-large-patch14",
		ParamEmbedDim: 1024,

		// Classification task.
		ParamNumClasses: 1000,

		// batch_size is per device; the effective batch size is multiplied
		// by the number of devices.
		"batch_size": 512,

		// eval_batch_size defaults to batch_size when 0.
		"eval_batch_size": 0,

		ParamEpochs:       90,
		ParamWarmupEpochs: 10,
		ParamNumWorkers:   10,
		ParamSeed:         0,
		ParamDistEval:     false,

		"num_checkpoints": 3,

		// Optimizer: SGD plus the warmup+cosine schedule.
		// The absolute learning rate is derived from "blr" when left at 0.
		optimizers.ParamOptimizer:           "sgd",
		optimizers.ParamLearningRate:        0.0,
		ParamBaseLearningRate:               0.1,
		cosineschedule.ParamMinLearningRate: 0.0,
		cosineschedule.ParamPeriodSteps:     0,
		cosineschedule.ParamWarmUpSteps:     0,

		// Weight decay on the classifier weights.
		ParamWeightDecay:     0.0,
		regularizers.ParamL2: 0.0,
	})
	return ctx
}

// epochStats is one line of the training log, written as JSON per epoch.
type epochStats struct {
	Epoch       int     `json:"epoch"`
	TrainLoss   float64 `json:"train_loss"`
	TestAcc1    float64 `json:"test_acc1"`
	TestAcc5    float64 `json:"test_acc5"`
	MaxAccuracy float64 `json:"max_accuracy"`
}

// appendStatsLog appends one epoch's statistics as a JSON line to log.txt in
// dir, mirroring the usual training log of probing runs.
func appendStatsLog(dir string, stats epochStats) error {
	f, err := os.OpenFile(path.Join(dir, "log.txt"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "cannot open training log in %q", dir)
	}
	defer func() { _ = f.Close() }()
	encoded, err := json.Marshal(stats)
	if err != nil {
		return errors.Wrap(err, "cannot encode training log entry")
	}
	if _, err = f.Write(append(encoded, '\n')); err != nil {
		return errors.Wrapf(err, "cannot write training log in %q", dir)
	}
	return nil
}

// evalAccuracies runs the evaluation metrics of the trainer on ds and returns
// the top-1 and top-5 accuracies.
func evalAccuracies(trainer *train.Trainer, ds train.Dataset) (acc1, acc5 float64, err error) {
	metricsValues, err := trainer.Eval(ds)
	if err != nil {
		return 0, 0, err
	}
	ds.Reset()
	for metricIdx, metric := range trainer.EvalMetrics() {
		value := shapes.ConvertTo[float64](metricsValues[metricIdx].Value())
		switch metric.ShortName() {
		case "#acc1":
			acc1 = value
		case "#acc5":
			acc5 = value
		}
	}
	return acc1, acc5, nil
}

// TrainModel trains (or with evalOnly just evaluates) the linear probe on the
// ImageNet-style directory at dataPath.
//
// checkpointPath, if not empty, is the directory where checkpoints and the
// training log are saved; if it holds a previous checkpoint, training resumes
// from it. paramsSet lists the hyperparameters set on the command line, which
// are preserved when a checkpoint is loaded.
//
// Errors are fatal: any failure to reach the dataset, download the encoder or
// run the training step aborts the process.
func TrainModel(ctx *context.Context, dataPath, checkpointPath string, evalOnly bool, paramsSet []string) {
	dataPath = fsutil.MustReplaceTildeInDir(dataPath)

	// Datasets: fail fast on a bad --data_path before downloading the model.
	batchSize := context.GetParamOr(ctx, "batch_size", 0)
	if batchSize <= 0 {
		exceptions.Panicf("batch_size must be > 0, got %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 0)
	trainFolder := must.M1(NewImageFolder(dataPath, TrainSplit))
	valFolder := must.M1(NewImageFolder(dataPath, ValSplit))
	if trainFolder.NumClasses() != numClasses {
		exceptions.Panicf("found %d class directories under %q, but %s=%d",
			trainFolder.NumClasses(), dataPath, ParamNumClasses, numClasses)
	}
	fmt.Printf("Dataset: %d train / %d validation examples, %d classes\n",
		trainFolder.NumExamples(), valFolder.NumExamples(), trainFolder.NumClasses())

	// Backend handles creation of ML computation graphs, accelerator resources, etc.
	backend := backends.MustNew()
	numDevices := NumDevices(backend)
	fmt.Printf("Backend %q: %s (%d device(s))\n", backend.Name(), backend.Description(), numDevices)

	// Seeds: model initialization and data shuffling.
	seed := int64(context.GetParamOr(ctx, ParamSeed, 0))
	must.M(ctx.SetRNGStateFromSeed(seed))
	rng := rand.New(rand.NewSource(seed))

	// Linear learning rate scaling: lr = blr * effective_batch / 256.
	effectiveBatch := batchSize * numDevices
	learningRate := context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0)
	if learningRate == 0 {
		blr := context.GetParamOr(ctx, ParamBaseLearningRate, 0.0)
		learningRate = blr * float64(effectiveBatch) / baseLearningRateDivisor
		ctx.SetParam(optimizers.ParamLearningRate, learningRate)
	}
	fmt.Printf("Learning rate: %g (effective batch size %d)\n", learningRate, effectiveBatch)
	if weightDecay := context.GetParamOr(ctx, ParamWeightDecay, 0.0); weightDecay != 0 {
		ctx.SetParam(regularizers.ParamL2, weightDecay)
	}

	// Cosine schedule with warmup, measured in optimizer steps.
	epochs := context.GetParamOr(ctx, ParamEpochs, 0)
	if epochs <= 0 && !evalOnly {
		exceptions.Panicf("epochs must be > 0, got %d", epochs)
	}
	warmupEpochs := context.GetParamOr(ctx, ParamWarmupEpochs, 0)
	stepsPerEpoch := trainFolder.NumExamples() / effectiveBatch
	if stepsPerEpoch == 0 {
		exceptions.Panicf("effective batch size (%d) is larger than the training split (%d examples)",
			effectiveBatch, trainFolder.NumExamples())
	}
	if context.GetParamOr(ctx, cosineschedule.ParamPeriodSteps, 0) == 0 {
		ctx.SetParam(cosineschedule.ParamPeriodSteps, stepsPerEpoch*epochs)
		ctx.SetParam(cosineschedule.ParamWarmUpSteps, stepsPerEpoch*warmupEpochs)
	}

	// Frozen encoder: its weights live in the context but are not trainable
	// and are excluded from checkpoints.
	modelID := context.GetParamOr(ctx, ParamModel, "")
	embedDim := context.GetParamOr(ctx, ParamEmbedDim, 0)
	if embedDim <= 0 {
		exceptions.Panicf("embed_dim must be > 0, got %d", embedDim)
	}
	fmt.Printf("Loading encoder %q...\n", modelID)
	encoder := must.M1(NewEncoder(modelID, embedDim))
	must.M(encoder.AttachWeights(ctx))
	var encoderVars []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		encoderVars = append(encoderVars, v)
	})

	// Checkpoint: it loads if already exists, and it will save as we train.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpoints := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataPath).
			ExcludeParams(append(paramsSet,
				"num_checkpoints",
				ParamNumWorkers,
				ParamDistEval)...).
			ExcludeVars(encoderVars...).
			Keep(numCheckpoints).Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}

	// If a checkpoint was loaded, the head and optimizer variables already
	// exist and the model graph must reuse them.
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		fmt.Printf("Restarting training from global_step=%d\n", globalStep)
		ctx = ctx.Reuse()
	}

	// Training and evaluation datasets. The training dataset loops forever:
	// each epoch is driven as a fixed number of steps below, which is also
	// what the distributed wrapping requires, since only Loop.RunSteps knows
	// how to feed a distributed dataset.
	numWorkers := context.GetParamOr(ctx, ParamNumWorkers, 0)
	trainDS := NewDataset("imagenet-train", trainFolder, batchSize, DType).
		WithAugmentation(rng).
		WithShuffle(rng).
		WithInfinite(true)
	valDS := NewDataset("imagenet-val", valFolder, evalBatchSize, DType)
	var trainLoopDS, evalDS train.Dataset = trainDS, valDS
	if numWorkers > 1 {
		trainLoopDS = datasets.CustomParallel(trainLoopDS).Parallelism(numWorkers).Buffer(numWorkers).Start()
		evalDS = datasets.CustomParallel(evalDS).Parallelism(numWorkers).Buffer(numWorkers).Start()
	}
	trainLoopDS = must.M1(DistributeDataset(backend, trainLoopDS))
	if context.GetParamOr(ctx, ParamDistEval, false) && numDevices > 1 {
		klog.Warning("dist_eval is not supported: the trainer evaluation consumes plain batches, " +
			"so the validation split is evaluated on a single device")
	}

	// Metrics we are interested in: top-1 and top-5 accuracy.
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	top1Metric := metrics.NewSparseCategoricalAccuracy("Top-1 Accuracy", "#acc1")
	top5Metric := NewTopKAccuracy("Top-5 Accuracy", "#acc5", 5)

	// Create a train.Trainer: this object will orchestrate running the model,
	// feeding results to the optimizer, evaluating the metrics, etc.
	// The cosine schedule drives the learning rate, so plain SGD must not
	// apply its own 1/sqrt(step) decay on top of it.
	var optimizer optimizers.Interface
	if optName := context.GetParamOr(ctx, optimizers.ParamOptimizer, "sgd"); optName == "sgd" {
		optimizer = optimizers.StochasticGradientDescent().WithDecay(false).Done()
	} else {
		optimizer = optimizers.ByName(ctx, optName)
	}

	trainer := train.NewTrainer(backend, ctx, BuildModelFn(encoder.EmbeddingGraph),
		losses.SparseCategoricalCrossEntropyLogits,
		optimizer,
		[]metrics.Interface{movingAccuracyMetric},   // trainMetrics
		[]metrics.Interface{top1Metric, top5Metric}) // evalMetrics

	if evalOnly {
		acc1, acc5 := must.M2(evalAccuracies(trainer, evalDS))
		fmt.Printf("Accuracy of the network on the %d test images: top-1 %.2f%%, top-5 %.2f%%\n",
			valFolder.NumExamples(), acc1*100, acc5*100)
		return
	}

	// Use standard training loop.
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.

	// Attach a checkpoint: checkpoint every 3 minutes of training, and at the
	// end of every epoch below.
	if checkpoint != nil {
		period := time.Minute * 3
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Resume the epoch count from a previous checkpoint, if one was loaded.
	startEpoch := globalStep / stepsPerEpoch

	// One epoch of training followed by an evaluation on the validation
	// split, tracking the best accuracy seen.
	maxAccuracy := 0.0
	startTime := time.Now()
	for epoch := startEpoch; epoch < epochs; epoch++ {
		// RunSteps is the only loop entry point that knows how to feed a
		// distributed dataset, hence the infinite training dataset and the
		// fixed step count per epoch. The loop interrupts training with an
		// error if the loss becomes NaN or infinity.
		epochMetrics := must.M1(loop.RunSteps(trainLoopDS, stepsPerEpoch))
		trainLoss := shapes.ConvertTo[float64](epochMetrics[1].Value()) // Moving average of the training loss.

		acc1, acc5 := must.M2(evalAccuracies(trainer, evalDS))
		if acc1 > maxAccuracy {
			maxAccuracy = acc1
		}
		fmt.Printf("Epoch %d: loss=%.4f, top-1 %.2f%%, top-5 %.2f%% (max %.2f%%)\n",
			epoch, trainLoss, acc1*100, acc5*100, maxAccuracy*100)

		if checkpoint != nil {
			must.M(checkpoint.Save())
			must.M(appendStatsLog(checkpoint.Dir(), epochStats{
				Epoch:       epoch,
				TrainLoss:   trainLoss,
				TestAcc1:    acc1 * 100,
				TestAcc5:    acc5 * 100,
				MaxAccuracy: maxAccuracy * 100,
			}))
		}
	}
	fmt.Printf("Training done in %s (global_step=%d), max accuracy: %.2f%%\n",
		time.Since(startTime).Round(time.Second), optimizers.GetGlobalStep(ctx), maxAccuracy*100)
}
