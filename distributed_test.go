package linearprobing

import (
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// probeTrainDataset builds an in-memory, infinitely looping dataset over the
// synthetic embeddings of probeTestData, since driving epochs by step count
// requires a dataset that never ends.
func probeTrainDataset(t *testing.T, backend backends.Backend, numExamples, batchSize int) train.Dataset {
	t.Helper()
	inputs, labels := probeTestData(numExamples)
	return must.M1(datasets.InMemoryFromData(backend, "probe-train", []any{inputs}, []any{labels})).
		BatchSize(batchSize, true).Infinite(true).Shuffle()
}

func TestDistributeDatasetSingleDevice(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	if NumDevices(backend) != 1 {
		t.Skipf("Skipping single-device test because backend has %d devices", NumDevices(backend))
	}
	source := probeTrainDataset(t, backend, 32, 8)
	ds := must.M1(DistributeDataset(backend, source))
	assert.Same(t, source, ds, "with one device the source dataset is returned unchanged")
}

func TestDistributeDatasetSharding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	numDevices := NumDevices(backend)
	if numDevices < 2 {
		t.Skipf("Skipping distributed test because backend only has %d device(s), need at least 2", numDevices)
	}
	source := probeTrainDataset(t, backend, 64, 8)
	ds := must.M1(DistributeDataset(backend, source))
	distDS, ok := ds.(train.DistributedDataset)
	require.True(t, ok, "with multiple devices the dataset must yield sharded batches")

	// One distributed batch aggregates one source batch per device.
	_, inputs, labels, err := distDS.DistributedYield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	require.Len(t, labels, 1)
	assert.Len(t, inputs[0].Shards(), numDevices, "inputs should have one shard per device")
	assert.Len(t, labels[0].Shards(), numDevices, "labels should have one shard per device")
}

// TestDistributedTrainingLoop runs a few optimizer steps over whatever
// DistributeDataset returns: the plain dataset on one device, the sharded one
// otherwise. Only Loop.RunSteps handles both, which is why TrainModel drives
// epochs with it.
func TestDistributedTrainingLoop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training in short mode")
		return
	}
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	ctx.SetParams(map[string]any{
		ParamNumClasses:              4,
		optimizers.ParamLearningRate: 0.1,
	})

	source := probeTrainDataset(t, backend, 64, 8)
	trainDS := must.M1(DistributeDataset(backend, source))

	embedFn := func(_ *context.Context, embeddings *Node) *Node { return embeddings }
	trainer := train.NewTrainer(backend, ctx, BuildModelFn(embedFn),
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.StochasticGradientDescent().WithDecay(false).Done(),
		nil, // trainMetrics
		nil) // evalMetrics
	loop := train.NewLoop(trainer)
	_, err := loop.RunSteps(trainDS, 10)
	require.NoError(t, err, "the training loop must consume the dataset on any device count")
	assert.EqualValues(t, 10, optimizers.GetGlobalStep(ctx))
}
