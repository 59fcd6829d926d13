package linearprobing

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/distributed"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// batchMeshAxis is the single mesh axis used for data parallelism: batches
// are split along their first axis across the devices.
const batchMeshAxis = "batch"

// NumDevices available on the backend for data-parallel training.
func NumDevices(backend backends.Backend) int {
	return int(backend.NumDevices())
}

// DistributeDataset makes source data-parallel across all devices of the
// backend: every training step accumulates one batch per device and runs a
// single sharded step over the whole group, so the effective batch size is
// the source batch size times the number of devices.
//
// With a single device the source is returned unchanged.
func DistributeDataset(backend backends.Backend, source train.Dataset) (train.Dataset, error) {
	numDevices := NumDevices(backend)
	if numDevices <= 1 {
		return source, nil
	}
	mesh, err := distributed.NewDeviceMesh([]int{numDevices}, []string{batchMeshAxis})
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot create a device mesh over %d devices", numDevices)
	}
	// Shard the leading (batch) axis; remaining axes are replicated.
	batchSharded, err := distributed.BuildSpec(mesh).S(batchMeshAxis).Done()
	if err != nil {
		return nil, errors.WithMessage(err, "cannot create the batch sharding spec")
	}
	return datasets.NewDistributedAccumulator(backend, source, distributed.AutoSharding,
		[]*distributed.ShardingSpec{batchSharded},
		[]*distributed.ShardingSpec{batchSharded},
		nil)
}
