package detector

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pointpillars/internal/postprocess"
	"github.com/banshee-data/pointpillars/internal/tensor"
)

type plainDataset struct{}

func (plainDataset) Len() int                                    { return 0 }
func (plainDataset) Get(int, *rand.Rand) (tensor.Example, error) { return nil, nil }

func TestRegistry(t *testing.T) {
	RegisterDataset("test-plain", func(DatasetOptions) (Dataset, error) { return plainDataset{}, nil })

	ds, err := NewDataset("test-plain", DatasetOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, ds.Len())

	_, err = NewEvalDataset("test-plain", DatasetOptions{})
	assert.ErrorContains(t, err, "ground-truth")

	_, err = NewDataset("missing", DatasetOptions{})
	assert.ErrorContains(t, err, "test-plain")

	assert.Panics(t, func() {
		RegisterDataset("test-plain", func(DatasetOptions) (Dataset, error) { return plainDataset{}, nil })
	})

	_, err = NewScorer("missing")
	assert.Error(t, err)
	_, err = NewNetwork("missing", NetworkOptions{})
	assert.Error(t, err)
}

func TestCapability_String(t *testing.T) {
	assert.Equal(t, "single_stage", SingleStage.String())
	assert.Equal(t, "two_stage", TwoStage.String())
	assert.Equal(t, "capability(7)", Capability(7).String())
}

func TestBatchHelpers(t *testing.T) {
	ex := tensor.Example{
		"image_shape":  tensor.NewInt(tensor.Int32, []int{2, 2}, []int64{375, 1242, 370, 1224}),
		"image_idx":    tensor.NewInt(tensor.Int64, []int{2}, []int64{4, 9}),
		"voxels":       tensor.NewFloat([]int{5, 4}, make([]float64, 20)),
		"anchors":      tensor.NewFloat([]int{2, 3, 7}, make([]float64, 42)),
		"labels":       tensor.NewInt(tensor.Int32, []int{2, 3}, []int64{1, 0, -1, 0, 0, 0}),
		"anchors_mask": tensor.NewInt(tensor.UInt8, []int{2, 3}, []int64{1, 1, 0, 1, 1, 1}),
	}

	shapes, err := ImageShapes(ex)
	require.NoError(t, err)
	assert.Equal(t, []postprocess.ImageShape{{375, 1242}, {370, 1224}}, shapes)
	assert.Equal(t, []int64{4, 9}, ImageIndices(ex))
	assert.Equal(t, 5, NumVoxels(ex))
	assert.Equal(t, 2, BatchSize(ex))

	pos, neg, anchors := AnchorCounts(ex)
	assert.Equal(t, 1, pos)
	assert.Equal(t, 1, neg)
	assert.Equal(t, 2, anchors)

	delete(ex, "anchors_mask")
	_, _, anchors = AnchorCounts(ex)
	assert.Equal(t, 3, anchors)

	_, err = ImageShapes(tensor.Example{})
	assert.Error(t, err)
	_, err = ImageShapes(tensor.Example{"image_shape": tensor.NewInt(tensor.Int32, []int{3}, []int64{1, 2, 3})})
	assert.Error(t, err)
}
