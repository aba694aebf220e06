package detector

import (
	"fmt"

	"github.com/banshee-data/pointpillars/internal/postprocess"
	"github.com/banshee-data/pointpillars/internal/tensor"
)

// BatchSize is the leading dimension of the batch's anchors.
func BatchSize(ex tensor.Example) int {
	return ex["anchors"].Dim(0)
}

// ImageShapes reads the per-image [height, width] pairs of a batch.
func ImageShapes(ex tensor.Example) ([]postprocess.ImageShape, error) {
	t, ok := ex["image_shape"]
	if !ok {
		return nil, fmt.Errorf("batch has no image_shape")
	}
	if len(t.Shape) != 2 || t.Shape[1] != 2 {
		return nil, fmt.Errorf("image_shape has shape %v, want (N, 2)", t.Shape)
	}
	out := make([]postprocess.ImageShape, t.Shape[0])
	for i := range out {
		out[i] = postprocess.ImageShape{value(t, 2*i), value(t, 2*i+1)}
	}
	return out, nil
}

// ImageIndices reads the image_idx column of a batch.
func ImageIndices(ex tensor.Example) []int64 {
	t, ok := ex["image_idx"]
	if !ok {
		return nil
	}
	out := make([]int64, t.Size())
	for i := range out {
		out[i] = int64(value(t, i))
	}
	return out
}

// NumVoxels is the number of voxels across the batch.
func NumVoxels(ex tensor.Example) int {
	return ex["voxels"].Dim(0)
}

// AnchorCounts returns positive and negative label counts and the number of
// anchors considered for the first example of the batch.
func AnchorCounts(ex tensor.Example) (pos, neg, anchors int) {
	labels := ex["labels"]
	per := labels.Dim(1)
	for i := 0; i < per && i < labels.Size(); i++ {
		switch v := value(labels, i); {
		case v > 0:
			pos++
		case v == 0:
			neg++
		}
	}
	if mask, ok := ex["anchors_mask"]; ok {
		n := mask.Dim(1)
		for i := 0; i < n && i < mask.Size(); i++ {
			if value(mask, i) != 0 {
				anchors++
			}
		}
		return pos, neg, anchors
	}
	return pos, neg, ex["anchors"].Dim(1)
}

func value(t tensor.Tensor, i int) float64 {
	if t.DType.IsFloat() {
		return t.Floats[i]
	}
	return float64(t.Ints[i])
}
