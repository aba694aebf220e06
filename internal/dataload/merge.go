package dataload

import (
	"fmt"
	"slices"

	"github.com/banshee-data/pointpillars/internal/tensor"
)

// Fields whose rows from every example are joined along the first axis.
var concatFields = map[string]bool{
	"voxels":            true,
	"num_points":        true,
	"num_gt":            true,
	"gt_boxes":          true,
	"gt_classes":        true,
	"voxel_labels":      true,
	"match_indices":     true,
	"match_indices_num": true,
}

// MergeBatch collates single examples into one batch. Voxel-level fields are
// concatenated; coordinates are concatenated with the example's batch index
// prepended to each row; every other field is stacked along a new leading
// axis and must have the same shape in every example.
func MergeBatch(examples []tensor.Example) (tensor.Example, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("merge batch: no examples")
	}
	names := examples[0].Names()
	for i, ex := range examples[1:] {
		if !slices.Equal(names, ex.Names()) {
			return nil, fmt.Errorf("merge batch: example %d has fields %v, want %v", i+1, ex.Names(), names)
		}
	}

	out := make(tensor.Example, len(names))
	for _, name := range names {
		parts := make([]tensor.Tensor, len(examples))
		for i, ex := range examples {
			parts[i] = ex[name]
		}
		var (
			t   tensor.Tensor
			err error
		)
		switch {
		case concatFields[name]:
			t, err = concat(parts)
		case name == "coordinates":
			t, err = concatWithBatchIndex(parts)
		default:
			t, err = stack(parts)
		}
		if err != nil {
			return nil, fmt.Errorf("merge batch: %s: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

func concat(parts []tensor.Tensor) (tensor.Tensor, error) {
	first := parts[0]
	if len(first.Shape) == 0 {
		return tensor.Tensor{}, fmt.Errorf("cannot concatenate scalars")
	}
	out := tensor.Tensor{DType: first.DType, Shape: slices.Clone(first.Shape)}
	out.Shape[0] = 0
	for i, p := range parts {
		if p.DType != first.DType || len(p.Shape) == 0 || !slices.Equal(p.Shape[1:], first.Shape[1:]) {
			return tensor.Tensor{}, fmt.Errorf("example %d is %s%v, want %s(_, %v)", i, p.DType, p.Shape, first.DType, first.Shape[1:])
		}
		out.Shape[0] += p.Shape[0]
		out.Floats = append(out.Floats, p.Floats...)
		out.Ints = append(out.Ints, p.Ints...)
	}
	return out, nil
}

func concatWithBatchIndex(parts []tensor.Tensor) (tensor.Tensor, error) {
	out := tensor.Tensor{DType: parts[0].DType}
	rows, width := 0, -1
	for i, p := range parts {
		if len(p.Shape) != 2 || (width >= 0 && p.Shape[1] != width) {
			return tensor.Tensor{}, fmt.Errorf("example %d has shape %v, want (N, %d)", i, p.Shape, width)
		}
		width = p.Shape[1]
		for r := 0; r < p.Shape[0]; r++ {
			row := p.Shape[1] * r
			if p.DType.IsFloat() {
				out.Floats = append(out.Floats, float64(i))
				out.Floats = append(out.Floats, p.Floats[row:row+width]...)
			} else {
				out.Ints = append(out.Ints, int64(i))
				out.Ints = append(out.Ints, p.Ints[row:row+width]...)
			}
		}
		rows += p.Shape[0]
	}
	out.Shape = []int{rows, width + 1}
	return out, nil
}

func stack(parts []tensor.Tensor) (tensor.Tensor, error) {
	first := parts[0]
	out := tensor.Tensor{DType: first.DType, Shape: append([]int{len(parts)}, first.Shape...)}
	for i, p := range parts {
		if p.DType != first.DType || !slices.Equal(p.Shape, first.Shape) {
			return tensor.Tensor{}, fmt.Errorf("example %d is %s%v, want %s%v", i, p.DType, p.Shape, first.DType, first.Shape)
		}
		out.Floats = append(out.Floats, p.Floats...)
		out.Ints = append(out.Ints, p.Ints...)
	}
	return out, nil
}
