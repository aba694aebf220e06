// Package gtfilter restricts benchmark ground truth to the spatial window the
// detector is limited to, for the strict "1/1" evaluation mode.
package gtfilter

import (
	"fmt"

	"github.com/banshee-data/pointpillars/internal/anno"
	"github.com/banshee-data/pointpillars/internal/geom"
)

// Counts tallies filtered objects. Sentinel placeholders are kept but counted
// in neither field.
type Counts struct {
	InRange    int
	NotInRange int
}

// placeholder describes the zero-length column substituted for a field that
// ends up empty. name is deliberately numeric: downstream scoring has always
// received a float array there, and changing it may break compatibility.
type placeholder struct {
	kind     anno.Kind
	trailing []int
}

var placeholders = map[string]placeholder{
	anno.FieldName:          {kind: anno.Float64},
	anno.FieldTruncated:     {kind: anno.Float64},
	anno.FieldOccluded:      {kind: anno.Float64},
	anno.FieldAlpha:         {kind: anno.Float64},
	anno.FieldBBox:          {kind: anno.Float64, trailing: []int{4}},
	anno.FieldDimensions:    {kind: anno.Float64, trailing: []int{3}},
	anno.FieldLocation:      {kind: anno.Float64, trailing: []int{3}},
	anno.FieldRotationY:     {kind: anno.Float64},
	anno.FieldScore:         {kind: anno.Float64},
	anno.FieldIndex:         {kind: anno.Int32},
	anno.FieldGroupIDs:      {kind: anno.Int32},
	anno.FieldDifficulty:    {kind: anno.Int32},
	anno.FieldNumPointsInGT: {kind: anno.Int32},
}

// Placeholder returns the empty column used for field.
func Placeholder(field string) anno.Column {
	p, ok := placeholders[field]
	if !ok {
		return anno.EmptyColumn(anno.Float64)
	}
	return anno.EmptyColumn(p.kind, p.trailing...)
}

// Filter keeps, per image, the ground-truth objects whose lidar-frame center
// lies inside limit (inclusive) plus any object at the sentinel location.
// calibs[i] is the calibration of gt[i]. Fields left without objects are
// replaced by their placeholder column.
func Filter(gt []anno.Record, calibs []geom.Calibration, limit geom.Range) ([]anno.Record, Counts, error) {
	var counts Counts
	if len(calibs) != len(gt) {
		return nil, counts, fmt.Errorf("gtfilter: %d annotations but %d calibrations", len(gt), len(calibs))
	}
	out := make([]anno.Record, 0, len(gt))
	for i, rec := range gt {
		loc, ok := rec.Get(anno.FieldLocation)
		if !ok {
			return nil, counts, fmt.Errorf("gtfilter: image %d has no location field", i)
		}
		if !calibs[i].Rect.IsHomogeneous() || !calibs[i].Trv2c.IsHomogeneous() {
			return nil, counts, fmt.Errorf("gtfilter: image %d: calibration is not a homogeneous transform", i)
		}
		toLidar, err := geom.CameraToLidarTransform(calibs[i].Rect, calibs[i].Trv2c)
		if err != nil {
			return nil, counts, fmt.Errorf("gtfilter: image %d: %w", i, err)
		}

		var keep []int
		for j := 0; j < loc.Len(); j++ {
			row := loc.Row(j)
			cam := [3]float64{row[0], row[1], row[2]}
			switch {
			case geom.IsSentinel(cam):
				keep = append(keep, j)
			case limit.Contains(toLidar.Apply(cam)):
				keep = append(keep, j)
				counts.InRange++
			default:
				counts.NotInRange++
			}
		}

		var filtered anno.Record
		for _, f := range rec.Fields {
			if len(keep) == 0 {
				filtered.Set(f.Name, Placeholder(f.Name))
				continue
			}
			filtered.Set(f.Name, f.Column.Select(keep))
		}
		out = append(out, filtered)
	}
	return out, counts, nil
}
