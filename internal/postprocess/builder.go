// Package postprocess turns raw network detections into per-image annotation
// records ready for benchmark scoring.
package postprocess

import (
	"fmt"

	"github.com/banshee-data/pointpillars/internal/anno"
	"github.com/banshee-data/pointpillars/internal/geom"
)

// RawPrediction is one detected object as emitted by the network.
//
// BoxCamera is x, y, z, then the three box dimensions in the order the box
// coder emits them (length, height, width), then yaw.
type RawPrediction struct {
	BBox      [4]float64
	BoxCamera [7]float64
	BoxLidar  [7]float64
	Score     float64
	Label     int
}

// ImagePredictions groups the detections of one image. HasBoxes is false when
// the network produced no predictions at all for the image.
type ImagePredictions struct {
	ImageIdx int64
	HasBoxes bool
	Boxes    []RawPrediction
}

// Staged holds the outputs of a coarse-then-refine network.
type Staged struct {
	Coarse []ImagePredictions
	Refine []ImagePredictions
}

// ImageShape is an image's height and width in pixels.
type ImageShape [2]float64

// Builder converts predictions into annotation records.
type Builder struct {
	ClassNames []string
	// CenterLimit, when set, drops objects whose lidar-frame center lies
	// outside the window.
	CenterLimit *geom.Range
	// LidarInput disables the image-bounds filter.
	LidarInput bool
}

// Build returns exactly one record per image, in input order.
func (b *Builder) Build(preds []ImagePredictions, shapes []ImageShape, scores *ScoreSet) ([]anno.Record, error) {
	if len(shapes) != len(preds) {
		return nil, fmt.Errorf("postprocess: %d images but %d image shapes", len(preds), len(shapes))
	}
	out := make([]anno.Record, 0, len(preds))
	for i, p := range preds {
		rec, err := b.buildImage(p, shapes[i], scores)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", p.ImageIdx, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// BuildStaged runs both stages of a two-stage network through Build. The two
// collections share the score set.
func (b *Builder) BuildStaged(staged Staged, shapes []ImageShape, scores *ScoreSet) (coarse, refine []anno.Record, err error) {
	coarse, err = b.Build(staged.Coarse, shapes, scores)
	if err != nil {
		return nil, nil, fmt.Errorf("coarse: %w", err)
	}
	refine, err = b.Build(staged.Refine, shapes, scores)
	if err != nil {
		return nil, nil, fmt.Errorf("refine: %w", err)
	}
	return coarse, refine, nil
}

// keep applies the image-bounds and center-range filters.
func (b *Builder) keep(p RawPrediction, shape ImageShape) bool {
	height, width := shape[0], shape[1]
	if !b.LidarInput {
		if p.BBox[0] > width || p.BBox[1] > height {
			return false
		}
		if p.BBox[2] < 0 || p.BBox[3] < 0 {
			return false
		}
	}
	if b.CenterLimit != nil {
		center := [3]float64{p.BoxLidar[0], p.BoxLidar[1], p.BoxLidar[2]}
		if !b.CenterLimit.Contains(center) {
			return false
		}
	}
	return true
}

func (b *Builder) buildImage(p ImagePredictions, shape ImageShape, scores *ScoreSet) (anno.Record, error) {
	if !p.HasBoxes {
		return stamp(anno.EmptyDetection(), p.ImageIdx), nil
	}

	var (
		names                       []string
		truncated, alpha, rotY, scr []float64
		occluded                    []int64
		bbox, dims, loc             []float64
	)
	for _, box := range p.Boxes {
		if !b.keep(box, shape) {
			continue
		}
		if box.Label < 0 || box.Label >= len(b.ClassNames) {
			return anno.Record{}, fmt.Errorf("label %d outside %d classes", box.Label, len(b.ClassNames))
		}
		clipped := ClipBox(box.BBox, shape)
		score, err := scores.Claim(box.Score)
		if err != nil {
			return anno.Record{}, fmt.Errorf("score %v: %w", box.Score, err)
		}

		names = append(names, b.ClassNames[box.Label])
		truncated = append(truncated, 0)
		occluded = append(occluded, 0)
		alpha = append(alpha, geom.Alpha(box.BoxLidar[0], box.BoxLidar[1], box.BoxCamera[6]))
		bbox = append(bbox, clipped[:]...)
		dims = append(dims, box.BoxCamera[3:6]...)
		loc = append(loc, box.BoxCamera[:3]...)
		rotY = append(rotY, box.BoxCamera[6])
		scr = append(scr, score)
	}
	if len(names) == 0 {
		return stamp(anno.EmptyDetection(), p.ImageIdx), nil
	}

	var rec anno.Record
	rec.Set(anno.FieldName, anno.Strings(names))
	rec.Set(anno.FieldTruncated, anno.Floats(truncated, 1))
	rec.Set(anno.FieldOccluded, anno.Ints(anno.Int64, occluded))
	rec.Set(anno.FieldAlpha, anno.Floats(alpha, 1))
	rec.Set(anno.FieldBBox, anno.Floats(bbox, 4))
	rec.Set(anno.FieldDimensions, anno.Floats(dims, 3))
	rec.Set(anno.FieldLocation, anno.Floats(loc, 3))
	rec.Set(anno.FieldRotationY, anno.Floats(rotY, 1))
	rec.Set(anno.FieldScore, anno.Floats(scr, 1))
	return stamp(rec, p.ImageIdx), nil
}

// ClipBox limits the upper corner to the image size and the lower corner to
// the origin. Clipping is idempotent.
func ClipBox(bbox [4]float64, shape ImageShape) [4]float64 {
	height, width := shape[0], shape[1]
	out := bbox
	out[2] = min(out[2], width)
	out[3] = min(out[3], height)
	out[0] = max(out[0], 0)
	out[1] = max(out[1], 0)
	return out
}

func stamp(r anno.Record, imageIdx int64) anno.Record {
	n := r.Len()
	idx := make([]int64, n)
	for i := range idx {
		idx[i] = imageIdx
	}
	r.Set(anno.FieldImageIdx, anno.Ints(anno.Int64, idx))
	return r
}
