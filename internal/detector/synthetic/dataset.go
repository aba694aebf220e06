// Package synthetic registers a small deterministic network, dataset and
// scorer under the name "synthetic". They exercise the whole training and
// evaluation path without sensor data or a GPU.
package synthetic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/banshee-data/pointpillars/internal/anno"
	"github.com/banshee-data/pointpillars/internal/detector"
	"github.com/banshee-data/pointpillars/internal/geom"
	"github.com/banshee-data/pointpillars/internal/postprocess"
	"github.com/banshee-data/pointpillars/internal/tensor"
)

// Name is the registry key of every component in this package.
const Name = "synthetic"

const (
	numAnchors  = 16
	imageHeight = 375
	imageWidth  = 1242
	// Every emptyEvery-th image has no objects and no voxels.
	emptyEvery = 7
)

func init() {
	detector.RegisterDataset(Name, func(opts detector.DatasetOptions) (detector.Dataset, error) {
		return NewDataset(opts)
	})
	detector.RegisterNetwork(Name, func(opts detector.NetworkOptions) (detector.Network, error) {
		return NewNetwork(opts)
	})
	detector.RegisterScorer(Name, func() (detector.Scorer, error) {
		return Scorer{}, nil
	})
}

// DatasetParams is the dataset's "params" config section.
type DatasetParams struct {
	NumExamples int `json:"num_examples"`
	MaxObjects  int `json:"max_objects"`
}

// Object is one generated ground-truth box in camera coordinates, which the
// dataset's identity calibration makes equal to lidar coordinates.
type Object struct {
	Class     int
	Location  [3]float64
	Dims      [3]float64 // length, height, width
	RotationY float64
	Truncated float64
	Occluded  int
}

// Dataset generates scenes from the image index alone, so ground truth and
// examples agree without storage.
type Dataset struct {
	classes []string
	params  DatasetParams
	infos   []detector.Info
	scenes  [][]Object
}

var _ detector.EvalDataset = (*Dataset)(nil)

// NewDataset builds the scenes for opts.
func NewDataset(opts detector.DatasetOptions) (*Dataset, error) {
	p := DatasetParams{NumExamples: 16, MaxObjects: 4}
	if len(opts.Params) > 0 {
		if err := json.Unmarshal(opts.Params, &p); err != nil {
			return nil, fmt.Errorf("synthetic dataset params: %w", err)
		}
	}
	if len(opts.ClassNames) == 0 {
		return nil, fmt.Errorf("synthetic dataset needs class names")
	}
	if p.NumExamples < 1 || p.MaxObjects < 1 {
		return nil, fmt.Errorf("synthetic dataset needs positive num_examples and max_objects, got %+v", p)
	}
	d := &Dataset{classes: opts.ClassNames, params: p}
	for i := 0; i < p.NumExamples; i++ {
		objs := scene(i, p.MaxObjects, len(opts.ClassNames))
		calib := identityCalib()
		gt, err := groundTruth(objs, opts.ClassNames, calib)
		if err != nil {
			return nil, err
		}
		d.scenes = append(d.scenes, objs)
		d.infos = append(d.infos, detector.Info{
			ImageIdx:   int64(i),
			ImageShape: postprocess.ImageShape{imageHeight, imageWidth},
			Annos:      gt,
			Calib:      calib,
		})
	}
	return d, nil
}

func (d *Dataset) Len() int { return d.params.NumExamples }

func (d *Dataset) Infos() []detector.Info { return d.infos }

// Scene returns the objects of image i.
func (d *Dataset) Scene(i int) []Object { return d.scenes[i] }

func identityCalib() geom.Calibration {
	return geom.Calibration{Rect: geom.Identity4(), Trv2c: geom.Identity4(), P2: geom.Identity4()}
}

func scene(i, maxObjects, numClasses int) []Object {
	if i%emptyEvery == emptyEvery-1 {
		return nil
	}
	r := rand.New(rand.NewSource(int64(i) + 1))
	objs := make([]Object, 1+r.Intn(maxObjects))
	for k := range objs {
		objs[k] = Object{
			Class:     r.Intn(numClasses),
			Location:  [3]float64{5 + 55*r.Float64(), -30 + 60*r.Float64(), -1.5 * r.Float64()},
			Dims:      [3]float64{3.9, 1.56, 1.6},
			RotationY: math.Pi * (2*r.Float64() - 1),
			Truncated: []float64{0, 0.2, 0.4}[r.Intn(3)],
			Occluded:  r.Intn(3),
		}
	}
	return objs
}

// BBox is the image box an object projects to.
func BBox(loc [3]float64) [4]float64 {
	cx := imageWidth/2 - 20*loc[1]
	h := 1200 / loc[0]
	return [4]float64{cx - h/2, 180, cx + h/2, 180 + h}
}

// groundTruth labels objs in the camera frame of calib.
func groundTruth(objs []Object, classes []string, calib geom.Calibration) (anno.Record, error) {
	var buf bytes.Buffer
	for _, o := range objs {
		b := BBox(o.Location)
		alpha := geom.Alpha(o.Location[0], o.Location[1], o.RotationY)
		cam := geom.LidarToCamera(o.Location, calib.Rect, calib.Trv2c)
		fmt.Fprintf(&buf, "%s %.2f %d %.4f %.4f %.4f %.4f %.4f %.4f %.4f %.4f %.4f %.4f %.4f %.4f\n",
			classes[o.Class], o.Truncated, o.Occluded, alpha,
			b[0], b[1], b[2], b[3],
			o.Dims[1], o.Dims[2], o.Dims[0],
			cam[0], cam[1], cam[2], o.RotationY)
	}
	return anno.ReadKittiLabels(strings.NewReader(buf.String()))
}

// Get builds example i. Training examples jitter voxel positions with rng.
func (d *Dataset) Get(i int, rng *rand.Rand) (tensor.Example, error) {
	if i < 0 || i >= d.Len() {
		return nil, fmt.Errorf("synthetic example %d out of range [0, %d)", i, d.Len())
	}
	objs := d.scenes[i]

	var voxels, gtBoxes []float64
	var numPoints, coords, gtClasses []int64
	for _, o := range objs {
		for v := 0; v < 4; v++ {
			jitter := 0.0
			if rng != nil {
				jitter = 0.1 * rng.NormFloat64()
			}
			x, y, z := o.Location[0]+jitter, o.Location[1]+0.2*float64(v), o.Location[2]
			voxels = append(voxels, x, y, z, 1)
			numPoints = append(numPoints, 1)
			coords = append(coords, 0, int64(y/0.16)+248, int64(x/0.16))
		}
		gtBoxes = append(gtBoxes, o.Location[0], o.Location[1], o.Location[2], o.Dims[0], o.Dims[1], o.Dims[2], o.RotationY)
		gtClasses = append(gtClasses, int64(o.Class))
	}

	anchors := make([]float64, 0, numAnchors*7)
	labels := make([]int64, numAnchors)
	for a := 0; a < numAnchors; a++ {
		ax, ay := 5+float64(a%4)*15, -22.5+float64(a/4)*15
		anchors = append(anchors, ax, ay, -1, 3.9, 1.56, 1.6, 0)
		for _, o := range objs {
			if math.Hypot(o.Location[0]-ax, o.Location[1]-ay) < 7.5 {
				labels[a] = int64(o.Class) + 1
			}
		}
	}
	mask := make([]int64, numAnchors)
	for a := range mask {
		mask[a] = 1
	}
	ident := geom.Identity4()

	nv, ng := len(numPoints), len(objs)
	return tensor.Example{
		"voxels":       tensor.NewFloat([]int{nv, 4}, orEmpty(voxels)),
		"num_points":   tensor.NewInt(tensor.Int64, []int{nv}, orEmptyInts(numPoints)),
		"coordinates":  tensor.NewInt(tensor.Int64, []int{nv, 3}, orEmptyInts(coords)),
		"gt_boxes":     tensor.NewFloat([]int{ng, 7}, orEmpty(gtBoxes)),
		"gt_classes":   tensor.NewInt(tensor.Int64, []int{ng}, orEmptyInts(gtClasses)),
		"num_gt":       tensor.NewInt(tensor.Int64, []int{1}, []int64{int64(ng)}),
		"anchors":      tensor.NewFloat([]int{numAnchors, 7}, anchors),
		"anchors_mask": tensor.NewInt(tensor.Bool, []int{numAnchors}, mask),
		"labels":       tensor.NewInt(tensor.Int64, []int{numAnchors}, labels),
		"image_idx":    tensor.NewInt(tensor.Int64, []int{}, []int64{int64(i)}),
		"image_shape":  tensor.NewInt(tensor.Int64, []int{2}, []int64{imageHeight, imageWidth}),
		"rect":         tensor.NewFloat([]int{4, 4}, ident[:]),
		"Trv2c":        tensor.NewFloat([]int{4, 4}, ident[:]),
		"P2":           tensor.NewFloat([]int{4, 4}, ident[:]),
	}, nil
}

func orEmpty(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

func orEmptyInts(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}
