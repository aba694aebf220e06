// Package geom holds the coordinate-frame math shared by the postprocessor and
// the ground-truth filter: axis-aligned limit windows and the camera/lidar
// calibration transforms.
package geom

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Sentinel is the camera location used for objects with no real position.
const Sentinel = -1000.0

// Range is an axis-aligned 3D window [Min, Max], inclusive on both ends.
type Range struct {
	Min [3]float64
	Max [3]float64
}

// NewRange builds a Range from x0, y0, z0, x1, y1, z1.
func NewRange(v []float64) (Range, error) {
	if len(v) != 6 {
		return Range{}, fmt.Errorf("range needs 6 values, got %d", len(v))
	}
	r := Range{Min: [3]float64{v[0], v[1], v[2]}, Max: [3]float64{v[3], v[4], v[5]}}
	for i := 0; i < 3; i++ {
		if r.Min[i] > r.Max[i] {
			return Range{}, fmt.Errorf("range axis %d: min %v > max %v", i, r.Min[i], r.Max[i])
		}
	}
	return r, nil
}

// Contains reports whether p lies inside the window. Points on the boundary
// are inside.
func (r Range) Contains(p [3]float64) bool {
	for i := 0; i < 3; i++ {
		if p[i] < r.Min[i] || p[i] > r.Max[i] {
			return false
		}
	}
	return true
}

// Values returns the window as x0, y0, z0, x1, y1, z1.
func (r Range) Values() []float64 {
	return []float64{r.Min[0], r.Min[1], r.Min[2], r.Max[0], r.Max[1], r.Max[2]}
}

func (r Range) String() string {
	return fmt.Sprintf("[%g %g %g %g %g %g]", r.Min[0], r.Min[1], r.Min[2], r.Max[0], r.Max[1], r.Max[2])
}

// IsSentinel reports whether a camera location is the placeholder
// (-1000, -1000, -1000).
func IsSentinel(loc [3]float64) bool {
	return loc[0] == Sentinel && loc[1] == Sentinel && loc[2] == Sentinel
}

// Matrix4 is a 4x4 homogeneous transform in row-major order.
type Matrix4 [16]float64

// Identity4 returns the identity transform.
func Identity4() Matrix4 {
	return Matrix4{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
}

func (m Matrix4) dense() *mat.Dense {
	return mat.NewDense(4, 4, append([]float64(nil), m[:]...))
}

// Apply transforms point (x, y, z) by m, dividing by the homogeneous
// coordinate.
func (m Matrix4) Apply(p [3]float64) [3]float64 {
	x := m[0]*p[0] + m[1]*p[1] + m[2]*p[2] + m[3]
	y := m[4]*p[0] + m[5]*p[1] + m[6]*p[2] + m[7]
	z := m[8]*p[0] + m[9]*p[1] + m[10]*p[2] + m[11]
	w := m[12]*p[0] + m[13]*p[1] + m[14]*p[2] + m[15]
	if w != 0 && w != 1 {
		return [3]float64{x / w, y / w, z / w}
	}
	return [3]float64{x, y, z}
}

// IsHomogeneous reports whether the last row is [0 0 0 1].
func (m Matrix4) IsHomogeneous() bool {
	return m[12] == 0 && m[13] == 0 && m[14] == 0 && math.Abs(m[15]-1) < 1e-9
}

// Calibration holds the per-image camera calibration: rectification, the
// velodyne-to-camera transform and the left color camera projection, all
// expanded to 4x4.
type Calibration struct {
	Rect  Matrix4
	Trv2c Matrix4
	P2    Matrix4
}

// LidarToCamera maps a lidar-frame point into the rectified camera frame:
// rect · Trv2c · p.
func LidarToCamera(p [3]float64, rect, trv2c Matrix4) [3]float64 {
	var prod mat.Dense
	prod.Mul(rect.dense(), trv2c.dense())
	return fromDense(&prod).Apply(p)
}

// CameraToLidar maps a rectified camera-frame point into the lidar frame by
// applying the inverse of rect · Trv2c.
func CameraToLidar(p [3]float64, rect, trv2c Matrix4) ([3]float64, error) {
	inv, err := CameraToLidarTransform(rect, trv2c)
	if err != nil {
		return [3]float64{}, err
	}
	return inv.Apply(p), nil
}

// CameraToLidarTransform returns inv(rect · Trv2c). Callers transforming many
// points for one image compute it once.
func CameraToLidarTransform(rect, trv2c Matrix4) (Matrix4, error) {
	var prod, inv mat.Dense
	prod.Mul(rect.dense(), trv2c.dense())
	if err := inv.Inverse(&prod); err != nil {
		return Matrix4{}, fmt.Errorf("invert rect·Trv2c: %w", err)
	}
	return fromDense(&inv), nil
}

func fromDense(d *mat.Dense) Matrix4 {
	var m Matrix4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m[r*4+c] = d.At(r, c)
		}
	}
	return m
}

// Alpha is the observation angle of an object: the camera yaw relative to the
// ray from the sensor to the object's lidar-frame center.
func Alpha(lidarX, lidarY, cameraYaw float64) float64 {
	return -math.Atan2(-lidarY, lidarX) + cameraYaw
}
