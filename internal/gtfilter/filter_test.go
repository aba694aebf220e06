package gtfilter

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pointpillars/internal/anno"
	"github.com/banshee-data/pointpillars/internal/geom"
)

var identity = geom.Calibration{Rect: geom.Identity4(), Trv2c: geom.Identity4(), P2: geom.Identity4()}

func gtRecord(names []string, locs ...[3]float64) anno.Record {
	var r anno.Record
	n := len(locs)
	flat := make([]float64, 0, 3*n)
	for _, l := range locs {
		flat = append(flat, l[:]...)
	}
	idx := make([]int64, n)
	for i := range idx {
		idx[i] = int64(i)
	}
	r.Set(anno.FieldName, anno.Strings(names))
	r.Set(anno.FieldBBox, anno.Floats(make([]float64, 4*n), 4))
	r.Set(anno.FieldLocation, anno.Floats(flat, 3))
	r.Set(anno.FieldIndex, anno.Ints(anno.Int32, idx))
	return r
}

func testLimit(t *testing.T) geom.Range {
	t.Helper()
	r, err := geom.NewRange([]float64{0, -40, -3, 70.4, 40, 1})
	require.NoError(t, err)
	return r
}

func TestFilter_InclusiveBoundaryAndSentinel(t *testing.T) {
	t.Parallel()

	gt := []anno.Record{gtRecord(
		[]string{"Car", "Car", "Car", "DontCare"},
		[3]float64{0, -40, -3},  // on the min corner
		[3]float64{70.4, 40, 1}, // on the max corner
		[3]float64{71.4, 0, 0},  // one unit past max x
		[3]float64{-1000, -1000, -1000},
	)}

	out, counts, err := Filter(gt, []geom.Calibration{identity}, testLimit(t))
	require.NoError(t, err)
	assert.Equal(t, Counts{InRange: 2, NotInRange: 1}, counts)

	require.Len(t, out, 1)
	require.NoError(t, out[0].Validate())
	names, _ := out[0].Get(anno.FieldName)
	assert.Equal(t, []string{"Car", "Car", "DontCare"}, names.Strings)
	index, _ := out[0].Get(anno.FieldIndex)
	assert.Equal(t, []int64{0, 1, 3}, index.Ints)
	assert.Equal(t, gt[0].Names(), out[0].Names())
}

func TestFilter_UsesCalibration(t *testing.T) {
	t.Parallel()

	calib := geom.Calibration{
		Rect: geom.Identity4(),
		Trv2c: geom.Matrix4{
			0, -1, 0, 0,
			0, 0, -1, 0,
			1, 0, 0, 0,
			0, 0, 0, 1,
		},
	}
	// Camera z is lidar x, so a point 80m deep is outside the 70.4m window
	// and one 30m deep is inside.
	gt := []anno.Record{gtRecord([]string{"Car", "Car"}, [3]float64{0, 0, 80}, [3]float64{0, 0, 30})}
	out, counts, err := Filter(gt, []geom.Calibration{calib}, testLimit(t))
	require.NoError(t, err)
	assert.Equal(t, Counts{InRange: 1, NotInRange: 1}, counts)
	loc, _ := out[0].Get(anno.FieldLocation)
	assert.Equal(t, []float64{0, 0, 30}, loc.Floats)
}

func TestFilter_EmptyFieldsGetPlaceholders(t *testing.T) {
	t.Parallel()

	rec := gtRecord([]string{"Car"}, [3]float64{200, 0, 0})
	rec.Set("custom", anno.Floats([]float64{1}, 1))
	out, counts, err := Filter([]anno.Record{rec}, []geom.Calibration{identity}, testLimit(t))
	require.NoError(t, err)
	assert.Equal(t, Counts{NotInRange: 1}, counts)

	var want anno.Record
	want.Set(anno.FieldName, anno.EmptyColumn(anno.Float64))
	want.Set(anno.FieldBBox, anno.EmptyColumn(anno.Float64, 4))
	want.Set(anno.FieldLocation, anno.EmptyColumn(anno.Float64, 3))
	want.Set(anno.FieldIndex, anno.EmptyColumn(anno.Int32))
	want.Set("custom", anno.EmptyColumn(anno.Float64))
	if diff := cmp.Diff(want, out[0]); diff != "" {
		t.Errorf("placeholder record mismatch (-want +got):\n%s", diff)
	}
}

func TestFilter_Errors(t *testing.T) {
	t.Parallel()

	limit := testLimit(t)
	_, _, err := Filter([]anno.Record{gtRecord(nil)}, nil, limit)
	assert.Error(t, err)

	_, _, err = Filter([]anno.Record{{}}, []geom.Calibration{identity}, limit)
	assert.Error(t, err)

	_, _, err = Filter([]anno.Record{gtRecord([]string{"Car"}, [3]float64{1, 1, 1})}, []geom.Calibration{{}}, limit)
	assert.Error(t, err)

	scaled := identity
	scaled.Rect[15] = 2
	_, _, err = Filter([]anno.Record{gtRecord([]string{"Car"}, [3]float64{1, 1, 1})}, []geom.Calibration{scaled}, limit)
	assert.ErrorContains(t, err, "homogeneous")
}

func TestPlaceholder(t *testing.T) {
	t.Parallel()

	assert.Equal(t, anno.Float64, Placeholder(anno.FieldName).Kind)
	assert.Equal(t, anno.Int32, Placeholder(anno.FieldDifficulty).Kind)
	assert.Equal(t, []int{0, 3}, Placeholder(anno.FieldDimensions).Shape)
	assert.Equal(t, []int{0}, Placeholder("unknown").Shape)
}
