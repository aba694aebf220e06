package postprocess

import (
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pointpillars/internal/anno"
	"github.com/banshee-data/pointpillars/internal/fsutil"
	"github.com/banshee-data/pointpillars/internal/geom"
)

var kittiShape = ImageShape{375, 1242}

func car(bbox [4]float64, lidarX, lidarY, score float64) RawPrediction {
	return RawPrediction{
		BBox:      bbox,
		BoxCamera: [7]float64{1, 1.5, 20, 3.9, 1.5, 1.6, 0.3},
		BoxLidar:  [7]float64{lidarX, lidarY, -1, 3.9, 1.6, 1.5, -1.87},
		Score:     score,
		Label:     0,
	}
}

func newBuilder(limit *geom.Range) *Builder {
	return &Builder{ClassNames: []string{"Car", "Pedestrian"}, CenterLimit: limit}
}

func TestBuild_NoBoxesYieldsCanonicalEmpty(t *testing.T) {
	t.Parallel()

	recs, err := newBuilder(nil).Build([]ImagePredictions{{ImageIdx: 3}}, []ImageShape{kittiShape}, NewScoreSet())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	if diff := cmp.Diff(anno.EmptyDetection(), recs[0]); diff != "" {
		t.Errorf("empty record mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_AllFilteredMatchesNoBoxes(t *testing.T) {
	t.Parallel()

	preds := []ImagePredictions{
		{ImageIdx: 1, HasBoxes: true, Boxes: []RawPrediction{
			car([4]float64{1300, 10, 1400, 50}, 10, 0, 0.9), // right of image
			car([4]float64{10, 10, -1, 50}, 10, 0, 0.8),     // negative extent
		}},
		{ImageIdx: 2},
	}
	recs, err := newBuilder(nil).Build(preds, []ImageShape{kittiShape, kittiShape}, NewScoreSet())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	if diff := cmp.Diff(recs[1], recs[0]); diff != "" {
		t.Errorf("filtered-out image differs from empty image (-no boxes +filtered):\n%s", diff)
	}
}

func TestBuild_PopulatedRecord(t *testing.T) {
	t.Parallel()

	preds := []ImagePredictions{{ImageIdx: 42, HasBoxes: true, Boxes: []RawPrediction{
		car([4]float64{-5, 100, 1300, 400}, 20, 0, 0.9),
		{BBox: [4]float64{10, 10, 50, 80}, BoxLidar: [7]float64{5, 5, 0}, Score: 0.5, Label: 1},
	}}}
	recs, err := newBuilder(nil).Build(preds, []ImageShape{kittiShape}, NewScoreSet())
	require.NoError(t, err)
	r := recs[0]
	require.NoError(t, r.Validate())
	assert.Equal(t, 2, r.Len())

	names, _ := r.Get(anno.FieldName)
	assert.Equal(t, []string{"Car", "Pedestrian"}, names.Strings)
	bbox, _ := r.Get(anno.FieldBBox)
	assert.Equal(t, []float64{0, 100, 1242, 375}, bbox.Row(0))
	dims, _ := r.Get(anno.FieldDimensions)
	assert.Equal(t, []float64{3.9, 1.5, 1.6}, dims.Row(0))
	loc, _ := r.Get(anno.FieldLocation)
	assert.Equal(t, []float64{1, 1.5, 20}, loc.Row(0))
	alpha, _ := r.Get(anno.FieldAlpha)
	assert.InDelta(t, 0.3, alpha.Floats[0], 1e-12)
	assert.InDelta(t, math.Pi/4, alpha.Floats[1], 1e-12)
	idx, _ := r.Get(anno.FieldImageIdx)
	assert.Equal(t, []int64{42, 42}, idx.Ints)
	occ, _ := r.Get(anno.FieldOccluded)
	assert.Equal(t, anno.Int64, occ.Kind)
}

func TestBuild_CenterLimitInclusive(t *testing.T) {
	t.Parallel()

	limit, err := geom.NewRange([]float64{0, -40, -3, 70.4, 40, 1})
	require.NoError(t, err)
	b := newBuilder(&limit)
	b.LidarInput = true

	preds := []ImagePredictions{{ImageIdx: 0, HasBoxes: true, Boxes: []RawPrediction{
		car([4]float64{0, 0, 10, 10}, 70.4, 0, 0.9),
		car([4]float64{0, 0, 10, 10}, 70.5, 0, 0.8),
		car([4]float64{0, 0, 10, 10}, 0, -40, 0.7),
	}}}
	recs, err := b.Build(preds, []ImageShape{kittiShape}, nil)
	require.NoError(t, err)
	scores, _ := recs[0].Get(anno.FieldScore)
	assert.Equal(t, []float64{0.9, 0.7}, scores.Floats)
}

func TestBuild_LidarInputSkipsImageBounds(t *testing.T) {
	t.Parallel()

	b := newBuilder(nil)
	b.LidarInput = true
	preds := []ImagePredictions{{HasBoxes: true, Boxes: []RawPrediction{car([4]float64{2000, 10, 2100, 50}, 10, 0, 0.9)}}}
	recs, err := b.Build(preds, []ImageShape{kittiShape}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, recs[0].Len())
}

func TestBuild_ScoresUniqueAcrossRun(t *testing.T) {
	t.Parallel()

	set := NewScoreSet()
	b := newBuilder(nil)
	box := car([4]float64{0, 0, 10, 10}, 10, 0, 0.5)
	preds := []ImagePredictions{
		{ImageIdx: 0, HasBoxes: true, Boxes: []RawPrediction{box, box}},
		{ImageIdx: 1, HasBoxes: true, Boxes: []RawPrediction{box}},
	}
	recs, err := b.Build(preds, []ImageShape{kittiShape, kittiShape}, set)
	require.NoError(t, err)

	seen := map[float64]bool{}
	for _, r := range recs {
		s, _ := r.Get(anno.FieldScore)
		for _, v := range s.Floats {
			assert.False(t, seen[v], "duplicate score %v", v)
			seen[v] = true
		}
	}
	assert.Len(t, seen, 3)
	assert.True(t, seen[0.5])
	assert.True(t, seen[0.5-1e-5])
	assert.Equal(t, 3, set.Len())
}

func TestBuild_Errors(t *testing.T) {
	t.Parallel()

	b := newBuilder(nil)
	_, err := b.Build([]ImagePredictions{{}}, nil, nil)
	assert.Error(t, err)

	bad := car([4]float64{0, 0, 10, 10}, 10, 0, 0.5)
	bad.Label = 5
	_, err = b.Build([]ImagePredictions{{HasBoxes: true, Boxes: []RawPrediction{bad}}}, []ImageShape{kittiShape}, nil)
	assert.Error(t, err)
}

func TestBuildStaged(t *testing.T) {
	t.Parallel()

	box := car([4]float64{0, 0, 10, 10}, 10, 0, 0.5)
	staged := Staged{
		Coarse: []ImagePredictions{{ImageIdx: 7, HasBoxes: true, Boxes: []RawPrediction{box}}},
		Refine: []ImagePredictions{{ImageIdx: 7}},
	}
	coarse, refine, err := newBuilder(nil).BuildStaged(staged, []ImageShape{kittiShape}, NewScoreSet())
	require.NoError(t, err)
	require.Len(t, coarse, 1)
	require.Len(t, refine, 1)
	assert.Equal(t, 1, coarse[0].Len())
	assert.Equal(t, 0, refine[0].Len())
}

func TestClipBox_Idempotent(t *testing.T) {
	t.Parallel()

	boxes := [][4]float64{
		{-10, -10, 2000, 2000},
		{5, 5, 50, 50},
		{1242, 375, 1242, 375},
	}
	for _, b := range boxes {
		once := ClipBox(b, kittiShape)
		assert.Equal(t, once, ClipBox(once, kittiShape))
		assert.GreaterOrEqual(t, once[0], 0.0)
		assert.LessOrEqual(t, once[2], 1242.0)
		assert.LessOrEqual(t, once[3], 375.0)
	}
}

func TestScoreSet_Claim(t *testing.T) {
	t.Parallel()

	s := NewScoreSet()
	got, err := s.Claim(0.25)
	require.NoError(t, err)
	assert.Equal(t, 0.25, got)
	got, err = s.Claim(0.25)
	require.NoError(t, err)
	assert.Equal(t, 0.25-1e-5, got)

	var nilSet *ScoreSet
	got, err = nilSet.Claim(0.25)
	require.NoError(t, err)
	assert.Equal(t, 0.25, got)
}

func TestScoreSet_Exhausted(t *testing.T) {
	t.Parallel()

	s := NewScoreSet()
	v := 1.0
	for i := 0; i < maxScoreAttempts; i++ {
		s.seen[v] = struct{}{}
		v -= scoreStep
	}
	_, err := s.Claim(1.0)
	assert.True(t, errors.Is(err, ErrScoreSpaceExhausted))
}

func TestScoreSet_ConcurrentClaims(t *testing.T) {
	t.Parallel()

	s := NewScoreSet()
	var wg sync.WaitGroup
	results := make([]float64, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.Claim(0.75)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()
	seen := map[float64]bool{}
	for _, v := range results {
		seen[v] = true
	}
	assert.Len(t, seen, len(results))
}

func TestWriteKittiResults(t *testing.T) {
	t.Parallel()

	mfs := fsutil.NewMemoryFileSystem()
	box := car([4]float64{0, 0, 10, 10}, 10, 0, 0.5)
	recs, err := newBuilder(nil).Build(
		[]ImagePredictions{{ImageIdx: 4, HasBoxes: true, Boxes: []RawPrediction{box}}, {ImageIdx: 5}},
		[]ImageShape{kittiShape, kittiShape}, nil)
	require.NoError(t, err)

	require.NoError(t, WriteKittiResults(mfs, "results/step_10", []int64{4, 5}, recs))

	data, err := mfs.ReadFile(filepath.Join("results/step_10", "000004.txt"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "Car -1.0000 -1 "))
	// Label order is h, w, l.
	assert.Contains(t, string(data), " 1.5000 1.6000 3.9000 ")

	data, err = mfs.ReadFile(filepath.Join("results/step_10", "000005.txt"))
	require.NoError(t, err)
	assert.Empty(t, data)

	assert.Error(t, WriteKittiResults(mfs, "x", []int64{1}, nil))
}

func TestReadKittiResults_RoundTrip(t *testing.T) {
	t.Parallel()

	mfs := fsutil.NewMemoryFileSystem()
	box := car([4]float64{0, 0, 10, 10}, 10, 0, 0.5)
	recs, err := newBuilder(nil).Build(
		[]ImagePredictions{{ImageIdx: 7, HasBoxes: true, Boxes: []RawPrediction{box}}, {ImageIdx: 8}},
		[]ImageShape{kittiShape, kittiShape}, nil)
	require.NoError(t, err)
	require.NoError(t, WriteKittiResults(mfs, "out", []int64{7, 8}, recs))

	got, err := ReadKittiResults(mfs, "out", []int64{7, 8})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Len())
	assert.Equal(t, 0, got[1].Len())

	dims, _ := got[0].Get(anno.FieldDimensions)
	assert.InDeltaSlice(t, []float64{3.9, 1.5, 1.6}, dims.Row(0), 1e-4)
	score, _ := got[0].Get(anno.FieldScore)
	assert.InDelta(t, 0.5, score.Row(0)[0], 1e-4)
	idx, _ := got[0].Get(anno.FieldImageIdx)
	assert.Equal(t, []int64{7}, idx.Ints)

	_, err = ReadKittiResults(mfs, "out", []int64{9})
	assert.Error(t, err)
}

func TestReadKittiResults_EmptyImageIsCanonical(t *testing.T) {
	t.Parallel()

	mfs := fsutil.NewMemoryFileSystem()
	recs, err := newBuilder(nil).Build([]ImagePredictions{{ImageIdx: 3}}, []ImageShape{kittiShape}, nil)
	require.NoError(t, err)
	require.NoError(t, WriteKittiResults(mfs, "out", []int64{3}, recs))

	got, err := ReadKittiResults(mfs, "out", []int64{3})
	require.NoError(t, err)
	require.Len(t, got, 1)
	if diff := cmp.Diff(anno.EmptyDetection(), got[0]); diff != "" {
		t.Errorf("read-back empty record mismatch (-want +got):\n%s", diff)
	}
}

func TestReadKittiResults_KeepsDeduplicatedScores(t *testing.T) {
	t.Parallel()

	mfs := fsutil.NewMemoryFileSystem()
	box := car([4]float64{0, 0, 10, 10}, 10, 0, 0.5)
	recs, err := newBuilder(nil).Build(
		[]ImagePredictions{
			{ImageIdx: 0, HasBoxes: true, Boxes: []RawPrediction{box}},
			{ImageIdx: 1, HasBoxes: true, Boxes: []RawPrediction{box}},
		},
		[]ImageShape{kittiShape, kittiShape}, NewScoreSet())
	require.NoError(t, err)
	require.NoError(t, WriteKittiResults(mfs, "out", []int64{0, 1}, recs))

	got, err := ReadKittiResults(mfs, "out", []int64{0, 1})
	require.NoError(t, err)
	for i := range recs {
		want, _ := recs[i].Get(anno.FieldScore)
		read, _ := got[i].Get(anno.FieldScore)
		assert.Equal(t, want.Floats, read.Floats)
	}
	first, _ := got[0].Get(anno.FieldScore)
	second, _ := got[1].Get(anno.FieldScore)
	assert.NotEqual(t, first.Floats[0], second.Floats[0])
}
