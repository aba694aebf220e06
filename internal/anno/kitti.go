package anno

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// KITTI difficulty thresholds, indexed easy, moderate, hard.
var (
	minBoxHeight  = [3]float64{40, 25, 25}
	maxOcclusion  = [3]int64{0, 1, 2}
	maxTruncation = [3]float64{0.15, 0.3, 0.5}
)

// WriteKittiLines writes one KITTI label line per object of a detection
// record. Dimensions are stored length, height, width and written in the
// label order height, width, length. Scores keep full precision so
// deduplicated scores stay distinct when read back.
func WriteKittiLines(w io.Writer, r *Record) error {
	n := r.Len()
	if n == 0 {
		return nil
	}
	names, ok := r.Get(FieldName)
	if !ok || names.Kind != String {
		return fmt.Errorf("kitti: record has no string name column")
	}
	cols := make(map[string]Column, len(DetectionFields))
	for _, f := range []string{FieldAlpha, FieldBBox, FieldDimensions, FieldLocation, FieldRotationY, FieldScore} {
		c, ok := r.Get(f)
		if !ok || c.Kind != Float64 {
			return fmt.Errorf("kitti: missing float column %s", f)
		}
		cols[f] = c
	}

	bw := bufio.NewWriter(w)
	for i := 0; i < n; i++ {
		bbox := cols[FieldBBox].Row(i)
		dims := cols[FieldDimensions].Row(i)
		loc := cols[FieldLocation].Row(i)
		fields := []string{
			names.Strings[i],
			f4(-1), "-1",
			f4(cols[FieldAlpha].Floats[i]),
			f4(bbox[0]), f4(bbox[1]), f4(bbox[2]), f4(bbox[3]),
			f4(dims[1]), f4(dims[2]), f4(dims[0]),
			f4(loc[0]), f4(loc[1]), f4(loc[2]),
			f4(cols[FieldRotationY].Floats[i]),
			strconv.FormatFloat(cols[FieldScore].Floats[i], 'g', -1, 64),
		}
		if _, err := bw.WriteString(strings.Join(fields, " ") + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func f4(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }

// ReadKittiLabels parses a KITTI label file into a ground-truth record.
// Dimensions are converted from the file's height, width, length order to
// length, height, width. DontCare objects get index -1 and the rest are
// numbered from zero. Difficulty is derived from box height, occlusion and
// truncation; objects outside every level get -1.
func ReadKittiLabels(r io.Reader) (Record, error) {
	var (
		names                    []string
		trunc, alpha, rot, score []float64
		occ                      []int64
		bbox, dims, loc          []float64
		hasScore                 = true
		lineNo                   int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lineNo++
		parts := strings.Fields(sc.Text())
		if len(parts) == 0 {
			continue
		}
		if len(parts) < 15 {
			return Record{}, fmt.Errorf("kitti label line %d: %d fields, want at least 15", lineNo, len(parts))
		}
		v := make([]float64, len(parts)-1)
		for i, p := range parts[1:] {
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return Record{}, fmt.Errorf("kitti label line %d field %d: %w", lineNo, i+2, err)
			}
			v[i] = f
		}
		names = append(names, parts[0])
		trunc = append(trunc, v[0])
		occ = append(occ, int64(v[1]))
		alpha = append(alpha, v[2])
		bbox = append(bbox, v[3:7]...)
		dims = append(dims, v[9], v[7], v[8])
		loc = append(loc, v[10:13]...)
		rot = append(rot, v[13])
		if len(v) > 14 {
			score = append(score, v[14])
		} else {
			hasScore = false
		}
	}
	if err := sc.Err(); err != nil {
		return Record{}, fmt.Errorf("read kitti labels: %w", err)
	}

	n := len(names)
	if names == nil {
		names = []string{}
	}
	var rec Record
	rec.Set(FieldName, Strings(names))
	rec.Set(FieldTruncated, Floats(orEmpty(trunc), 1))
	rec.Set(FieldOccluded, Ints(Int64, orEmptyInts(occ)))
	rec.Set(FieldAlpha, Floats(orEmpty(alpha), 1))
	rec.Set(FieldBBox, shaped(bbox, n, 4))
	rec.Set(FieldDimensions, shaped(dims, n, 3))
	rec.Set(FieldLocation, shaped(loc, n, 3))
	rec.Set(FieldRotationY, Floats(orEmpty(rot), 1))
	if hasScore && n > 0 {
		rec.Set(FieldScore, Floats(score, 1))
	} else {
		rec.Set(FieldScore, Floats(make([]float64, n), 1))
	}

	index := make([]int64, n)
	var next int64
	for i, name := range names {
		if name == "DontCare" {
			index[i] = -1
			continue
		}
		index[i] = next
		next++
	}
	rec.Set(FieldIndex, Ints(Int32, index))
	groups := make([]int64, n)
	for i := range groups {
		groups[i] = int64(i)
	}
	rec.Set(FieldGroupIDs, Ints(Int32, groups))
	rec.Set(FieldDifficulty, Ints(Int32, Difficulty(rec)))
	return rec, nil
}

// Difficulty classifies each object as 0 easy, 1 moderate, 2 hard or -1.
func Difficulty(r Record) []int64 {
	n := r.Len()
	out := make([]int64, n)
	bbox, _ := r.Get(FieldBBox)
	occ, _ := r.Get(FieldOccluded)
	trunc, _ := r.Get(FieldTruncated)
	for i := 0; i < n; i++ {
		b := bbox.Row(i)
		height := b[3] - b[1]
		out[i] = -1
		for level := 2; level >= 0; level-- {
			if height > minBoxHeight[level] && occ.Ints[i] <= maxOcclusion[level] && trunc.Floats[i] <= maxTruncation[level] {
				out[i] = int64(level)
			} else {
				break
			}
		}
	}
	return out
}

func shaped(v []float64, n, width int) Column {
	if v == nil {
		v = []float64{}
	}
	return Column{Kind: Float64, Shape: []int{n, width}, Floats: v}
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
