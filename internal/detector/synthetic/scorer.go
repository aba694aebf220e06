package synthetic

import (
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/pointpillars/internal/anno"
	"github.com/banshee-data/pointpillars/internal/detector"
)

// MatchDistance is the centre distance within which a detection of the right
// class counts as a hit.
const MatchDistance = 1.0

// Scorer reports, per class and difficulty, the percentage of ground-truth
// objects matched by a detection. AOS additionally weights each hit by its
// orientation agreement. It stands in for the KITTI benchmark, which ranks
// detections by score.
type Scorer struct{}

var (
	_ detector.Scorer     = Scorer{}
	_ detector.CocoScorer = Scorer{}
)

type hit struct {
	difficulty int64
	matched    bool
	cosine     float64
}

// Official scores dt against gt. Both are indexed by image.
func (Scorer) Official(gt, dt []anno.Record, classes []string) (detector.ScoreResult, error) {
	hits, err := match(gt, dt, classes)
	if err != nil {
		return detector.ScoreResult{}, err
	}
	res := detector.ScoreResult{
		BBox:   make([][3]float64, len(classes)),
		BEV:    make([][3]float64, len(classes)),
		ThreeD: make([][3]float64, len(classes)),
		AOS:    make([][3]float64, len(classes)),
	}
	var text strings.Builder
	for c, name := range classes {
		for d := 0; d < 3; d++ {
			var total, found, orient float64
			for _, h := range hits[c] {
				if h.difficulty < 0 || h.difficulty > int64(d) {
					continue
				}
				total++
				if h.matched {
					found++
					orient += (1 + h.cosine) / 2
				}
			}
			if total > 0 {
				ap := 100 * found / total
				res.BBox[c][d], res.BEV[c][d], res.ThreeD[c][d] = ap, ap, ap
				res.AOS[c][d] = 100 * orient / total
			}
		}
		fmt.Fprintf(&text, "%s AP@0.70, 0.70, 0.70:\n", name)
		fmt.Fprintf(&text, "bbox AP:%s\n", formatAP(res.BBox[c]))
		fmt.Fprintf(&text, "bev  AP:%s\n", formatAP(res.BEV[c]))
		fmt.Fprintf(&text, "3d   AP:%s\n", formatAP(res.ThreeD[c]))
		fmt.Fprintf(&text, "aos  AP:%s\n", formatAP(res.AOS[c]))
	}
	res.Text = text.String()
	return res, nil
}

// Coco reports the moderate-difficulty match rate per class.
func (s Scorer) Coco(gt, dt []anno.Record, classes []string) (string, error) {
	res, err := s.Official(gt, dt, classes)
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for c, name := range classes {
		fmt.Fprintf(&text, "%s coco AP@0.50:0.05:0.95:\n", name)
		fmt.Fprintf(&text, "3d   AP:%.2f\n", res.ThreeD[c][1])
	}
	return text.String(), nil
}

func formatAP(v [3]float64) string {
	return fmt.Sprintf("%.2f, %.2f, %.2f", v[0], v[1], v[2])
}

func match(gt, dt []anno.Record, classes []string) ([][]hit, error) {
	if len(gt) != len(dt) {
		return nil, fmt.Errorf("synthetic scorer: %d ground-truth records for %d detection records", len(gt), len(dt))
	}
	classIdx := make(map[string]int, len(classes))
	for i, c := range classes {
		classIdx[c] = i
	}
	hits := make([][]hit, len(classes))
	for img := range gt {
		g, d := &gt[img], &dt[img]
		gNames, _ := g.Get(anno.FieldName)
		gLoc, _ := g.Get(anno.FieldLocation)
		gRot, _ := g.Get(anno.FieldRotationY)
		gDiff, _ := g.Get(anno.FieldDifficulty)
		dNames, _ := d.Get(anno.FieldName)
		dLoc, _ := d.Get(anno.FieldLocation)
		dRot, _ := d.Get(anno.FieldRotationY)

		used := make([]bool, d.Len())
		for i := 0; i < g.Len(); i++ {
			c, ok := classIdx[gNames.Strings[i]]
			if !ok {
				continue
			}
			h := hit{difficulty: gDiff.Ints[i]}
			// Detection records without objects carry a numeric name column.
			if dNames.Kind == anno.String {
				for j := 0; j < d.Len(); j++ {
					if used[j] || dNames.Strings[j] != gNames.Strings[i] {
						continue
					}
					if dist(gLoc.Row(i), dLoc.Row(j)) <= MatchDistance {
						used[j] = true
						h.matched = true
						h.cosine = math.Cos(gRot.Floats[i] - dRot.Floats[j])
						break
					}
				}
			}
			hits[c] = append(hits[c], h)
		}
	}
	return hits, nil
}

func dist(a, b []float64) float64 {
	return math.Sqrt((a[0]-b[0])*(a[0]-b[0]) + (a[1]-b[1])*(a[1]-b[1]) + (a[2]-b[2])*(a[2]-b[2]))
}
