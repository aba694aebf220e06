package train

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/pointpillars/internal/anno"
	"github.com/banshee-data/pointpillars/internal/dataload"
	"github.com/banshee-data/pointpillars/internal/detector"
	"github.com/banshee-data/pointpillars/internal/fsutil"
	"github.com/banshee-data/pointpillars/internal/metric"
	"github.com/banshee-data/pointpillars/internal/postprocess"
	"github.com/banshee-data/pointpillars/internal/tensor"
	"github.com/banshee-data/pointpillars/internal/timeutil"
)

// ResultFileName is the JSON dump of every detection record of a pass.
const ResultFileName = "result.json"

// predictor runs a network over an evaluation loader and collects one
// detection record per image.
type predictor struct {
	net       detector.Network
	loader    *dataload.Loader
	builder   *postprocess.Builder
	floatType tensor.DType
	clock     timeutil.Clock
	// dedup gives every pass its own ScoreSet.
	dedup bool
	// minVoxels > 0 makes two-stage batches with fewer voxels produce empty
	// records instead of running the network.
	minVoxels int
	// fps, when set, receives 1/forward seconds per batch.
	fps *metric.Average
}

// predictions is the output of one pass.
type predictions struct {
	imageIdx []int64
	coarse   []anno.Record
	refine   []anno.Record
	batches  int
	skipped  int
	// busy is the time spent predicting and postprocessing.
	busy    time.Duration
	elapsed time.Duration
}

// final returns the records that are scored and written: the refined stage
// of two-stage networks.
func (p *predictions) final() []anno.Record {
	if p.refine != nil {
		return p.refine
	}
	return p.coarse
}

func (pr *predictor) run(ctx context.Context) (*predictions, error) {
	start := pr.clock.Now()
	twoStage := pr.net.Capability() == detector.TwoStage
	var scores *postprocess.ScoreSet
	if pr.dedup {
		scores = postprocess.NewScoreSet()
	}

	out := &predictions{}
	if twoStage {
		out.refine = []anno.Record{}
	}
	it := pr.loader.Iter(ctx)
	defer it.Close()
	for {
		ex, ok, err := it.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("load eval batch %d: %w", out.batches, err)
		}
		if !ok {
			break
		}
		ex = tensor.ConvertExample(ex, pr.floatType)
		if err := pr.batch(ctx, ex, twoStage, scores, out); err != nil {
			return nil, fmt.Errorf("eval batch %d: %w", out.batches, err)
		}
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	out.elapsed = pr.clock.Since(start)
	return out, nil
}

func (pr *predictor) batch(ctx context.Context, ex tensor.Example, twoStage bool, scores *postprocess.ScoreSet, out *predictions) error {
	shapes, err := detector.ImageShapes(ex)
	if err != nil {
		return err
	}
	idx := detector.ImageIndices(ex)
	out.imageIdx = append(out.imageIdx, idx...)

	if twoStage && pr.minVoxels > 0 && detector.NumVoxels(ex) < pr.minVoxels {
		empty := make([]postprocess.ImagePredictions, len(idx))
		for i, imageIdx := range idx {
			empty[i] = postprocess.ImagePredictions{ImageIdx: imageIdx}
		}
		coarse, refine, err := pr.builder.BuildStaged(postprocess.Staged{Coarse: empty, Refine: empty}, shapes, nil)
		if err != nil {
			return err
		}
		out.coarse = append(out.coarse, coarse...)
		out.refine = append(out.refine, refine...)
		out.skipped++
		return nil
	}

	start := pr.clock.Now()
	staged, err := pr.net.Predict(ctx, ex)
	if err != nil {
		return err
	}
	if forward := pr.clock.Since(start); pr.fps != nil && forward > 0 {
		pr.fps.Update(1 / forward.Seconds())
	}
	if twoStage {
		coarse, refine, err := pr.builder.BuildStaged(staged, shapes, scores)
		if err != nil {
			return err
		}
		out.coarse = append(out.coarse, coarse...)
		out.refine = append(out.refine, refine...)
	} else {
		coarse, err := pr.builder.Build(staged.Coarse, shapes, scores)
		if err != nil {
			return err
		}
		out.coarse = append(out.coarse, coarse...)
	}
	out.busy += pr.clock.Since(start)
	out.batches++
	return nil
}

// writeResults persists the final records into dir, either as one JSON file
// or as per-image KITTI label files. In the KITTI case the records are read
// back from disk and returned, so scoring sees exactly what was written.
func writeResults(fsys fsutil.FileSystem, dir string, kittiFiles bool, p *predictions) ([]anno.Record, error) {
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create result dir: %w", err)
	}
	final := p.final()
	if !kittiFiles {
		data, err := json.Marshal(final)
		if err != nil {
			return nil, fmt.Errorf("encode results: %w", err)
		}
		if err := fsutil.WriteFileAtomic(fsys, filepath.Join(dir, ResultFileName), data, 0644); err != nil {
			return nil, fmt.Errorf("write results: %w", err)
		}
		return final, nil
	}
	if err := postprocess.WriteKittiResults(fsys, dir, p.imageIdx, final); err != nil {
		return nil, err
	}
	return postprocess.ReadKittiResults(fsys, dir, p.imageIdx)
}

func countObjects(recs []anno.Record) int {
	n := 0
	for i := range recs {
		n += recs[i].Len()
	}
	return n
}

func groundTruth(infos []detector.Info) []anno.Record {
	gt := make([]anno.Record, len(infos))
	for i, info := range infos {
		gt[i] = info.Annos
	}
	return gt
}
