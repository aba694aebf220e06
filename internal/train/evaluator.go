package train

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/banshee-data/pointpillars/internal/anno"
	"github.com/banshee-data/pointpillars/internal/checkpoint"
	"github.com/banshee-data/pointpillars/internal/config"
	"github.com/banshee-data/pointpillars/internal/detector"
	"github.com/banshee-data/pointpillars/internal/fsutil"
	"github.com/banshee-data/pointpillars/internal/geom"
	"github.com/banshee-data/pointpillars/internal/gtfilter"
	"github.com/banshee-data/pointpillars/internal/metric"
	"github.com/banshee-data/pointpillars/internal/monitoring"
	"github.com/banshee-data/pointpillars/internal/timeutil"
)

// Evaluation modes.
const (
	// ModeAllGT scores against every ground-truth object.
	ModeAllGT = "1/2"
	// ModeInRangeGT drops ground truth outside the limit range first.
	ModeInRangeGT = "1/1"
)

// DefaultMetricsFileName is written inside the model directory.
const DefaultMetricsFileName = "eval-metrics.txt"

// minEvalVoxels is the smallest batch a two-stage network is run on.
const minEvalVoxels = 4

// EvalConfig configures a standalone evaluation.
type EvalConfig struct {
	Pipeline *config.PipelineConfig
	ModelDir string
	// ResultPath defaults to ModelDir/eval_results, or ModelDir/predict_test
	// with PredictTest.
	ResultPath string
	// CkptPath restores a specific record instead of the latest one in
	// ModelDir.
	CkptPath string
	// PredictTest writes detections without scoring them.
	PredictTest bool
	// KittiFiles writes per-image KITTI label files instead of result.json.
	KittiFiles bool
	// Mode is ModeAllGT (default) or ModeInRangeGT.
	Mode string
	// MetricsFileName defaults to DefaultMetricsFileName.
	MetricsFileName string
	// GTLimitRange replaces the model's post-center limit range for both
	// detections and ground truth.
	GTLimitRange []float64
	// KeepDuplicateScores turns off score deduplication.
	KeepDuplicateScores bool

	Clock   timeutil.Clock
	Console io.Writer
}

// Evaluator scores a saved checkpoint on the evaluation set.
type Evaluator struct {
	cfg     EvalConfig
	fs      fsutil.FileSystem
	store   *checkpoint.Store
	log     *monitoring.RunLog
	metrics *metric.Set
}

// NewEvaluator validates cfg and fills in defaults.
func NewEvaluator(cfg EvalConfig) (*Evaluator, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("evaluate: no pipeline config")
	}
	if cfg.ModelDir == "" {
		return nil, fmt.Errorf("evaluate: no model directory")
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAllGT
	}
	if cfg.Mode != ModeAllGT && cfg.Mode != ModeInRangeGT {
		return nil, fmt.Errorf("evaluate: unknown evaluation mode %q", cfg.Mode)
	}
	if cfg.GTLimitRange != nil {
		if _, err := geom.NewRange(cfg.GTLimitRange); err != nil {
			return nil, fmt.Errorf("gt limit range: %w", err)
		}
	}
	if cfg.MetricsFileName == "" {
		cfg.MetricsFileName = DefaultMetricsFileName
	}
	if cfg.ResultPath == "" {
		name := "eval_results"
		if cfg.PredictTest {
			name = "predict_test"
		}
		cfg.ResultPath = filepath.Join(cfg.ModelDir, name)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Console == nil {
		cfg.Console = os.Stdout
	}
	fsys := fsutil.OSFileSystem{}
	return &Evaluator{
		cfg:     cfg,
		fs:      fsys,
		store:   checkpoint.NewStore(fsys),
		log:     monitoring.NewRunLog(cfg.Console, nil),
		metrics: metric.NewSet(),
	}, nil
}

// Metrics returns the metrics of the last Run in logging order.
func (e *Evaluator) Metrics() *metric.Set { return e.metrics }

// ResultDir is where Run writes the detections of a checkpoint at step.
func (e *Evaluator) ResultDir(step int64) string {
	return filepath.Join(e.cfg.ResultPath, fmt.Sprintf("step_%d", step))
}

// Run restores the network, predicts the whole evaluation set and, unless
// PredictTest is set, scores the detections and logs the metrics to the
// metrics file and the console.
func (e *Evaluator) Run(ctx context.Context) error {
	p := e.cfg.Pipeline
	model := p.GetModel()
	reader := p.GetEvalInputReader()
	classes := reader.ClassNames

	limit := model.GetPostCenterLimitRange()
	if e.cfg.GTLimitRange != nil {
		limit = e.cfg.GTLimitRange
	}

	net, err := newNetwork(p)
	if err != nil {
		return err
	}
	if e.cfg.CkptPath == "" {
		if _, found, err := e.store.RestoreLatest(e.cfg.ModelDir, net); err != nil {
			return fmt.Errorf("restore network: %w", err)
		} else if !found {
			monitoring.Logf("evaluate: no checkpoint in %s, using initial weights", e.cfg.ModelDir)
		}
	} else if _, err := e.store.RestoreExplicit(e.cfg.CkptPath, net); err != nil {
		return fmt.Errorf("restore network: %w", err)
	}

	ds, err := detector.NewEvalDataset(reader.GetDataset(), datasetOptions(reader, false))
	if err != nil {
		return err
	}
	builder, err := newBuilder(classes, model, limit)
	if err != nil {
		return err
	}
	fps := metric.NewAverage()
	pred := &predictor{
		net:       net,
		loader:    newLoader(ds, reader, false, e.cfg.Clock),
		builder:   builder,
		floatType: floatType(p.GetTrainConfig().GetEnableMixedPrecision()),
		clock:     e.cfg.Clock,
		dedup:     !e.cfg.KeepDuplicateScores,
		minVoxels: minEvalVoxels,
		fps:       fps,
	}

	net.SetTraining(false)
	dir := e.ResultDir(net.GlobalStep())
	if err := e.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create result dir: %w", err)
	}

	infos := ds.Infos()
	gt := groundTruth(infos)
	var counts *gtfilter.Counts
	if e.cfg.Mode == ModeInRangeGT {
		gt, counts, err = filterGT(gt, infos, limit)
		if err != nil {
			return err
		}
		e.log.Println("in_range_count:", counts.InRange, "not_in_range_count:", counts.NotInRange)
	}

	e.log.Println("Generate output labels...")
	preds, err := pred.run(ctx)
	if err != nil {
		return err
	}
	if preds.refine != nil {
		e.log.Println(" || total_detected_coarse:", countObjects(preds.coarse))
		e.log.Println(" || total_detected_refine:", countObjects(preds.refine))
	}
	if preds.busy > 0 {
		e.log.Println("fps by total:", float64(preds.batches)/preds.busy.Seconds())
	}
	e.log.Println("total_count:", preds.batches)
	e.log.Printf("generate label finished(%.2f/s). start eval:", perSecond(ds.Len(), preds.elapsed))
	if timed, ok := net.(detector.Timed); ok {
		e.log.Printf("avg forward time per example: %.3f", timed.AvgForwardTime())
		e.log.Printf("avg postprocess time per example: %.3f", timed.AvgPostprocessTime())
	}

	dt, err := writeResults(e.fs, dir, e.cfg.KittiFiles, preds)
	if err != nil {
		return err
	}
	if e.cfg.PredictTest {
		return nil
	}
	e.log.Println(" || total_objects_gt:", countObjects(gt))

	scorer, err := detector.NewScorer(p.GetScorer())
	if err != nil {
		return err
	}
	e.metrics = metric.NewSet()
	e.metrics.Add("FPS", fps)
	e.metrics.Add("Evaluation Mode", metric.NewText(e.cfg.Mode))
	if preds.refine != nil {
		e.log.Println("Before Refine:")
		if err := e.score(scorer, gt, preds.coarse, classes, "Coarse "); err != nil {
			return fmt.Errorf("score coarse detections: %w", err)
		}
		e.log.Println("After Refine:")
		if err := e.score(scorer, gt, dt, classes, "Refine "); err != nil {
			return fmt.Errorf("score refined detections: %w", err)
		}
	} else if err := e.score(scorer, gt, dt, classes, ""); err != nil {
		return fmt.Errorf("score detections: %w", err)
	}
	if counts != nil {
		e.metrics.Add("Objects in range", metric.NewValue(float64(counts.InRange)))
		e.metrics.Add("Objects not in range", metric.NewValue(float64(counts.NotInRange)))
	}

	if err := e.metrics.LogAll(filepath.Join(e.cfg.ModelDir, e.cfg.MetricsFileName)); err != nil {
		return err
	}
	return e.metrics.LogAll(metric.Console)
}

// score logs the benchmark text and adds one "<prefix><class> 3D APs" metric
// per class holding the easy, moderate and hard AP.
func (e *Evaluator) score(scorer detector.Scorer, gt, dt []anno.Record, classes []string, prefix string) error {
	res, err := scorer.Official(gt, dt, classes)
	if err != nil {
		return err
	}
	if err := checkScore(res, len(classes)); err != nil {
		return err
	}
	e.log.Println(res.Text)
	for i, name := range classes {
		ap := res.ThreeD[i]
		e.metrics.Add(prefix+name+" 3D APs", metric.NewValue(ap[0], ap[1], ap[2]))
	}
	return nil
}

func filterGT(gt []anno.Record, infos []detector.Info, limit []float64) ([]anno.Record, *gtfilter.Counts, error) {
	r, err := geom.NewRange(limit)
	if err != nil {
		return nil, nil, fmt.Errorf("gt limit range: %w", err)
	}
	calibs := make([]geom.Calibration, len(infos))
	for i, info := range infos {
		calibs[i] = info.Calib
	}
	filtered, counts, err := gtfilter.Filter(gt, calibs, r)
	if err != nil {
		return nil, nil, err
	}
	return filtered, &counts, nil
}
