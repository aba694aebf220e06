package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/pointpillars/internal/checkpoint"
	"github.com/banshee-data/pointpillars/internal/config"
	"github.com/banshee-data/pointpillars/internal/dataload"
	"github.com/banshee-data/pointpillars/internal/detector"
	"github.com/banshee-data/pointpillars/internal/fsutil"
	"github.com/banshee-data/pointpillars/internal/metric"
	"github.com/banshee-data/pointpillars/internal/monitoring"
	"github.com/banshee-data/pointpillars/internal/optim"
	"github.com/banshee-data/pointpillars/internal/report"
	"github.com/banshee-data/pointpillars/internal/status"
	"github.com/banshee-data/pointpillars/internal/summary"
	"github.com/banshee-data/pointpillars/internal/tensor"
	"github.com/banshee-data/pointpillars/internal/timeutil"
)

const (
	// EvalCheckpointDir holds the checkpoint of every evaluated step.
	EvalCheckpointDir = "eval_checkpoints"
	// LogFileName is the run log inside the model directory.
	LogFileName = "log.txt"

	defaultDisplayStep = 50
	defaultSummaryStep = 5
)

// ErrEmptyDataset is returned when the training set yields no batch.
var ErrEmptyDataset = errors.New("training dataset is empty")

// Config configures a training run.
type Config struct {
	// Pipeline is the parsed pipeline config.
	Pipeline *config.PipelineConfig
	// ModelDir receives checkpoints, the config backup, log.txt and the
	// summary database.
	ModelDir string
	// ResultPath defaults to ModelDir/results.
	ResultPath string
	// CreateFolder trains into a new timestamped sibling of ModelDir when
	// ModelDir already exists.
	CreateFolder bool
	// DisplayStep is how often a metrics line is logged. Default 50.
	DisplayStep int64
	// SummaryStep is how often metrics go to the summary stream between
	// display steps. Default 5.
	SummaryStep int64
	// KittiFiles writes per-image KITTI label files instead of result.json.
	KittiFiles bool
	// RefineWeight scales the refine loss of two-stage networks.
	RefineWeight float64
	// KeepDuplicateScores turns off score deduplication in evaluation.
	KeepDuplicateScores bool

	Clock   timeutil.Clock
	Console io.Writer
	Status  status.Reporter
}

// Trainer runs the phased train/eval loop.
type Trainer struct {
	cfg      Config
	pipeline *config.PipelineConfig
	fs       fsutil.FileSystem
	clock    timeutil.Clock
	status   status.Reporter
	store    *checkpoint.Store

	resultPath string
	classNames []string
	floatType  tensor.DType

	net      detector.Network
	opt      optim.Optimizer
	mixed    *optim.MixedPrecision
	schedule optim.Schedule
	loader   *dataload.Loader
	iter     *dataload.Iterator
	evalSet  detector.EvalDataset
	pred     *predictor
	scorer   detector.Scorer

	log *monitoring.RunLog
	rep *report.Reporter
	db  *summary.DB

	// metrics holds trainer-side running metrics, logged before each
	// evaluation.
	metrics   *metric.Set
	stepTimes *metric.Range
}

// NewTrainer validates cfg and fills in defaults. Nothing is touched on disk
// until Run.
func NewTrainer(cfg Config) (*Trainer, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("train: no pipeline config")
	}
	if cfg.ModelDir == "" {
		return nil, fmt.Errorf("train: no model directory")
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if cfg.DisplayStep <= 0 {
		cfg.DisplayStep = defaultDisplayStep
	}
	if cfg.SummaryStep <= 0 {
		cfg.SummaryStep = defaultSummaryStep
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Console == nil {
		cfg.Console = os.Stdout
	}
	if cfg.Status == nil {
		cfg.Status = status.Nop{}
	}
	fsys := fsutil.OSFileSystem{}
	return &Trainer{
		cfg:      cfg,
		pipeline: cfg.Pipeline,
		fs:       fsys,
		clock:    cfg.Clock,
		status:   cfg.Status,
		store:    checkpoint.NewStore(fsys),
	}, nil
}

// ModelDir is the directory the run writes to, which differs from the
// configured one when CreateFolder picked a fresh folder.
func (t *Trainer) ModelDir() string { return t.cfg.ModelDir }

// Network returns the network once Run has built it.
func (t *Trainer) Network() detector.Network { return t.net }

// Run trains for the configured number of steps, evaluating after every
// phase. Whatever happens inside the loop, the current state is saved to the
// model directory before Run returns.
func (t *Trainer) Run(ctx context.Context) (err error) {
	t.status.SetPhase(status.PhaseStarting)
	if err := t.setup(ctx); err != nil {
		t.status.SetPhase(status.PhaseFailed)
		t.close()
		return err
	}
	defer t.close()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("training panicked: %v\n%s", r, debug.Stack())
		}
		if err != nil {
			t.log.Printf("training failed at step %d: %v", t.net.GlobalStep(), err)
		}
		if _, saveErr := t.save(t.cfg.ModelDir, t.pipeline.GetTrainConfig().GetMaxCheckpointsToKeep()); saveErr != nil {
			err = errors.Join(err, saveErr)
		}
		if err != nil {
			t.status.SetPhase(status.PhaseFailed)
			return
		}
		t.status.SetPhase(status.PhaseDone)
	}()
	return t.loop(ctx)
}

func (t *Trainer) setup(ctx context.Context) error {
	if t.cfg.CreateFolder && t.fs.Exists(t.cfg.ModelDir) {
		t.cfg.ModelDir = timestampedDir(t.cfg.ModelDir, t.clock.Now())
	}
	modelDir := t.cfg.ModelDir
	t.resultPath = t.cfg.ResultPath
	if t.resultPath == "" {
		t.resultPath = filepath.Join(modelDir, "results")
	}
	for _, dir := range []string{modelDir, filepath.Join(modelDir, EvalCheckpointDir), t.resultPath} {
		if err := t.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := t.pipeline.Backup(t.fs, modelDir); err != nil {
		return err
	}

	log, err := monitoring.OpenRunLog(filepath.Join(modelDir, LogFileName), t.cfg.Console)
	if err != nil {
		return err
	}
	t.log = log
	log.FileOnly(string(t.pipeline.Raw()) + "\n")

	db, err := summary.Open(summary.Path(modelDir))
	if err != nil {
		return err
	}
	t.db = db
	sink, err := db.NewRun(modelDir, "train", t.clock)
	if err != nil {
		return err
	}
	t.rep = report.NewReporter(log, sink)
	t.stepTimes = metric.NewRange()
	t.metrics = metric.NewSet()
	t.metrics.Add("steptime", t.stepTimes)

	tc := t.pipeline.GetTrainConfig()
	t.classNames = t.pipeline.GetTrainInputReader().ClassNames
	t.floatType = floatType(tc.GetEnableMixedPrecision())

	if t.net, err = newNetwork(t.pipeline); err != nil {
		return err
	}
	params := t.net.Parameters()
	t.log.Println("num_trainable parameters:", len(params))
	for _, p := range params {
		t.log.Println(p.Name, len(p.Data))
	}
	// The schedule depends on the global step, so the network is restored
	// before the optimizer is built.
	if _, _, err := t.store.RestoreLatest(modelDir, t.net); err != nil {
		return fmt.Errorf("restore network: %w", err)
	}

	oc := tc.GetOptimizer()
	base, err := BuildOptimizer(oc, params)
	if err != nil {
		return err
	}
	t.opt = base
	if tc.GetEnableMixedPrecision() {
		if t.mixed, err = optim.NewMixedPrecision(base, tc.GetLossScaleFactor()); err != nil {
			return err
		}
		t.opt = t.mixed
	}
	// Optimizer state is restored into the wrapper, never the bare base.
	if _, _, err := t.store.RestoreLatest(modelDir, t.opt); err != nil {
		return fmt.Errorf("restore optimizer: %w", err)
	}
	if t.schedule, err = BuildSchedule(oc.GetLearningRate(), tc.GetSteps()); err != nil {
		return err
	}
	t.opt.SetLearningRate(t.schedule.LR(t.net.GlobalStep()))

	trainReader := t.pipeline.GetTrainInputReader()
	ds, err := detector.NewDataset(trainReader.GetDataset(), datasetOptions(trainReader, true))
	if err != nil {
		return err
	}
	t.loader = newLoader(ds, trainReader, true, t.clock)

	evalReader := t.pipeline.GetEvalInputReader()
	if t.evalSet, err = detector.NewEvalDataset(evalReader.GetDataset(), datasetOptions(evalReader, false)); err != nil {
		return err
	}
	builder, err := newBuilder(evalReader.ClassNames, t.pipeline.GetModel(), t.pipeline.GetModel().GetPostCenterLimitRange())
	if err != nil {
		return err
	}
	t.pred = &predictor{
		net:       t.net,
		loader:    newLoader(t.evalSet, evalReader, false, t.clock),
		builder:   builder,
		floatType: t.floatType,
		clock:     t.clock,
		dedup:     !t.cfg.KeepDuplicateScores,
	}
	if t.scorer, err = detector.NewScorer(t.pipeline.GetScorer()); err != nil {
		return err
	}
	return ctx.Err()
}

func (t *Trainer) close() {
	if t.iter != nil {
		if err := t.iter.Close(); err != nil {
			monitoring.Logf("train: close data iterator: %v", err)
		}
		t.iter = nil
	}
	if t.db != nil {
		if err := t.db.Close(); err != nil {
			monitoring.Logf("train: close summary db: %v", err)
		}
		t.db = nil
	}
	if err := t.log.Close(); err != nil {
		monitoring.Logf("train: close run log: %v", err)
	}
}

// save writes the network and optimizer state at the current global step.
func (t *Trainer) save(dir string, maxToKeep int) (string, error) {
	if t.net == nil || t.opt == nil {
		return "", nil
	}
	path, err := t.store.Save(dir, t.net.GlobalStep(), maxToKeep, t.net, t.opt)
	if err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	return path, nil
}

func (t *Trainer) loop(ctx context.Context) error {
	tc := t.pipeline.GetTrainConfig()
	remaining := tc.GetSteps() - t.net.GlobalStep()
	plan := PhasePlan(remaining, tc.GetStepsPerEval())
	maxToKeep := tc.GetMaxCheckpointsToKeep()

	t.iter = t.loader.Iter(ctx)
	ckpt := timeutil.NewInterval(t.clock, tc.GetSaveCheckpointsInterval())
	lap := timeutil.NewStopwatch(t.clock)
	t.opt.ZeroGrad()
	for _, steps := range plan {
		t.status.SetPhase(status.PhaseTrain)
		for i := int64(0); i < steps; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := t.step(ctx, lap); err != nil {
				return fmt.Errorf("step %d: %w", t.net.GlobalStep()+1, err)
			}
			if ckpt.Due() {
				if _, err := t.save(t.cfg.ModelDir, maxToKeep); err != nil {
					return err
				}
				ckpt.Reset()
			}
		}
		if _, err := t.save(t.cfg.ModelDir, maxToKeep); err != nil {
			return err
		}
		if _, err := t.save(filepath.Join(t.cfg.ModelDir, EvalCheckpointDir), checkpoint.EvalMaxToKeep); err != nil {
			return err
		}
		if err := t.evaluate(ctx); err != nil {
			return fmt.Errorf("evaluate step %d: %w", t.net.GlobalStep(), err)
		}
	}
	return nil
}

func (t *Trainer) nextBatch(ctx context.Context) (tensor.Example, error) {
	ex, ok, err := t.iter.Next(ctx)
	if err != nil || ok {
		return ex, err
	}
	t.log.Println("end epoch")
	if t.pipeline.GetTrainConfig().GetClearMetricsEveryEpoch() {
		t.net.ClearMetrics()
		t.metrics.ResetAll()
	}
	if err := t.iter.Close(); err != nil {
		return nil, err
	}
	t.iter = t.loader.Iter(ctx)
	ex, ok, err = t.iter.Next(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEmptyDataset
	}
	return ex, nil
}

func (t *Trainer) step(ctx context.Context, lap *timeutil.Stopwatch) error {
	tc := t.pipeline.GetTrainConfig()
	t.opt.SetLearningRate(t.schedule.LR(t.net.GlobalStep()))

	raw, err := t.nextBatch(ctx)
	if err != nil {
		return err
	}
	ex := tensor.ConvertExample(raw, t.floatType)
	out, err := t.net.Train(ctx, ex, detector.TrainAux{RefineWeight: t.cfg.RefineWeight})
	if err != nil {
		return err
	}
	scale := 1.0
	if t.mixed != nil {
		scale = t.mixed.LossScale
	}
	if err := t.net.Backward(scale); err != nil {
		return err
	}
	optim.ClipGradNorm(t.net.Parameters(), tc.GetClipGradNorm())
	if err := t.opt.Step(); err != nil {
		return err
	}
	t.opt.ZeroGrad()
	t.net.UpdateGlobalStep()
	netMetrics := t.net.UpdateMetrics(out, ex)
	stepTime := lap.Lap()
	t.stepTimes.Update(stepTime.Seconds())

	step := t.net.GlobalStep()
	display := step%t.cfg.DisplayStep == 0
	if !display && step%t.cfg.SummaryStep != 0 {
		return nil
	}
	tree := stepMetrics(step, stepTime, netMetrics, out, ex, t.net.Capability(), t.opt.LearningRate())
	if t.mixed != nil {
		tree.Int("skipped_steps", t.mixed.SkippedSteps())
	}
	if display {
		err = t.rep.Report(step, tree)
	} else {
		err = t.rep.Summarize(step, tree)
	}
	if err != nil {
		// A broken summary stream does not stop training.
		monitoring.Logf("train: %v", err)
	}
	return nil
}

// stepMetrics builds the nested metrics of one step. Keys and their order
// make up the display line.
func stepMetrics(step int64, stepTime time.Duration, netMetrics *report.Tree, out detector.TrainOutput, ex tensor.Example, capability detector.Capability, lr float64) *report.Tree {
	tree := report.NewTree().
		Int("step", step).
		Float("steptime", stepTime.Seconds()).
		Merge(netMetrics)
	loss := tree.Sub("loss")
	loss.Floats("loc_elem", out.LocLossElem).
		Float("cls_pos_rt", out.ClsPosLoss).
		Float("cls_neg_rt", out.ClsNegLoss)
	if capability == detector.TwoStage {
		tree.Float("coarse_loss", out.CoarseLoss).Float("refine_loss", out.RefineLoss)
	}
	if out.HasDirLoss {
		loss.Float("dir_rt", out.DirLossReduced)
	}
	pos, neg, anchors := detector.AnchorCounts(ex)
	tree.Int("num_vox", int64(detector.NumVoxels(ex))).
		Int("num_pos", int64(pos)).
		Int("num_neg", int64(neg)).
		Int("num_anchors", int64(anchors)).
		Float("lr", lr)
	if idx := detector.ImageIndices(ex); len(idx) > 0 {
		tree.Int("image_idx", idx[0])
	}
	return tree
}

// evaluate runs one evaluation pass at the current global step and reports
// the benchmark results.
func (t *Trainer) evaluate(ctx context.Context) error {
	t.status.SetPhase(status.PhaseEval)
	t.net.SetTraining(false)
	defer t.net.SetTraining(true)

	step := t.net.GlobalStep()
	dir := filepath.Join(t.resultPath, fmt.Sprintf("step_%d", step))
	if err := t.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create result dir: %w", err)
	}
	t.log.Println("#################################")
	t.log.Println("# EVAL")
	t.log.Println("#################################")
	for _, name := range t.metrics.Names() {
		m, _ := t.metrics.Get(name)
		t.log.Println(name+":", m)
	}
	t.log.Println("Generate output labels...")

	preds, err := t.pred.run(ctx)
	if err != nil {
		return err
	}
	if timed, ok := t.net.(detector.Timed); ok {
		t.log.Printf("avg forward time per example: %.3f", timed.AvgForwardTime())
		t.log.Printf("avg postprocess time per example: %.3f", timed.AvgPostprocessTime())
		timed.ClearTimeMetrics()
	}
	t.log.Printf("generate label finished(%.2f/s). start eval:", perSecond(t.evalSet.Len(), preds.elapsed))

	dt, err := writeResults(t.fs, dir, t.cfg.KittiFiles, preds)
	if err != nil {
		return err
	}
	gt := groundTruth(t.evalSet.Infos())
	classes := t.pred.builder.ClassNames

	if preds.refine != nil {
		t.log.Println("Before Refine:")
		coarse, err := t.scorer.Official(gt, preds.coarse, classes)
		if err != nil {
			return fmt.Errorf("score coarse detections: %w", err)
		}
		logSummaryErr(t.rep.Text("eval_result", step, coarse.Text))
		t.log.Println("After Refine:")
	}
	res, err := t.scorer.Official(gt, dt, classes)
	if err != nil {
		return fmt.Errorf("score detections: %w", err)
	}
	if err := checkScore(res, len(classes)); err != nil {
		return err
	}
	logSummaryErr(t.rep.Text("eval_result", step, res.Text))
	logSummaryErr(t.reportAP(step, classes, res))

	if coco, ok := t.scorer.(detector.CocoScorer); ok {
		text, err := coco.Coco(gt, dt, classes)
		if err != nil {
			return fmt.Errorf("coco score: %w", err)
		}
		logSummaryErr(t.rep.Text("eval_result", step, text))
	}
	return nil
}

// reportAP writes the moderate-difficulty AP of every class and their means.
func (t *Trainer) reportAP(step int64, classes []string, res detector.ScoreResult) error {
	var errs []error
	bev := make([]float64, len(classes))
	threeD := make([]float64, len(classes))
	aos := make([]float64, len(classes))
	for i, name := range classes {
		bev[i], threeD[i], aos[i] = res.BEV[i][1], res.ThreeD[i][1], res.AOS[i][1]
		errs = append(errs,
			t.rep.Scalar("bev_ap:"+name, step, bev[i]),
			t.rep.Scalar("3d_ap:"+name, step, threeD[i]),
			t.rep.Scalar("aos_ap:"+name, step, aos[i]))
	}
	if len(classes) > 0 {
		errs = append(errs,
			t.rep.Scalar("bev_map", step, stat.Mean(bev, nil)),
			t.rep.Scalar("3d_map", step, stat.Mean(threeD, nil)),
			t.rep.Scalar("aos_map", step, stat.Mean(aos, nil)))
	}
	return errors.Join(errs...)
}

// logSummaryErr logs a failed summary write. Summary failures never stop a
// run.
func logSummaryErr(err error) {
	if err != nil {
		monitoring.Logf("train: %v", err)
	}
}

func checkScore(res detector.ScoreResult, classes int) error {
	if len(res.BEV) < classes || len(res.ThreeD) < classes || len(res.AOS) < classes {
		return fmt.Errorf("scorer returned %d/%d/%d AP rows for %d classes", len(res.BEV), len(res.ThreeD), len(res.AOS), classes)
	}
	return nil
}

func perSecond(n int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}

// timestampedDir returns dir with the time appended, e.g. model_20240102_150405.
func timestampedDir(dir string, now time.Time) string {
	return filepath.Clean(dir) + "_" + now.Format("20060102_150405")
}
