package train

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pointpillars/internal/checkpoint"
	"github.com/banshee-data/pointpillars/internal/config"
	"github.com/banshee-data/pointpillars/internal/metric"
	"github.com/banshee-data/pointpillars/internal/testutil"
)

// trainedModel trains a few steps into a fresh model directory.
func trainedModel(t *testing.T, pipeline *config.PipelineConfig) string {
	t.Helper()
	dir := t.TempDir()
	tr, _ := newTestTrainer(t, pipeline, dir, nil)
	require.NoError(t, tr.Run(context.Background()))
	return dir
}

func newTestEvaluator(t *testing.T, cfg EvalConfig) (*Evaluator, *bytes.Buffer) {
	t.Helper()
	var console bytes.Buffer
	cfg.Console = &console
	ev, err := NewEvaluator(cfg)
	require.NoError(t, err)
	return ev, &console
}

func TestEvaluator_AllGroundTruth(t *testing.T) {
	testutil.MuteLogs(t)
	metricsOut := captureMetricsConsole(t)
	pipeline := testutil.SmallPipeline(t, 3, 3)
	dir := trainedModel(t, pipeline)

	ev, console := newTestEvaluator(t, EvalConfig{Pipeline: pipeline, ModelDir: dir})
	require.NoError(t, ev.Run(context.Background()))

	assert.Equal(t, []string{"FPS", "Evaluation Mode", "Car 3D APs", "Pedestrian 3D APs"}, ev.Metrics().Names())
	mode, _ := ev.Metrics().Get("Evaluation Mode")
	assert.Equal(t, ModeAllGT, mode.String())
	fps, _ := ev.Metrics().Get("FPS")
	assert.Equal(t, 2, fps.(*metric.Average).Count())

	data, err := os.ReadFile(filepath.Join(dir, DefaultMetricsFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Evaluation Mode | 1/2\n")
	assert.Contains(t, string(data), "Car 3D APs | ")
	assert.Equal(t, string(data), metricsOut.String())

	assert.FileExists(t, filepath.Join(dir, "eval_results", "step_3", ResultFileName))
	assert.Equal(t, filepath.Join(dir, "eval_results", "step_3"), ev.ResultDir(3))
	out := console.String()
	assert.Contains(t, out, "Generate output labels...")
	assert.Contains(t, out, "total_count: 2")
	assert.Contains(t, out, " || total_objects_gt:")
	assert.Contains(t, out, "Car AP@")
}

func TestEvaluator_InRangeGroundTruth(t *testing.T) {
	testutil.MuteLogs(t)
	captureMetricsConsole(t)
	pipeline := testutil.SmallPipeline(t, 1, 1)
	dir := trainedModel(t, pipeline)

	// Nothing lies behind the sensor, so this window drops every object.
	ev, console := newTestEvaluator(t, EvalConfig{
		Pipeline:     pipeline,
		ModelDir:     dir,
		Mode:         ModeInRangeGT,
		GTLimitRange: []float64{-10, -10, -10, -5, 10, 10},
	})
	require.NoError(t, ev.Run(context.Background()))

	names := ev.Metrics().Names()
	assert.Equal(t, []string{"FPS", "Evaluation Mode", "Car 3D APs", "Pedestrian 3D APs", "Objects in range", "Objects not in range"}, names)
	in, _ := ev.Metrics().Get("Objects in range")
	assert.Equal(t, []float64{0}, in.(*metric.Value).Values())
	notIn, _ := ev.Metrics().Get("Objects not in range")
	assert.Greater(t, notIn.(*metric.Value).Values()[0], 0.0)
	assert.Contains(t, console.String(), "in_range_count: 0 not_in_range_count:")
	assert.Contains(t, console.String(), " || total_objects_gt: 0")

	// The same window also limits detections.
	data, err := os.ReadFile(filepath.Join(ev.ResultDir(1), ResultFileName))
	require.NoError(t, err)
	var recs []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &recs))
	for _, r := range recs {
		assert.JSONEq(t, "[]", string(r["score"]))
	}
}

func TestEvaluator_TwoStage(t *testing.T) {
	testutil.MuteLogs(t)
	captureMetricsConsole(t)
	pipeline := testutil.SmallPipeline(t, 1, 1)
	pipeline.Model.Params = json.RawMessage(`{"two_stage": true}`)
	// Seven images with batch size one: image 6 has no points and is skipped.
	pipeline.EvalInputReader.Params = json.RawMessage(`{"num_examples": 7, "max_objects": 3}`)
	pipeline.EvalInputReader.BatchSize = ptr(1)
	dir := trainedModel(t, pipeline)

	ev, console := newTestEvaluator(t, EvalConfig{Pipeline: pipeline, ModelDir: dir})
	require.NoError(t, ev.Run(context.Background()))

	assert.Equal(t, []string{
		"FPS", "Evaluation Mode",
		"Coarse Car 3D APs", "Coarse Pedestrian 3D APs",
		"Refine Car 3D APs", "Refine Pedestrian 3D APs",
	}, ev.Metrics().Names())
	out := console.String()
	assert.Contains(t, out, "total_count: 6")
	assert.Contains(t, out, " || total_detected_coarse:")
	assert.Contains(t, out, "Before Refine:")
	assert.Contains(t, out, "After Refine:")

	data, err := os.ReadFile(filepath.Join(ev.ResultDir(1), ResultFileName))
	require.NoError(t, err)
	var recs []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &recs))
	assert.Len(t, recs, 7)
}

func TestEvaluator_PredictTestExplicitCheckpoint(t *testing.T) {
	testutil.MuteLogs(t)
	captureMetricsConsole(t)
	pipeline := testutil.SmallPipeline(t, 4, 2)
	dir := trainedModel(t, pipeline)
	ckpt := filepath.Join(dir, EvalCheckpointDir, checkpoint.FileName(2))

	ev, _ := newTestEvaluator(t, EvalConfig{
		Pipeline:    pipeline,
		ModelDir:    dir,
		CkptPath:    ckpt,
		PredictTest: true,
		KittiFiles:  true,
	})
	require.NoError(t, ev.Run(context.Background()))

	assert.FileExists(t, filepath.Join(dir, "predict_test", "step_2", "000000.txt"))
	assert.NoFileExists(t, filepath.Join(dir, DefaultMetricsFileName))
	assert.Zero(t, ev.Metrics().Len())
}

func TestEvaluator_NoCheckpointUsesInitialWeights(t *testing.T) {
	testutil.MuteLogs(t)
	captureMetricsConsole(t)
	dir := t.TempDir()
	ev, _ := newTestEvaluator(t, EvalConfig{Pipeline: testutil.SmallPipeline(t, 1, 1), ModelDir: dir, MetricsFileName: "m.txt"})
	require.NoError(t, ev.Run(context.Background()))
	assert.FileExists(t, filepath.Join(dir, "m.txt"))
	assert.DirExists(t, ev.ResultDir(0))
}

func TestNewEvaluator_Errors(t *testing.T) {
	pipeline := testutil.SmallPipeline(t, 1, 1)
	_, err := NewEvaluator(EvalConfig{ModelDir: "x"})
	assert.Error(t, err)
	_, err = NewEvaluator(EvalConfig{Pipeline: pipeline})
	assert.Error(t, err)
	_, err = NewEvaluator(EvalConfig{Pipeline: pipeline, ModelDir: "x", Mode: "2/3"})
	assert.ErrorContains(t, err, "2/3")
	_, err = NewEvaluator(EvalConfig{Pipeline: pipeline, ModelDir: "x", GTLimitRange: []float64{1, 2}})
	assert.Error(t, err)

	ev, err := NewEvaluator(EvalConfig{Pipeline: pipeline, ModelDir: "x", CkptPath: "missing/ckpt-9.pb"})
	require.NoError(t, err)
	assert.Error(t, ev.Run(context.Background()))
}
