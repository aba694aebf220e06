package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pointpillars/internal/fsutil"
)

func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := &PipelineConfig{}
	tc := cfg.GetTrainConfig()
	assert.Equal(t, int64(296960), tc.GetSteps())
	assert.Equal(t, int64(9280), tc.GetStepsPerEval())
	assert.Equal(t, 30*time.Minute, tc.GetSaveCheckpointsInterval())
	assert.Equal(t, 8, tc.GetMaxCheckpointsToKeep())
	assert.False(t, tc.GetEnableMixedPrecision())
	assert.Equal(t, 512.0, tc.GetLossScaleFactor())
	assert.Equal(t, 10.0, tc.GetClipGradNorm())

	opt := tc.GetOptimizer()
	assert.Equal(t, "adam", opt.GetType())
	lr := opt.GetLearningRate()
	assert.Equal(t, "exponential_decay", lr.GetType())
	assert.Equal(t, 0.0002, lr.GetInitial())
	assert.True(t, lr.GetStaircase())
	assert.Equal(t, int64(77), lr.GetTotalSteps(77))

	r := cfg.GetTrainInputReader()
	assert.Equal(t, 2, r.GetBatchSize())
	assert.Equal(t, "kitti", r.GetDataset())
	assert.True(t, r.GetShuffle(true))

	m := cfg.GetModel()
	assert.Equal(t, []float64{0, -39.68, -5, 69.12, 39.68, 5}, m.GetPostCenterLimitRange())
	assert.Equal(t, "kitti", cfg.GetScorer())
}

func TestLoadPipelineConfig_JSON(t *testing.T) {
	path := writeConfig(t, "pipeline.json", `{
  "train_input_reader": {"class_names": ["Car"], "batch_size": 4},
  "train_config": {"steps": 100, "steps_per_eval": 30, "enable_mixed_precision": true}
}`)
	cfg, err := LoadPipelineConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"Car"}, cfg.GetTrainInputReader().ClassNames)
	assert.Equal(t, 4, cfg.GetTrainInputReader().GetBatchSize())
	assert.Equal(t, int64(100), cfg.GetTrainConfig().GetSteps())
	assert.True(t, cfg.GetTrainConfig().GetEnableMixedPrecision())

	// eval reader inherits class names
	assert.Equal(t, []string{"Car"}, cfg.GetEvalInputReader().ClassNames)
	assert.Nil(t, cfg.EvalInputReader)
}

func TestLoadPipelineConfig_HuJSON(t *testing.T) {
	body := `// comment
{
	"train_input_reader": {
		"class_names": ["Car", "Cyclist",], // trailing comma
	},
}`
	path := writeConfig(t, "pipeline.hujson", body)
	cfg, err := LoadPipelineConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Car", "Cyclist"}, cfg.GetTrainInputReader().ClassNames)
	assert.Equal(t, body, string(cfg.Raw()))
}

func TestLoadPipelineConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"extension", "pipeline.yaml", `{}`, "extension"},
		{"comments in json", "pipeline.json", "// no\n{}", "parse"},
		{"no classes", "pipeline.json", `{}`, "class_names"},
		{"batch size", "pipeline.json", `{"train_input_reader": {"class_names": ["Car"], "batch_size": 0}}`, "batch_size"},
		{"range", "pipeline.json", `{"train_input_reader": {"class_names": ["Car"]}, "model": {"post_center_limit_range": [1, 2]}}`, "post_center_limit_range"},
		{"optimizer", "pipeline.json", `{"train_input_reader": {"class_names": ["Car"]}, "train_config": {"optimizer": {"type": "lamb"}}}`, "optimizer"},
		{"schedule", "pipeline.json", `{"train_input_reader": {"class_names": ["Car"]}, "train_config": {"optimizer": {"learning_rate": {"type": "manual_stepping", "boundaries": [10], "rates": [1]}}}}`, "manual_stepping"},
		{"loss scale", "pipeline.json", `{"train_input_reader": {"class_names": ["Car"]}, "train_config": {"loss_scale_factor": 0}}`, "loss_scale_factor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPipelineConfig(writeConfig(t, tt.file, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadPipelineConfig_TooLarge(t *testing.T) {
	body := `{"train_input_reader": {"class_names": ["Car"]}, "pad": "` + strings.Repeat("x", maxFileSize) + `"}`
	_, err := LoadPipelineConfig(writeConfig(t, "big.json", body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoadPipelineConfig_Missing(t *testing.T) {
	_, err := LoadPipelineConfig(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestValidate_PointerFields(t *testing.T) {
	cfg := &PipelineConfig{
		TrainInputReader: &InputReaderConfig{ClassNames: []string{"Car"}, NumWorkers: ptrInt(-1)},
	}
	assert.Error(t, cfg.Validate())

	cfg.TrainInputReader.NumWorkers = ptrInt(0)
	cfg.TrainConfig = &TrainConfig{Steps: ptrInt64(10), StepsPerEval: ptrInt64(0)}
	assert.Error(t, cfg.Validate())

	cfg.TrainConfig.StepsPerEval = ptrInt64(5)
	cfg.TrainConfig.SaveCheckpointsSecs = ptrFloat64(0.5)
	cfg.TrainConfig.Optimizer = &OptimizerConfig{Type: ptrString("sgd")}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500*time.Millisecond, cfg.GetTrainConfig().GetSaveCheckpointsInterval())
}

func TestBackup(t *testing.T) {
	cfg, err := ParsePipelineConfig([]byte(`{"train_input_reader": {"class_names": ["Car"]}}`), false)
	require.NoError(t, err)

	fs := fsutil.NewMemoryFileSystem()
	require.NoError(t, cfg.Backup(fs, "/models/run1"))
	data, err := fs.ReadFile("/models/run1/" + BackupFileName)
	require.NoError(t, err)
	assert.Equal(t, cfg.Raw(), data)
}

func TestExampleConfigLoads(t *testing.T) {
	cfg := MustLoadExampleConfig()
	assert.Equal(t, "synthetic", cfg.GetModel().GetNetwork())
	assert.Equal(t, []string{"Car", "Pedestrian"}, cfg.GetEvalInputReader().ClassNames)
	assert.Equal(t, int64(40), cfg.GetTrainConfig().GetSteps())
}
