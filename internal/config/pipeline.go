package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"

	"github.com/banshee-data/pointpillars/internal/fsutil"
)

// ExampleConfigPath is the annotated example pipeline shipped with the repo.
const ExampleConfigPath = "config/pipeline.example.hujson"

// BackupFileName is the copy of the config kept in the model directory.
const BackupFileName = "pipeline.config"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// PipelineConfig is the root of a training/evaluation config file. Every
// scalar is a pointer so that omitted fields fall back to the Get* defaults.
type PipelineConfig struct {
	TrainInputReader *InputReaderConfig `json:"train_input_reader,omitempty"`
	EvalInputReader  *InputReaderConfig `json:"eval_input_reader,omitempty"`
	Model            *ModelConfig       `json:"model,omitempty"`
	TrainConfig      *TrainConfig       `json:"train_config,omitempty"`
	Scorer           *string            `json:"scorer,omitempty"`

	raw []byte
}

// InputReaderConfig selects a dataset and how it is batched.
type InputReaderConfig struct {
	Dataset    *string         `json:"dataset,omitempty"`
	Path       *string         `json:"path,omitempty"`
	ClassNames []string        `json:"class_names,omitempty"`
	BatchSize  *int            `json:"batch_size,omitempty"`
	NumWorkers *int            `json:"num_workers,omitempty"`
	Shuffle    *bool           `json:"shuffle,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"` // passed to the dataset
}

// ModelConfig selects the network.
type ModelConfig struct {
	Network              *string         `json:"network,omitempty"`
	LidarInput           *bool           `json:"lidar_input,omitempty"`
	PostCenterLimitRange []float64       `json:"post_center_limit_range,omitempty"`
	Params               json.RawMessage `json:"params,omitempty"` // passed to the network
}

// TrainConfig holds the loop settings.
type TrainConfig struct {
	Steps                  *int64           `json:"steps,omitempty"`
	StepsPerEval           *int64           `json:"steps_per_eval,omitempty"`
	SaveCheckpointsSecs    *float64         `json:"save_checkpoints_secs,omitempty"`
	MaxCheckpointsToKeep   *int             `json:"max_checkpoints_to_keep,omitempty"`
	EnableMixedPrecision   *bool            `json:"enable_mixed_precision,omitempty"`
	LossScaleFactor        *float64         `json:"loss_scale_factor,omitempty"`
	ClearMetricsEveryEpoch *bool            `json:"clear_metrics_every_epoch,omitempty"`
	ClipGradNorm           *float64         `json:"clip_grad_norm,omitempty"`
	Optimizer              *OptimizerConfig `json:"optimizer,omitempty"`
}

// OptimizerConfig selects the base optimizer and its learning rate.
type OptimizerConfig struct {
	Type         *string             `json:"type,omitempty"` // "adam" or "sgd"
	Momentum     *float64            `json:"momentum,omitempty"`
	WeightDecay  *float64            `json:"weight_decay,omitempty"`
	LearningRate *LearningRateConfig `json:"learning_rate,omitempty"`
}

// LearningRateConfig describes a schedule over the global step.
type LearningRateConfig struct {
	Type        *string   `json:"type,omitempty"`
	Initial     *float64  `json:"initial,omitempty"`
	Min         *float64  `json:"min,omitempty"`
	DecaySteps  *int64    `json:"decay_steps,omitempty"`
	DecayFactor *float64  `json:"decay_factor,omitempty"`
	Staircase   *bool     `json:"staircase,omitempty"`
	Boundaries  []int64   `json:"boundaries,omitempty"`
	Rates       []float64 `json:"rates,omitempty"`
	TotalSteps  *int64    `json:"total_steps,omitempty"`
}

// LoadPipelineConfig reads a .json or .hujson config. HuJSON files may carry
// comments and trailing commas.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".hujson" {
		return nil, fmt.Errorf("config file must have .json or .hujson extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParsePipelineConfig(data, ext == ".hujson")
}

// ParsePipelineConfig decodes and validates config bytes.
func ParsePipelineConfig(data []byte, human bool) (*PipelineConfig, error) {
	raw := data
	if human {
		std, err := hujson.Standardize(append([]byte(nil), data...))
		if err != nil {
			return nil, fmt.Errorf("failed to parse config HuJSON: %w", err)
		}
		data = std
	}

	cfg := &PipelineConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	cfg.raw = raw
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadExampleConfig loads ExampleConfigPath from the working directory or
// a parent. It panics when the file cannot be found, for test setup.
func MustLoadExampleConfig() *PipelineConfig {
	candidates := []string{
		ExampleConfigPath,
		"../../" + ExampleConfigPath,    // from internal/config/
		"../../../" + ExampleConfigPath, // from internal/detector/synthetic/
	}
	for _, path := range candidates {
		if cfg, err := LoadPipelineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + ExampleConfigPath + " - run tests from repository root")
}

// Raw returns the bytes the config was parsed from.
func (c *PipelineConfig) Raw() []byte { return c.raw }

// Backup writes the original config text to modelDir/pipeline.config.
func (c *PipelineConfig) Backup(fsys fsutil.FileSystem, modelDir string) error {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	if err := fsutil.WriteFileAtomic(fsys, filepath.Join(modelDir, BackupFileName), c.raw, 0644); err != nil {
		return fmt.Errorf("failed to back up config: %w", err)
	}
	return nil
}

// Validate checks values that are set. Unset values take defaults.
func (c *PipelineConfig) Validate() error {
	for name, r := range map[string]*InputReaderConfig{"train_input_reader": c.TrainInputReader, "eval_input_reader": c.EvalInputReader} {
		if err := r.validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if len(c.GetTrainInputReader().ClassNames) == 0 {
		return fmt.Errorf("train_input_reader: class_names must not be empty")
	}
	if n := len(c.GetModel().PostCenterLimitRange); n != 0 && n != 6 {
		return fmt.Errorf("model: post_center_limit_range needs 6 values, got %d", n)
	}
	if err := c.TrainConfig.validate(); err != nil {
		return fmt.Errorf("train_config: %w", err)
	}
	return nil
}

func (r *InputReaderConfig) validate() error {
	if r == nil {
		return nil
	}
	if r.BatchSize != nil && *r.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", *r.BatchSize)
	}
	if r.NumWorkers != nil && *r.NumWorkers < 0 {
		return fmt.Errorf("num_workers must be non-negative, got %d", *r.NumWorkers)
	}
	return nil
}

func (t *TrainConfig) validate() error {
	if t == nil {
		return nil
	}
	if t.Steps != nil && *t.Steps < 1 {
		return fmt.Errorf("steps must be positive, got %d", *t.Steps)
	}
	if t.StepsPerEval != nil && *t.StepsPerEval < 1 {
		return fmt.Errorf("steps_per_eval must be positive, got %d", *t.StepsPerEval)
	}
	if t.LossScaleFactor != nil && *t.LossScaleFactor <= 0 {
		return fmt.Errorf("loss_scale_factor must be positive, got %f", *t.LossScaleFactor)
	}
	if t.SaveCheckpointsSecs != nil && *t.SaveCheckpointsSecs < 0 {
		return fmt.Errorf("save_checkpoints_secs must be non-negative, got %f", *t.SaveCheckpointsSecs)
	}
	o := t.Optimizer
	if o == nil {
		return nil
	}
	switch o.GetType() {
	case "adam", "sgd":
	default:
		return fmt.Errorf("unknown optimizer type %q", o.GetType())
	}
	lr := o.LearningRate
	if lr == nil {
		return nil
	}
	switch lr.GetType() {
	case "constant", "exponential_decay", "cosine_decay":
	case "manual_stepping":
		if len(lr.Rates) != len(lr.Boundaries)+1 {
			return fmt.Errorf("manual_stepping needs one more rate than boundaries, got %d rates and %d boundaries", len(lr.Rates), len(lr.Boundaries))
		}
	default:
		return fmt.Errorf("unknown learning_rate type %q", lr.GetType())
	}
	return nil
}
