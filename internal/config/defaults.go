package config

import "time"

// GetTrainInputReader returns the train reader section, never nil.
func (c *PipelineConfig) GetTrainInputReader() *InputReaderConfig {
	if c.TrainInputReader == nil {
		return &InputReaderConfig{}
	}
	return c.TrainInputReader
}

// GetEvalInputReader returns the eval reader section, never nil. Class names
// fall back to the train reader's.
func (c *PipelineConfig) GetEvalInputReader() *InputReaderConfig {
	r := c.EvalInputReader
	if r == nil {
		r = &InputReaderConfig{}
	}
	if len(r.ClassNames) == 0 {
		cp := *r
		cp.ClassNames = c.GetTrainInputReader().ClassNames
		return &cp
	}
	return r
}

// GetModel returns the model section, never nil.
func (c *PipelineConfig) GetModel() *ModelConfig {
	if c.Model == nil {
		return &ModelConfig{}
	}
	return c.Model
}

// GetTrainConfig returns the train section, never nil.
func (c *PipelineConfig) GetTrainConfig() *TrainConfig {
	if c.TrainConfig == nil {
		return &TrainConfig{}
	}
	return c.TrainConfig
}

// GetScorer returns the scorer name or the default.
func (c *PipelineConfig) GetScorer() string {
	if c.Scorer == nil {
		return "kitti"
	}
	return *c.Scorer
}

// GetDataset returns the dataset name or the default.
func (r *InputReaderConfig) GetDataset() string {
	if r.Dataset == nil {
		return "kitti"
	}
	return *r.Dataset
}

// GetPath returns the dataset path, empty when unset.
func (r *InputReaderConfig) GetPath() string {
	if r.Path == nil {
		return ""
	}
	return *r.Path
}

// GetBatchSize returns the batch_size value or the default.
func (r *InputReaderConfig) GetBatchSize() int {
	if r.BatchSize == nil {
		return 2
	}
	return *r.BatchSize
}

// GetNumWorkers returns the num_workers value or the default.
func (r *InputReaderConfig) GetNumWorkers() int {
	if r.NumWorkers == nil {
		return 2
	}
	return *r.NumWorkers
}

// GetShuffle returns the shuffle value, or def when unset.
func (r *InputReaderConfig) GetShuffle(def bool) bool {
	if r.Shuffle == nil {
		return def
	}
	return *r.Shuffle
}

// GetNetwork returns the network name or the default.
func (m *ModelConfig) GetNetwork() string {
	if m.Network == nil {
		return "pointpillars"
	}
	return *m.Network
}

// GetLidarInput returns the lidar_input value or the default.
func (m *ModelConfig) GetLidarInput() bool {
	if m.LidarInput == nil {
		return false
	}
	return *m.LidarInput
}

// GetPostCenterLimitRange returns the detection window or the KITTI car
// default.
func (m *ModelConfig) GetPostCenterLimitRange() []float64 {
	if len(m.PostCenterLimitRange) == 0 {
		return []float64{0, -39.68, -5, 69.12, 39.68, 5}
	}
	return m.PostCenterLimitRange
}

// GetSteps returns the steps value or the default.
func (t *TrainConfig) GetSteps() int64 {
	if t.Steps == nil {
		return 296960
	}
	return *t.Steps
}

// GetStepsPerEval returns the steps_per_eval value or the default.
func (t *TrainConfig) GetStepsPerEval() int64 {
	if t.StepsPerEval == nil {
		return 9280
	}
	return *t.StepsPerEval
}

// GetSaveCheckpointsInterval returns save_checkpoints_secs as a duration.
func (t *TrainConfig) GetSaveCheckpointsInterval() time.Duration {
	if t.SaveCheckpointsSecs == nil {
		return 1800 * time.Second
	}
	return time.Duration(*t.SaveCheckpointsSecs * float64(time.Second))
}

// GetMaxCheckpointsToKeep returns the retention for the model directory.
func (t *TrainConfig) GetMaxCheckpointsToKeep() int {
	if t.MaxCheckpointsToKeep == nil {
		return 8
	}
	return *t.MaxCheckpointsToKeep
}

// GetEnableMixedPrecision returns the enable_mixed_precision value or the default.
func (t *TrainConfig) GetEnableMixedPrecision() bool {
	if t.EnableMixedPrecision == nil {
		return false
	}
	return *t.EnableMixedPrecision
}

// GetLossScaleFactor returns the loss_scale_factor value or the default.
func (t *TrainConfig) GetLossScaleFactor() float64 {
	if t.LossScaleFactor == nil {
		return 512
	}
	return *t.LossScaleFactor
}

// GetClearMetricsEveryEpoch returns the clear_metrics_every_epoch value or the default.
func (t *TrainConfig) GetClearMetricsEveryEpoch() bool {
	if t.ClearMetricsEveryEpoch == nil {
		return false
	}
	return *t.ClearMetricsEveryEpoch
}

// GetClipGradNorm returns the gradient norm bound or the default.
func (t *TrainConfig) GetClipGradNorm() float64 {
	if t.ClipGradNorm == nil {
		return 10.0
	}
	return *t.ClipGradNorm
}

// GetOptimizer returns the optimizer section, never nil.
func (t *TrainConfig) GetOptimizer() *OptimizerConfig {
	if t.Optimizer == nil {
		return &OptimizerConfig{}
	}
	return t.Optimizer
}

// GetType returns the optimizer type or the default.
func (o *OptimizerConfig) GetType() string {
	if o.Type == nil {
		return "adam"
	}
	return *o.Type
}

// GetMomentum returns the momentum value or the default.
func (o *OptimizerConfig) GetMomentum() float64 {
	if o.Momentum == nil {
		return 0.9
	}
	return *o.Momentum
}

// GetWeightDecay returns the weight_decay value or the default.
func (o *OptimizerConfig) GetWeightDecay() float64 {
	if o.WeightDecay == nil {
		return 0.0001
	}
	return *o.WeightDecay
}

// GetLearningRate returns the schedule section, never nil.
func (o *OptimizerConfig) GetLearningRate() *LearningRateConfig {
	if o.LearningRate == nil {
		return &LearningRateConfig{}
	}
	return o.LearningRate
}

// GetType returns the schedule type or the default.
func (l *LearningRateConfig) GetType() string {
	if l.Type == nil {
		return "exponential_decay"
	}
	return *l.Type
}

// GetInitial returns the initial rate or the default.
func (l *LearningRateConfig) GetInitial() float64 {
	if l.Initial == nil {
		return 0.0002
	}
	return *l.Initial
}

// GetMin returns the floor of a cosine schedule.
func (l *LearningRateConfig) GetMin() float64 {
	if l.Min == nil {
		return 0
	}
	return *l.Min
}

// GetDecaySteps returns the decay_steps value or the default.
func (l *LearningRateConfig) GetDecaySteps() int64 {
	if l.DecaySteps == nil {
		return 27840
	}
	return *l.DecaySteps
}

// GetDecayFactor returns the decay_factor value or the default.
func (l *LearningRateConfig) GetDecayFactor() float64 {
	if l.DecayFactor == nil {
		return 0.8
	}
	return *l.DecayFactor
}

// GetStaircase returns the staircase value or the default.
func (l *LearningRateConfig) GetStaircase() bool {
	if l.Staircase == nil {
		return true
	}
	return *l.Staircase
}

// GetTotalSteps returns the cosine horizon, defaulting to fallback.
func (l *LearningRateConfig) GetTotalSteps(fallback int64) int64 {
	if l.TotalSteps == nil {
		return fallback
	}
	return *l.TotalSteps
}
