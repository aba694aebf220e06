package train

import (
	"fmt"

	"github.com/banshee-data/pointpillars/internal/config"
	"github.com/banshee-data/pointpillars/internal/dataload"
	"github.com/banshee-data/pointpillars/internal/detector"
	"github.com/banshee-data/pointpillars/internal/geom"
	"github.com/banshee-data/pointpillars/internal/optim"
	"github.com/banshee-data/pointpillars/internal/postprocess"
	"github.com/banshee-data/pointpillars/internal/tensor"
	"github.com/banshee-data/pointpillars/internal/timeutil"
)

// BuildOptimizer creates the base optimizer named by cfg over params.
func BuildOptimizer(cfg *config.OptimizerConfig, params []*optim.Parameter) (optim.Optimizer, error) {
	lr := cfg.GetLearningRate().GetInitial()
	switch cfg.GetType() {
	case "adam":
		return optim.NewAdam(params, lr, cfg.GetWeightDecay()), nil
	case "sgd":
		return optim.NewSGD(params, lr, cfg.GetMomentum(), cfg.GetWeightDecay()), nil
	}
	return nil, fmt.Errorf("unknown optimizer type %q", cfg.GetType())
}

// BuildSchedule creates the learning-rate schedule described by cfg.
// totalSteps is the cosine horizon when the config leaves it unset.
func BuildSchedule(cfg *config.LearningRateConfig, totalSteps int64) (optim.Schedule, error) {
	switch cfg.GetType() {
	case "constant":
		return optim.Constant{Rate: cfg.GetInitial()}, nil
	case "exponential_decay":
		return optim.ExponentialDecay{
			Initial:     cfg.GetInitial(),
			DecaySteps:  cfg.GetDecaySteps(),
			DecayFactor: cfg.GetDecayFactor(),
			Staircase:   cfg.GetStaircase(),
		}, nil
	case "manual_stepping":
		return optim.NewManualStepping(cfg.Boundaries, cfg.Rates)
	case "cosine_decay":
		return optim.CosineDecay{
			Initial:    cfg.GetInitial(),
			Min:        cfg.GetMin(),
			TotalSteps: cfg.GetTotalSteps(totalSteps),
		}, nil
	}
	return nil, fmt.Errorf("unknown learning_rate type %q", cfg.GetType())
}

// floatType is the dtype batches are converted to before the network sees
// them.
func floatType(mixed bool) tensor.DType {
	if mixed {
		return tensor.Float16
	}
	return tensor.Float32
}

func newNetwork(cfg *config.PipelineConfig) (detector.Network, error) {
	m := cfg.GetModel()
	return detector.NewNetwork(m.GetNetwork(), detector.NetworkOptions{
		ClassNames: cfg.GetTrainInputReader().ClassNames,
		LidarInput: m.GetLidarInput(),
		Params:     m.Params,
	})
}

func datasetOptions(r *config.InputReaderConfig, training bool) detector.DatasetOptions {
	return detector.DatasetOptions{
		ClassNames: r.ClassNames,
		Path:       r.GetPath(),
		Training:   training,
		Params:     r.Params,
	}
}

// newLoader batches ds as r describes. Training readers shuffle unless the
// config says otherwise; evaluation readers never shuffle so detections line
// up with the ground-truth infos.
func newLoader(ds detector.Dataset, r *config.InputReaderConfig, training bool, clock timeutil.Clock) *dataload.Loader {
	return dataload.New(ds, dataload.Options{
		BatchSize:  r.GetBatchSize(),
		NumWorkers: r.GetNumWorkers(),
		Shuffle:    training && r.GetShuffle(true),
		Clock:      clock,
	})
}

func newBuilder(classNames []string, m *config.ModelConfig, limit []float64) (*postprocess.Builder, error) {
	b := &postprocess.Builder{ClassNames: classNames, LidarInput: m.GetLidarInput()}
	if limit != nil {
		r, err := geom.NewRange(limit)
		if err != nil {
			return nil, fmt.Errorf("post_center_limit_range: %w", err)
		}
		b.CenterLimit = &r
	}
	return b, nil
}
