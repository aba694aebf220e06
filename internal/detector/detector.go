// Package detector defines the contracts between the training driver and the
// components it orchestrates but does not implement: the network, the datasets
// and the benchmark scorer.
package detector

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/banshee-data/pointpillars/internal/anno"
	"github.com/banshee-data/pointpillars/internal/geom"
	"github.com/banshee-data/pointpillars/internal/optim"
	"github.com/banshee-data/pointpillars/internal/postprocess"
	"github.com/banshee-data/pointpillars/internal/report"
	"github.com/banshee-data/pointpillars/internal/tensor"
)

// Capability says whether a network emits one list of predictions or a
// coarse and a refined list.
type Capability int

const (
	SingleStage Capability = iota
	TwoStage
)

func (c Capability) String() string {
	switch c {
	case SingleStage:
		return "single_stage"
	case TwoStage:
		return "two_stage"
	}
	return fmt.Sprintf("capability(%d)", int(c))
}

// StagedPredictions is the output of one prediction pass. Single-stage
// networks fill Coarse only.
type StagedPredictions = postprocess.Staged

// TrainAux carries per-step inputs to the loss that are not part of the batch.
type TrainAux struct {
	RefineWeight float64
}

// TrainOutput is the loss breakdown of one training step.
type TrainOutput struct {
	Loss           float64
	ClsLossReduced float64
	LocLossReduced float64
	ClsPosLoss     float64
	ClsNegLoss     float64
	DirLossReduced float64
	// LocLossElem is the localisation loss per box-code element, summed over
	// anchors and divided by the batch size.
	LocLossElem []float64

	// Set by networks with a direction classifier.
	HasDirLoss bool

	// Two-stage networks only.
	CoarseLoss float64
	RefineLoss float64
}

// Network is a trainable detector. Its checkpoint state includes the global
// step.
type Network interface {
	Capability() Capability

	// Train runs a forward pass in training mode and returns the losses.
	Train(ctx context.Context, ex tensor.Example, aux TrainAux) (TrainOutput, error)
	// Backward accumulates gradients of lossScale times the loss of the last
	// Train call into Parameters.
	Backward(lossScale float64) error
	// Predict runs inference on one batch.
	Predict(ctx context.Context, ex tensor.Example) (StagedPredictions, error)

	Parameters() []*optim.Parameter
	GlobalStep() int64
	UpdateGlobalStep()

	// UpdateMetrics folds the step into the network's running metrics and
	// returns their current values.
	UpdateMetrics(out TrainOutput, ex tensor.Example) *report.Tree
	ClearMetrics()
	SetTraining(training bool)

	Name() string
	MarshalState() ([]byte, error)
	UnmarshalState(data []byte) error
}

// Timed is implemented by networks that keep per-example forward and
// postprocess timings.
type Timed interface {
	AvgForwardTime() float64
	AvgPostprocessTime() float64
	ClearTimeMetrics()
}

// Dataset yields single examples. Get must only use rng for randomness so
// loader workers stay independent.
type Dataset interface {
	Len() int
	Get(i int, rng *rand.Rand) (tensor.Example, error)
}

// Info is the ground truth and calibration of one evaluation image.
type Info struct {
	ImageIdx   int64
	ImageShape postprocess.ImageShape
	Annos      anno.Record
	Calib      geom.Calibration
}

// EvalDataset is a dataset with ground-truth annotations, indexed like Get.
type EvalDataset interface {
	Dataset
	Infos() []Info
}

// ScoreResult is the official benchmark output. Each AP slice is indexed by
// class and then by difficulty (easy, moderate, hard) at the class's primary
// overlap threshold.
type ScoreResult struct {
	Text   string
	BBox   [][3]float64
	BEV    [][3]float64
	ThreeD [][3]float64
	AOS    [][3]float64
}

// Scorer computes benchmark AP for detections against ground truth.
type Scorer interface {
	Official(gt, dt []anno.Record, classes []string) (ScoreResult, error)
}

// CocoScorer is implemented by scorers that also report COCO-style AP.
type CocoScorer interface {
	Coco(gt, dt []anno.Record, classes []string) (string, error)
}
