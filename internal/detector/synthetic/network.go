package synthetic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/pointpillars/internal/detector"
	"github.com/banshee-data/pointpillars/internal/metric"
	"github.com/banshee-data/pointpillars/internal/optim"
	"github.com/banshee-data/pointpillars/internal/postprocess"
	"github.com/banshee-data/pointpillars/internal/report"
	"github.com/banshee-data/pointpillars/internal/tensor"
	"github.com/banshee-data/pointpillars/internal/timeutil"
)

// NetworkParams is the network's "params" config section.
type NetworkParams struct {
	TwoStage      bool       `json:"two_stage"`
	InitialOffset [3]float64 `json:"initial_offset"`
	InitialLogit  float64    `json:"initial_logit"`
}

// ErrNotTraining is returned by Train after SetTraining(false).
var ErrNotTraining = errors.New("network is in evaluation mode")

// Network predicts each ground-truth box of the batch shifted by a learned
// centre offset, with a learned confidence. Training pulls the offset to zero.
type Network struct {
	classes  []string
	twoStage bool
	offset   *optim.Parameter
	logit    *optim.Parameter
	step     int64
	training bool

	// from the last Train call
	trained      bool
	refineWeight float64

	clsLoss  *metric.Average
	locLoss  *metric.Average
	forward  *metric.Average
	postproc *metric.Average
	clock    timeutil.Clock
}

var (
	_ detector.Network = (*Network)(nil)
	_ detector.Timed   = (*Network)(nil)
)

// NewNetwork builds a network from opts.
func NewNetwork(opts detector.NetworkOptions) (*Network, error) {
	p := NetworkParams{InitialOffset: [3]float64{1.5, -1, 0.5}}
	if len(opts.Params) > 0 {
		if err := json.Unmarshal(opts.Params, &p); err != nil {
			return nil, fmt.Errorf("synthetic network params: %w", err)
		}
	}
	return &Network{
		classes:  opts.ClassNames,
		twoStage: p.TwoStage,
		offset:   optim.NewParameter("head/offset", p.InitialOffset[:]),
		logit:    optim.NewParameter("head/logit", []float64{p.InitialLogit}),
		training: true,
		clsLoss:  metric.NewAverage(),
		locLoss:  metric.NewAverage(),
		forward:  metric.NewAverage(),
		postproc: metric.NewAverage(),
		clock:    timeutil.RealClock{},
	}, nil
}

func (n *Network) Capability() detector.Capability {
	if n.twoStage {
		return detector.TwoStage
	}
	return detector.SingleStage
}

func (n *Network) Name() string                   { return "net" }
func (n *Network) Parameters() []*optim.Parameter { return []*optim.Parameter{n.offset, n.logit} }
func (n *Network) GlobalStep() int64              { return n.step }
func (n *Network) UpdateGlobalStep()              { n.step++ }
func (n *Network) SetTraining(training bool)      { n.training = training }
func (n *Network) AvgForwardTime() float64        { return n.forward.Mean() }
func (n *Network) AvgPostprocessTime() float64    { return n.postproc.Mean() }
func (n *Network) ClearTimeMetrics()              { n.forward.Reset(); n.postproc.Reset() }
func (n *Network) ClearMetrics()                  { n.clsLoss.Reset(); n.locLoss.Reset() }
func (n *Network) confidence() float64            { return sigmoid(n.logit.Data[0]) }

func sigmoid(x float64) float64  { return 1 / (1 + math.Exp(-x)) }
func softplus(x float64) float64 { return math.Log1p(math.Exp(x)) }

// Train computes the losses for the current parameters.
func (n *Network) Train(ctx context.Context, ex tensor.Example, aux detector.TrainAux) (detector.TrainOutput, error) {
	if err := ctx.Err(); err != nil {
		return detector.TrainOutput{}, err
	}
	if !n.training {
		return detector.TrainOutput{}, ErrNotTraining
	}
	if _, ok := ex["anchors"]; !ok {
		return detector.TrainOutput{}, fmt.Errorf("synthetic network: batch has no anchors")
	}

	elem := make([]float64, 7)
	loc := 0.0
	for i, d := range n.offset.Data {
		elem[i] = 0.5 * d * d
		loc += elem[i]
	}
	cls := softplus(-n.logit.Data[0])
	out := detector.TrainOutput{
		ClsLossReduced: cls,
		LocLossReduced: loc,
		ClsPosLoss:     cls,
		LocLossElem:    elem,
		HasDirLoss:     true,
	}
	if n.twoStage {
		out.CoarseLoss = loc + cls
		out.RefineLoss = 0.5 * loc
		out.Loss = out.CoarseLoss + aux.RefineWeight*out.RefineLoss
	} else {
		out.Loss = loc + cls
	}
	n.trained = true
	n.refineWeight = aux.RefineWeight
	return out, nil
}

// Backward adds the gradients of lossScale times the last loss.
func (n *Network) Backward(lossScale float64) error {
	if !n.trained {
		return fmt.Errorf("synthetic network: backward without a training step")
	}
	k := 1.0
	if n.twoStage {
		k += 0.5 * n.refineWeight
	}
	for i, d := range n.offset.Data {
		n.offset.Grad[i] += lossScale * k * d
	}
	n.logit.Grad[0] += lossScale * -(1 - n.confidence())
	n.trained = false
	return nil
}

// UpdateMetrics folds the step's losses into running averages.
func (n *Network) UpdateMetrics(out detector.TrainOutput, ex tensor.Example) *report.Tree {
	n.clsLoss.Update(out.ClsLossReduced)
	n.locLoss.Update(out.LocLossReduced)
	conf := n.confidence()
	t := report.NewTree().
		Float("cls_loss", n.clsLoss.Mean()).
		Float("loc_loss", n.locLoss.Mean()).
		Float("cls_loss_rt", out.ClsLossReduced).
		Float("loc_loss_rt", out.LocLossReduced).
		Float("rpn_acc", conf)
	t.Sub("pr").Float("prec@50", conf).Float("rec@50", conf)
	return t
}

// Predict shifts every ground-truth box of the batch by the learned offset.
// Images without ground truth report no predictions.
func (n *Network) Predict(ctx context.Context, ex tensor.Example) (detector.StagedPredictions, error) {
	if err := ctx.Err(); err != nil {
		return detector.StagedPredictions{}, err
	}
	start := n.clock.Now()
	idx := detector.ImageIndices(ex)
	numGT := ex["num_gt"]
	boxes := ex["gt_boxes"]
	classes := ex["gt_classes"]
	if numGT.Size() != len(idx) {
		return detector.StagedPredictions{}, fmt.Errorf("synthetic network: %d num_gt entries for %d images", numGT.Size(), len(idx))
	}
	forward := n.clock.Since(start)

	var staged detector.StagedPredictions
	row := 0
	for b, imageIdx := range idx {
		count := int(numGT.Ints[b])
		coarse := postprocess.ImagePredictions{ImageIdx: imageIdx, HasBoxes: count > 0}
		refine := coarse
		for k := 0; k < count; k++ {
			box := boxes.Floats[7*row : 7*row+7]
			label := int(classes.Ints[row])
			row++
			coarse.Boxes = append(coarse.Boxes, n.predict(box, label, 1, 0.001*float64(k)))
			refine.Boxes = append(refine.Boxes, n.predict(box, label, 0.5, 0.001*float64(k)-0.02))
		}
		staged.Coarse = append(staged.Coarse, coarse)
		if n.twoStage {
			staged.Refine = append(staged.Refine, refine)
		}
	}
	if len(idx) > 0 {
		per := float64(len(idx))
		n.forward.Update(forward.Seconds() / per)
		n.postproc.Update((n.clock.Since(start) - forward).Seconds() / per)
	}
	return staged, nil
}

func (n *Network) predict(box []float64, label int, offsetScale, scorePenalty float64) postprocess.RawPrediction {
	var p postprocess.RawPrediction
	copy(p.BoxLidar[:], box)
	for i := 0; i < 3; i++ {
		p.BoxLidar[i] += offsetScale * n.offset.Data[i]
	}
	p.BoxCamera = p.BoxLidar
	p.BBox = BBox([3]float64{p.BoxLidar[0], p.BoxLidar[1], p.BoxLidar[2]})
	p.Score = math.Min(1, math.Max(0, n.confidence()-scorePenalty))
	p.Label = label
	return p
}

type networkState struct {
	GlobalStep int64     `json:"global_step"`
	Offset     []float64 `json:"offset"`
	Logit      []float64 `json:"logit"`
}

func (n *Network) MarshalState() ([]byte, error) {
	return json.Marshal(networkState{GlobalStep: n.step, Offset: n.offset.Data, Logit: n.logit.Data})
}

func (n *Network) UnmarshalState(data []byte) error {
	var s networkState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode network state: %w", err)
	}
	if len(s.Offset) != len(n.offset.Data) || len(s.Logit) != len(n.logit.Data) {
		return fmt.Errorf("network state has %d/%d values, want %d/%d", len(s.Offset), len(s.Logit), len(n.offset.Data), len(n.logit.Data))
	}
	n.step = s.GlobalStep
	copy(n.offset.Data, s.Offset)
	copy(n.logit.Data, s.Logit)
	return nil
}
