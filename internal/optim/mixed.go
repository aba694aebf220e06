package optim

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/banshee-data/pointpillars/internal/monitoring"
)

// MixedPrecision wraps a base optimizer for training with a scaled loss. The
// caller multiplies the loss by LossScale before backpropagation; Step divides
// every gradient by LossScale and delegates to the base optimizer. A step whose
// unscaled gradients contain NaN or Inf is skipped.
//
// The wrapper is a distinct checkpoint artifact: state saved from a wrapper
// only restores into a wrapper around the same base kind. Build the wrapper
// first, then restore.
type MixedPrecision struct {
	base      Optimizer
	LossScale float64

	skipped int64
}

// NewMixedPrecision wraps base. lossScale must be positive.
func NewMixedPrecision(base Optimizer, lossScale float64) (*MixedPrecision, error) {
	if base == nil {
		return nil, fmt.Errorf("mixed precision: nil base optimizer")
	}
	if lossScale <= 0 || math.IsInf(lossScale, 0) || math.IsNaN(lossScale) {
		return nil, fmt.Errorf("mixed precision: invalid loss scale %v", lossScale)
	}
	return &MixedPrecision{base: base, LossScale: lossScale}, nil
}

// Base returns the wrapped optimizer.
func (o *MixedPrecision) Base() Optimizer { return o.base }

// ScaleLoss returns loss multiplied by the loss scale.
func (o *MixedPrecision) ScaleLoss(loss float64) float64 { return loss * o.LossScale }

// SkippedSteps counts steps dropped for non-finite gradients.
func (o *MixedPrecision) SkippedSteps() int64 { return o.skipped }

func (o *MixedPrecision) Name() string               { return "mixed_precision/" + o.base.Name() }
func (o *MixedPrecision) Params() []*Parameter       { return o.base.Params() }
func (o *MixedPrecision) LearningRate() float64      { return o.base.LearningRate() }
func (o *MixedPrecision) SetLearningRate(lr float64) { o.base.SetLearningRate(lr) }
func (o *MixedPrecision) ZeroGrad()                  { o.base.ZeroGrad() }

// Step unscales the gradients and runs the base optimizer.
func (o *MixedPrecision) Step() error {
	finite := true
	inv := 1 / o.LossScale
	for _, p := range o.base.Params() {
		for i := range p.Grad {
			p.Grad[i] *= inv
			if math.IsNaN(p.Grad[i]) || math.IsInf(p.Grad[i], 0) {
				finite = false
			}
		}
	}
	if !finite {
		o.skipped++
		monitoring.Logf("mixed precision: non-finite gradient, skipping step (loss scale %g)", o.LossScale)
		return nil
	}
	return o.base.Step()
}

type mixedState struct {
	LossScale float64         `json:"loss_scale"`
	Base      string          `json:"base"`
	State     json.RawMessage `json:"state"`
}

func (o *MixedPrecision) MarshalState() ([]byte, error) {
	inner, err := o.base.MarshalState()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(mixedState{LossScale: o.LossScale, Base: o.base.Name(), State: inner})
	if err != nil {
		return nil, fmt.Errorf("marshal mixed precision state: %w", err)
	}
	return data, nil
}

func (o *MixedPrecision) UnmarshalState(data []byte) error {
	var s mixedState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal mixed precision state: %w", err)
	}
	if s.Base != o.base.Name() || len(s.State) == 0 {
		return fmt.Errorf("%w: wrapper around %q, restoring into %q", ErrStateMismatch, s.Base, o.base.Name())
	}
	if err := o.base.UnmarshalState(s.State); err != nil {
		return err
	}
	if s.LossScale > 0 {
		o.LossScale = s.LossScale
	}
	return nil
}
