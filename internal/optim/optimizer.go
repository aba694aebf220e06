// Package optim holds the parameter optimizers driven by the training loop,
// the mixed-precision gradient-scaling wrapper and learning-rate schedules.
package optim

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrStateMismatch is returned when restoring state saved by a different
// optimizer kind or for a different parameter layout.
var ErrStateMismatch = errors.New("optimizer state does not match")

// Parameter is one trainable tensor flattened to a vector, with its gradient.
type Parameter struct {
	Name string
	Data []float64
	Grad []float64
}

// NewParameter allocates a zero gradient alongside data.
func NewParameter(name string, data []float64) *Parameter {
	return &Parameter{Name: name, Data: data, Grad: make([]float64, len(data))}
}

// Optimizer updates parameters from their gradients. Implementations are also
// checkpoint artifacts, so their moments survive a restart.
type Optimizer interface {
	Step() error
	ZeroGrad()
	LearningRate() float64
	SetLearningRate(lr float64)
	Params() []*Parameter

	Name() string
	MarshalState() ([]byte, error)
	UnmarshalState(data []byte) error
}

// state is the serialised form shared by the base optimizers.
type state struct {
	Type         string               `json:"type"`
	LearningRate float64              `json:"learning_rate"`
	StepCount    int64                `json:"step_count"`
	Slots        map[string][]float64 `json:"slots,omitempty"`
}

func marshalState(s state) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal %s state: %w", s.Type, err)
	}
	return data, nil
}

func unmarshalState(kind string, data []byte, params []*Parameter, slotNames ...string) (state, error) {
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("unmarshal %s state: %w", kind, err)
	}
	if s.Type != kind {
		return s, fmt.Errorf("%w: saved by %q, restoring into %q", ErrStateMismatch, s.Type, kind)
	}
	for _, p := range params {
		for _, slot := range slotNames {
			v, ok := s.Slots[slotKey(slot, p.Name)]
			if !ok {
				continue
			}
			if len(v) != len(p.Data) {
				return s, fmt.Errorf("%w: %s has %d values, parameter has %d", ErrStateMismatch, slotKey(slot, p.Name), len(v), len(p.Data))
			}
		}
	}
	return s, nil
}

func slotKey(slot, param string) string { return slot + "/" + param }

func zeroGrad(params []*Parameter) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

func checkShapes(params []*Parameter) error {
	for _, p := range params {
		if len(p.Grad) != len(p.Data) {
			return fmt.Errorf("parameter %s: gradient length %d != data length %d", p.Name, len(p.Grad), len(p.Data))
		}
	}
	return nil
}
