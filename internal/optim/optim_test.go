package optim

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pointpillars/internal/monitoring"
)

func params(grads ...float64) []*Parameter {
	p := NewParameter("w", make([]float64, len(grads)))
	copy(p.Grad, grads)
	return []*Parameter{p}
}

func TestSGD_Step(t *testing.T) {
	t.Parallel()

	ps := params(1, -2)
	ps[0].Data = []float64{1, 1}
	opt := NewSGD(ps, 0.1, 0, 0)
	require.NoError(t, opt.Step())
	assert.InDeltaSlice(t, []float64{0.9, 1.2}, ps[0].Data, 1e-12)

	opt.ZeroGrad()
	assert.Equal(t, []float64{0, 0}, ps[0].Grad)
}

func TestSGD_MomentumStateRoundTrip(t *testing.T) {
	t.Parallel()

	ps := params(1)
	opt := NewSGD(ps, 0.1, 0.9, 0)
	require.NoError(t, opt.Step())

	data, err := opt.MarshalState()
	require.NoError(t, err)

	fresh := NewSGD(params(1), 0.5, 0.9, 0)
	require.NoError(t, fresh.UnmarshalState(data))
	assert.Equal(t, 0.1, fresh.LearningRate())
	assert.Equal(t, []float64{1}, fresh.velocity["w"])
}

func TestAdam_FirstStepMovesByLearningRate(t *testing.T) {
	t.Parallel()

	ps := params(3)
	opt := NewAdam(ps, 0.01, 0)
	require.NoError(t, opt.Step())
	// With bias correction the first update is lr * sign(g).
	assert.InDelta(t, -0.01, ps[0].Data[0], 1e-6)
}

func TestAdam_RejectsForeignState(t *testing.T) {
	t.Parallel()

	sgd := NewSGD(params(1), 0.1, 0, 0)
	data, err := sgd.MarshalState()
	require.NoError(t, err)

	err = NewAdam(params(1), 0.1, 0).UnmarshalState(data)
	assert.True(t, errors.Is(err, ErrStateMismatch))
}

func TestStep_GradientLengthMismatch(t *testing.T) {
	t.Parallel()

	p := &Parameter{Name: "w", Data: []float64{1, 2}, Grad: []float64{1}}
	assert.Error(t, NewSGD([]*Parameter{p}, 0.1, 0, 0).Step())
}

func TestMixedPrecision_UnscalesBeforeStep(t *testing.T) {
	t.Parallel()

	ps := params(512)
	mp, err := NewMixedPrecision(NewSGD(ps, 1, 0, 0), 512)
	require.NoError(t, err)

	require.NoError(t, mp.Step())
	assert.InDelta(t, -1.0, ps[0].Data[0], 1e-12)
	assert.Equal(t, "mixed_precision/sgd", mp.Name())
	assert.Equal(t, 2048.0, mp.ScaleLoss(4))
}

func TestMixedPrecision_SkipsNonFinite(t *testing.T) {
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = prev })

	ps := params(math.Inf(1))
	mp, err := NewMixedPrecision(NewSGD(ps, 1, 0, 0), 8)
	require.NoError(t, err)

	require.NoError(t, mp.Step())
	assert.Equal(t, 0.0, ps[0].Data[0])
	assert.Equal(t, int64(1), mp.SkippedSteps())
}

func TestMixedPrecision_StateOnlyRestoresIntoWrapper(t *testing.T) {
	t.Parallel()

	mp, err := NewMixedPrecision(NewAdam(params(1), 0.01, 0), 128)
	require.NoError(t, err)
	require.NoError(t, mp.Step())
	data, err := mp.MarshalState()
	require.NoError(t, err)

	restored, err := NewMixedPrecision(NewAdam(params(0), 0.5, 0), 1)
	require.NoError(t, err)
	require.NoError(t, restored.UnmarshalState(data))
	assert.Equal(t, 128.0, restored.LossScale)
	assert.Equal(t, 0.01, restored.LearningRate())

	// A bare optimizer cannot consume the wrapper's envelope.
	assert.Error(t, NewAdam(params(0), 0.5, 0).UnmarshalState(data))

	// Nor can a wrapper consume a bare optimizer's state.
	bare, err := NewAdam(params(1), 0.01, 0).MarshalState()
	require.NoError(t, err)
	assert.True(t, errors.Is(restored.UnmarshalState(bare), ErrStateMismatch))
}

func TestNewMixedPrecision_InvalidScale(t *testing.T) {
	t.Parallel()

	_, err := NewMixedPrecision(NewSGD(nil, 1, 0, 0), 0)
	assert.Error(t, err)
	_, err = NewMixedPrecision(nil, 1)
	assert.Error(t, err)
}

func TestClipGradNorm(t *testing.T) {
	t.Parallel()

	ps := []*Parameter{
		{Name: "a", Data: []float64{0}, Grad: []float64{30}},
		{Name: "b", Data: []float64{0}, Grad: []float64{40}},
	}
	norm := ClipGradNorm(ps, 10)
	assert.InDelta(t, 50.0, norm, 1e-12)
	assert.InDelta(t, 6.0, ps[0].Grad[0], 1e-5)
	assert.InDelta(t, 8.0, ps[1].Grad[0], 1e-5)

	small := params(1, 1)
	ClipGradNorm(small, 10)
	assert.Equal(t, []float64{1, 1}, small[0].Grad)
}

func TestSchedules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		sched Schedule
		step  int64
		want  float64
	}{
		{"constant", Constant{Rate: 0.2}, 1000, 0.2},
		{"exp continuous", ExponentialDecay{Initial: 1, DecaySteps: 10, DecayFactor: 0.5}, 5, math.Sqrt(0.5)},
		{"exp staircase", ExponentialDecay{Initial: 1, DecaySteps: 10, DecayFactor: 0.5, Staircase: true}, 15, 0.5},
		{"manual before", ManualStepping{Boundaries: []int64{10, 20}, Rates: []float64{3, 2, 1}}, 9, 3},
		{"manual at boundary", ManualStepping{Boundaries: []int64{10, 20}, Rates: []float64{3, 2, 1}}, 10, 2},
		{"manual after", ManualStepping{Boundaries: []int64{10, 20}, Rates: []float64{3, 2, 1}}, 50, 1},
		{"cosine start", CosineDecay{Initial: 1, Min: 0, TotalSteps: 100}, 0, 1},
		{"cosine mid", CosineDecay{Initial: 1, Min: 0, TotalSteps: 100}, 50, 0.5},
		{"cosine end", CosineDecay{Initial: 1, Min: 0.1, TotalSteps: 100}, 200, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.sched.LR(tt.step), 1e-12)
		})
	}
}

func TestNewManualStepping_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewManualStepping([]int64{10}, []float64{1})
	assert.Error(t, err)
	_, err = NewManualStepping([]int64{20, 10}, []float64{1, 2, 3})
	assert.Error(t, err)
	s, err := NewManualStepping([]int64{10}, []float64{1, 0.1})
	require.NoError(t, err)
	assert.Equal(t, 0.1, s.LR(10))
}
