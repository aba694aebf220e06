package optim

import "math"

// Adam implements the Adam optimizer with bias correction.
type Adam struct {
	params      []*Parameter
	lr          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64

	m, v      map[string][]float64
	stepCount int64
}

// NewAdam creates an Adam optimizer with the usual defaults for the betas and
// epsilon.
func NewAdam(params []*Parameter, lr, weightDecay float64) *Adam {
	return &Adam{
		params:      params,
		lr:          lr,
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-8,
		WeightDecay: weightDecay,
		m:           make(map[string][]float64),
		v:           make(map[string][]float64),
	}
}

func (o *Adam) Name() string               { return "adam" }
func (o *Adam) Params() []*Parameter       { return o.params }
func (o *Adam) LearningRate() float64      { return o.lr }
func (o *Adam) SetLearningRate(lr float64) { o.lr = lr }
func (o *Adam) ZeroGrad()                  { zeroGrad(o.params) }

// Step applies one update.
func (o *Adam) Step() error {
	if err := checkShapes(o.params); err != nil {
		return err
	}
	o.stepCount++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.stepCount))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.stepCount))
	for _, p := range o.params {
		m, v := o.m[p.Name], o.v[p.Name]
		if m == nil {
			m = make([]float64, len(p.Data))
			v = make([]float64, len(p.Data))
			o.m[p.Name], o.v[p.Name] = m, v
		}
		for i, g := range p.Grad {
			if o.WeightDecay != 0 {
				g += o.WeightDecay * p.Data[i]
			}
			m[i] = o.Beta1*m[i] + (1-o.Beta1)*g
			v[i] = o.Beta2*v[i] + (1-o.Beta2)*g*g
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			p.Data[i] -= o.lr * mHat / (math.Sqrt(vHat) + o.Epsilon)
		}
	}
	return nil
}

func (o *Adam) MarshalState() ([]byte, error) {
	slots := make(map[string][]float64, 2*len(o.m))
	for name, m := range o.m {
		slots[slotKey("m", name)] = m
		slots[slotKey("v", name)] = o.v[name]
	}
	return marshalState(state{Type: o.Name(), LearningRate: o.lr, StepCount: o.stepCount, Slots: slots})
}

func (o *Adam) UnmarshalState(data []byte) error {
	s, err := unmarshalState(o.Name(), data, o.params, "m", "v")
	if err != nil {
		return err
	}
	o.lr = s.LearningRate
	o.stepCount = s.StepCount
	o.m = make(map[string][]float64)
	o.v = make(map[string][]float64)
	for _, p := range o.params {
		m, okM := s.Slots[slotKey("m", p.Name)]
		v, okV := s.Slots[slotKey("v", p.Name)]
		if okM && okV {
			o.m[p.Name], o.v[p.Name] = m, v
		}
	}
	return nil
}
