package optim

// SGD is stochastic gradient descent with optional momentum and L2 weight
// decay.
type SGD struct {
	params      []*Parameter
	lr          float64
	Momentum    float64
	WeightDecay float64

	velocity  map[string][]float64
	stepCount int64
}

// NewSGD creates an SGD optimizer over params.
func NewSGD(params []*Parameter, lr, momentum, weightDecay float64) *SGD {
	return &SGD{
		params:      params,
		lr:          lr,
		Momentum:    momentum,
		WeightDecay: weightDecay,
		velocity:    make(map[string][]float64),
	}
}

func (o *SGD) Name() string               { return "sgd" }
func (o *SGD) Params() []*Parameter       { return o.params }
func (o *SGD) LearningRate() float64      { return o.lr }
func (o *SGD) SetLearningRate(lr float64) { o.lr = lr }
func (o *SGD) ZeroGrad()                  { zeroGrad(o.params) }

// Step applies one update.
func (o *SGD) Step() error {
	if err := checkShapes(o.params); err != nil {
		return err
	}
	for _, p := range o.params {
		v := o.velocity[p.Name]
		if o.Momentum != 0 && v == nil {
			v = make([]float64, len(p.Data))
			o.velocity[p.Name] = v
		}
		for i, g := range p.Grad {
			if o.WeightDecay != 0 {
				g += o.WeightDecay * p.Data[i]
			}
			if o.Momentum != 0 {
				v[i] = o.Momentum*v[i] + g
				g = v[i]
			}
			p.Data[i] -= o.lr * g
		}
	}
	o.stepCount++
	return nil
}

func (o *SGD) MarshalState() ([]byte, error) {
	slots := make(map[string][]float64, len(o.velocity))
	for name, v := range o.velocity {
		slots[slotKey("velocity", name)] = v
	}
	return marshalState(state{Type: o.Name(), LearningRate: o.lr, StepCount: o.stepCount, Slots: slots})
}

func (o *SGD) UnmarshalState(data []byte) error {
	s, err := unmarshalState(o.Name(), data, o.params, "velocity")
	if err != nil {
		return err
	}
	o.lr = s.LearningRate
	o.stepCount = s.StepCount
	o.velocity = make(map[string][]float64)
	for _, p := range o.params {
		if v, ok := s.Slots[slotKey("velocity", p.Name)]; ok {
			o.velocity[p.Name] = v
		}
	}
	return nil
}
