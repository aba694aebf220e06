package optim

import (
	"fmt"
	"math"
	"sort"
)

// Schedule maps a global step to a learning rate. Implementations are pure,
// so resuming from a checkpoint only needs the restored step.
type Schedule interface {
	LR(step int64) float64
	Name() string
}

// Constant always returns Rate.
type Constant struct {
	Rate float64
}

func (s Constant) LR(int64) float64 { return s.Rate }
func (s Constant) Name() string     { return "constant" }

// ExponentialDecay multiplies Initial by DecayFactor every DecaySteps steps,
// continuously unless Staircase is set.
type ExponentialDecay struct {
	Initial     float64
	DecaySteps  int64
	DecayFactor float64
	Staircase   bool
}

func (s ExponentialDecay) LR(step int64) float64 {
	if s.DecaySteps <= 0 {
		return s.Initial
	}
	p := float64(step) / float64(s.DecaySteps)
	if s.Staircase {
		p = math.Floor(p)
	}
	return s.Initial * math.Pow(s.DecayFactor, p)
}

func (s ExponentialDecay) Name() string { return "exponential_decay" }

// ManualStepping switches to Rates[i+1] once step reaches Boundaries[i].
// Rates must have one more entry than Boundaries.
type ManualStepping struct {
	Boundaries []int64
	Rates      []float64
}

// NewManualStepping validates boundaries and rates.
func NewManualStepping(boundaries []int64, rates []float64) (ManualStepping, error) {
	if len(rates) != len(boundaries)+1 {
		return ManualStepping{}, fmt.Errorf("manual stepping: %d rates for %d boundaries", len(rates), len(boundaries))
	}
	if !sort.SliceIsSorted(boundaries, func(i, j int) bool { return boundaries[i] < boundaries[j] }) {
		return ManualStepping{}, fmt.Errorf("manual stepping: boundaries must increase")
	}
	return ManualStepping{Boundaries: boundaries, Rates: rates}, nil
}

func (s ManualStepping) LR(step int64) float64 {
	i := sort.Search(len(s.Boundaries), func(i int) bool { return s.Boundaries[i] > step })
	return s.Rates[i]
}

func (s ManualStepping) Name() string { return "manual_stepping" }

// CosineDecay anneals from Initial to Min over TotalSteps.
type CosineDecay struct {
	Initial    float64
	Min        float64
	TotalSteps int64
}

func (s CosineDecay) LR(step int64) float64 {
	if s.TotalSteps <= 0 || step >= s.TotalSteps {
		return s.Min
	}
	return s.Min + (s.Initial-s.Min)*(1+math.Cos(math.Pi*float64(step)/float64(s.TotalSteps)))/2
}

func (s CosineDecay) Name() string { return "cosine_decay" }
