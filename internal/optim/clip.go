package optim

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// ClipGradNorm rescales all gradients in place so their global L2 norm is at
// most maxNorm. It returns the norm before clipping.
func ClipGradNorm(params []*Parameter, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		n := floats.Norm(p.Grad, 2)
		sq += n * n
	}
	total := math.Sqrt(sq)
	if maxNorm <= 0 || total <= maxNorm {
		return total
	}
	scale := maxNorm / (total + 1e-6)
	for _, p := range params {
		floats.Scale(scale, p.Grad)
	}
	return total
}
