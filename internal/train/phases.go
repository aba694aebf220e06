// Package train drives training and evaluation of a detector: the phased
// train/eval loop with periodic checkpoints, and standalone evaluation of a
// saved checkpoint.
package train

// PhasePlan splits total steps into train phases of perEval steps. The last
// phase holds the remainder when total is not a multiple of perEval. An
// evaluation pass follows every phase.
func PhasePlan(total, perEval int64) []int64 {
	if total <= 0 || perEval <= 0 {
		return nil
	}
	n := (total + perEval - 1) / perEval
	plan := make([]int64, n)
	for i := range plan {
		plan[i] = perEval
	}
	if rem := total % perEval; rem != 0 {
		plan[n-1] = rem
	}
	return plan
}
