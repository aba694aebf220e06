package postprocess

import (
	"errors"
	"sync"
)

const (
	scoreStep        = 1e-5
	maxScoreAttempts = 100000
)

// ErrScoreSpaceExhausted is returned when no free score could be found below
// a duplicate within the attempt budget.
var ErrScoreSpaceExhausted = errors.New("score deduplication exhausted")

// ScoreSet records every score emitted during one evaluation run so no two
// detections share a value. Ranking-based scoring breaks ties arbitrarily, so
// duplicates would corrupt precision/recall curves. Create one per run.
type ScoreSet struct {
	mu   sync.Mutex
	seen map[float64]struct{}
}

// NewScoreSet returns an empty set.
func NewScoreSet() *ScoreSet {
	return &ScoreSet{seen: make(map[float64]struct{})}
}

// Claim returns score, or the first value below it in steps of 1e-5 that has
// not been emitted yet, and records it. A nil set returns score unchanged.
func (s *ScoreSet) Claim(score float64) (float64, error) {
	if s == nil {
		return score, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < maxScoreAttempts; i++ {
		if _, dup := s.seen[score]; !dup {
			s.seen[score] = struct{}{}
			return score, nil
		}
		score -= scoreStep
	}
	return 0, ErrScoreSpaceExhausted
}

// Len is the number of scores claimed.
func (s *ScoreSet) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
