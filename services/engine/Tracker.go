package engine

import (
	"sync"

	"github.com/hybridpos/vssnode/model"
)

// candidateTracker keeps the best candidate seen for the next height.
type candidateTracker struct {
	mu      sync.Mutex
	penalty uint32
	best    *model.Block
}

func newCandidateTracker(penalty uint32) *candidateTracker {
	return &candidateTracker{penalty: penalty}
}

// Offer reports whether candidate should be mined and relayed. A lower final
// difficulty wins, then a higher PoW reward. On an exact tie the current
// candidate stays but Offer still reports true.
func (t *candidateTracker) Offer(candidate *model.Block) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.best == nil || t.best.PrevHash != candidate.PrevHash || t.best.Index != candidate.Index {
		t.best = candidate
		return true
	}

	current := t.best.FinalDifficulty(t.penalty)
	offered := candidate.FinalDifficulty(t.penalty)

	switch {
	case offered < current:
		t.best = candidate
		return true
	case offered > current:
		return false
	}

	switch {
	case candidate.PowReward > t.best.PowReward:
		t.best = candidate
		return true
	case candidate.PowReward < t.best.PowReward:
		return false
	}

	return true
}

func (t *candidateTracker) Best() *model.Block {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.best
}

func (t *candidateTracker) Reset() {
	t.mu.Lock()
	t.best = nil
	t.mu.Unlock()
}
