package loader

import "github.com/nodevalidator/programcache/programcache"

// LinearForkGraph models a validator with no forks at all: every slot is
// an ancestor of every later slot and a descendant of every earlier one.
// Sufficient for benchmarks and for tests that don't care about fork
// divergence.
type LinearForkGraph struct{}

// Relationship implements programcache.ForkGraph.
func (LinearForkGraph) Relationship(a, b programcache.Slot) programcache.BlockRelation {
	switch {
	case a == b:
		return programcache.Equal
	case a < b:
		return programcache.Ancestor
	default:
		return programcache.Descendant
	}
}

// SlotsPerEpoch is LinearForkGraph's epoch length; exported so callers
// constructing root (slot, epoch) pairs can stay consistent with it.
const SlotsPerEpoch programcache.Slot = 432_000

// SlotEpoch implements programcache.ForkGraph.
func (LinearForkGraph) SlotEpoch(slot programcache.Slot) (programcache.Epoch, bool) {
	return programcache.Epoch(slot / SlotsPerEpoch), true
}
