package programcache

import (
	"github.com/nodevalidator/programcache/internal/workerid"
)

// cooperativeLock identifies the worker currently loading a miss for one
// address, at the slot it claimed the miss on.
type cooperativeLock struct {
	held   bool
	slot   Slot
	worker workerid.ID
}

// SecondLevel holds every resident version of one program address,
// sorted ascending by (effective_slot, deployment_slot), plus the
// cooperative-loading lock guarding concurrent misses for that address.
type SecondLevel struct {
	slotVersions []*ProgramEntry
	lock         cooperativeLock
}

func newSecondLevel() *SecondLevel {
	return &SecondLevel{}
}

// isEmpty reports whether this SecondLevel holds no versions and no
// cooperative lock, i.e. it is safe to drop from the address map.
func (sl *SecondLevel) isEmpty() bool {
	return len(sl.slotVersions) == 0 && !sl.lock.held
}

// search returns the index of the position where an entry with key k
// would be inserted to keep slotVersions sorted, and whether an entry
// with exactly that key already exists at that index.
func (sl *SecondLevel) search(k versionKey) (idx int, exists bool) {
	lo, hi := 0, len(sl.slotVersions)
	for lo < hi {
		mid := (lo + hi) / 2
		if sl.slotVersions[mid].key().less(k) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(sl.slotVersions) && sl.slotVersions[lo].key().equal(k) {
		return lo, true
	}
	return lo, false
}

// insertAt inserts entry at idx, shifting later elements up.
func (sl *SecondLevel) insertAt(idx int, entry *ProgramEntry) {
	sl.slotVersions = append(sl.slotVersions, nil)
	copy(sl.slotVersions[idx+1:], sl.slotVersions[idx:])
	sl.slotVersions[idx] = entry
}

// removeAt removes the entry at idx.
func (sl *SecondLevel) removeAt(idx int) {
	sl.slotVersions = append(sl.slotVersions[:idx], sl.slotVersions[idx+1:]...)
}

// tryClaimLock claims the cooperative-loading lock for (slot, worker) iff
// it is currently free. Returns false if another worker already holds it.
func (sl *SecondLevel) tryClaimLock(slot Slot, worker workerid.ID) bool {
	if sl.lock.held {
		return false
	}
	sl.lock = cooperativeLock{held: true, slot: slot, worker: worker}
	return true
}

// clearLock releases the cooperative-loading lock. The caller (via
// ProgramCache.FinishCooperativeLoadingTask) is responsible for only
// calling this while holding the lock it claimed.
func (sl *SecondLevel) clearLock() {
	sl.lock = cooperativeLock{}
}
