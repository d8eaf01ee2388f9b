package programcache

// BatchView is a per-batch snapshot of the programs a transaction batch
// needs. It is populated across one or more Extract rounds, used for
// lookups during execution with delay-visibility applied, and finally
// merged back into the global cache. It is owned by exactly one batch;
// never shared across goroutines concurrently.
type BatchView struct {
	entries map[Address]*ProgramEntry
	slot    Slot

	Environments         Environments
	UpcomingEnvironments *Environments
	LatestRootEpoch      Epoch
	HitMaxLimit          bool
}

// NewBatchView stamps a fresh view for a batch executing at slot, with
// the cache's current (and possibly upcoming) environments and root
// epoch at the time the view was created.
func NewBatchView(slot Slot, environments Environments, upcoming *Environments, latestRootEpoch Epoch) *BatchView {
	return &BatchView{
		entries:              make(map[Address]*ProgramEntry),
		slot:                 slot,
		Environments:         environments,
		UpcomingEnvironments: upcoming,
		LatestRootEpoch:      latestRootEpoch,
	}
}

// Slot returns the batch's execution slot.
func (v *BatchView) Slot() Slot { return v.slot }

// GetEnvironmentsForEpoch returns UpcomingEnvironments if epoch differs
// from LatestRootEpoch and an upcoming pair is installed, else the
// current Environments.
func (v *BatchView) GetEnvironmentsForEpoch(epoch Epoch) Environments {
	if epoch != v.LatestRootEpoch && v.UpcomingEnvironments != nil {
		return *v.UpcomingEnvironments
	}
	return v.Environments
}

// Replenish inserts or replaces the entry for addr, returning whether an
// entry was already present and the entry now stored.
func (v *BatchView) Replenish(addr Address, entry *ProgramEntry) (wasPresent bool, stored *ProgramEntry) {
	_, wasPresent = v.entries[addr]
	v.entries[addr] = entry
	return wasPresent, entry
}

// Find returns the entry for addr, substituting a freshly minted
// DelayVisibility tombstone (at the entry's deployment slot) if the
// stored entry is an implicit delay-visibility tombstone for this view's
// slot.
func (v *BatchView) Find(addr Address) (*ProgramEntry, bool) {
	entry, ok := v.entries[addr]
	if !ok {
		return nil, false
	}
	if entry.IsImplicitDelayVisibilityTombstone(v.slot) {
		return NewTombstone(entry.DeploymentSlot, DelayVisibilityPayload()), true
	}
	return entry, true
}

// Merge folds every entry of other into this view via Replenish. Used by
// the executor to fold programs produced by successful transactions back
// into the batch view before it is merged into the global cache.
func (v *BatchView) Merge(other *BatchView) {
	if other == nil {
		return
	}
	for addr, entry := range other.entries {
		v.Replenish(addr, entry)
	}
}

// AddressedEntry pairs an address with one of its ProgramEntry versions.
type AddressedEntry struct {
	Address Address
	Entry   *ProgramEntry
}

// Entries returns a snapshot slice of (address, entry) pairs currently
// held by the view. Used by ProgramCache.Merge.
func (v *BatchView) Entries() []AddressedEntry {
	out := make([]AddressedEntry, 0, len(v.entries))
	for addr, entry := range v.entries {
		out = append(out, AddressedEntry{addr, entry})
	}
	return out
}
