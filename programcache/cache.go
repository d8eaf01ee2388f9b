package programcache

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/nodevalidator/programcache/internal/waiter"
	"github.com/nodevalidator/programcache/internal/workerid"
)

// SearchItem is one program a batch needs resolved: its address, the
// match criteria narrowing which version qualifies, and how many
// transactions in the batch reference it (folded into tx_usage on a
// hit).
type SearchItem struct {
	Address    Address
	Criteria   MatchCriteria
	UsageCount uint64
}

// CooperativeTask is the single loading assignment Extract may hand back
// to its caller: "you are the one worker responsible for loading this
// address at this slot."
type CooperativeTask struct {
	Address    Address
	UsageCount uint64
}

// ProgramCache is the global, fork-aware, two-level index of every
// program version the validator currently knows about. All exported
// methods are safe for concurrent use; the cache is guarded by a single
// read-write lock, matching the "one lock, short critical sections"
// concurrency model in the package documentation.
type ProgramCache struct {
	mu sync.RWMutex

	entries map[Address]*SecondLevel

	latestRootSlot  Slot
	latestRootEpoch Epoch

	environments         Environments
	upcomingEnvironments *Environments
	programsToRecompile  []AddressedEntry

	forkGraph ForkGraph

	stats             *Stats
	loadingTaskWaiter *waiter.Waiter
}

// New constructs a cache rooted at (rootSlot, rootEpoch) with a bootstrap
// pair of empty environments. SetForkGraph must be called before the
// cache can resolve fork-relative visibility; until then every
// relationship query reports Unknown.
func New(rootSlot Slot, rootEpoch Epoch) *ProgramCache {
	bootstrap := NewEnvironment("bootstrap")
	return &ProgramCache{
		entries:           make(map[Address]*SecondLevel),
		latestRootSlot:    rootSlot,
		latestRootEpoch:   rootEpoch,
		environments:      Environments{V1: bootstrap, V2: bootstrap},
		stats:             newStats(),
		loadingTaskWaiter: waiter.New(),
	}
}

// SetForkGraph attaches (or replaces) the fork graph oracle.
func (c *ProgramCache) SetForkGraph(fg ForkGraph) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forkGraph = fg
}

// Stats returns the cache's live statistics counters.
func (c *ProgramCache) Stats() *Stats { return c.stats }

// LoadingWaiter returns the condition-variable-like primitive
// CacheLoader workers park on while missing programs are loaded by
// someone else.
func (c *ProgramCache) LoadingWaiter() *waiter.Waiter { return c.loadingTaskWaiter }

// LatestRoot returns the most recently finalized (slot, epoch) pair.
func (c *ProgramCache) LatestRoot() (Slot, Epoch) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latestRootSlot, c.latestRootEpoch
}

// CurrentEnvironments returns the current and, if a recompilation window
// is open, the upcoming environment tuples. Used to stamp a fresh
// BatchView.
func (c *ProgramCache) CurrentEnvironments() (current Environments, upcoming *Environments) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.upcomingEnvironments == nil {
		return c.environments, nil
	}
	u := *c.upcomingEnvironments
	return c.environments, &u
}

// InstallUpcomingEnvironments opens the recompilation window: a second
// environment tuple becomes valid alongside the current one, and the
// given programs are enqueued for recompilation under it. Called by the
// feature-set supervisor several hundred slots before an epoch boundary.
func (c *ProgramCache) InstallUpcomingEnvironments(envs Environments, toRecompile []AddressedEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := envs
	c.upcomingEnvironments = &u
	c.programsToRecompile = append([]AddressedEntry(nil), toRecompile...)
}

// ProgramsToRecompile returns a snapshot of the addresses enqueued during
// the current recompilation window.
func (c *ProgramCache) ProgramsToRecompile() []AddressedEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]AddressedEntry(nil), c.programsToRecompile...)
}

func (c *ProgramCache) relationship(a, b Slot) BlockRelation {
	if c.forkGraph == nil {
		return Unknown
	}
	return c.forkGraph.Relationship(a, b)
}

// secondLevel returns the SecondLevel for addr, creating an empty one if
// createIfMissing is set and none exists yet. Must be called with c.mu
// held.
func (c *ProgramCache) secondLevel(addr Address, createIfMissing bool) *SecondLevel {
	sl, ok := c.entries[addr]
	if !ok {
		if !createIfMissing {
			return nil
		}
		sl = newSecondLevel()
		c.entries[addr] = sl
	}
	return sl
}

// transitionAllowed reports whether replacing an entry whose payload is
// `from` with one whose payload is `to` at the same (effective_slot,
// deployment_slot) key is a legitimate reload rather than an invariant
// violation (see spec §4.4 and §9's "Closed => Loaded" note).
func transitionAllowed(from, to PayloadKind) bool {
	if from == PayloadBuiltin && to == PayloadBuiltin {
		return true
	}
	switch from {
	case PayloadClosed, PayloadUnloaded:
		switch to {
		case PayloadLegacyV0, PayloadLegacyV1, PayloadTyped:
			return true
		}
	}
	return false
}

// AssignProgram publishes entry at its (effective_slot, deployment_slot)
// key within addr's SecondLevel. Returns true iff that key was already
// occupied (whether or not the replacement was accepted).
func (c *ProgramCache) AssignProgram(addr Address, entry *ProgramEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignProgramLocked(addr, entry)
}

func (c *ProgramCache) assignProgramLocked(addr Address, entry *ProgramEntry) bool {
	sl := c.secondLevel(addr, true)
	key := entry.key()
	idx, exists := sl.search(key)
	if exists {
		existing := sl.slotVersions[idx]
		if !transitionAllowed(existing.Payload.Kind, entry.Payload.Kind) {
			c.stats.Replacements.Add(1)
			return true
		}
		entry.txUsage.Store(existing.txUsage.Load() + entry.txUsage.Load())
		entry.ixUsage.Store(existing.ixUsage.Load() + entry.ixUsage.Load())
		if existing.Payload.Kind == PayloadClosed || existing.Payload.Kind == PayloadUnloaded {
			c.stats.Reloads.Add(1)
		}
		sl.slotVersions[idx] = entry
		c.stats.Insertions.Add(1)
		return true
	}
	sl.insertAt(idx, entry)
	c.stats.Insertions.Add(1)
	return false
}

// candidateMatchesBatchEnvs reports whether entry's environment is one
// of the batch's current environments, or one of the upcoming pair if a
// recompilation window is open — both pairs are valid simultaneously
// during that window (spec §4.2). Entries that carry no environment
// (builtins, Closed, DelayVisibility) match unconditionally.
func candidateMatchesBatchEnvs(entry *ProgramEntry, view *BatchView) bool {
	if entry.Payload.Env == nil {
		return true
	}
	if view.Environments.Matches(entry.Payload.Env) {
		return true
	}
	if view.UpcomingEnvironments != nil && view.UpcomingEnvironments.Matches(entry.Payload.Env) {
		return true
	}
	return false
}

// resolveOne scans addr's versions newest to oldest looking for the one
// that answers this search item, per spec §4.5. Returns true if the item
// was resolved (a hit, or a minted delay-visibility tombstone) and
// written into view.
func (c *ProgramCache) resolveOne(item SearchItem, view *BatchView) bool {
	sl, ok := c.entries[item.Address]
	if !ok {
		return false
	}
	for i := len(sl.slotVersions) - 1; i >= 0; i-- {
		candidate := sl.slotVersions[i]

		visible := candidate.DeploymentSlot <= c.latestRootSlot
		if !visible {
			rel := c.relationship(candidate.DeploymentSlot, view.Slot())
			visible = rel == Equal || rel == Ancestor
		}
		if !visible {
			continue
		}

		if view.Slot() >= candidate.EffectiveSlot && candidateMatchesBatchEnvs(candidate, view) {
			if !item.Criteria.accepts(candidate) {
				continue
			}
			if candidate.Payload.Kind == PayloadUnloaded {
				return false
			}
			candidate.UpdateAccessSlot(view.Slot())
			candidate.AddTxUsage(item.UsageCount)
			view.Replenish(item.Address, candidate)
			return true
		}

		if candidate.IsImplicitDelayVisibilityTombstone(view.Slot()) {
			view.Replenish(item.Address, NewTombstone(candidate.DeploymentSlot, DelayVisibilityPayload()))
			return true
		}
		// Neither branch applied: keep looking at older versions.
	}
	return false
}

// Extract resolves as many of searchFor's items as possible from the
// cache against view, removing resolved items from searchFor in place.
// At most one unresolved item is claimed as a cooperative-loading task
// for worker; the caller is responsible for loading it and publishing
// the result via FinishCooperativeLoadingTask.
func (c *ProgramCache) Extract(searchFor *[]SearchItem, view *BatchView, isFirstRound bool, worker workerid.ID) *CooperativeTask {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := (*searchFor)[:0]
	var hits, misses uint64
	for _, item := range *searchFor {
		if c.resolveOne(item, view) {
			hits++
			continue
		}
		misses++
		remaining = append(remaining, item)
	}
	*searchFor = remaining

	if isFirstRound {
		c.stats.Hits.Add(hits)
		c.stats.Misses.Add(misses)
	}

	for _, item := range *searchFor {
		sl := c.secondLevel(item.Address, true)
		if sl.tryClaimLock(view.Slot(), worker) {
			return &CooperativeTask{Address: item.Address, UsageCount: item.UsageCount}
		}
	}
	return nil
}

// FinishCooperativeLoadingTask publishes a just-loaded entry and releases
// the cooperative-loading lock worker was holding for addr. Must only be
// called by the worker that owns that lock (see spec §4.7/§4.8).
func (c *ProgramCache) FinishCooperativeLoadingTask(slot Slot, addr Address, entry *ProgramEntry, worker workerid.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	sl, ok := c.entries[addr]
	if !ok || !sl.lock.held || sl.lock.worker != worker {
		// The caller violated the cooperative-loading contract (lock
		// already released, or owned by someone else). There is
		// nothing safe to publish under someone else's claim.
		return false
	}
	sl.clearLock()

	if entry.DeploymentSlot > c.latestRootSlot {
		rel := c.relationship(entry.DeploymentSlot, slot)
		if rel != Equal && rel != Ancestor {
			c.stats.LostInsertions.Add(1)
		}
	}

	wasOccupied := c.assignProgramLocked(addr, entry)
	c.loadingTaskWaiter.Notify()
	return wasOccupied
}

// Merge folds every program a batch produced back into the global cache.
func (c *ProgramCache) Merge(view *BatchView) {
	for _, ae := range view.Entries() {
		c.AssignProgram(ae.Address, ae.Entry)
	}
}

// Prune rehomes the cache onto a new finalized root, per spec §4.9:
// epoch rollover (if any), orphan pruning against the fork graph, and,
// if a recompilation window just ended, an environment-mismatch sweep.
func (c *ProgramCache) Prune(newRootSlot Slot, newRootEpoch Epoch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	oldRootSlot := c.latestRootSlot
	recompilationPhaseEnded := false
	if newRootEpoch != c.latestRootEpoch {
		c.latestRootEpoch = newRootEpoch
		if c.upcomingEnvironments != nil {
			c.environments = *c.upcomingEnvironments
			c.upcomingEnvironments = nil
			c.programsToRecompile = nil
			recompilationPhaseEnded = true
		}
	}

	for addr, sl := range c.entries {
		c.pruneSecondLevel(sl, oldRootSlot, newRootSlot, recompilationPhaseEnded)
		if sl.isEmpty() {
			delete(c.entries, addr)
			c.stats.EmptyEntries.Add(1)
		}
	}
	c.latestRootSlot = newRootSlot
}

func (c *ProgramCache) pruneSecondLevel(sl *SecondLevel, oldRootSlot, newRootSlot Slot, recompilationPhaseEnded bool) {
	kept := make([]*ProgramEntry, 0, len(sl.slotVersions))
	foundFirstAncestor := false
	var firstAncestorEnv *Environment

	for i := len(sl.slotVersions) - 1; i >= 0; i-- {
		e := sl.slotVersions[i]

		if e.DeploymentSlot >= newRootSlot {
			rel := c.relationship(e.DeploymentSlot, newRootSlot)
			if rel == Equal || rel == Descendant {
				kept = append(kept, e)
				continue
			}
			c.stats.PrunesOrphan.Add(1)
			continue
		}

		isAncestor := e.DeploymentSlot <= oldRootSlot
		if !isAncestor {
			rel := c.relationship(e.DeploymentSlot, newRootSlot)
			isAncestor = rel == Ancestor || rel == Equal
		}

		if !foundFirstAncestor {
			if isAncestor {
				foundFirstAncestor = true
				firstAncestorEnv = e.Payload.Env
				kept = append(kept, e)
			} else {
				c.stats.PrunesOrphan.Add(1)
			}
			continue
		}

		// An older entry survives only if it serves a different, still
		// un-rerooted fork of a prior epoch (distinguished by carrying a
		// different environment than the first ancestor we kept).
		if e.Payload.Env != firstAncestorEnv {
			kept = append(kept, e)
		} else {
			c.stats.PrunesOrphan.Add(1)
		}
	}

	// kept was built newest-to-oldest; reverse back to ascending order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	sl.slotVersions = kept

	if recompilationPhaseEnded {
		filtered := sl.slotVersions[:0]
		for _, e := range sl.slotVersions {
			if e.Payload.Env == nil || c.environments.Matches(e.Payload.Env) {
				filtered = append(filtered, e)
			} else {
				c.stats.PrunesEnvironment.Add(1)
			}
		}
		sl.slotVersions = filtered
	}
}

// PruneByDeploymentSlot drops every version across every address that
// was deployed at exactly slot, regardless of fork. Used to clean up
// after a deployment is known to be invalid on every fork (e.g. a
// duplicate-deployment slot collision resolved out of band).
func (c *ProgramCache) PruneByDeploymentSlot(slot Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for addr, sl := range c.entries {
		kept := sl.slotVersions[:0]
		for _, e := range sl.slotVersions {
			if e.DeploymentSlot == slot {
				c.stats.PrunesOrphan.Add(1)
				continue
			}
			kept = append(kept, e)
		}
		sl.slotVersions = kept
		if sl.isEmpty() {
			delete(c.entries, addr)
			c.stats.EmptyEntries.Add(1)
		}
	}
}

// RemovePrograms deletes every version of the given addresses outright.
func (c *ProgramCache) RemovePrograms(addrs []Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, addr := range addrs {
		delete(c.entries, addr)
	}
}

// GetFlattenedEntries dumps a snapshot of every resident entry, filtered
// by whether its environment is the v1 or v2 member of the cache's
// current environments. Entries with no environment (Closed and
// DelayVisibility tombstones, builtins) are always included;
// FailedVerification tombstones carry an environment and are filtered
// like any other entry. Used by debug/RPC surfaces, never by
// the hot extraction path.
func (c *ProgramCache) GetFlattenedEntries(includeV1, includeV2 bool) []AddressedEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []AddressedEntry
	for addr, sl := range c.entries {
		for _, e := range sl.slotVersions {
			if e.Payload.Env == nil ||
				(includeV1 && e.Payload.Env == c.environments.V1) ||
				(includeV2 && e.Payload.Env == c.environments.V2) {
				out = append(out, AddressedEntry{Address: addr, Entry: e})
			}
		}
	}
	return out
}

type evictionCandidate struct {
	addr  Address
	sl    *SecondLevel
	idx   int
	entry *ProgramEntry
}

func (c *ProgramCache) collectEvictionCandidates() []evictionCandidate {
	var candidates []evictionCandidate
	for addr, sl := range c.entries {
		for idx, e := range sl.slotVersions {
			if e.Payload.IsCompiledUserProgram() {
				candidates = append(candidates, evictionCandidate{addr, sl, idx, e})
			}
		}
	}
	return candidates
}

func evictionTarget(shrinkToPct int) int {
	return int(math.Ceil(float64(shrinkToPct) / 100.0 * float64(MaxLoadedEntryCount)))
}

func (c *ProgramCache) evict(cand evictionCandidate) {
	unloaded := cand.entry.ToUnloaded()
	if unloaded == nil {
		return
	}
	if cand.entry.TxUsage() == 1 {
		c.stats.OneHitWonders.Add(1)
	}
	cand.sl.slotVersions[cand.idx] = unloaded
	c.stats.RecordEviction(cand.addr)
}

// EvictUsing2sRandomSelection shrinks the resident compiled-user-program
// population to shrinkToPct% of MaxLoadedEntryCount using 2-random
// sampling: repeatedly draw two candidate indices independently and
// uniformly at random (the two may coincide) and evict whichever
// candidate has the lower decayed usage counter, breaking ties toward the
// second sample. Each evicted candidate is swap-removed from the pool, so
// it cannot be drawn again in a later round.
func (c *ProgramCache) EvictUsing2sRandomSelection(shrinkToPct int, now Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := c.collectEvictionCandidates()
	numToUnload := len(candidates) - evictionTarget(shrinkToPct)
	for i := 0; i < numToUnload && len(candidates) > 0; i++ {
		i1 := rand.Intn(len(candidates))
		i2 := rand.Intn(len(candidates))
		c1, c2 := candidates[i1], candidates[i2]

		loser, loserIdx := c2, i2
		if c1.entry.DecayedUsageCounter(now) < c2.entry.DecayedUsageCounter(now) {
			loser, loserIdx = c1, i1
		}
		c.evict(loser)

		last := len(candidates) - 1
		candidates[loserIdx] = candidates[last]
		candidates = candidates[:last]
	}
}

// SortAndUnload is a deterministic alternative to 2-random eviction: it
// sorts every compiled-user-program candidate by decayed usage counter
// (ascending, using the cache's latest root slot as "now") and unloads
// the coldest ones until the population fits shrinkToPct% of
// MaxLoadedEntryCount.
func (c *ProgramCache) SortAndUnload(shrinkToPct int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.latestRootSlot
	candidates := c.collectEvictionCandidates()
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].entry.DecayedUsageCounter(now) < candidates[j].entry.DecayedUsageCounter(now)
	})

	numToUnload := len(candidates) - evictionTarget(shrinkToPct)
	for i := 0; i < numToUnload && i < len(candidates); i++ {
		c.evict(candidates[i])
	}
}
