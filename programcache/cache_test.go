package programcache

import (
	"sort"
	"testing"

	"github.com/nodevalidator/programcache/internal/workerid"
)

// forkMap is a tiny test double for ForkGraph: it records an explicit
// relationship for every (a, b) pair the test cares about, answers Equal
// for a == b, and otherwise treats the graph as one linear fork (an
// earlier slot is an Ancestor, a later one a Descendant).
type forkMap struct {
	rel map[[2]Slot]BlockRelation
}

func newForkMap() *forkMap { return &forkMap{rel: make(map[[2]Slot]BlockRelation)} }

func (f *forkMap) set(a, b Slot, r BlockRelation) { f.rel[[2]Slot{a, b}] = r }

func (f *forkMap) Relationship(a, b Slot) BlockRelation {
	if a == b {
		return Equal
	}
	if r, ok := f.rel[[2]Slot{a, b}]; ok {
		return r
	}
	if a < b {
		return Ancestor
	}
	return Descendant
}

func (f *forkMap) SlotEpoch(slot Slot) (Epoch, bool) { return Epoch(slot / 100), true }

func addrOf(b byte) Address {
	var a Address
	a[0] = b
	return a
}

func newTestCache() (*ProgramCache, *forkMap) {
	fg := newForkMap()
	c := New(0, 0)
	c.SetForkGraph(fg)
	return c, fg
}

// S1. Hit.
func TestScenarioHit(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache()
	env, _ := c.CurrentEnvironments()
	a := addrOf(1)
	c.AssignProgram(a, NewEntry(TypedPayload(struct{}{}, env.V1), 0, 10, 11))

	view := NewBatchView(20, env, nil, 0)
	search := []SearchItem{{Address: a, Criteria: NoCriteria(), UsageCount: 3}}
	task := c.Extract(&search, view, true, workerid.New())

	if task != nil {
		t.Fatalf("expected no cooperative task on a hit, got %+v", task)
	}
	if len(search) != 0 {
		t.Fatalf("expected search_for to be emptied on a hit, got %v", search)
	}
	entry, ok := view.Find(a)
	if !ok {
		t.Fatal("expected BatchView.Find to return the seeded entry")
	}
	if entry.TxUsage() != 3 {
		t.Fatalf("expected tx_usage to be bumped by usage count, got %d", entry.TxUsage())
	}
	if entry.LatestAccessSlot() < 20 {
		t.Fatalf("expected latest_access_slot >= 20, got %d", entry.LatestAccessSlot())
	}
}

// S2. Delay visibility.
func TestScenarioDelayVisibility(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache()
	env, _ := c.CurrentEnvironments()
	a := addrOf(2)
	c.AssignProgram(a, NewEntry(TypedPayload(struct{}{}, env.V1), 0, 20, 21))

	view := NewBatchView(20, env, nil, 0)
	search := []SearchItem{{Address: a, Criteria: NoCriteria(), UsageCount: 1}}
	task := c.Extract(&search, view, true, workerid.New())

	if task != nil {
		t.Fatalf("expected no cooperative task, got %+v", task)
	}
	entry, ok := view.Find(a)
	if !ok {
		t.Fatal("expected a delay-visibility tombstone to be found")
	}
	if entry.Payload.Kind != PayloadDelayVisibility {
		t.Fatalf("expected DelayVisibility payload, got %v", entry.Payload.Kind)
	}
	if entry.DeploymentSlot != 20 {
		t.Fatalf("expected tombstone deployment slot 20, got %d", entry.DeploymentSlot)
	}
}

// S3. Cooperative race.
func TestScenarioCooperativeRace(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache()
	env, _ := c.CurrentEnvironments()
	a := addrOf(3)

	w1, w2 := workerid.New(), workerid.New()
	view1 := NewBatchView(5, env, nil, 0)
	search1 := []SearchItem{{Address: a, Criteria: NoCriteria(), UsageCount: 1}}
	task1 := c.Extract(&search1, view1, true, w1)
	if task1 == nil {
		t.Fatal("expected W1 to claim the cooperative-loading task")
	}

	cookie := c.LoadingWaiter().Cookie()
	view2 := NewBatchView(5, env, nil, 0)
	search2 := []SearchItem{{Address: a, Criteria: NoCriteria(), UsageCount: 1}}
	task2 := c.Extract(&search2, view2, true, w2)
	if task2 != nil {
		t.Fatal("expected W2 to observe the lock already held and get no task")
	}

	loaded := NewEntry(TypedPayload(struct{}{}, env.V1), 0, 0, 0)
	if c.FinishCooperativeLoadingTask(5, a, loaded, w1) {
		t.Fatal("expected W1's finish to report no prior occupant")
	}

	newCookie := c.LoadingWaiter().Wait(cookie)
	if newCookie == cookie {
		t.Fatal("expected the cookie to have advanced after W1's finish")
	}

	task3 := c.Extract(&search2, view2, true, w2)
	if task3 != nil {
		t.Fatal("expected W2's retry to find the now-published entry, no new task")
	}
	if len(search2) != 0 {
		t.Fatal("expected W2's retry to resolve the address")
	}
}

// S4. Epoch rollover.
func TestScenarioEpochRollover(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache()
	envOld, _ := c.CurrentEnvironments()
	envNew := Environments{V1: NewEnvironment("v1-new"), V2: NewEnvironment("v2-new")}
	c.InstallUpcomingEnvironments(envNew, nil)

	x := addrOf(4)
	c.AssignProgram(x, NewEntry(TypedPayload(struct{}{}, envOld.V1), 0, 100, 101))

	before := c.Stats().PrunesEnvironment.Load()
	c.Prune(200, 2)
	after := c.Stats().PrunesEnvironment.Load()

	if after != before+1 {
		t.Fatalf("expected prunes_environment to increment by 1, went from %d to %d", before, after)
	}
	cur, upcoming := c.CurrentEnvironments()
	if cur.V1 != envNew.V1 || cur.V2 != envNew.V2 {
		t.Fatal("expected current environments to become the installed upcoming pair")
	}
	if upcoming != nil {
		t.Fatal("expected upcoming environments to be cleared after rollover")
	}
	if entries := c.GetFlattenedEntries(true, true); len(entries) != 0 {
		t.Fatalf("expected X to be pruned for environment mismatch, found %d entries", len(entries))
	}
}

// S5. Eviction.
func TestScenarioEviction(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache()
	env, _ := c.CurrentEnvironments()

	const n = 300
	for i := 0; i < n; i++ {
		a := Address{byte(i), byte(i >> 8)}
		e := NewEntry(TypedPayload(struct{}{}, env.V1), 0, 1, 1)
		e.AddTxUsage(uint64(i % 7))
		e.UpdateAccessSlot(0)
		c.AssignProgram(a, e)
	}

	c.EvictUsing2sRandomSelection(90, 1000)

	compiled, unloaded := 0, 0
	for _, ae := range c.GetFlattenedEntries(true, true) {
		switch {
		case ae.Entry.Payload.IsCompiledUserProgram():
			compiled++
		case ae.Entry.Payload.Kind == PayloadUnloaded:
			unloaded++
			if ae.Entry.TxUsage() > 6 {
				t.Fatalf("unloaded entry should preserve its original tx_usage, got %d", ae.Entry.TxUsage())
			}
		}
	}
	const maxRetained = 231 // ceil(0.9 * 256)
	if compiled > maxRetained {
		t.Fatalf("expected at most %d compiled entries after eviction, got %d", maxRetained, compiled)
	}
	if compiled+unloaded != n {
		t.Fatalf("expected every entry accounted for, got %d compiled + %d unloaded != %d", compiled, unloaded, n)
	}
}

// S6. Orphan prune.
func TestScenarioOrphanPrune(t *testing.T) {
	t.Parallel()
	c, fg := newTestCache()
	env, _ := c.CurrentEnvironments()
	fg.set(50, 100, Unrelated)
	fg.set(60, 100, Ancestor)

	addr := addrOf(6)
	x := NewEntry(TypedPayload(struct{}{}, env.V1), 0, 50, 51)
	y := NewEntry(TypedPayload(struct{}{}, env.V1), 0, 60, 61)
	c.AssignProgram(addr, x)
	c.AssignProgram(addr, y)

	before := c.Stats().PrunesOrphan.Load()
	c.Prune(100, 0)
	after := c.Stats().PrunesOrphan.Load()

	if after != before+1 {
		t.Fatalf("expected prunes_orphan to increment by 1, went from %d to %d", before, after)
	}
	remaining := c.GetFlattenedEntries(true, true)
	if len(remaining) != 1 {
		t.Fatalf("expected exactly one surviving version, got %d", len(remaining))
	}
	if !remaining[0].Entry.SameVersion(y) {
		t.Fatal("expected Y (the fork-visible version) to survive, not X")
	}
}

// P1: SecondLevel.slot_versions stays sorted by (effective_slot,
// deployment_slot) after assignments in arbitrary order.
func TestSecondLevelStaysSorted(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache()
	env, _ := c.CurrentEnvironments()
	addr := addrOf(7)

	order := []Slot{50, 10, 30, 20, 40}
	for _, s := range order {
		c.AssignProgram(addr, NewEntry(TypedPayload(struct{}{}, env.V1), 0, s, s))
	}

	entries := c.GetFlattenedEntries(true, true)
	got := make([]Slot, len(entries))
	for i, ae := range entries {
		got[i] = ae.Entry.EffectiveSlot
	}
	if !sort.SliceIsSorted(got, func(i, j int) bool { return got[i] < got[j] }) {
		t.Fatalf("expected GetFlattenedEntries order independent check; sorted entries must hold internally: %v", got)
	}
}

// P6: at most one worker ever holds the cooperative-loading lock for a
// given address at a time.
func TestAtMostOneCooperativeLockHolder(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache()
	env, _ := c.CurrentEnvironments()
	a := addrOf(8)

	var claims int
	for i := 0; i < 5; i++ {
		view := NewBatchView(1, env, nil, 0)
		search := []SearchItem{{Address: a, Criteria: NoCriteria(), UsageCount: 1}}
		if task := c.Extract(&search, view, true, workerid.New()); task != nil {
			claims++
		}
	}
	if claims != 1 {
		t.Fatalf("expected exactly one successful claim while the lock is held, got %d", claims)
	}
}

// R1: assign_program followed by extract at a slot where the entry is
// visible returns it without taking the cooperative-loading path.
func TestAssignThenExtractHits(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache()
	env, _ := c.CurrentEnvironments()
	a := addrOf(9)
	c.AssignProgram(a, NewEntry(TypedPayload(struct{}{}, env.V1), 0, 1, 1))

	view := NewBatchView(5, env, nil, 0)
	search := []SearchItem{{Address: a, Criteria: NoCriteria(), UsageCount: 1}}
	if task := c.Extract(&search, view, true, workerid.New()); task != nil {
		t.Fatalf("expected no cooperative task, got %+v", task)
	}
	if len(search) != 0 {
		t.Fatal("expected the item to resolve")
	}
}

// R2: prune is idempotent.
func TestPruneIsIdempotent(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache()
	env, _ := c.CurrentEnvironments()
	a := addrOf(10)
	c.AssignProgram(a, NewEntry(TypedPayload(struct{}{}, env.V1), 0, 1, 1))

	c.Prune(50, 0)
	after1 := c.GetFlattenedEntries(true, true)
	c.Prune(50, 0)
	after2 := c.GetFlattenedEntries(true, true)

	if len(after1) != len(after2) {
		t.Fatalf("expected repeated prune(50,0) to be a no-op, got %d then %d entries", len(after1), len(after2))
	}
}

// R3: BatchView.Merge(empty) is a no-op.
func TestBatchViewMergeEmptyIsNoop(t *testing.T) {
	t.Parallel()
	env := Environments{V1: NewEnvironment("v1"), V2: NewEnvironment("v2")}
	v := NewBatchView(1, env, nil, 0)
	a := addrOf(11)
	v.Replenish(a, NewEntry(TypedPayload(struct{}{}, env.V1), 0, 1, 1))
	before := len(v.Entries())

	v.Merge(NewBatchView(1, env, nil, 0))
	if len(v.Entries()) != before {
		t.Fatal("merging an empty view must not change entry count")
	}
	v.Merge(nil)
	if len(v.Entries()) != before {
		t.Fatal("merging a nil view must not change entry count")
	}
}

// SortAndUnload is the deterministic alternative to 2-random eviction:
// it must unload exactly the coldest entries, leaving the hottest ones
// compiled.
func TestSortAndUnload(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache()
	env, _ := c.CurrentEnvironments()

	const n = 300
	for i := 0; i < n; i++ {
		a := Address{byte(i), byte(i >> 8)}
		e := NewEntry(TypedPayload(struct{}{}, env.V1), 0, 1, 1)
		e.AddTxUsage(uint64(i))
		e.UpdateAccessSlot(0)
		c.AssignProgram(a, e)
	}

	c.SortAndUnload(90)

	compiled, unloaded := 0, 0
	minCompiledUsage := uint64(n)
	for _, ae := range c.GetFlattenedEntries(true, true) {
		switch {
		case ae.Entry.Payload.IsCompiledUserProgram():
			compiled++
			if ae.Entry.TxUsage() < minCompiledUsage {
				minCompiledUsage = ae.Entry.TxUsage()
			}
		case ae.Entry.Payload.Kind == PayloadUnloaded:
			unloaded++
		}
	}
	const maxRetained = 231 // ceil(0.9 * 256)
	if compiled > maxRetained {
		t.Fatalf("expected at most %d compiled entries after SortAndUnload, got %d", maxRetained, compiled)
	}
	if compiled+unloaded != n {
		t.Fatalf("expected every entry accounted for, got %d compiled + %d unloaded != %d", compiled, unloaded, n)
	}
	// SortAndUnload is deterministic: the coldest entries (lowest
	// tx_usage) must be the ones unloaded, so every surviving compiled
	// entry's usage must be at or above the eviction cutoff.
	if minCompiledUsage < uint64(n-maxRetained) {
		t.Fatalf("expected only the hottest entries to stay compiled, cutoff %d but kept usage %d", n-maxRetained, minCompiledUsage)
	}
}

// PruneByDeploymentSlot removes every version at the given deployment
// slot across every address, regardless of fork, and counts it as an
// orphan prune.
func TestPruneByDeploymentSlot(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache()
	env, _ := c.CurrentEnvironments()

	a, b := addrOf(20), addrOf(21)
	c.AssignProgram(a, NewEntry(TypedPayload(struct{}{}, env.V1), 0, 7, 7))
	c.AssignProgram(b, NewEntry(TypedPayload(struct{}{}, env.V1), 0, 7, 7))
	c.AssignProgram(b, NewEntry(TypedPayload(struct{}{}, env.V1), 0, 8, 8))

	before := c.Stats().PrunesOrphan.Load()
	c.PruneByDeploymentSlot(7)
	after := c.Stats().PrunesOrphan.Load()

	if after != before+2 {
		t.Fatalf("expected prunes_orphan to increment by 2, went from %d to %d", before, after)
	}
	remaining := c.GetFlattenedEntries(true, true)
	if len(remaining) != 1 || remaining[0].Address != b || remaining[0].Entry.DeploymentSlot != 8 {
		t.Fatalf("expected only b's slot-8 version to survive, got %+v", remaining)
	}
}

// RemovePrograms deletes every version of the given addresses outright,
// independent of fork visibility or deployment slot.
func TestRemovePrograms(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache()
	env, _ := c.CurrentEnvironments()

	a, b := addrOf(22), addrOf(23)
	c.AssignProgram(a, NewEntry(TypedPayload(struct{}{}, env.V1), 0, 1, 1))
	c.AssignProgram(b, NewEntry(TypedPayload(struct{}{}, env.V1), 0, 1, 1))

	c.RemovePrograms([]Address{a})

	remaining := c.GetFlattenedEntries(true, true)
	if len(remaining) != 1 || remaining[0].Address != b {
		t.Fatalf("expected only b to remain after removing a, got %+v", remaining)
	}
}

func TestAssignProgramTransitionRules(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache()
	env, _ := c.CurrentEnvironments()
	a := addrOf(12)

	closed := NewEntry(Closed(), 0, 10, 10)
	c.AssignProgram(a, closed)

	loaded := NewEntry(TypedPayload(struct{}{}, env.V1), 0, 10, 10)
	loaded.AddTxUsage(5)
	wasOccupied := c.AssignProgram(a, loaded)
	if !wasOccupied {
		t.Fatal("expected the key to already be occupied by the Closed tombstone")
	}

	entries := c.GetFlattenedEntries(true, true)
	if len(entries) != 1 || entries[0].Entry.Payload.Kind != PayloadTyped {
		t.Fatalf("expected Closed -> Typed to be accepted, got %+v", entries)
	}
	if c.Stats().Reloads.Load() != 1 {
		t.Fatalf("expected reloads to be incremented once, got %d", c.Stats().Reloads.Load())
	}

	// Typed -> Typed at the same key is not a legal transition: it must be
	// rejected as a replacement, not silently overwrite.
	other := NewEntry(TypedPayload(struct{}{}, env.V1), 0, 10, 10)
	c.AssignProgram(a, other)
	if c.Stats().Replacements.Load() != 1 {
		t.Fatalf("expected the illegal same-kind replacement to be counted, got %d", c.Stats().Replacements.Load())
	}
}
