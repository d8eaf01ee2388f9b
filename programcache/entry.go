package programcache

import (
	"github.com/nodevalidator/programcache/internal/util"
)

// DelayVisibilitySlotOffset is the hard-coded gap between a program's
// deployment slot and the slot it becomes effective on. It is a spec
// constant, not a runtime knob.
const DelayVisibilitySlotOffset Slot = 1

// ProgramEntry is one version of one program: its payload, the slot range
// it was deployed/becomes effective in, and usage statistics. Once
// published into a SecondLevel, only the three atomic counters may be
// mutated; everything else is immutable for the entry's lifetime.
type ProgramEntry struct {
	Payload        Payload
	AccountSize    int
	DeploymentSlot Slot
	EffectiveSlot  Slot

	txUsage          util.PaddedAtomicUint64
	ixUsage          util.PaddedAtomicUint64
	latestAccessSlot util.PaddedAtomicUint64
}

// NewEntry constructs a program version. Panics if effectiveSlot <
// deploymentSlot, which would violate the entry's core invariant
// (effective_slot >= deployment_slot).
func NewEntry(payload Payload, accountSize int, deploymentSlot, effectiveSlot Slot) *ProgramEntry {
	if effectiveSlot < deploymentSlot {
		panic("programcache: effective_slot must be >= deployment_slot")
	}
	return &ProgramEntry{
		Payload:        payload,
		AccountSize:    accountSize,
		DeploymentSlot: deploymentSlot,
		EffectiveSlot:  effectiveSlot,
	}
}

// NewBuiltinEntry constructs a builtin program entry. Builtins are always
// effective at their deployment slot and are never evicted.
func NewBuiltinEntry(exec Executable, deploymentSlot Slot, accountSize int) *ProgramEntry {
	return &ProgramEntry{
		Payload:        BuiltinPayload(exec),
		AccountSize:    accountSize,
		DeploymentSlot: deploymentSlot,
		EffectiveSlot:  deploymentSlot,
	}
}

// NewTombstone constructs a tombstone entry at a single slot (its
// deployment and effective slots are equal).
func NewTombstone(slot Slot, payload Payload) *ProgramEntry {
	e := &ProgramEntry{
		Payload:        payload,
		DeploymentSlot: slot,
		EffectiveSlot:  slot,
	}
	if !e.IsTombstone() {
		panic("programcache: NewTombstone requires a tombstone payload")
	}
	return e
}

// TxUsage returns the transaction usage counter.
func (e *ProgramEntry) TxUsage() uint64 { return e.txUsage.Load() }

// IxUsage returns the instruction usage counter.
func (e *ProgramEntry) IxUsage() uint64 { return e.ixUsage.Load() }

// LatestAccessSlot returns the latest slot this entry was touched on.
func (e *ProgramEntry) LatestAccessSlot() Slot { return Slot(e.latestAccessSlot.Load()) }

// AddTxUsage bumps the transaction usage counter by n.
func (e *ProgramEntry) AddTxUsage(n uint64) { e.txUsage.Add(n) }

// AddIxUsage bumps the instruction usage counter by n.
func (e *ProgramEntry) AddIxUsage(n uint64) { e.ixUsage.Add(n) }

// UpdateAccessSlot monotonically advances latest_access_slot to the max
// of its current value and slot.
func (e *ProgramEntry) UpdateAccessSlot(slot Slot) {
	for {
		cur := e.latestAccessSlot.Load()
		if uint64(slot) <= cur {
			return
		}
		if e.latestAccessSlot.CompareAndSwap(cur, uint64(slot)) {
			return
		}
	}
}

// DecayedUsageCounter returns tx_usage right-shifted by how long it's
// been since the entry was last touched, saturating at a shift of 63 so
// very old entries never underflow to a nonsense value. Used as the
// eviction priority: a hot-but-old program decays toward zero, a
// recently touched program does not.
func (e *ProgramEntry) DecayedUsageCounter(now Slot) uint64 {
	lastAccess := Slot(e.latestAccessSlot.Load())
	decayingFor := now - lastAccess
	if now < lastAccess {
		decayingFor = 0
	}
	if decayingFor > 63 {
		decayingFor = 63
	}
	return e.txUsage.Load() >> decayingFor
}

// ToUnloaded returns a clone of e with its payload replaced by
// Unloaded(env), preserving usage counters, iff e currently holds a
// compiled user program (LegacyV0/V1/Typed). Builtins and tombstones
// cannot be unloaded and ToUnloaded returns nil for them.
func (e *ProgramEntry) ToUnloaded() *ProgramEntry {
	if !e.Payload.IsCompiledUserProgram() {
		return nil
	}
	clone := &ProgramEntry{
		Payload:        UnloadedPayload(e.Payload.Env),
		AccountSize:    e.AccountSize,
		DeploymentSlot: e.DeploymentSlot,
		EffectiveSlot:  e.EffectiveSlot,
	}
	clone.txUsage.Store(e.txUsage.Load())
	clone.ixUsage.Store(e.ixUsage.Load())
	clone.latestAccessSlot.Store(e.latestAccessSlot.Load())
	return clone
}

// IsTombstone reports whether this entry represents the absence or
// unavailability of a program.
func (e *ProgramEntry) IsTombstone() bool { return e.Payload.IsTombstone() }

// IsImplicitDelayVisibilityTombstone reports whether a lookup at slot
// must be answered with a DelayVisibility tombstone instead of this
// entry: the entry is not a builtin, its effective slot is exactly one
// past its deployment slot, and slot falls in [deployment, effective).
func (e *ProgramEntry) IsImplicitDelayVisibilityTombstone(slot Slot) bool {
	if e.Payload.Kind == PayloadBuiltin {
		return false
	}
	if e.EffectiveSlot-e.DeploymentSlot != DelayVisibilitySlotOffset {
		return false
	}
	return slot >= e.DeploymentSlot && slot < e.EffectiveSlot
}

// MatchesEnvironment reports whether this entry's environment is one of
// envs' members, or the entry carries no environment at all (builtins,
// Closed, DelayVisibility), in which case it matches unconditionally.
func (e *ProgramEntry) MatchesEnvironment(envs Environments) bool {
	if e.Payload.Env == nil {
		return true
	}
	return envs.Matches(e.Payload.Env)
}

// SameVersion reports whether e and other identify the same version slot
// (same effective/deployment slot pair) with the same tombstone-ness.
// Mirrors the original LoadedProgram's PartialEq, used by tests and by
// assertions rather than by any correctness-critical path.
func (e *ProgramEntry) SameVersion(other *ProgramEntry) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.EffectiveSlot == other.EffectiveSlot &&
		e.DeploymentSlot == other.DeploymentSlot &&
		e.IsTombstone() == other.IsTombstone()
}

// versionKey is the composite ordering/identity key for an entry inside
// a SecondLevel: (effective_slot, deployment_slot).
type versionKey struct {
	effective  Slot
	deployment Slot
}

func (e *ProgramEntry) key() versionKey {
	return versionKey{effective: e.EffectiveSlot, deployment: e.DeploymentSlot}
}

func (k versionKey) less(other versionKey) bool {
	if k.effective != other.effective {
		return k.effective < other.effective
	}
	return k.deployment < other.deployment
}

func (k versionKey) equal(other versionKey) bool {
	return k.effective == other.effective && k.deployment == other.deployment
}
