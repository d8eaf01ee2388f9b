package programcache

// Address is the opaque 32-byte identifier of a program account.
type Address [32]byte

// Slot is a monotonically increasing integer identifying a block on some
// fork.
type Slot uint64

// Epoch is a coarser integer derived from Slot via ForkGraph.SlotEpoch.
type Epoch uint64

// BlockRelation describes how two slots relate to one another on the
// fork graph.
type BlockRelation int

const (
	// Ancestor means a is on the same fork as b and precedes it.
	Ancestor BlockRelation = iota
	// Equal means a and b are the same slot.
	Equal
	// Descendant means a is on the same fork as b and follows it.
	Descendant
	// Unrelated means a and b are on different forks with no shared lineage
	// the graph can vouch for.
	Unrelated
	// Unknown means one or both slots are outside what the graph
	// remembers (older than its earliest root, or ahead of any known
	// block). Never treated as fatal; callers fall back to "not on our
	// fork".
	Unknown
)

func (r BlockRelation) String() string {
	switch r {
	case Ancestor:
		return "Ancestor"
	case Equal:
		return "Equal"
	case Descendant:
		return "Descendant"
	case Unrelated:
		return "Unrelated"
	default:
		return "Unknown"
	}
}

// ForkGraph answers ancestor/descendant/equal/unrelated queries between
// two slots, and maps a slot to its epoch. It is implemented by the
// validator's banking/replay stage and consumed read-only by the cache.
type ForkGraph interface {
	// Relationship returns how a relates to b. Implementations must be
	// reflexive (Relationship(s, s) == Equal) and must satisfy
	// Relationship(a, b) == Ancestor  <=>  Relationship(b, a) == Descendant.
	Relationship(a, b Slot) BlockRelation

	// SlotEpoch returns the epoch containing slot, or false if the slot
	// is not known to the graph.
	SlotEpoch(slot Slot) (Epoch, bool)
}
