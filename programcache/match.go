package programcache

// MatchCriteria filters extraction candidates beyond plain fork
// visibility.
type MatchCriteria struct {
	kind          matchKind
	afterOrOnSlot Slot
}

type matchKind int

const (
	matchNoCriteria matchKind = iota
	matchTombstone
	matchDeployedOnOrAfterSlot
)

// NoCriteria accepts any visible candidate.
func NoCriteria() MatchCriteria { return MatchCriteria{kind: matchNoCriteria} }

// TombstoneOnly accepts only tombstone candidates.
func TombstoneOnly() MatchCriteria { return MatchCriteria{kind: matchTombstone} }

// DeployedOnOrAfterSlot accepts only candidates deployed at or after s.
func DeployedOnOrAfterSlot(s Slot) MatchCriteria {
	return MatchCriteria{kind: matchDeployedOnOrAfterSlot, afterOrOnSlot: s}
}

// accepts reports whether entry satisfies the criteria. Fork visibility
// is checked separately by the caller (Extract); this only filters on
// the entry's own fields.
func (m MatchCriteria) accepts(entry *ProgramEntry) bool {
	switch m.kind {
	case matchTombstone:
		return entry.IsTombstone()
	case matchDeployedOnOrAfterSlot:
		return entry.DeploymentSlot >= m.afterOrOnSlot
	default:
		return true
	}
}
