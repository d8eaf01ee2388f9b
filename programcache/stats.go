package programcache

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nodevalidator/programcache/internal/telemetry"
)

// Stats accumulates cache-wide counters. The exported counters are
// atomics: they are observability, not correctness-carrying. Per-address
// eviction counts live in a mutex-guarded map.
type Stats struct {
	Hits              atomic.Uint64
	Misses            atomic.Uint64
	Reloads           atomic.Uint64
	Insertions        atomic.Uint64
	LostInsertions    atomic.Uint64
	Replacements      atomic.Uint64
	OneHitWonders     atomic.Uint64
	PrunesOrphan      atomic.Uint64
	PrunesEnvironment atomic.Uint64
	EmptyEntries      atomic.Uint64

	evictionsMu sync.Mutex
	evictions   map[Address]uint64
}

func newStats() *Stats {
	return &Stats{evictions: make(map[Address]uint64)}
}

// RecordEviction bumps the per-address eviction counter used by Submit's
// trace-level breakdown.
func (s *Stats) RecordEviction(addr Address) {
	s.evictionsMu.Lock()
	s.evictions[addr]++
	s.evictionsMu.Unlock()
}

// TotalEvictions sums the per-address eviction counters.
func (s *Stats) TotalEvictions() uint64 {
	s.evictionsMu.Lock()
	defer s.evictionsMu.Unlock()
	var total uint64
	for _, n := range s.evictions {
		total += n
	}
	return total
}

// Reset zeroes every counter, including the per-address eviction map.
func (s *Stats) Reset() {
	s.Hits.Store(0)
	s.Misses.Store(0)
	s.Reloads.Store(0)
	s.Insertions.Store(0)
	s.LostInsertions.Store(0)
	s.Replacements.Store(0)
	s.OneHitWonders.Store(0)
	s.PrunesOrphan.Store(0)
	s.PrunesEnvironment.Store(0)
	s.EmptyEntries.Store(0)
	s.evictionsMu.Lock()
	s.evictions = make(map[Address]uint64)
	s.evictionsMu.Unlock()
}

// Submit logs the current measurement values, mirroring the original
// validator's "loaded-programs-cache-stats" datapoint plus its
// debug/trace log lines.
func (s *Stats) Submit(slot Slot) {
	evictions := s.TotalEvictions()
	entry := telemetry.WithFields(map[string]interface{}{
		"slot":                slot,
		"hits":                s.Hits.Load(),
		"misses":              s.Misses.Load(),
		"evictions":           evictions,
		"reloads":             s.Reloads.Load(),
		"insertions":          s.Insertions.Load(),
		"lost_insertions":     s.LostInsertions.Load(),
		"replacements":        s.Replacements.Load(),
		"one_hit_wonders":     s.OneHitWonders.Load(),
		"prunes_orphan":       s.PrunesOrphan.Load(),
		"prunes_environment":  s.PrunesEnvironment.Load(),
		"empty_entries":       s.EmptyEntries.Load(),
	})
	entry.Debug("loaded-programs-cache-stats")

	if evictions == 0 {
		return
	}
	s.evictionsMu.Lock()
	type kv struct {
		addr Address
		n    uint64
	}
	ordered := make([]kv, 0, len(s.evictions))
	for addr, n := range s.evictions {
		ordered = append(ordered, kv{addr, n})
	}
	s.evictionsMu.Unlock()
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].n > ordered[j].n })
	for _, e := range ordered {
		entry.WithFields(map[string]interface{}{
			"program": e.addr,
			"count":   e.n,
		}).Trace("eviction detail")
	}
}
