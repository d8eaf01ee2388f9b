// Package prom exports a ProgramCache's Stats as Prometheus metrics.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nodevalidator/programcache/programcache"
)

// Adapter is a prometheus.Collector pulling its values from a
// ProgramCache's Stats on every scrape, rather than pushing on every
// counter increment: Stats' atomics are cheap enough to read directly
// and this avoids a second layer of counters drifting from the cache's
// own bookkeeping.
type Adapter struct {
	cache *programcache.ProgramCache

	hits              *prometheus.Desc
	misses            *prometheus.Desc
	reloads           *prometheus.Desc
	insertions        *prometheus.Desc
	lostInsertions    *prometheus.Desc
	replacements      *prometheus.Desc
	oneHitWonders     *prometheus.Desc
	prunesOrphan      *prometheus.Desc
	prunesEnvironment *prometheus.Desc
	emptyEntries      *prometheus.Desc
	evictionsTotal    *prometheus.Desc
}

// New wraps cache for Prometheus collection under ns/sub, registering
// itself with reg (prometheus.DefaultRegisterer if reg is nil).
func New(reg prometheus.Registerer, cache *programcache.ProgramCache, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(ns, sub, name), help, nil, constLabels)
	}
	a := &Adapter{
		cache:             cache,
		hits:              desc("hits_total", "Resolved search items found in the cache"),
		misses:            desc("misses_total", "Search items not resolved from the cache"),
		reloads:           desc("reloads_total", "Entries reloaded from a Closed/Unloaded tombstone"),
		insertions:        desc("insertions_total", "Program versions assigned into the cache"),
		lostInsertions:    desc("lost_insertions_total", "Cooperative loads published after their fork was pruned"),
		replacements:      desc("replacements_total", "Assignments rejected by the transition-allowed check"),
		oneHitWonders:     desc("one_hit_wonders_total", "Evicted entries that were used exactly once"),
		prunesOrphan:      desc("prunes_orphan_total", "Versions dropped for being off the finalized fork"),
		prunesEnvironment: desc("prunes_environment_total", "Versions dropped for carrying a stale environment"),
		emptyEntries:      desc("empty_entries_total", "Addresses whose SecondLevel emptied out during a prune"),
		evictionsTotal:    desc("evictions_total", "Programs unloaded to shrink resident memory"),
	}
	reg.MustRegister(a)
	return a
}

// Describe implements prometheus.Collector.
func (a *Adapter) Describe(ch chan<- *prometheus.Desc) {
	ch <- a.hits
	ch <- a.misses
	ch <- a.reloads
	ch <- a.insertions
	ch <- a.lostInsertions
	ch <- a.replacements
	ch <- a.oneHitWonders
	ch <- a.prunesOrphan
	ch <- a.prunesEnvironment
	ch <- a.emptyEntries
	ch <- a.evictionsTotal
}

// Collect implements prometheus.Collector.
func (a *Adapter) Collect(ch chan<- prometheus.Metric) {
	s := a.cache.Stats()
	ch <- prometheus.MustNewConstMetric(a.hits, prometheus.CounterValue, float64(s.Hits.Load()))
	ch <- prometheus.MustNewConstMetric(a.misses, prometheus.CounterValue, float64(s.Misses.Load()))
	ch <- prometheus.MustNewConstMetric(a.reloads, prometheus.CounterValue, float64(s.Reloads.Load()))
	ch <- prometheus.MustNewConstMetric(a.insertions, prometheus.CounterValue, float64(s.Insertions.Load()))
	ch <- prometheus.MustNewConstMetric(a.lostInsertions, prometheus.CounterValue, float64(s.LostInsertions.Load()))
	ch <- prometheus.MustNewConstMetric(a.replacements, prometheus.CounterValue, float64(s.Replacements.Load()))
	ch <- prometheus.MustNewConstMetric(a.oneHitWonders, prometheus.CounterValue, float64(s.OneHitWonders.Load()))
	ch <- prometheus.MustNewConstMetric(a.prunesOrphan, prometheus.CounterValue, float64(s.PrunesOrphan.Load()))
	ch <- prometheus.MustNewConstMetric(a.prunesEnvironment, prometheus.CounterValue, float64(s.PrunesEnvironment.Load()))
	ch <- prometheus.MustNewConstMetric(a.emptyEntries, prometheus.CounterValue, float64(s.EmptyEntries.Load()))
	ch <- prometheus.MustNewConstMetric(a.evictionsTotal, prometheus.CounterValue, float64(s.TotalEvictions()))
}
