// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package kalloc

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricAllocs      = "allocs_total"
	MetricFrees       = "frees_total"
	MetricSteals      = "steals_total"
	MetricFailures    = "alloc_failures_total"
	MetricCOWCopies   = "cow_copies_total"
	MetricCOWUpgrades = "cow_upgrades_total"
)

// Stats holds the allocator's counters.
type Stats struct {
	Allocs      prometheus.Counter
	Frees       prometheus.Counter
	Steals      prometheus.Counter
	Failures    prometheus.Counter
	COWCopies   prometheus.Counter
	COWUpgrades prometheus.Counter
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kcore",
		Subsystem: "kalloc",
		Name:      name,
		Help:      help,
	})
}

// NewStats returns allocator counters registered on reg. A nil reg leaves
// them unregistered.
func NewStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		Allocs:      newCounter(MetricAllocs, "Page frames handed out by Alloc."),
		Frees:       newCounter(MetricFrees, "Page frames returned to a free list."),
		Steals:      newCounter(MetricSteals, "Allocations served from another CPU's free list."),
		Failures:    newCounter(MetricFailures, "Allocations that found every free list empty."),
		COWCopies:   newCounter(MetricCOWCopies, "Write faults resolved by copying a shared frame."),
		COWUpgrades: newCounter(MetricCOWUpgrades, "Write faults resolved in place on an unshared frame."),
	}
	if reg != nil {
		reg.MustRegister(s.Allocs, s.Frees, s.Steals, s.Failures, s.COWCopies, s.COWUpgrades)
	}
	return s
}
