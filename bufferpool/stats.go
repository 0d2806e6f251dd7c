// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package bufferpool

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricHits      = "hits_total"
	MetricMisses    = "misses_total"
	MetricEvictions = "evictions_total"
	MetricRetries   = "victim_retries_total"
	MetricReads     = "device_reads_total"
	MetricWrites    = "device_writes_total"
)

// Stats holds the cache's counters.
type Stats struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Evictions prometheus.Counter
	Retries   prometheus.Counter
	Reads     prometheus.Counter
	Writes    prometheus.Counter
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kcore",
		Subsystem: "bcache",
		Name:      name,
		Help:      help,
	})
}

// NewStats returns cache counters registered on reg. A nil reg leaves them
// unregistered.
func NewStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		Hits:      newCounter(MetricHits, "Lookups that found the block cached."),
		Misses:    newCounter(MetricMisses, "Lookups that had to recycle a buffer."),
		Evictions: newCounter(MetricEvictions, "Buffers taken from one block for another."),
		Retries:   newCounter(MetricRetries, "Victims re-pinned between selection and reuse."),
		Reads:     newCounter(MetricReads, "Blocks read from the device."),
		Writes:    newCounter(MetricWrites, "Blocks written to the device."),
	}
	if reg != nil {
		reg.MustRegister(s.Hits, s.Misses, s.Evictions, s.Retries, s.Reads, s.Writes)
	}
	return s
}
