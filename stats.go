package seqring

import (
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
)

// counters are bumped only off the fast path: on a failed claim, on a wait,
// and when a consumer stops on a corrupted record.
type counters struct {
	full      atomic.Uint64
	waits     atomic.Uint64
	corrupted atomic.Uint64
}

// Stats is a point-in-time view of a ring. Fields are read one by one, so
// the snapshot is not atomic as a whole.
type Stats struct {
	Capacity  uint64
	Claimed   uint64 // sequences handed to producers
	Published uint64 // contiguous published prefix
	Gating    uint64 // sequences released by every consumer
	Stolen    uint64 // sequences claimed by the work-stealing pool

	Full      uint64 // claims rejected with ErrFull
	Waits     uint64 // wait strategy invocations
	Corrupted uint64 // consumers stopped by a malformed record
}

// Backlog is the number of published sequences not yet released.
func (s Stats) Backlog() uint64 { return s.Published - s.Gating }

// Stats retrieves the current statistics of the ring.
func (r *Ring) Stats() Stats {
	return Stats{
		Capacity:  r.capacity,
		Claimed:   r.claim.Load(),
		Published: r.Available(),
		Gating:    r.gating(),
		Stolen:    r.steal.Load(),
		Full:      r.stats.full.Load(),
		Waits:     r.stats.waits.Load(),
		Corrupted: r.stats.corrupted.Load(),
	}
}

// RegisterMetrics exposes the ring's statistics as gauges named prefix+"/...".
// Values are sampled when the registry is read, nothing is recorded on the
// ring's own paths.
func (r *Ring) RegisterMetrics(prefix string, reg metrics.Registry) error {
	if reg == nil {
		reg = metrics.DefaultRegistry
	}
	gauges := map[string]func() int64{
		"capacity":  func() int64 { return int64(r.capacity) },
		"claimed":   func() int64 { return int64(r.claim.Load()) },
		"published": func() int64 { return int64(r.Available()) },
		"gating":    func() int64 { return int64(r.gating()) },
		"backlog":   func() int64 { return int64(r.Stats().Backlog()) },
		"full":      func() int64 { return int64(r.stats.full.Load()) },
		"waits":     func() int64 { return int64(r.stats.waits.Load()) },
		"corrupted": func() int64 { return int64(r.stats.corrupted.Load()) },
	}
	for name, fn := range gauges {
		if err := reg.Register(prefix+"/"+name, metrics.NewFunctionalGauge(fn)); err != nil {
			return err
		}
	}
	return nil
}
