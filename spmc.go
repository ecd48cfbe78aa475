package seqring

import (
	"fmt"

	"github.com/valyala/fastrand"
)

// Work-stealing delivery.
//
// Consumers in the pool race on one shared steal counter; a successful CAS
// from s to hi hands [s, hi) to exactly one consumer and a loser just retries
// against the new value. Batches finish out of order, so releases go through a
// completion tracker with a required count of one, whose contiguous watermark
// is the single marker producers gate on.

const maxStealBackoff = 64

// stealRange claims up to batch published sequences below end.
func (r *Ring) stealRange(end Sequence, batch uint64) (Range, bool) {
	for attempt := 0; ; attempt++ {
		s := r.steal.Load()
		if s >= end {
			return Range{}, false
		}
		hi := min(s+batch, end)
		if r.steal.CompareAndSwap(s, hi) {
			return Range{s, hi}, true
		}
		stealBackoff(attempt)
	}
}

// stealBackoff spins a random number of pauses, growing with attempt, so
// consumers that keep colliding spread out.
func stealBackoff(attempt int) {
	for i := fastrand.Uint32n(uint32(min(attempt, maxStealBackoff)) + 1); i > 0; i-- {
		cpuRelax()
	}
}

func (c *Consumer) pollStealing(yield func(Sequence, []byte) bool) {
	r := c.ring
	end := r.Available()
	for {
		if c.pending.Len() == 0 {
			rng, ok := r.stealRange(end, uint64(r.cfg.StealBatch))
			if !ok {
				return
			}
			c.pending = rng
		}
		s := c.pending.Lo
		c.pending.Lo++
		c.deliver(Range{s, s + 1})
		if !yield(s, r.slot(s)) {
			return
		}
	}
}

// deliver records rng as handed to c and awaiting Ack.
func (c *Consumer) deliver(rng Range) {
	if n := len(c.owned); n > 0 && c.owned[n-1].Hi == rng.Lo {
		c.owned[n-1].Hi = rng.Hi
		return
	}
	c.owned = append(c.owned, rng)
}

// ackStealing releases every sequence owned by c up to and including seq.
// Owned ranges are ascending because the steal counter only grows.
func (c *Consumer) ackStealing(seq Sequence) error {
	found := false
	for _, o := range c.owned {
		if o.Contains(seq) {
			found = true
			break
		}
	}
	if !found {
		if seq < c.released {
			return nil
		}
		return fmt.Errorf("%w: %d is not owned by consumer %d", ErrInvalidSequence, seq, c.id)
	}
	t := c.ring.tracker
	drop := 0
	for i := range c.owned {
		o := &c.owned[i]
		if o.Lo > seq {
			break
		}
		hi := min(o.Hi, seq+1)
		for s := o.Lo; s < hi; s++ {
			t.Complete(s)
		}
		if hi < o.Hi {
			o.Lo = hi
			break
		}
		drop++
	}
	n := copy(c.owned, c.owned[drop:])
	c.owned = c.owned[:n]
	c.released = max(c.released, seq+1)
	return nil
}

// Leave releases everything c holds in a work-stealing pool: sequences
// delivered but not acked, and the undelivered rest of its stolen batch.
// Those records are dropped unprocessed. Without it, a pool member that
// stops holds the completion marker, and so every producer, behind its
// batch forever.
func (c *Consumer) Leave() error {
	if c.ring.cfg.Consumer != WorkStealing {
		return fmt.Errorf("%w: Leave on a %v consumer", ErrInvalidConfiguration, c.ring.cfg.Consumer)
	}
	if c.pending.Len() > 0 {
		c.deliver(c.pending)
		c.pending = Range{}
	}
	if n := len(c.owned); n > 0 {
		return c.ackStealing(c.owned[n-1].Last())
	}
	return nil
}
