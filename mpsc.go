package seqring

// Multi-producer claim protocol.
//
// Producers race on claim with a single compare-and-swap of size n, after
// checking the gating watermark. Publication can finish out of claim order,
// so each slot carries a stamp (seq+1 once published) and the published
// watermark is recomputed by scanning stamps forward from the last known
// cursor until a slot that is not ready yet.

// reserveMulti may be called concurrently from many goroutines.
func (r *Ring) reserveMulti(n uint64, contiguous bool) (Range, uint64, error) {
	for {
		lo := r.claim.Load()
		pad := r.padFor(lo, n, contiguous)
		hi := lo + pad + n
		if hi > r.gating()+r.capacity {
			// a slot in [lo, hi) has not been released by every consumer yet
			r.stats.full.Add(1)
			return Range{}, 0, ErrFull
		}
		if r.claim.CompareAndSwap(lo, hi) {
			return Range{lo, hi}, pad, nil
		}
		// lost the race to another producer, retry with the new claim
	}
}

func (r *Ring) publishMulti(rng Range) {
	for s := rng.Lo; s < rng.Hi; s++ {
		r.stamps[s&r.mask].seq.Store(s + 1)
	}
}

// scanPublished advances the shared cursor over every consecutive published
// stamp and returns the new watermark. Concurrent scanners only ever raise
// the cursor.
func (r *Ring) scanPublished() Sequence {
	cur := r.cursor.Load()
	hi := cur
	for hi-cur < r.capacity && r.stamps[hi&r.mask].seq.Load() == hi+1 {
		hi++
	}
	if hi == cur {
		return cur
	}
	for !r.cursor.CompareAndSwap(cur, hi) {
		if cur = r.cursor.Load(); cur >= hi {
			return cur
		}
	}
	return hi
}
