package seqring

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

type trackerEntry struct {
	count atomic.Uint32 // consumers finished with the in-flight sequence
	done  atomic.Uint64 // seq+1 once count reached the required total
}

// CompletionTracker records, per in-flight sequence, how many consumers have
// finished it, and maintains the contiguous watermark below which every
// sequence is finished by all of them. Producers gate on that watermark, so a
// slot is recycled only after the slowest consumer is done with it.
//
// One entry per slot is enough: a slot holds a single in-flight sequence
// because it cannot be reclaimed before its entry completes.
type CompletionTracker struct {
	required  uint32
	mask      uint64
	entries   []trackerEntry
	_         cpu.CacheLinePad
	completed atomic.Uint64
	_         cpu.CacheLinePad
}

// NewCompletionTracker creates a tracker for a ring of the given capacity
// where each sequence must be completed required times.
func NewCompletionTracker(capacity uint64, required int) *CompletionTracker {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		panic("seqring: tracker capacity must be a power of two")
	}
	if required < 1 {
		panic("seqring: tracker needs at least one consumer")
	}
	return &CompletionTracker{
		required: uint32(required),
		mask:     capacity - 1,
		entries:  make([]trackerEntry, capacity),
	}
}

// Complete records that one consumer finished seq. It returns true when that
// made the entry complete. Each consumer must complete a sequence at most once.
func (t *CompletionTracker) Complete(seq Sequence) bool {
	e := &t.entries[seq&t.mask]
	if seq < t.completed.Load() || e.done.Load() == seq+1 {
		panic(fmt.Sprintf("seqring: sequence %d is already complete", seq))
	}
	n := e.count.Add(1)
	if n < t.required {
		return false
	}
	if n > t.required {
		panic(fmt.Sprintf("seqring: sequence %d completed %d times by %d consumers", seq, n, t.required))
	}
	// reset before publishing done so the next lap starts from zero
	e.count.Store(0)
	e.done.Store(seq + 1)
	t.advance()
	return true
}

// advance moves the watermark over every consecutive completed entry. Any
// goroutine may help; the last finisher of each sequence always tries.
func (t *CompletionTracker) advance() {
	for {
		w := t.completed.Load()
		if t.entries[w&t.mask].done.Load() != w+1 {
			return
		}
		t.completed.CompareAndSwap(w, w+1)
	}
}

// Completed returns the exclusive watermark of fully finished sequences.
func (t *CompletionTracker) Completed() Sequence { return t.completed.Load() }

// Required is the number of completions each sequence needs.
func (t *CompletionTracker) Required() int { return int(t.required) }

// Count reports how many consumers have finished seq. It is meaningful for
// sequences below Completed() and for in-flight sequences, those less than a
// capacity ahead of Completed().
func (t *CompletionTracker) Count(seq Sequence) int {
	if seq < t.Completed() {
		return int(t.required)
	}
	e := &t.entries[seq&t.mask]
	if e.done.Load() == seq+1 {
		return int(t.required)
	}
	return int(e.count.Load())
}
