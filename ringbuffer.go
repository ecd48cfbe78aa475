package seqring

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/exp/slog"
	"golang.org/x/sys/cpu"
)

// The claim/publish protocol follows Dmitry Vyukov's bounded queue and the
// LMAX Disruptor sequencer:
// https://www.1024cores.net/home/lock-free-algorithms/queues/bounded-mpmc-queue

// Sequence is the logical position of a record. Sequences start at 0 and
// never wrap; the slot index is seq & (capacity-1).
type Sequence = uint64

// Range is the half-open span [Lo, Hi) of sequences.
type Range struct {
	Lo, Hi Sequence
}

func (r Range) Len() int { return int(r.Hi - r.Lo) }

// Last is the highest sequence in r.
func (r Range) Last() Sequence { return r.Hi - 1 }

func (r Range) Contains(seq Sequence) bool { return seq >= r.Lo && seq < r.Hi }

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Lo, r.Hi) }

// stamp marks a slot published in multi-producer mode.
type stamp struct {
	seq atomic.Uint64 // seq+1 of the sequence currently published in the slot
}

// Ring is a bounded sequence ring of fixed-size slots.
//
// Every cursor is an exclusive bound: cursor == n means [0, n) is published,
// gate == n means [0, n) is fully consumed. Producers may hand out sequence s
// only while s < gating + capacity.
type Ring struct {
	_         cpu.CacheLinePad
	mask      uint64
	capacity  uint64
	slotSize  int
	words     int // 8-byte words per slot
	maxSpans  uint64
	data      []uint64
	buf       []byte  // byte view over data
	stamps    []stamp // multi-producer only
	tracker   *CompletionTracker
	cfg       Config
	wait      WaitStrategy
	log       *slog.Logger
	_         cpu.CacheLinePad
	claim     atomic.Uint64 // next sequence to hand to a producer
	_         cpu.CacheLinePad
	cursor    atomic.Uint64 // published watermark
	_         cpu.CacheLinePad
	gate      atomic.Uint64 // consumed watermark, SingleConsumer only
	_         cpu.CacheLinePad
	steal     atomic.Uint64 // next unclaimed sequence, WorkStealing only
	_         cpu.CacheLinePad
	gateCache uint64 // last gating value seen by the single producer
	nextID    atomic.Int32
	stats     counters
}

// New validates cfg and allocates a ring. Configuration problems are
// reported here and never deferred to first use.
func New(cfg Config) (*Ring, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	words := cfg.SlotSize / 8
	data := make([]uint64, cfg.Capacity*uint64(words))
	r := &Ring{
		mask:     cfg.Capacity - 1,
		capacity: cfg.Capacity,
		slotSize: cfg.SlotSize,
		words:    words,
		maxSpans: min(cfg.Capacity/2, maxHeaderSpans),
		data:     data,
		buf:      unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*8),
		cfg:      cfg,
		wait:     cfg.WaitStrategy,
	}
	if cfg.Producer == MultiProducer {
		r.stamps = make([]stamp, cfg.Capacity)
	}
	switch cfg.Consumer {
	case FixedMultiConsumer:
		r.tracker = NewCompletionTracker(cfg.Capacity, cfg.Consumers)
	case WorkStealing:
		r.tracker = NewCompletionTracker(cfg.Capacity, 1)
	}
	r.log = cfg.Logger.With("producer", cfg.Producer.String(), "consumer", cfg.Consumer.String())
	r.log.Debug("ring created", "capacity", cfg.Capacity, "slot_size", cfg.SlotSize, "wait", fmt.Sprintf("%T", r.wait))
	return r, nil
}

// NewSPSC creates a single-producer single-consumer ring.
func NewSPSC(capacity uint64, slotSize int, opts ...Option) (*Ring, error) {
	return New(NewConfig(append([]Option{WithCapacity(capacity), WithSlotSize(slotSize)}, opts...)...))
}

// NewMPSC creates a multi-producer single-consumer ring.
func NewMPSC(capacity uint64, slotSize int, opts ...Option) (*Ring, error) {
	return New(NewConfig(append([]Option{
		WithCapacity(capacity), WithSlotSize(slotSize), WithProducer(MultiProducer),
	}, opts...)...))
}

// NewMPMC creates a multi-producer ring read by a fixed set of consumers,
// each of which sees every sequence.
func NewMPMC(capacity uint64, slotSize int, consumers int, opts ...Option) (*Ring, error) {
	return New(NewConfig(append([]Option{
		WithCapacity(capacity), WithSlotSize(slotSize), WithProducer(MultiProducer),
		WithConsumer(FixedMultiConsumer, consumers),
	}, opts...)...))
}

// NewSPMC creates a single-producer ring drained by a work-stealing pool.
func NewSPMC(capacity uint64, slotSize int, opts ...Option) (*Ring, error) {
	return New(NewConfig(append([]Option{
		WithCapacity(capacity), WithSlotSize(slotSize), WithConsumer(WorkStealing, 0),
	}, opts...)...))
}

// TryClaim claims one sequence. It returns ErrFull instead of blocking.
func (r *Ring) TryClaim() (Sequence, error) {
	rng, err := r.TryReserve(1)
	return rng.Lo, err
}

// TryReserve claims n contiguous sequences, or returns ErrFull when doing so
// would reuse a slot not yet released by every consumer.
// In SingleProducer mode it must only be called from one goroutine.
func (r *Ring) TryReserve(n int) (Range, error) {
	if n <= 0 || uint64(n) > r.capacity {
		return Range{}, fmt.Errorf("%w: cannot reserve %d of %d slots", ErrTooLarge, n, r.capacity)
	}
	rng, _, err := r.reserve(uint64(n), false)
	return rng, err
}

// Reserve is TryReserve that waits, using the ring's wait strategy, until
// the sequences are available or ctx is done.
func (r *Ring) Reserve(ctx context.Context, n int) (rng Range, err error) {
	err = r.retry(ctx, func() error {
		rng, err = r.TryReserve(n)
		return err
	})
	return rng, err
}

// reserve claims n sequences. With contiguous set, a span that would cross
// the physical end of the ring is preceded by pad sequences reaching it.
func (r *Ring) reserve(n uint64, contiguous bool) (Range, uint64, error) {
	if r.cfg.Producer == MultiProducer {
		return r.reserveMulti(n, contiguous)
	}
	lo := r.claim.Load()
	pad := r.padFor(lo, n, contiguous)
	hi := lo + pad + n
	if hi > r.gateCache+r.capacity {
		r.gateCache = r.gating()
		if hi > r.gateCache+r.capacity {
			r.stats.full.Add(1)
			return Range{}, 0, ErrFull
		}
	}
	r.claim.Store(hi)
	return Range{lo, hi}, pad, nil
}

func (r *Ring) padFor(lo, n uint64, contiguous bool) uint64 {
	if !contiguous {
		return 0
	}
	if idx := lo & r.mask; idx+n > r.capacity {
		return r.capacity - idx
	}
	return 0
}

// gating is the exclusive watermark below which every consumer is done.
func (r *Ring) gating() Sequence {
	if r.tracker != nil {
		return r.tracker.Completed()
	}
	return r.gate.Load()
}

// Write copies p into the slot of a claimed, unpublished sequence. The rest
// of the slot is zeroed.
func (r *Ring) Write(seq Sequence, p []byte) error {
	if len(p) > r.slotSize {
		return fmt.Errorf("%w: %d bytes into a %d byte slot", ErrTooLarge, len(p), r.slotSize)
	}
	if err := r.checkClaimed(seq); err != nil {
		return err
	}
	b := r.slot(seq)
	clear(b[copy(b, p):])
	return nil
}

// WriteFunc hands fn the slot memory of a claimed, unpublished sequence.
// The slice is only valid for the duration of the call.
func (r *Ring) WriteFunc(seq Sequence, fn func(slot []byte)) error {
	if err := r.checkClaimed(seq); err != nil {
		return err
	}
	fn(r.slot(seq))
	return nil
}

// checkClaimed reports whether seq is claimed and not yet published.
func (r *Ring) checkClaimed(seq Sequence) error {
	claim := r.claim.Load()
	if seq >= claim || claim-seq > r.capacity {
		return fmt.Errorf("%w: %d is not claimed (claimed up to %d)", ErrInvalidSequence, seq, claim)
	}
	if r.stamps != nil {
		if r.stamps[seq&r.mask].seq.Load() == seq+1 {
			return fmt.Errorf("%w: %d is already published", ErrInvalidSequence, seq)
		}
		return nil
	}
	if seq < r.cursor.Load() {
		return fmt.Errorf("%w: %d is already published", ErrInvalidSequence, seq)
	}
	return nil
}

// Publish makes every slot of rng visible to consumers. Slot writes made
// before Publish happen before any consumer read that observes them.
func (r *Ring) Publish(rng Range) error {
	if rng.Lo >= rng.Hi {
		return fmt.Errorf("%w: empty range %v", ErrInvalidSequence, rng)
	}
	claim := r.claim.Load()
	if rng.Hi > claim || claim-rng.Lo > r.capacity {
		return fmt.Errorf("%w: %v is not claimed (claimed up to %d)", ErrInvalidSequence, rng, claim)
	}
	if r.stamps != nil {
		for s := rng.Lo; s < rng.Hi; s++ {
			if r.stamps[s&r.mask].seq.Load() == s+1 {
				return fmt.Errorf("%w: %d is already published", ErrInvalidSequence, s)
			}
		}
		r.publishMulti(rng)
		return nil
	}
	if cur := r.cursor.Load(); cur != rng.Lo {
		return fmt.Errorf("%w: publish %v out of order, cursor at %d", ErrInvalidSequence, rng, cur)
	}
	r.cursor.Store(rng.Hi)
	return nil
}

// publish skips the ownership checks for ranges the ring claimed itself.
func (r *Ring) publish(rng Range) {
	if r.stamps != nil {
		r.publishMulti(rng)
		return
	}
	r.cursor.Store(rng.Hi)
}

// Available returns the exclusive bound of the contiguous published prefix.
func (r *Ring) Available() Sequence {
	if r.stamps != nil {
		return r.scanPublished()
	}
	return r.cursor.Load()
}

// Claimed returns the exclusive bound of sequences handed to producers.
func (r *Ring) Claimed() Sequence { return r.claim.Load() }

// Gating returns the exclusive bound of sequences every consumer released.
func (r *Ring) Gating() Sequence { return r.gating() }

// Capacity returns the fixed number of slots.
func (r *Ring) Capacity() uint64 { return r.capacity }

// SlotSize returns the number of bytes per slot.
func (r *Ring) SlotSize() int { return r.slotSize }

// Config returns the effective configuration.
func (r *Ring) Config() Config { return r.cfg }

// Tracker returns the completion tracker, or nil in SingleConsumer mode.
func (r *Ring) Tracker() *CompletionTracker { return r.tracker }

func (r *Ring) slot(seq Sequence) []byte {
	off := int(seq&r.mask) * r.slotSize
	return r.buf[off : off+r.slotSize : off+r.slotSize]
}

// retry runs try until it returns something other than ErrFull, waiting
// between attempts. It gives up with ctx's error.
func (r *Ring) retry(ctx context.Context, try func() error) error {
	for attempt := 0; ; attempt++ {
		err := try()
		if !errors.Is(err, ErrFull) {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		r.stats.waits.Add(1)
		r.wait.Wait(attempt)
	}
}
