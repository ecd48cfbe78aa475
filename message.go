package seqring

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
)

// Variable-length messages.
//
// A message starts at a slot boundary with an 8-byte header, stored as one
// little-endian word so it can be read atomically:
//
//	bits  0-31  payload length in bytes
//	bits 32-47  tag
//	bits 48-63  number of slots spanned, header included
//
// The payload follows the header and runs contiguously through the next
// slots. A message never wraps past the physical end of the ring; when it
// would, the same claim covers a padding record up to the end, which readers
// skip. This keeps every payload a single zero-copy slice.

const (
	headerSize     = 8
	maxHeaderSpans = 1<<16 - 1

	// TagPadding marks filler up to the end of the ring. It cannot be used
	// as a message tag.
	TagPadding uint16 = 0xFFFF
)

var errReservedTag = errors.New("seqring: tag 0xFFFF is reserved for padding")

// Message is a decoded variable-length record. Payload aliases ring memory
// and is valid until Last() is acked.
type Message struct {
	Seq     Sequence
	Spans   int
	Tag     uint16
	Payload []byte
}

// Last is the sequence to ack to release the whole message.
func (m Message) Last() Sequence { return m.Seq + uint64(m.Spans) - 1 }

func packHeader(length uint32, tag uint16, spans uint16) uint64 {
	return uint64(length) | uint64(tag)<<32 | uint64(spans)<<48
}

func unpackHeader(h uint64) (length uint32, tag uint16, spans uint16) {
	return uint32(h), uint16(h >> 32), uint16(h >> 48)
}

// SpansFor returns how many slots a payload of n bytes occupies.
func (r *Ring) SpansFor(n int) int {
	return (headerSize + n + r.slotSize - 1) / r.slotSize
}

// MaxMessageSize is the largest payload a single message can carry.
func (r *Ring) MaxMessageSize() int {
	return int(r.maxSpans)*r.slotSize - headerSize
}

func (r *Ring) headerWord(seq Sequence) *uint64 {
	return &r.data[int(seq&r.mask)*r.words]
}

func (r *Ring) payload(seq Sequence, n int) []byte {
	off := int(seq&r.mask)*r.slotSize + headerSize
	return r.buf[off : off+n : off+n]
}

// claimMessage reserves room for an n byte payload and writes the headers.
// It returns the full claimed range, padding included, and the first
// sequence of the message itself.
func (r *Ring) claimMessage(tag uint16, n int) (Range, Sequence, error) {
	if tag == TagPadding {
		return Range{}, 0, errReservedTag
	}
	if n < 0 || n > r.MaxMessageSize() {
		return Range{}, 0, fmt.Errorf("%w: %d byte message, max %d", ErrTooLarge, n, r.MaxMessageSize())
	}
	spans := uint64(r.SpansFor(n))
	rng, pad, err := r.reserve(spans, true)
	if err != nil {
		return Range{}, 0, err
	}
	if pad > 0 {
		atomic.StoreUint64(r.headerWord(rng.Lo), packHeader(0, TagPadding, uint16(pad)))
	}
	first := rng.Lo + pad
	atomic.StoreUint64(r.headerWord(first), packHeader(uint32(n), tag, uint16(spans)))
	return rng, first, nil
}

// TryWriteMessage copies p into the ring as one message and publishes it.
// It returns ErrFull instead of blocking.
func (r *Ring) TryWriteMessage(tag uint16, p []byte) (Range, error) {
	rng, first, err := r.claimMessage(tag, len(p))
	if err != nil {
		return Range{}, err
	}
	copy(r.payload(first, len(p)), p)
	r.publish(rng)
	return rng, nil
}

// TryWriteMessageFunc reserves a size byte message and lets fn fill the
// payload in place, then publishes it. The slice passed to fn is the
// reserved ring memory, exactly size bytes long, and must not be retained
// after fn returns. fn must not panic: the reservation would never be
// published and producers would stall behind it.
func (r *Ring) TryWriteMessageFunc(tag uint16, size int, fn func(payload []byte)) (Range, error) {
	rng, first, err := r.claimMessage(tag, size)
	if err != nil {
		return Range{}, err
	}
	fn(r.payload(first, size))
	r.publish(rng)
	return rng, nil
}

// WriteMessage is TryWriteMessage that waits for room until ctx is done.
func (r *Ring) WriteMessage(ctx context.Context, tag uint16, p []byte) (rng Range, err error) {
	err = r.retry(ctx, func() error {
		rng, err = r.TryWriteMessage(tag, p)
		return err
	})
	return rng, err
}

// WriteMessageFunc is TryWriteMessageFunc that waits for room until ctx is done.
func (r *Ring) WriteMessageFunc(ctx context.Context, tag uint16, size int, fn func(payload []byte)) (rng Range, err error) {
	err = r.retry(ctx, func() error {
		rng, err = r.TryWriteMessageFunc(tag, size, fn)
		return err
	})
	return rng, err
}

// readMessage decodes the record starting at seq. ready is false when the
// record is not fully published below end.
func (r *Ring) readMessage(seq, end Sequence) (m Message, ready bool, err error) {
	length, tag, spans := unpackHeader(atomic.LoadUint64(r.headerWord(seq)))
	idx := seq & r.mask
	if tag == TagPadding {
		if length != 0 || spans == 0 || idx+uint64(spans) != r.capacity {
			return Message{}, false, fmt.Errorf("%w: padding at %d: length %d spans %d", ErrCorrupted, seq, length, spans)
		}
	} else if uint64(length) > uint64(r.MaxMessageSize()) ||
		int(spans) != r.SpansFor(int(length)) ||
		idx+uint64(spans) > r.capacity {
		return Message{}, false, fmt.Errorf("%w: message at %d: length %d spans %d", ErrCorrupted, seq, length, spans)
	}
	if seq+uint64(spans) > end {
		return Message{}, false, nil
	}
	m = Message{Seq: seq, Spans: int(spans), Tag: tag}
	if tag != TagPadding {
		m.Payload = r.payload(seq, int(length))
	}
	return m, true, nil
}

// messageReady reports whether a whole message starting at or after next,
// past any padding, is published below end. A malformed header counts as
// ready so that the reader gets to report it.
func (r *Ring) messageReady(next, end Sequence) bool {
	for next < end {
		m, ready, err := r.readMessage(next, end)
		if err != nil {
			return true
		}
		if !ready {
			return false
		}
		if m.Tag != TagPadding {
			return true
		}
		next += uint64(m.Spans)
	}
	return false
}

// Messages returns the published messages not yet delivered to c, up to
// what was available when iteration started. Padding is skipped. Release a
// message with Ack(m.Last()). A malformed header stops delivery; see Err.
//
// Poll and Messages must not be mixed on one ring.
func (c *Consumer) Messages() iter.Seq2[Sequence, Message] {
	c.messages = true
	return func(yield func(Sequence, Message) bool) {
		if c.err != nil {
			return
		}
		r := c.ring
		end := r.Available()
		if r.cfg.Consumer == WorkStealing {
			c.stealMessages(end, yield)
			return
		}
		for c.next < end {
			m, ready, err := r.readMessage(c.next, end)
			if err != nil {
				c.fail(err)
				return
			}
			if !ready {
				return
			}
			c.next += uint64(m.Spans)
			if m.Tag == TagPadding {
				continue
			}
			if !yield(m.Seq, m) {
				return
			}
		}
	}
}

// stealMessages claims whole messages from the shared steal counter.
// Padding records are released as soon as they are stolen.
func (c *Consumer) stealMessages(end Sequence, yield func(Sequence, Message) bool) {
	r := c.ring
	for attempt := 0; ; {
		s := r.steal.Load()
		if s >= end {
			return
		}
		m, ready, err := r.readMessage(s, end)
		if err != nil {
			if r.steal.Load() != s {
				// another consumer took s; the header may already belong
				// to a later lap
				continue
			}
			c.fail(err)
			return
		}
		if !ready {
			return
		}
		hi := s + uint64(m.Spans)
		if !r.steal.CompareAndSwap(s, hi) {
			stealBackoff(attempt)
			attempt++
			continue
		}
		attempt = 0
		if m.Tag == TagPadding {
			for q := s; q < hi; q++ {
				r.tracker.Complete(q)
			}
			continue
		}
		c.deliver(Range{s, hi})
		if !yield(s, m) {
			return
		}
	}
}
