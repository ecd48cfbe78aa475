package seqring

import (
	"context"
	"fmt"
	"iter"
)

// Consumer reads from a Ring. A Consumer is not safe for concurrent use;
// give each reading goroutine its own.
//
// Sequences are delivered by Poll or Messages and released with Ack. Until
// released, the slot memory handed out stays valid and is not reused.
type Consumer struct {
	ring  *Ring
	id    int
	next  Sequence // next sequence to deliver (single, fixed-multi)
	acked Sequence // sequences below are released (single, fixed-multi)

	pending  Range    // stolen but not delivered yet (work-stealing)
	owned    []Range  // delivered but not released yet (work-stealing)
	released Sequence // one past the highest sequence c released (work-stealing)

	messages bool // c reads through Messages rather than Poll

	err error
}

// Register joins the ring's consumer set. SingleConsumer and
// FixedMultiConsumer rings accept exactly Config.Consumers registrations;
// work-stealing pools accept any number.
func (r *Ring) Register() (*Consumer, error) {
	id := int(r.nextID.Add(1))
	if r.cfg.Consumer != WorkStealing && id > r.cfg.Consumers {
		r.nextID.Add(-1)
		return nil, fmt.Errorf("%w: %v consumer set of %d is full", ErrInvalidConfiguration, r.cfg.Consumer, r.cfg.Consumers)
	}
	r.log.Debug("consumer registered", "id", id)
	return &Consumer{ring: r, id: id}, nil
}

// ID is the 1-based registration order.
func (c *Consumer) ID() int { return c.id }

// Ring returns the ring c reads from.
func (c *Consumer) Ring() *Ring { return c.ring }

// Err returns the error that stopped delivery, if any. Once set, Poll and
// Messages yield nothing.
func (c *Consumer) Err() error { return c.err }

// Poll returns the published slots not yet delivered to c, in sequence
// order, up to what was available when iteration started. Breaking out of
// the loop keeps the rest for the next call. Each yielded slice aliases
// ring memory and is valid until the sequence is acked.
func (c *Consumer) Poll() iter.Seq2[Sequence, []byte] {
	return func(yield func(Sequence, []byte) bool) {
		if c.err != nil {
			return
		}
		r := c.ring
		if r.cfg.Consumer == WorkStealing {
			c.pollStealing(yield)
			return
		}
		end := r.Available()
		for c.next < end {
			s := c.next
			c.next++
			if !yield(s, r.slot(s)) {
				return
			}
		}
	}
}

// Ack releases every sequence delivered to c up to and including seq.
// Acking something already released is a no-op; acking a sequence that was
// never delivered to c fails with ErrInvalidSequence. In a work-stealing pool
// any sequence below the highest one c released counts as released.
func (c *Consumer) Ack(seq Sequence) error {
	switch c.ring.cfg.Consumer {
	case WorkStealing:
		return c.ackStealing(seq)
	case FixedMultiConsumer:
		return c.ackTracked(seq)
	}
	if err := c.checkDelivered(seq); err != nil || seq < c.acked {
		return err
	}
	c.acked = seq + 1
	c.ring.gate.Store(c.acked)
	return nil
}

func (c *Consumer) checkDelivered(seq Sequence) error {
	if seq >= c.next {
		return fmt.Errorf("%w: %d not delivered to consumer %d (next %d)", ErrInvalidSequence, seq, c.id, c.next)
	}
	return nil
}

// Ready reports whether Poll, or Messages once c reads messages, would
// deliver anything right now. A consumer stopped by Err is never ready.
func (c *Consumer) Ready() bool {
	if c.err != nil {
		return false
	}
	r := c.ring
	end := r.Available()
	next := c.next
	if r.cfg.Consumer == WorkStealing {
		if c.pending.Len() > 0 && !c.messages {
			return true
		}
		next = r.steal.Load()
	}
	if next >= end {
		return false
	}
	if c.messages {
		return r.messageReady(next, end)
	}
	return true
}

// Await waits, using the ring's wait strategy, until Ready or ctx is done.
// It returns Err at once for a stopped consumer.
func (c *Consumer) Await(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		if c.err != nil {
			return c.err
		}
		if c.Ready() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.ring.stats.waits.Add(1)
		c.ring.wait.Wait(attempt)
	}
}

func (c *Consumer) fail(err error) {
	c.err = err
	c.ring.stats.corrupted.Add(1)
	c.ring.log.Error("consumer stopped", "id", c.id, "err", err)
}
