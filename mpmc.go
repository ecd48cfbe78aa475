package seqring

// Fixed multi-consumer delivery.
//
// Every registered consumer walks the whole published sequence on its own
// cursor. Releasing a sequence records one completion in the tracker; the
// slot goes back to producers only once all registered consumers completed
// it, which is what gives at-least-once-per-consumer delivery here, in
// contrast to the work-stealing pool where each sequence goes to one reader.

// ackTracked releases [c.acked, seq] in the completion tracker.
func (c *Consumer) ackTracked(seq Sequence) error {
	if err := c.checkDelivered(seq); err != nil || seq < c.acked {
		return err
	}
	t := c.ring.tracker
	for s := c.acked; s <= seq; s++ {
		t.Complete(s)
	}
	c.acked = seq + 1
	return nil
}

// Lag returns how many sequences were delivered to c but not acked yet.
func (c *Consumer) Lag() int {
	if c.ring.cfg.Consumer == WorkStealing {
		n := 0
		for _, o := range c.owned {
			n += o.Len()
		}
		return n
	}
	return int(c.next - c.acked)
}
