package seqring

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Handler processes one slot. The slice is only valid during the call.
type Handler func(seq Sequence, slot []byte) error

// MessageHandler processes one message. Payload is only valid during the call.
type MessageHandler func(m Message) error

// RunOption configures Run and RunMessages.
type RunOption func(*runConfig)

type runConfig struct {
	cpu int
	pin bool
}

// PinToCPU locks the consumer goroutine to its OS thread and binds that
// thread to cpu. Binding is best effort; failures are logged.
func PinToCPU(cpu int) RunOption {
	return func(rc *runConfig) {
		rc.cpu = cpu
		rc.pin = true
	}
}

// Run drains c with h until ctx is done or h fails. Each drained batch is
// acked after h returns for its last sequence. On handler error the
// sequences handled before it are acked and the error is returned.
//
// In a work-stealing pool, sequences c stole but did not ack when Run
// returns stay held by c and block producers once the ring wraps to them.
// Call Leave to drop them, or run c again to finish them.
func (c *Consumer) Run(ctx context.Context, h Handler, opts ...RunOption) error {
	return c.run(ctx, opts, func() (Sequence, int, error) {
		var (
			last Sequence
			n    int
		)
		for seq, slot := range c.Poll() {
			if err := h(seq, slot); err != nil {
				return last, n, err
			}
			last, n = seq, n+1
		}
		return last, n, nil
	})
}

// RunMessages is Run for rings carrying variable-length messages.
func (c *Consumer) RunMessages(ctx context.Context, h MessageHandler, opts ...RunOption) error {
	return c.run(ctx, opts, func() (Sequence, int, error) {
		var (
			last Sequence
			n    int
		)
		for _, m := range c.Messages() {
			if err := h(m); err != nil {
				return last, n, err
			}
			last, n = m.Last(), n+1
		}
		return last, n, nil
	})
}

func (c *Consumer) run(ctx context.Context, opts []RunOption, drain func() (Sequence, int, error)) error {
	var rc runConfig
	for _, opt := range opts {
		opt(&rc)
	}
	log := c.ring.log.With("consumer", c.id)
	if rc.pin {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := setAffinity(rc.cpu); err != nil {
			log.Warn("cpu affinity not applied", "cpu", rc.cpu, "err", err)
		}
	}
	log.Debug("consumer started")
	defer log.Debug("consumer stopped")

	for attempt := 0; ; {
		last, n, herr := drain()
		if n > 0 {
			if err := c.Ack(last); err != nil {
				return err
			}
			attempt = 0
		}
		if herr != nil {
			return herr
		}
		if c.err != nil {
			return c.err
		}
		if n > 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.ring.wait.Wait(attempt)
		attempt++
	}
}

// RunPool runs h on every consumer in its own goroutine and returns the
// first error. A failing consumer cancels the others. Work-stealing
// consumers keep what they hold on return; see Run.
func RunPool(ctx context.Context, consumers []*Consumer, h Handler, opts ...RunOption) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		g.Go(func() error { return c.Run(ctx, h, opts...) })
	}
	return g.Wait()
}

// RunMessagePool is RunPool for message handlers.
func RunMessagePool(ctx context.Context, consumers []*Consumer, h MessageHandler, opts ...RunOption) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		g.Go(func() error { return c.RunMessages(ctx, h, opts...) })
	}
	return g.Wait()
}
