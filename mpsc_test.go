package seqring

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// Basic sanity: sequential publish/poll with ints through the multi-producer
// claim path.
func TestMPSCSequential(t *testing.T) {
	const (
		capacity = 1024
		N        = 100_000
	)

	r, err := NewMPSC(capacity, 8, quiet())
	require.NoError(t, err)
	c, err := r.Register()
	require.NoError(t, err)

	for i := 0; i < N; i++ {
		if _, err := tryPublish(r, uint64(i)); err != nil {
			t.Fatalf("publish failed at %d (ring unexpectedly full): %v", i, err)
		}
		for seq, slot := range c.Poll() {
			if seq != uint64(i) || value(slot) != uint64(i) {
				t.Fatalf("expected %d, got seq %d value %d (FIFO violated)", i, seq, value(slot))
			}
			require.NoError(t, c.Ack(seq))
		}
	}

	for range c.Poll() {
		t.Fatal("expected empty ring at the end")
	}
}

// Test that capacity is enforced and overflow is reported.
func TestMPSCCapacityOverflow(t *testing.T) {
	const capacity = 8
	r, err := NewMPSC(capacity, 8, quiet())
	require.NoError(t, err)

	for i := 0; i < capacity; i++ {
		if _, err := tryPublish(r, uint64(i)); err != nil {
			t.Fatalf("publish failed at %d (ring unexpectedly full)", i)
		}
	}

	if _, err := tryPublish(r, 999); err != ErrFull {
		t.Fatalf("expected overflow (ErrFull), got %v", err)
	}
	require.Equal(t, uint64(1), r.Stats().Full)
}

// A slower producer holds back the published watermark: consumers see only
// the contiguous prefix even when later claims are already published.
func TestMPSCOutOfOrderPublish(t *testing.T) {
	r, err := NewMPSC(16, 8, quiet())
	require.NoError(t, err)
	c, err := r.Register()
	require.NoError(t, err)

	slow, err := r.TryReserve(2)
	require.NoError(t, err)
	fast, err := r.TryReserve(3)
	require.NoError(t, err)
	require.Equal(t, Range{0, 2}, slow)
	require.Equal(t, Range{2, 5}, fast)

	require.NoError(t, r.Publish(fast))
	require.Equal(t, uint64(0), r.Available())
	for range c.Poll() {
		t.Fatal("nothing is readable before the slow producer publishes")
	}

	require.NoError(t, r.Publish(slow))
	require.Equal(t, uint64(5), r.Available())
	n := 0
	for seq := range c.Poll() {
		require.Equal(t, uint64(n), seq)
		n++
	}
	require.Equal(t, 5, n)

	require.ErrorIs(t, r.Publish(fast), ErrInvalidSequence, "double publish")
	require.ErrorIs(t, r.Write(1, nil), ErrInvalidSequence, "write after publish")
}

// Concurrent test: many producers, single consumer.
// Checks that all values [0..N) are received exactly once.
func TestMPSCConcurrentProducers(t *testing.T) {
	const (
		capacity    = 1 << 12
		N           = 200_000
		producers   = 8
		perProducer = N / producers
	)

	r, err := NewMPSC(capacity, 8, quiet())
	require.NoError(t, err)
	c, err := r.Register()
	require.NoError(t, err)

	// seen[i] == how many times we saw value i
	seen := make([]int32, N)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		received := 0
		for received < N {
			n := 0
			var last Sequence
			for seq, slot := range c.Poll() {
				v := value(slot)
				if v >= N {
					t.Errorf("consumer: out-of-range value %d", v)
					continue
				}
				atomic.AddInt32(&seen[v], 1)
				last = seq
				n++
			}
			if n == 0 {
				// ring empty at the moment, give producers a chance
				runtime.Gosched()
				continue
			}
			if err := c.Ack(last); err != nil {
				t.Errorf("ack %d: %v", last, err)
				return
			}
			received += n
		}
	}()

	var pg sync.WaitGroup
	pg.Add(producers)
	for p := 0; p < producers; p++ {
		start := p * perProducer
		end := start + perProducer

		go func(from, to int) {
			defer pg.Done()
			for i := from; i < to; i++ {
				// Keep retrying on overflow (bounded ring)
				mustPublish(t, r, uint64(i))
			}
		}(start, end)
	}

	pg.Wait()
	wg.Wait()

	for i := 0; i < N; i++ {
		if seen[i] != 1 {
			t.Fatalf("value %d seen %d times (expected 1)", i, seen[i])
		}
	}
}

// Batched claims from concurrent producers never interleave.
func TestMPSCBatchClaimsAreContiguous(t *testing.T) {
	const (
		producers = 4
		batches   = 2000
		batch     = 3
	)

	r, err := NewMPSC(1<<8, 8, quiet())
	require.NoError(t, err)
	c, err := r.Register()
	require.NoError(t, err)

	var pg sync.WaitGroup
	pg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p uint64) {
			defer pg.Done()
			for i := uint64(0); i < batches; i++ {
				var rng Range
				for {
					var err error
					if rng, err = r.TryReserve(batch); err == nil {
						break
					}
					runtime.Gosched()
				}
				for k := uint64(0); k < batch; k++ {
					tag := p<<32 | i<<8 | k
					if err := r.Write(rng.Lo+k, []byte{byte(tag), byte(tag >> 8), byte(tag >> 16), byte(tag >> 24), byte(tag >> 32)}); err != nil {
						t.Errorf("write: %v", err)
					}
				}
				if err := r.Publish(rng); err != nil {
					t.Errorf("publish: %v", err)
				}
			}
		}(uint64(p))
	}

	total := 0
	var prev uint64
	for total < producers*batches*batch {
		var last Sequence
		n := 0
		for _, slot := range c.Poll() {
			v := value(slot)
			if k := v & 0xFF; k != uint64((total+n)%batch) {
				t.Fatalf("record %d has batch offset %d, batches interleaved", total+n, k)
			} else if k > 0 && v-k != prev-(prev&0xFF) {
				t.Fatalf("record %d belongs to another batch", total+n)
			}
			prev = v
			n++
		}
		if n == 0 {
			runtime.Gosched()
			continue
		}
		last = Sequence(total + n - 1)
		require.NoError(t, c.Ack(last))
		total += n
	}
	pg.Wait()
}

// Benchmark: many producers, single consumer.
func BenchmarkMPSC_MP1C(b *testing.B) {
	const producers = 8

	r, err := NewMPSC(1<<16, 8, quiet())
	require.NoError(b, err)
	c, err := r.Register()
	require.NoError(b, err)
	perProducer := b.N / producers

	var wg sync.WaitGroup
	wg.Add(producers + 1) // producers + consumer

	go func() {
		defer wg.Done()
		total := 0
		for total < perProducer*producers {
			var last Sequence
			n := 0
			for seq := range c.Poll() {
				last = seq
				n++
			}
			if n == 0 {
				runtime.Gosched()
				continue
			}
			_ = c.Ack(last)
			total += n
		}
	}()

	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				mustPublish(b, r, uint64(i))
			}
		}()
	}

	b.ResetTimer()
	wg.Wait()
	b.StopTimer()
}
