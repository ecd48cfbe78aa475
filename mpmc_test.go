package seqring

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func registerAll(t testing.TB, r *Ring, n int) []*Consumer {
	t.Helper()
	cs := make([]*Consumer, n)
	for i := range cs {
		c, err := r.Register()
		require.NoError(t, err)
		cs[i] = c
	}
	return cs
}

func TestMPMCRegisterFixedSet(t *testing.T) {
	r, err := NewMPMC(8, 8, 2, quiet())
	require.NoError(t, err)
	registerAll(t, r, 2)
	_, err = r.Register()
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewMPMC(8, 8, 0, quiet())
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}

// A producer can never claim a sequence whose slot still holds a sequence
// that some registered consumer has not finished.
func TestMPMCNoReuseBeforeAllConsumers(t *testing.T) {
	const capacity = 8
	r, err := NewMPMC(capacity, 8, 3, quiet())
	require.NoError(t, err)
	cs := registerAll(t, r, 3)
	tr := r.Tracker()
	require.Equal(t, 3, tr.Required())

	for i := uint64(0); i < capacity; i++ {
		_, err := tryPublish(r, i)
		require.NoError(t, err)
	}

	// two fast consumers finish everything, the third lags
	for _, c := range cs[:2] {
		var last Sequence
		for seq := range c.Poll() {
			last = seq
		}
		require.NoError(t, c.Ack(last))
	}
	for seq := uint64(0); seq < capacity; seq++ {
		require.Equal(t, 2, tr.Count(seq), "seq %d", seq)
	}
	require.Equal(t, uint64(0), tr.Completed())

	for i := 0; i < 3; i++ {
		_, err := tryPublish(r, 99)
		require.ErrorIs(t, err, ErrFull, "slot 0 is still held by the lagging consumer")
	}

	lagging := cs[2]
	delivered := 0
	for seq, slot := range lagging.Poll() {
		require.Equal(t, seq, value(slot))
		delivered++
		if seq == 2 {
			break
		}
	}
	require.Equal(t, 3, delivered)
	require.NoError(t, lagging.Ack(1))
	require.Equal(t, uint64(2), tr.Completed())
	require.Equal(t, 2, tr.Count(2))

	for i := uint64(0); i < 2; i++ {
		seq, err := tryPublish(r, capacity+i)
		require.NoError(t, err)
		require.Equal(t, capacity+i, seq)
		require.Equal(t, 3, tr.Count(seq-capacity), "reused slot was fully completed")
	}
	_, err = tryPublish(r, 99)
	require.ErrorIs(t, err, ErrFull)
}

// Concurrent test: many producers, a fixed set of consumers. Every consumer
// must see every value exactly once.
func TestMPMCConcurrent(t *testing.T) {
	const (
		capacity    = 1 << 10
		N           = 100_000
		producers   = 4
		consumers   = 3
		perProducer = N / producers
	)

	r, err := NewMPMC(capacity, 8, consumers, quiet())
	require.NoError(t, err)
	cs := registerAll(t, r, consumers)

	seen := make([][]int32, consumers)
	var wg sync.WaitGroup
	wg.Add(consumers)
	for i, c := range cs {
		seen[i] = make([]int32, N)
		go func(c *Consumer, seen []int32) {
			defer wg.Done()
			received := 0
			for received < N {
				var last Sequence
				n := 0
				for seq, slot := range c.Poll() {
					v := value(slot)
					if v >= N {
						t.Errorf("consumer %d: out-of-range value %d", c.ID(), v)
						return
					}
					seen[v]++
					last = seq
					n++
				}
				if n == 0 {
					runtime.Gosched()
					continue
				}
				if err := c.Ack(last); err != nil {
					t.Errorf("ack: %v", err)
					return
				}
				received += n
			}
		}(c, seen[i])
	}

	var pg sync.WaitGroup
	pg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(from, to int) {
			defer pg.Done()
			for i := from; i < to; i++ {
				mustPublish(t, r, uint64(i))
			}
		}(p*perProducer, (p+1)*perProducer)
	}
	pg.Wait()
	wg.Wait()

	for i := range seen {
		for v, n := range seen[i] {
			if n != 1 {
				t.Fatalf("consumer %d saw value %d %d times (expected 1)", i+1, v, n)
			}
		}
	}
	require.Equal(t, uint64(N), r.Tracker().Completed())
}

// Benchmark: many producers, fixed set of consumers.
func BenchmarkMPMC_MPMC(b *testing.B) {
	const (
		producers = 4
		consumers = 4
	)

	r, err := NewMPMC(1<<16, 8, consumers, quiet())
	require.NoError(b, err)
	cs := registerAll(b, r, consumers)
	perProducer := b.N / producers
	total := perProducer * producers

	var wg sync.WaitGroup
	wg.Add(producers + consumers)

	for _, c := range cs {
		go func() {
			defer wg.Done()
			received := 0
			for received < total {
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
				received += n
			}
		}()
	}

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
