package seqring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrackerOutOfOrder(t *testing.T) {
	tr := NewCompletionTracker(8, 2)

	require.False(t, tr.Complete(1))
	require.True(t, tr.Complete(1))
	require.Equal(t, uint64(0), tr.Completed(), "0 is still outstanding")
	require.Equal(t, 2, tr.Count(1))

	require.False(t, tr.Complete(0))
	require.Equal(t, 1, tr.Count(0))
	require.True(t, tr.Complete(0))
	require.Equal(t, uint64(2), tr.Completed())
	require.Equal(t, 2, tr.Count(0))

	// next lap of slot 0 starts from zero
	require.Equal(t, 0, tr.Count(8))
	require.Equal(t, 0, tr.Count(2))
}

func TestTrackerPanicsOnOvercount(t *testing.T) {
	tr := NewCompletionTracker(4, 1)
	tr.Complete(1)
	require.Panics(t, func() {
		// 1 is done but not yet recycled, a second completion is a bug
		tr.Complete(1)
	})
}

func TestTrackerRejectsBadShape(t *testing.T) {
	require.Panics(t, func() { NewCompletionTracker(6, 1) })
	require.Panics(t, func() { NewCompletionTracker(8, 0) })
}

// Concurrent completions in arbitrary order still produce a contiguous
// watermark covering everything.
func TestTrackerConcurrent(t *testing.T) {
	const (
		consumers = 4
		N         = 1 << 12
	)
	tr := NewCompletionTracker(N, consumers)

	var wg sync.WaitGroup
	wg.Add(consumers)
	for c := 0; c < consumers; c++ {
		go func(c int) {
			defer wg.Done()
			if c%2 == 0 {
				for s := uint64(0); s < N; s++ {
					tr.Complete(s)
				}
				return
			}
			for s := uint64(N); s > 0; s-- {
				tr.Complete(s - 1)
			}
		}(c)
	}
	wg.Wait()
	require.Equal(t, uint64(N), tr.Completed())
}
