package seqring

import (
	"runtime"
	"time"

	"github.com/valyala/fastrand"
)

// WaitStrategy decides what a producer or consumer does when it cannot make
// progress. attempt counts consecutive failures, starting at 0, and resets
// once progress is made. Implementations must return in bounded time; the
// caller re-checks its context between calls.
type WaitStrategy interface {
	Wait(attempt int)
}

// BusySpin retries in a tight loop, issuing a CPU pause hint.
type BusySpin struct{}

func (BusySpin) Wait(int) { cpuRelax() }

// Yield hands the processor back to the Go scheduler between retries.
type Yield struct{}

func (Yield) Wait(int) { runtime.Gosched() }

// Park spins briefly, then sleeps with exponential backoff capped at Timeout.
// Each sleep carries up to 25% random jitter so parked goroutines do not wake
// in lockstep.
type Park struct {
	Timeout time.Duration
	Spins   int // attempts spent spinning before the first sleep
}

const (
	defaultParkSpins = 64
	minPark          = time.Microsecond
)

func (p Park) Wait(attempt int) {
	spins := p.Spins
	if spins == 0 {
		spins = defaultParkSpins
	}
	if attempt < spins {
		cpuRelax()
		return
	}
	if attempt < 2*spins {
		runtime.Gosched()
		return
	}
	d := minPark << min(attempt-2*spins, 20)
	if p.Timeout > 0 && d > p.Timeout {
		d = p.Timeout
	}
	if q := uint32(d / 4); q > 0 {
		d -= time.Duration(fastrand.Uint32n(q))
	}
	time.Sleep(d)
}

func (k WaitKind) strategy(timeout time.Duration) WaitStrategy {
	switch k {
	case WaitSpin:
		return BusySpin{}
	case WaitPark:
		return Park{Timeout: timeout}
	}
	return Yield{}
}
