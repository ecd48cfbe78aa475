package seqring

import "fmt"

var (
	// ErrFull is returned when no slot can be claimed without overwriting
	// data some consumer has not finished with. It is a backpressure signal,
	// not a failure.
	ErrFull = fmt.Errorf("ring is full")

	// ErrInvalidSequence reports a sequence the caller does not own: never
	// claimed, already published, or not yet delivered to this consumer.
	ErrInvalidSequence = fmt.Errorf("invalid sequence")

	// ErrCorrupted reports a message header that does not match its length.
	ErrCorrupted = fmt.Errorf("corrupted message")

	// ErrInvalidConfiguration is returned by New and Register.
	ErrInvalidConfiguration = fmt.Errorf("invalid configuration")

	// ErrTooLarge reports a payload that cannot fit its reservation.
	ErrTooLarge = fmt.Errorf("payload too large")
)
