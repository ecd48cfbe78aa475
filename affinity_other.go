//go:build !linux

package seqring

// setAffinity is a no-op where sched_setaffinity is unavailable.
func setAffinity(int) error { return nil }
