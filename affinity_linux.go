//go:build linux

package seqring

import "golang.org/x/sys/unix"

// setAffinity binds the calling OS thread to cpu.
func setAffinity(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
