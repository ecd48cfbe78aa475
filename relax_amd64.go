//go:build amd64 && !noasm

package seqring

// cpuRelax executes PAUSE so spin loops back off without leaving userspace.
//
//go:noescape
func cpuRelax()
