//go:build !amd64 || noasm

package seqring

func cpuRelax() {}
