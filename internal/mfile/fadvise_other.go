//go:build !linux

package mfile

// posix_fadvise is not exposed on this platform; the mmap-level advice in
// Acquire and Release still applies.
func fadvise(int, int64, advice) error { return nil }
