//go:build linux

package mfile

import "golang.org/x/sys/unix"

func fadvise(fd int, size int64, a advice) error {
	switch a {
	case adviceSequential:
		return unix.Fadvise(fd, 0, size, unix.FADV_SEQUENTIAL)
	case adviceDontNeed:
		return unix.Fadvise(fd, 0, size, unix.FADV_DONTNEED)
	}

	return nil
}
