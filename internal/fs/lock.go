package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// LockFileName is the lock file [LockDir] takes inside a directory.
const LockFileName = "LOCK"

var (
	// ErrLocked is returned when another holder already owns the lock.
	ErrLocked = errors.New("fs: locked by another process")

	// errInodeMismatch means the lock file was replaced between open and
	// flock. The caller retries on the new file.
	errInodeMismatch = errors.New("inode mismatch")
)

// maxLockAttempts bounds the retries after the lock file was replaced.
const maxLockAttempts = 8

// Lock is an exclusive flock(2) on a lock file. Call [Lock.Close] to
// release it.
type Lock struct {
	mu   sync.Mutex
	file File
	path string
}

// Path returns the lock file path.
func (lk *Lock) Path() string { return lk.path }

// Close releases the lock and closes the file. It is idempotent.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	unlockErr := flockRetryEINTR(int(lk.file.Fd()), unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("fs: unlock %q: %w", lk.path, unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("fs: close lock %q: %w", lk.path, closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// LockDir takes the exclusive lock of dir, creating dir if needed. It fails
// with [ErrLocked] instead of waiting when someone else holds it.
//
// Locks are per open file, so a second LockDir on the same dir fails even
// inside one process.
func LockDir(fsys FS, dir string) (*Lock, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fs: lock dir %q: %w", dir, err)
	}

	path := filepath.Join(dir, LockFileName)

	for range maxLockAttempts {
		f, err := fsys.Create(path)
		if err != nil {
			return nil, fmt.Errorf("fs: open lock %q: %w", path, err)
		}

		err = acquire(fsys, f, path)
		if err == nil {
			return &Lock{file: f, path: path}, nil
		}

		_ = f.Close()

		if !errors.Is(err, errInodeMismatch) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("fs: lock %q: file kept changing", path)
}

func acquire(fsys FS, f File, path string) error {
	fd := int(f.Fd())

	err := flockRetryEINTR(fd, unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w: %s", ErrLocked, path)
		}

		return fmt.Errorf("fs: flock %q: %w", path, err)
	}

	match, err := sameInode(fsys, path, f)
	if err != nil || !match {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)

		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("fs: verify lock %q: %w", path, err)
		}

		return errInodeMismatch
	}

	return nil
}

// sameInode reports whether f is still the file at path. flock locks an
// inode, so a lock taken on a file that was renamed away guards nothing.
func sameInode(fsys FS, path string, f File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	pathInfo, err := fsys.Stat(path)
	if err != nil {
		return false, err
	}

	return os.SameFile(openInfo, pathInfo), nil
}

func flockRetryEINTR(fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = unix.Flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
