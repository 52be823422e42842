// Package mfile maps whole files read-only into memory under a process-wide
// megabyte budget.
//
// A [Manager] owns the budget. [Manager.Acquire] blocks while admitting a
// new mapping would push the mapped total over the ceiling, and every
// [File.Release] wakes the waiters. Small files (at or below the exemption)
// never wait, and neither does a mapping when nothing else is mapped, so a
// single file larger than the ceiling still makes progress.
//
// Sizes are accounted in whole megabytes, rounded down: files under 1 MiB
// cost nothing against the ceiling.
package mfile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/tianyk/beansdb-research/internal/fs"
)

// Defaults applied by [NewManager] for zero option values.
const (
	DefaultCeilingMB = 4096
	DefaultExemptMB  = 100
)

var (
	// ErrReleased is returned by a second [File.Release].
	ErrReleased = errors.New("mfile: already released")

	// ErrTooLarge is returned when a file does not fit in the address space.
	ErrTooLarge = errors.New("mfile: file too large to map")
)

// Options configures a [Manager].
type Options struct {
	// FS opens files. Defaults to [fs.NewReal].
	FS fs.FS

	// CeilingMB caps the total megabytes mapped at once.
	// Zero means [DefaultCeilingMB].
	CeilingMB int64

	// ExemptMB is the largest mapping that is admitted regardless of the
	// ceiling. Zero means [DefaultExemptMB]; use a negative value to make
	// every non-empty mapping subject to the ceiling.
	ExemptMB int64

	// Logger receives advice failures and budget waits. Nil disables logging.
	Logger *zap.Logger
}

// Manager hands out read-only mappings and tracks their megabyte total.
//
// Manager is safe for concurrent use.
type Manager struct {
	fsys    fs.FS
	ceiling int64
	exempt  int64
	log     *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	mappedMB int64
}

// NewManager creates a Manager with the given options.
func NewManager(opts Options) *Manager {
	if opts.FS == nil {
		opts.FS = fs.NewReal()
	}

	if opts.CeilingMB <= 0 {
		opts.CeilingMB = DefaultCeilingMB
	}

	if opts.ExemptMB == 0 {
		opts.ExemptMB = DefaultExemptMB
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	m := &Manager{
		fsys:    opts.FS,
		ceiling: opts.CeilingMB,
		exempt:  opts.ExemptMB,
		log:     opts.Logger,
	}
	m.cond = sync.NewCond(&m.mu)

	return m
}

// MappedMB returns the megabytes currently charged against the ceiling.
func (m *Manager) MappedMB() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mappedMB
}

// File is one read-only private mapping of a whole file.
type File struct {
	mgr  *Manager
	path string
	file fs.File
	data []byte
	size int64
	mb   int64

	mu       sync.Mutex
	released bool
}

// Bytes returns the mapped contents. The slice is nil for an empty file and
// must not be used after [File.Release].
func (f *File) Bytes() []byte { return f.data }

// Size returns the file size at the time it was mapped.
func (f *File) Size() int64 { return f.size }

// Path returns the path the file was opened from.
func (f *File) Path() string { return f.path }

// Acquire opens path read-only and maps it.
//
// If the budget has no room, Acquire waits until enough mappings are
// released or ctx is done. A zero-length file yields a valid File with nil
// [File.Bytes]. On error nothing stays charged against the budget.
func (m *Manager) Acquire(ctx context.Context, path string) (*File, error) {
	file, err := m.fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mfile: open %q: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("mfile: stat %q: %w", path, err)
	}

	size := info.Size()
	if size < 0 || int64(int(size)) != size {
		_ = file.Close()

		return nil, fmt.Errorf("%w: %q (%d bytes)", ErrTooLarge, path, size)
	}

	fd := int(file.Fd())
	m.adviseFile(fd, size, path, adviceSequential)

	mb := size >> 20

	err = m.charge(ctx, mb, path)
	if err != nil {
		_ = file.Close()

		return nil, err
	}

	f := &File{mgr: m, path: path, file: file, size: size, mb: mb}

	if size == 0 {
		return f, nil
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		_ = file.Close()
		m.uncharge(mb)

		return nil, fmt.Errorf("mfile: mmap %q: %w", path, err)
	}

	if err := unix.Madvise(data, unix.MADV_SEQUENTIAL); err != nil {
		m.log.Warn("madvise sequential failed", zap.String("path", path), zap.Error(err))
	}

	f.data = data

	return f, nil
}

// charge waits for room in the budget and then adds mb to it.
func (m *Manager) charge(ctx context.Context, mb int64, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.admits(mb) {
		m.mappedMB += mb

		return nil
	}

	m.log.Info("waiting for mmap budget",
		zap.String("path", path),
		zap.Int64("mb", mb),
		zap.Int64("mapped_mb", m.mappedMB),
		zap.Int64("ceiling_mb", m.ceiling),
	)

	// Broadcast under the lock so the wakeup cannot slip in between the
	// ctx check and cond.Wait.
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		m.cond.Broadcast()
	})
	defer stop()

	for !m.admits(mb) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("mfile: waiting for budget for %q: %w", path, err)
		}

		m.cond.Wait()
	}

	m.mappedMB += mb

	return nil
}

// admits reports whether a mapping of mb megabytes may proceed now.
// Callers hold m.mu.
func (m *Manager) admits(mb int64) bool {
	return m.mappedMB+mb <= m.ceiling || mb <= m.exempt || m.mappedMB == 0
}

func (m *Manager) uncharge(mb int64) {
	m.mu.Lock()
	m.mappedMB -= mb
	m.mu.Unlock()

	m.cond.Broadcast()
}

// Release drops the mapping and its page cache, closes the file and returns
// its megabytes to the budget. Calling Release twice returns [ErrReleased].
func (f *File) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.released {
		return ErrReleased
	}

	f.released = true

	var errs []error

	if f.data != nil {
		if err := unix.Madvise(f.data, unix.MADV_DONTNEED); err != nil {
			f.mgr.log.Warn("madvise dontneed failed", zap.String("path", f.path), zap.Error(err))
		}

		if err := unix.Munmap(f.data); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}

		f.data = nil
	}

	f.mgr.adviseFile(int(f.file.Fd()), f.size, f.path, adviceDontNeed)

	if err := f.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}

	f.mgr.uncharge(f.mb)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("mfile: release %q: %w", f.path, err)
	}

	return nil
}

type advice int

const (
	adviceSequential advice = iota
	adviceDontNeed
)

func (m *Manager) adviseFile(fd int, size int64, path string, a advice) {
	if err := fadvise(fd, size, a); err != nil {
		m.log.Warn("fadvise failed", zap.String("path", path), zap.Int("advice", int(a)), zap.Error(err))
	}
}
