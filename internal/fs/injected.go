package fs

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
)

// InjectedError marks an error as intentionally injected by [Faulty].
//
// It wraps the underlying error so errors.Is/As continue to work.
type InjectedError struct {
	Op   string
	Path string
	Err  error
}

// Error returns "injected <op> <path>: <err>".
func (e *InjectedError) Error() string {
	return "injected " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *InjectedError) Unwrap() error {
	return e.Err
}

// IsInjected reports whether err (or any wrapped error) was injected by [Faulty].
func IsInjected(err error) bool {
	var injected *InjectedError

	return errors.As(err, &injected)
}

// Faults selects which operations a [Faulty] filesystem breaks.
//
// Path filters are substring matches; an empty filter matches every path.
type Faults struct {
	// OpenErr is returned from Open for matching paths.
	OpenErr error

	// CreateErr is returned from Create for matching paths.
	CreateErr error

	// ReplaceErr is returned from Replace when finalPath matches.
	ReplaceErr error

	// WriteLimit caps how many bytes a file opened with Create accepts.
	// Zero disables the cap. Writes past the cap report a short count and
	// [io.ErrShortWrite].
	WriteLimit int

	// PathContains restricts injection to paths containing this substring.
	PathContains string
}

// Faulty wraps an [FS] and injects the configured [Faults].
//
// Faulty is safe for concurrent use. Faults can be swapped at any time with
// [Faulty.SetFaults].
type Faulty struct {
	inner FS

	mu     sync.Mutex
	faults Faults
}

// NewFaulty wraps inner with no faults configured.
func NewFaulty(inner FS) *Faulty {
	if inner == nil {
		panic("inner fs is nil")
	}

	return &Faulty{inner: inner}
}

// SetFaults replaces the active fault configuration.
func (f *Faulty) SetFaults(faults Faults) {
	f.mu.Lock()
	f.faults = faults
	f.mu.Unlock()
}

func (f *Faulty) active(path string) (Faults, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.faults.PathContains != "" && !strings.Contains(path, f.faults.PathContains) {
		return Faults{}, false
	}

	return f.faults, true
}

func (f *Faulty) Open(path string) (File, error) {
	faults, ok := f.active(path)
	if ok && faults.OpenErr != nil {
		return nil, &InjectedError{Op: "open", Path: path, Err: faults.OpenErr}
	}

	return f.inner.Open(path)
}

func (f *Faulty) Create(path string) (File, error) {
	faults, ok := f.active(path)
	if ok && faults.CreateErr != nil {
		return nil, &InjectedError{Op: "create", Path: path, Err: faults.CreateErr}
	}

	file, err := f.inner.Create(path)
	if err != nil {
		return nil, err
	}

	if ok && faults.WriteLimit > 0 {
		return &limitedFile{File: file, path: path, remaining: faults.WriteLimit}, nil
	}

	return file, nil
}

func (f *Faulty) ReadDir(path string) ([]os.DirEntry, error) {
	return f.inner.ReadDir(path)
}

func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	return f.inner.MkdirAll(path, perm)
}

func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	return f.inner.Stat(path)
}

func (f *Faulty) Exists(path string) (bool, error) {
	return f.inner.Exists(path)
}

func (f *Faulty) Remove(path string) error {
	return f.inner.Remove(path)
}

func (f *Faulty) Replace(tmpPath, finalPath string) error {
	faults, ok := f.active(finalPath)
	if ok && faults.ReplaceErr != nil {
		return &InjectedError{Op: "replace", Path: finalPath, Err: faults.ReplaceErr}
	}

	return f.inner.Replace(tmpPath, finalPath)
}

// limitedFile accepts at most remaining bytes, then reports short writes.
type limitedFile struct {
	File

	path      string
	remaining int
}

func (l *limitedFile) Write(p []byte) (int, error) {
	if len(p) <= l.remaining {
		n, err := l.File.Write(p)
		l.remaining -= n

		return n, err
	}

	n, err := l.File.Write(p[:l.remaining])
	l.remaining -= n

	if err != nil {
		return n, err
	}

	return n, &InjectedError{Op: "write", Path: l.path, Err: io.ErrShortWrite}
}
