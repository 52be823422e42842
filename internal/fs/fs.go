// Package fs provides the filesystem seam used by the hint codec.
//
// The main types are:
//   - [FS]: interface for the filesystem operations hint files need
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using [os] and atomic rename
//   - [Faulty]: testing implementation that injects failures
//
// Durable replacement of a file lives here as well: [FS.Replace] moves a
// fully written temp file over its final name, [FS.Remove] unlinks one.
// Both are the only ways the rest of the module mutates hint files.
package fs

import (
	"io"
	"os"
)

// File represents an open file descriptor.
//
// This interface is satisfied by [os.File].
type File interface {
	io.ReadWriteCloser

	// Fd returns the file descriptor. See [os.File.Fd].
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error
}

// FS defines the filesystem operations used for writing and replacing
// hint files.
//
// All methods mirror their [os] package equivalents but can be intercepted
// for testing with fault injection.
type FS interface {
	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// Create creates or truncates a file for writing. See [os.Create].
	Create(path string) (File, error)

	// ReadDir reads a directory and returns its entries sorted by name.
	// See [os.ReadDir].
	ReadDir(path string) ([]os.DirEntry, error)

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether a file or directory exists.
	// Returns (false, nil) if not found, (false, err) on other errors.
	Exists(path string) (bool, error)

	// Remove unlinks a file. Removing a missing file is not an error.
	Remove(path string) error

	// Replace atomically moves tmpPath over finalPath.
	//
	// After a successful Replace, finalPath holds exactly the bytes that were
	// in tmpPath and tmpPath no longer exists. On failure finalPath is left
	// untouched.
	Replace(tmpPath, finalPath string) error
}

// Compile-time interface checks.
var (
	_ File = (*os.File)(nil)
	_ FS   = (*Real)(nil)
	_ FS   = (*Faulty)(nil)
)
