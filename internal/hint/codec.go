// Package hint reads and writes beansdb hint files and replays them into an
// in-memory index.
//
// A hint file is a flat sequence of [Record]s with no header or footer. A
// path ending in [CompressedSuffix] holds the same bytes in a compressed
// container: the decompressed length as a uvarint followed by one zstd frame.
//
// Files are only ever replaced whole. [Codec.Write] writes a temp sibling
// and renames it over the destination once every byte is on disk, so a
// crash leaves either the old file or the new one.
package hint

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/tianyk/beansdb-research/internal/fs"
	"github.com/tianyk/beansdb-research/internal/mfile"
)

// CompressedSuffix marks a hint path as a compressed container.
const CompressedSuffix = ".zst"

// TempSuffix is appended to the destination path while writing.
const TempSuffix = ".tmp"

// maxDeclaredSize bounds the decompressed length a container may declare.
const maxDeclaredSize = 1 << 32

// preallocLimit caps the up-front buffer for decompression; larger outputs
// grow as the frame decodes.
const preallocLimit = 64 << 20

// IsCompressed reports whether path names a compressed container.
func IsCompressed(path string) bool {
	return strings.HasSuffix(path, CompressedSuffix)
}

var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})

	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDeclaredSize))
	})
)

// Compress wraps data in the compressed container format.
func Compress(data []byte) ([]byte, error) {
	enc, err := zstdEncoder()
	if err != nil {
		return nil, fmt.Errorf("hint: zstd encoder: %w", err)
	}

	out := make([]byte, 0, binary.MaxVarintLen64+len(data)/2)
	out = binary.AppendUvarint(out, uint64(len(data)))

	return enc.EncodeAll(data, out), nil
}

// Decompress unwraps a compressed container and checks that the payload
// decodes to exactly the declared length. Any mismatch is [ErrCorrupt].
func Decompress(b []byte) ([]byte, error) {
	declared, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, fmt.Errorf("%w: bad size header", ErrCorrupt)
	}

	if declared > maxDeclaredSize {
		return nil, fmt.Errorf("%w: declared size %d exceeds %d", ErrCorrupt, declared, uint64(maxDeclaredSize))
	}

	dec, err := zstdDecoder()
	if err != nil {
		return nil, fmt.Errorf("hint: zstd decoder: %w", err)
	}

	out, err := dec.DecodeAll(b[n:], make([]byte, 0, min(declared, preallocLimit)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	if uint64(len(out)) != declared {
		return nil, fmt.Errorf("%w: decoded %d bytes, declared %d", ErrCorrupt, len(out), declared)
	}

	return out, nil
}

// Codec writes hint files durably and opens them through a mapping budget.
type Codec struct {
	FS     fs.FS
	Mapper *mfile.Manager
	Logger *zap.Logger

	// OnCorrupt runs after a corrupt compressed file has been removed. The
	// default logs at fatal level, which exits the process: serving from a
	// half-recovered index is worse than not serving.
	OnCorrupt func(path string, err error)
}

// NewCodec returns a Codec. Nil arguments get the real filesystem, a
// manager with default limits and a no-op logger.
func NewCodec(fsys fs.FS, mapper *mfile.Manager, logger *zap.Logger) *Codec {
	if fsys == nil {
		fsys = fs.NewReal()
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	if mapper == nil {
		mapper = mfile.NewManager(mfile.Options{FS: fsys, Logger: logger})
	}

	return &Codec{FS: fsys, Mapper: mapper, Logger: logger}
}

func (c *Codec) corrupt(path string, err error) {
	if c.OnCorrupt != nil {
		c.OnCorrupt(path, err)

		return
	}

	c.Logger.Fatal("corrupt hint file", zap.String("path", path), zap.Error(err))
}

// Write stores data at path, compressing it first when path ends in
// [CompressedSuffix].
//
// The bytes go to path+[TempSuffix] first. Only after every byte was
// written and synced is the temp file moved over path. A short write
// returns [ErrShortWrite], removes the temp file and leaves path untouched.
func (c *Codec) Write(data []byte, path string) error {
	out := data

	if IsCompressed(path) {
		var err error

		out, err = Compress(data)
		if err != nil {
			return err
		}
	}

	tmp := path + TempSuffix

	f, err := c.FS.Create(tmp)
	if err != nil {
		return fmt.Errorf("hint: create %q: %w", tmp, err)
	}

	n, err := f.Write(out)
	if err == nil && n != len(out) {
		err = io.ErrShortWrite
	}

	if err != nil {
		_ = f.Close()
		_ = c.FS.Remove(tmp)

		return fmt.Errorf("%w: %q: wrote %d of %d bytes: %w", ErrShortWrite, tmp, n, len(out), err)
	}

	err = f.Sync()
	if err != nil {
		_ = f.Close()
		_ = c.FS.Remove(tmp)

		return fmt.Errorf("hint: sync %q: %w", tmp, err)
	}

	err = f.Close()
	if err != nil {
		_ = c.FS.Remove(tmp)

		return fmt.Errorf("hint: close %q: %w", tmp, err)
	}

	err = c.FS.Replace(tmp, path)
	if err != nil {
		_ = c.FS.Remove(tmp)

		return fmt.Errorf("hint: %w", err)
	}

	return nil
}

// File is an opened hint file. Its bytes are either the mapping itself or,
// for a compressed container, a decompressed copy.
type File struct {
	path       string
	mapped     *mfile.File
	data       []byte
	compressed bool
	rewriteErr error
}

// Bytes returns the decoded hint records. Not valid after [File.Close].
func (h *File) Bytes() []byte { return h.data }

// Path returns the path the file was opened from.
func (h *File) Path() string { return h.path }

// Compressed reports whether the file was a compressed container.
func (h *File) Compressed() bool { return h.compressed }

// RewriteErr returns why writing the newPath copy failed. It is nil when
// the copy was written or none was asked for.
func (h *File) RewriteErr() error { return h.rewriteErr }

// Close drops the decompressed copy, if any, and releases the mapping.
func (h *File) Close() error {
	h.data = nil

	err := h.mapped.Release()
	if err != nil {
		return fmt.Errorf("hint: close %q: %w", h.path, err)
	}

	return nil
}

// Open maps the hint file at path.
//
// A file that cannot be mapped yields [ErrUnavailable]. A compressed
// container is decompressed and checked; on a size mismatch the file is
// removed, OnCorrupt runs and [ErrCorrupt] is returned.
//
// If newPath is not empty the decoded bytes are written there as well,
// which rewrites a hint file into another form while it is in memory. A
// failure to do so is logged, kept in [File.RewriteErr] and does not fail
// Open.
func (c *Codec) Open(ctx context.Context, path, newPath string) (*File, error) {
	mapped, err := c.Mapper.Acquire(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	h := &File{path: path, mapped: mapped, data: mapped.Bytes()}

	if IsCompressed(path) && mapped.Size() > 0 {
		data, err := Decompress(mapped.Bytes())
		if err != nil {
			err = fmt.Errorf("%q: %w", path, err)

			if relErr := mapped.Release(); relErr != nil {
				c.Logger.Warn("release corrupt hint", zap.String("path", path), zap.Error(relErr))
			}

			if rmErr := c.FS.Remove(path); rmErr != nil {
				err = errors.Join(err, fmt.Errorf("hint: remove corrupt %q: %w", path, rmErr))
			}

			c.Logger.Error("hint file corrupt, removed", zap.String("path", path), zap.Error(err))
			c.corrupt(path, err)

			return nil, err
		}

		h.data = data
		h.compressed = true
	}

	if newPath != "" {
		if err := c.Write(h.data, newPath); err != nil {
			h.rewriteErr = err
			c.Logger.Warn("rewrite hint file failed",
				zap.String("path", path),
				zap.String("new_path", newPath),
				zap.Error(err),
			)
		}
	}

	return h, nil
}
