package hint

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Item is what the index stores for one key.
type Item struct {
	Pos     uint32
	Hash    uint16
	Version int32
}

// Index is the in-memory key index a scan replays into.
//
// Keys passed to Set alias the hint buffer and are only valid for the
// duration of the call; implementations must copy them.
type Index interface {
	Set(key []byte, it Item)
	Remove(key []byte)
	Get(key []byte) (Item, bool)
}

// ScanStats summarizes one [Scanner.Scan].
type ScanStats struct {
	Records   int
	Upserts   int
	Removes   int
	Truncated bool
	Missing   int

	// Rewritten is set when a newPath copy was asked for and written.
	// RewriteErr holds the write error otherwise; it stays nil when the
	// file had no hint data to copy.
	Rewritten  bool
	RewriteErr error
}

// ctxCheckEvery is how many records a scan decodes between context checks.
const ctxCheckEvery = 4096

// Scanner replays hint files into an [Index].
type Scanner struct {
	codec *Codec
	log   *zap.Logger
}

// NewScanner returns a Scanner reading through codec.
func NewScanner(codec *Codec, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = codec.Logger
	}

	return &Scanner{codec: codec, log: logger}
}

// open opens path, mapping "no hint data" to (nil, nil).
func (s *Scanner) open(ctx context.Context, path, newPath string) (*File, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("hint: open %q: %w", path, err)
	}

	h, err := s.codec.Open(ctx, path, newPath)
	if err == nil {
		return h, nil
	}

	if errors.Is(err, ErrUnavailable) && ctx.Err() == nil {
		s.log.Info("no hint data", zap.String("path", path), zap.Error(err))

		return nil, nil
	}

	return nil, err
}

func (s *Scanner) closeFile(h *File) {
	if err := h.Close(); err != nil {
		s.log.Warn("close hint file", zap.String("path", h.Path()), zap.Error(err))
	}
}

func (s *Scanner) noteTruncation(cur *Cursor, path string) {
	if cur.Truncated() {
		s.log.Warn("hint file truncated",
			zap.String("path", path),
			zap.Int("offset", cur.Offset()),
			zap.Int("missing_bytes", cur.Missing()),
		)
	}
}

// Scan replays the records of path into idx in file order.
//
// Each record's position is rebuilt from its stored bits with bucket in the
// low byte. Live records are upserted and tombstones remove their key, so
// after a full scan idx holds the last state written for every key in the
// file. A truncated tail stops the scan and is logged; the records before
// it still apply. A file that cannot be mapped is "no hint data": zero
// stats and a nil error.
//
// If newPath is not empty the decoded file is also rewritten there.
func (s *Scanner) Scan(ctx context.Context, idx Index, bucket int, path, newPath string) (ScanStats, error) {
	var stats ScanStats

	h, err := s.open(ctx, path, newPath)
	if h == nil {
		return stats, err
	}
	defer s.closeFile(h)

	stats.RewriteErr = h.RewriteErr()
	stats.Rewritten = newPath != "" && stats.RewriteErr == nil

	cur := NewCursor(h.Bytes())

	for {
		r, ok := cur.Next()
		if !ok {
			break
		}

		stats.Records++

		if stats.Records%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return stats, fmt.Errorf("hint: scan %q: %w", path, err)
			}
		}

		if r.Deleted() {
			idx.Remove(r.Key)
			stats.Removes++

			continue
		}

		idx.Set(r.Key, Item{
			Pos:     MakePos(r.Pos, bucket),
			Hash:    r.Hash,
			Version: r.Version,
		})
		stats.Upserts++
	}

	stats.Truncated = cur.Truncated()
	stats.Missing = cur.Missing()
	s.noteTruncation(cur, path)

	return stats, nil
}

// CountDeleted audits path against idx and returns how many of its records
// no longer describe live data, plus the total record count.
//
// A record counts as deleted when idx has no entry for its key, when the
// entry points at a different position, or when the entry is a tombstone.
func (s *Scanner) CountDeleted(ctx context.Context, idx Index, bucket int, path string) (deleted, total int, err error) {
	h, err := s.open(ctx, path, "")
	if h == nil {
		return 0, 0, err
	}
	defer s.closeFile(h)

	cur := NewCursor(h.Bytes())

	for {
		r, ok := cur.Next()
		if !ok {
			break
		}

		total++

		if total%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return deleted, total, fmt.Errorf("hint: audit %q: %w", path, err)
			}
		}

		it, found := idx.Get(r.Key)
		if !found || it.Pos != MakePos(r.Pos, bucket) || it.Version <= 0 {
			deleted++
		}
	}

	s.noteTruncation(cur, path)

	return deleted, total, nil
}
