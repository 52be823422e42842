package hint

import (
	"encoding/binary"
	"fmt"
)

// Record layout, little endian:
//
//	offset  size  field
//	0       4     ksize (low 8 bits) | pos >> 8 (high 24 bits)
//	4       4     version (int32)
//	8       2     hash
//	10      ksize key
//	10+k    1     NUL terminator
const (
	// HeaderSize is the fixed part of every record.
	HeaderSize = 10

	// MaxKeySize is the longest key a record can carry.
	MaxKeySize = 0xff
)

// Record is one hint entry.
//
// Pos is the full data-file position. Only its high 24 bits are stored; the
// low byte is the bucket, which is not part of the record and is supplied
// again by whoever scans the file.
type Record struct {
	Key     []byte
	Pos     uint32
	Hash    uint16
	Version int32
}

// Deleted reports whether the record is a tombstone.
func (r Record) Deleted() bool { return r.Version <= 0 }

// Len returns the encoded length of r.
func (r Record) Len() int { return RecordLen(len(r.Key)) }

// RecordLen returns the encoded length of a record with a ksize-byte key.
func RecordLen(ksize int) int { return HeaderSize + ksize + 1 }

// AppendRecord appends the encoding of r to dst.
func AppendRecord(dst []byte, r Record) ([]byte, error) {
	if len(r.Key) > MaxKeySize {
		return dst, fmt.Errorf("%w: %d bytes (max %d)", ErrKeyTooLong, len(r.Key), MaxKeySize)
	}

	word := uint32(len(r.Key)) | r.Pos&^0xff

	dst = binary.LittleEndian.AppendUint32(dst, word)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(r.Version))
	dst = binary.LittleEndian.AppendUint16(dst, r.Hash)
	dst = append(dst, r.Key...)
	dst = append(dst, 0)

	return dst, nil
}

// DecodeRecord decodes the record at the start of b.
//
// On success it returns the record and the number of bytes it occupies.
// The key aliases b. If b is too short it returns [ErrShortRecord] and the
// number of bytes the record would need, so the caller can report how much
// is missing. DecodeRecord never reads past len(b).
func DecodeRecord(b []byte) (Record, int, error) {
	if len(b) == 0 {
		return Record{}, RecordLen(0), ErrShortRecord
	}

	need := RecordLen(int(b[0]))
	if len(b) < need {
		return Record{}, need, ErrShortRecord
	}

	word := binary.LittleEndian.Uint32(b[0:4])
	ksize := int(word & 0xff)

	r := Record{
		Key:     b[HeaderSize : HeaderSize+ksize : HeaderSize+ksize],
		Pos:     word &^ 0xff,
		Version: int32(binary.LittleEndian.Uint32(b[4:8])),
		Hash:    binary.LittleEndian.Uint16(b[8:10]),
	}

	return r, need, nil
}

// Cursor walks the records of a hint buffer front to back.
//
//	cur := hint.NewCursor(buf)
//	for {
//	    r, ok := cur.Next()
//	    if !ok {
//	        break
//	    }
//	    ...
//	}
//	if cur.Truncated() { ... }
type Cursor struct {
	buf     []byte
	off     int
	missing int
}

// NewCursor returns a cursor positioned at the start of buf.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Next decodes the next record. It returns false at the end of the buffer
// or when the tail is too short to hold a whole record.
func (c *Cursor) Next() (Record, bool) {
	if c.off >= len(c.buf) || c.missing > 0 {
		return Record{}, false
	}

	rest := c.buf[c.off:]

	r, n, err := DecodeRecord(rest)
	if err != nil {
		c.missing = n - len(rest)

		return Record{}, false
	}

	c.off += n

	return r, true
}

// Offset returns the number of bytes consumed by complete records.
func (c *Cursor) Offset() int { return c.off }

// Truncated reports whether iteration stopped at a partial record.
func (c *Cursor) Truncated() bool { return c.missing > 0 }

// Missing returns how many bytes the partial trailing record lacks.
func (c *Cursor) Missing() int { return c.missing }

// MakePos combines a data-file offset with a bucket id in the low byte.
func MakePos(offset uint32, bucket int) uint32 {
	return offset&^0xff | uint32(bucket&0xff)
}
