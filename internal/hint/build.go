package hint

import (
	"bytes"
	"fmt"
	"slices"
)

// Visitor enumerates index entries. fn returns false to stop early.
type Visitor interface {
	Visit(fn func(key []byte, it Item) bool)
}

// initialBuildSize is the starting capacity of the encode buffer.
const initialBuildSize = 1 << 20

// Encode renders every entry of v as hint records, sorted by key so the
// output does not depend on visit order.
func Encode(v Visitor) ([]byte, int, error) {
	var recs []Record

	v.Visit(func(key []byte, it Item) bool {
		recs = append(recs, Record{
			Key:     bytes.Clone(key),
			Pos:     it.Pos,
			Hash:    it.Hash,
			Version: it.Version,
		})

		return true
	})

	slices.SortFunc(recs, func(a, b Record) int { return bytes.Compare(a.Key, b.Key) })

	buf := make([]byte, 0, initialBuildSize)

	for _, r := range recs {
		var err error

		buf, err = AppendRecord(buf, r)
		if err != nil {
			return nil, 0, fmt.Errorf("hint: encode %q: %w", r.Key, err)
		}
	}

	return buf, len(recs), nil
}

// Build writes a hint file for every entry of v to path and returns the
// number of records written.
func (c *Codec) Build(v Visitor, path string) (int, error) {
	buf, n, err := Encode(v)
	if err != nil {
		return 0, err
	}

	err = c.Write(buf, path)
	if err != nil {
		return 0, err
	}

	return n, nil
}
