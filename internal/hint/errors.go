package hint

import "errors"

// Sentinel errors returned by hint operations. Use [errors.Is] to match.
var (
	// ErrShortRecord means fewer bytes remain than the next record needs.
	// A scan stops there and reports the file as truncated.
	ErrShortRecord = errors.New("hint: short record")

	// ErrKeyTooLong is returned when encoding a key longer than [MaxKeySize].
	ErrKeyTooLong = errors.New("hint: key too long")

	// ErrShortWrite means a hint file was not fully written. The destination
	// is left untouched.
	ErrShortWrite = errors.New("hint: short write")

	// ErrUnavailable means the hint file could not be mapped. Callers treat
	// it as "no hint data".
	ErrUnavailable = errors.New("hint: unavailable")

	// ErrCorrupt means a compressed hint file does not decode to its declared
	// size. The file has been removed by the time this is returned.
	ErrCorrupt = errors.New("hint: corrupt")
)
