package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/tianyk/beansdb-research/internal/hint"
	"github.com/tianyk/beansdb-research/internal/index"
	"github.com/tianyk/beansdb-research/internal/mfile"
)

var commandNames = []string{
	"get", "put", "del", "delete",
	"len", "count", "dump", "ls",
	"audit", "save", "info",
	"help", "exit", "quit", "q",
}

// session is the state behind the REPL: the file it came from and the
// index replayed from it.
type session struct {
	ctx     context.Context
	out     io.Writer
	path    string
	bucket  int
	codec   *hint.Codec
	scanner *hint.Scanner
	mapper  *mfile.Manager
	idx     *index.Map
	loaded  hint.ScanStats
	dirty   bool
}

func openSession(ctx context.Context, path string, bucket int, out io.Writer) (*session, error) {
	mapper := mfile.NewManager(mfile.Options{})
	codec := hint.NewCodec(nil, mapper, nil)
	codec.OnCorrupt = func(string, error) {}

	s := &session{
		ctx:     ctx,
		out:     out,
		path:    path,
		bucket:  bucket,
		codec:   codec,
		scanner: hint.NewScanner(codec, nil),
		mapper:  mapper,
		idx:     index.New(16),
	}

	st, err := s.scanner.Scan(ctx, s.idx, bucket, path, "")
	if err != nil {
		return nil, err
	}

	s.loaded = st

	return s, nil
}

func (s *session) printf(format string, a ...any) {
	_, _ = fmt.Fprintf(s.out, format, a...)
}

// exec runs one command line and reports whether the session should end.
func (s *session) exec(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "exit", "quit", "q":
		if s.dirty {
			s.printf("Warning: unsaved changes discarded\n")
		}

		return true
	case "help", "?":
		s.printHelp()
	case "get":
		s.cmdGet(args)
	case "put":
		s.cmdPut(args)
	case "del", "delete":
		s.cmdDel(args)
	case "len", "count":
		s.printf("%d\n", s.idx.Len())
	case "dump", "ls":
		s.cmdDump(args)
	case "audit":
		s.cmdAudit()
	case "save":
		s.cmdSave(args)
	case "info":
		s.cmdInfo()
	default:
		s.printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	}

	return false
}

func (s *session) printHelp() {
	s.printf(`Commands:
  get <key>                     Show the entry for key
  put <key> <pos> [version]     Insert or update an entry
  del <key>                     Remove an entry
  len                           Count entries
  dump [limit]                  List entries sorted by key
  audit                         Count records of the file that are stale
  save [path]                   Write the index as a hint file
  info                          Show file and index info
  help                          Show this help
  exit / quit / q               Exit

Keys: plain text, or hex with a 0x prefix (e.g. '0xdeadbeef').
Positions: data-file offsets, decimal or 0x-prefixed hex.
`)
}

// parseKey parses a key from user input.
func parseKey(arg string) ([]byte, error) {
	key := []byte(arg)

	if rest, ok := strings.CutPrefix(arg, "0x"); ok {
		raw, err := hex.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("bad hex key: %w", err)
		}

		key = raw
	}

	if len(key) == 0 || len(key) > hint.MaxKeySize {
		return nil, fmt.Errorf("key must be 1..%d bytes, got %d", hint.MaxKeySize, len(key))
	}

	return key, nil
}

// formatKey shows printable keys quoted and anything else as hex.
func formatKey(key []byte) string {
	for _, b := range key {
		if b < 32 || b > 126 {
			return "0x" + hex.EncodeToString(key)
		}
	}

	return strconv.Quote(string(key))
}

func (s *session) formatItem(key []byte, it hint.Item) string {
	return fmt.Sprintf("%s pos=0x%08x hash=0x%04x version=%d", formatKey(key), it.Pos, it.Hash, it.Version)
}

func (s *session) cmdGet(args []string) {
	if len(args) != 1 {
		s.printf("Usage: get <key>\n")

		return
	}

	key, err := parseKey(args[0])
	if err != nil {
		s.printf("Error: %v\n", err)

		return
	}

	it, ok := s.idx.Get(key)
	if !ok {
		s.printf("(not found)\n")

		return
	}

	s.printf("%s\n", s.formatItem(key, it))
}

// keyHash is the 16-bit hash put stores with a new entry.
func keyHash(key []byte) uint16 {
	return uint16(xxhash.Sum64(key))
}

func (s *session) cmdPut(args []string) {
	if len(args) < 2 || len(args) > 3 {
		s.printf("Usage: put <key> <pos> [version]\n")

		return
	}

	key, err := parseKey(args[0])
	if err != nil {
		s.printf("Error: %v\n", err)

		return
	}

	pos, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		s.printf("Error parsing pos: %v\n", err)

		return
	}

	version := int32(1)
	if old, ok := s.idx.Get(key); ok {
		version = old.Version + 1
	}

	if len(args) == 3 {
		v, err := strconv.ParseInt(args[2], 10, 32)
		if err != nil {
			s.printf("Error parsing version: %v\n", err)

			return
		}

		if v <= 0 {
			s.printf("Error: version must be positive (use 'del' to remove a key)\n")

			return
		}

		version = int32(v)
	}

	it := hint.Item{Pos: hint.MakePos(uint32(pos), s.bucket), Hash: keyHash(key), Version: version}
	s.idx.Set(key, it)
	s.dirty = true

	s.printf("OK: %s\n", s.formatItem(key, it))
}

func (s *session) cmdDel(args []string) {
	if len(args) != 1 {
		s.printf("Usage: del <key>\n")

		return
	}

	key, err := parseKey(args[0])
	if err != nil {
		s.printf("Error: %v\n", err)

		return
	}

	if _, ok := s.idx.Get(key); !ok {
		s.printf("(not found)\n")

		return
	}

	s.idx.Remove(key)
	s.dirty = true

	s.printf("OK: deleted %s\n", formatKey(key))
}

type entry struct {
	key []byte
	it  hint.Item
}

func (s *session) cmdDump(args []string) {
	limit := 0

	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			s.printf("Usage: dump [limit]\n")

			return
		}

		limit = n
	}

	var entries []entry

	s.idx.Visit(func(key []byte, it hint.Item) bool {
		entries = append(entries, entry{key: bytes.Clone(key), it: it})

		return true
	})

	slices.SortFunc(entries, func(a, b entry) int { return bytes.Compare(a.key, b.key) })

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	for _, e := range entries {
		s.printf("%s\n", s.formatItem(e.key, e.it))
	}

	s.printf("(%d shown of %d)\n", len(entries), s.idx.Len())
}

func (s *session) cmdAudit() {
	deleted, total, err := s.scanner.CountDeleted(s.ctx, s.idx, s.bucket, s.path)
	if err != nil {
		s.printf("Error: %v\n", err)

		return
	}

	s.printf("%s deleted=%d total=%d\n", s.path, deleted, total)
}

func (s *session) cmdSave(args []string) {
	path := s.path
	if len(args) > 0 {
		path = args[0]
	}

	n, err := s.codec.Build(s.idx, path)
	if err != nil {
		s.printf("Error: %v\n", err)

		return
	}

	if path == s.path {
		s.dirty = false
	}

	s.printf("OK: wrote %d records to %s\n", n, path)
}

func (s *session) cmdInfo() {
	s.printf("path:       %s\n", s.path)
	s.printf("compressed: %t\n", hint.IsCompressed(s.path))
	s.printf("bucket:     %d\n", s.bucket)
	s.printf("loaded:     records=%d upserts=%d removes=%d truncated=%t\n",
		s.loaded.Records, s.loaded.Upserts, s.loaded.Removes, s.loaded.Truncated)
	s.printf("keys:       %d\n", s.idx.Len())
	s.printf("unsaved:    %t\n", s.dirty)
	s.printf("mapped_mb:  %d\n", s.mapper.MappedMB())
}
