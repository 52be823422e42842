package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/tianyk/beansdb-research/internal/hint"
)

// DumpCmd returns the dump command.
func DumpCmd(a *app) *Command {
	flags := flag.NewFlagSet("dump", flag.ContinueOnError)
	limit := flags.IntP("limit", "n", 0, "stop after `n` records (0 = all)")

	return &Command{
		Flags: flags,
		Usage: "dump <hint-file> [flags]",
		Short: "Print the records of a hint file",
		Long: `Print every record of a hint file in file order, one per line:
key, position, hash and version. Tombstones are marked deleted.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: dump takes exactly one hint file", ErrArgs)
			}

			return execDump(ctx, o, a, args[0], *limit)
		},
	}
}

func execDump(ctx context.Context, o *IO, a *app, path string, limit int) error {
	path = a.abs(path)

	h, err := a.codec().Open(ctx, path, "")
	if err != nil {
		return err
	}

	defer func() { _ = h.Close() }()

	cur := hint.NewCursor(h.Bytes())
	n := 0

	for {
		if limit > 0 && n >= limit {
			break
		}

		r, ok := cur.Next()
		if !ok {
			break
		}

		n++

		state := "live"
		if r.Deleted() {
			state = "deleted"
		}

		o.Printf("%q pos=0x%08x hash=0x%04x version=%d %s\n", r.Key, r.Pos, r.Hash, r.Version, state)
	}

	if cur.Truncated() {
		o.Warn(fmt.Sprintf("hint file truncated: %s (%d bytes missing at offset %d)", path, cur.Missing(), cur.Offset()),
			"records after the cut were ignored")
	}

	return nil
}
