package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/tianyk/beansdb-research/internal/hint"
)

// ConvertCmd returns the convert command.
func ConvertCmd(a *app) *Command {
	flags := flag.NewFlagSet("convert", flag.ContinueOnError)

	return &Command{
		Flags: flags,
		Usage: "convert <src> <dst>",
		Short: "Rewrite a hint file, compressing by suffix",
		Long: `Decode src and write its records to dst. A destination ending in
` + hint.CompressedSuffix + ` is written compressed, any other name plain.
The destination is replaced atomically.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("%w: convert takes <src> <dst>", ErrArgs)
			}

			return execConvert(ctx, o, a, a.abs(args[0]), a.abs(args[1]))
		},
	}
}

func execConvert(ctx context.Context, o *IO, a *app, src, dst string) error {
	if src == dst {
		return fmt.Errorf("%w: src and dst are the same file", ErrArgs)
	}

	codec := a.codec()

	h, err := codec.Open(ctx, src, "")
	if err != nil {
		return err
	}

	defer func() { _ = h.Close() }()

	err = codec.Write(h.Bytes(), dst)
	if err != nil {
		return err
	}

	o.Printf("%s -> %s bytes=%d compressed=%t\n", src, dst, len(h.Bytes()), hint.IsCompressed(dst))

	return nil
}
