package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"
)

// BuildCmd returns the build command.
func BuildCmd(a *app) *Command {
	flags := flag.NewFlagSet("build", flag.ContinueOnError)

	return &Command{
		Flags: flags,
		Usage: "build <dst> <hint-file>...",
		Short: "Merge hint files into one",
		Long: `Replay the source hint files in order and write the surviving entries,
sorted by key, to a single hint file at dst. Later files win over earlier
ones and deleted keys are dropped.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("%w: build takes <dst> and at least one source", ErrArgs)
			}

			return execBuild(ctx, o, a, a.abs(args[0]), args[1:])
		},
	}
}

func execBuild(ctx context.Context, o *IO, a *app, dst string, srcs []string) error {
	paths, err := a.pathsOrHintDir(srcs)
	if err != nil {
		return err
	}

	rec, err := a.recoverIndex(ctx, paths, "", nil)
	if err != nil {
		return err
	}

	n, err := a.codec().Build(rec.idx, dst)
	if err != nil {
		return err
	}

	o.Printf("wrote %s records=%d sources=%d\n", dst, n, rec.files)
	a.warnTruncated(o, rec.truncated)

	return nil
}
