package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/tianyk/beansdb-research/internal/hint"
)

// ScanCmd returns the scan command.
func ScanCmd(a *app) *Command {
	flags := flag.NewFlagSet("scan", flag.ContinueOnError)
	rewriteDir := flags.String("rewrite-dir", "", "also write every scanned file into `dir`")

	return &Command{
		Flags: flags,
		Usage: "scan [<hint-file>...]",
		Short: "Replay hint files and report what they hold",
		Long: `Replay the given hint files in order into an empty key index and print
per-file record counts. Without arguments every hint file of the hint dir
is replayed. With --rewrite-dir each file is copied into that directory
as it is decoded.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execScan(ctx, o, a, args, *rewriteDir)
		},
	}
}

func execScan(ctx context.Context, o *IO, a *app, args []string, rewriteDir string) error {
	paths, err := a.pathsOrHintDir(args)
	if err != nil {
		return err
	}

	rewriteDir = a.abs(rewriteDir)

	if rewriteDir != "" {
		if err := a.fsys.MkdirAll(rewriteDir, 0o755); err != nil {
			return fmt.Errorf("rewrite dir: %w", err)
		}
	}

	rec, err := a.recoverIndex(ctx, paths, rewriteDir, func(path string, st hint.ScanStats) {
		o.Printf("%s records=%d upserts=%d removes=%d truncated=%t\n",
			path, st.Records, st.Upserts, st.Removes, st.Truncated)

		if rewriteDir != "" && !st.Rewritten {
			reason := "no hint data to copy"
			if st.RewriteErr != nil {
				reason = st.RewriteErr.Error()
			}

			o.Warn("hint file not rewritten: "+path, reason)
		}
	})
	if err != nil {
		return err
	}

	o.Printf("total files=%d records=%d keys=%d\n", rec.files, rec.records, rec.idx.Len())
	a.warnTruncated(o, rec.truncated)

	return nil
}

// AuditCmd returns the audit command.
func AuditCmd(a *app) *Command {
	flags := flag.NewFlagSet("audit", flag.ContinueOnError)

	return &Command{
		Flags: flags,
		Usage: "audit [<hint-file>...]",
		Short: "Count hint records that no longer describe live data",
		Long: `Replay the given hint files into a key index, then report for each file
how many of its records were superseded by a later record or deleted.
Without arguments every hint file of the hint dir is audited.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execAudit(ctx, o, a, args)
		},
	}
}

func execAudit(ctx context.Context, o *IO, a *app, args []string) error {
	paths, err := a.pathsOrHintDir(args)
	if err != nil {
		return err
	}

	rec, err := a.recoverIndex(ctx, paths, "", nil)
	if err != nil {
		return err
	}

	scanner := hint.NewScanner(a.codec(), a.log)

	for _, path := range paths {
		deleted, total, err := scanner.CountDeleted(ctx, rec.idx, a.cfg.Bucket, path)
		if err != nil {
			return err
		}

		o.Printf("%s deleted=%d total=%d\n", path, deleted, total)
	}

	a.warnTruncated(o, rec.truncated)

	return nil
}

// pathsOrHintDir returns args, or the hint files of the configured hint dir
// when args is empty.
func (a *app) pathsOrHintDir(args []string) ([]string, error) {
	if len(args) > 0 {
		paths := make([]string, len(args))
		for i, arg := range args {
			paths[i] = a.abs(arg)
		}

		return paths, nil
	}

	paths, err := a.hintFiles(a.cfg.HintDirAbs)
	if err != nil {
		return nil, err
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no hint files in %s", ErrArgs, a.cfg.HintDirAbs)
	}

	return paths, nil
}
