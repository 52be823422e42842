package cli

import (
	"context"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tianyk/beansdb-research/internal/config"
	"github.com/tianyk/beansdb-research/internal/dispatch"
	"github.com/tianyk/beansdb-research/internal/echo"
	"github.com/tianyk/beansdb-research/internal/fs"
	"github.com/tianyk/beansdb-research/internal/poller"
)

// ServeCmd returns the serve command.
func ServeCmd(a *app) *Command {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := flags.StringP("listen", "l", "", "listen `address` (host:port)")
	threads := flags.IntP("threads", "t", 0, "worker `count` including the main one")
	backend := flags.String("poller", "", "poller `backend` (auto, epoll, kqueue, poll)")

	return &Command{
		Flags: flags,
		Usage: "serve [flags]",
		Short: "Recover hint files and serve connections",
		Long: `Replay every *.hint and *.hint.zst file of the hint dir into the key
index, then accept TCP connections on the listen address and echo what
clients send until interrupted.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			err := a.cfg.Apply(config.Overrides{Listen: *listen, Threads: *threads, Poller: *backend})
			if err != nil {
				return err
			}

			return execServe(ctx, o, a)
		},
	}
}

func execServe(ctx context.Context, o *IO, a *app) error {
	cfg := a.cfg

	lock, err := fs.LockDir(a.fsys, cfg.HintDirAbs)
	if err != nil {
		return err
	}

	defer func() {
		if err := lock.Close(); err != nil {
			a.log.Warn("release hint dir lock", zap.Error(err))
		}
	}()

	paths, err := a.hintFiles(cfg.HintDirAbs)
	if err != nil {
		return err
	}

	if len(paths) == 0 {
		a.log.Info("no hint files", zap.String("dir", cfg.HintDirAbs))
	}

	start := time.Now()

	rec, err := a.recoverIndex(ctx, paths, "", nil)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	a.log.Info("index recovered",
		zap.Int("files", rec.files),
		zap.Int("records", rec.records),
		zap.Int("keys", rec.idx.Len()),
		zap.Duration("took", time.Since(start)),
	)
	a.warnTruncated(o, rec.truncated)

	p, err := poller.New(cfg.Poller)
	if err != nil {
		return err
	}

	srv := echo.New(a.log)
	engine := dispatch.New(p, srv, dispatch.Options{
		Threads:     cfg.Threads,
		PollTimeout: time.Duration(cfg.PollTimeoutMS) * time.Millisecond,
		Logger:      a.log,
	})

	addr, err := srv.Listen(engine, cfg.Listen)
	if err != nil {
		_ = p.Close()

		return err
	}

	o.Printf("recovered keys=%d files=%d records=%d\n", rec.idx.Len(), rec.files, rec.records)
	o.Printf("listening addr=%s poller=%s threads=%d\n", addr, p.Name(), cfg.Threads)

	a.log.Info("serving", zap.String("addr", addr), zap.String("poller", p.Name()), zap.Int("threads", cfg.Threads))

	runErr := engine.Run(ctx)

	st := engine.Stats()
	a.log.Info("stopped",
		zap.Uint64("accepted", srv.Accepted()),
		zap.Uint64("echoed_bytes", srv.Echoed()),
		zap.Uint64("polls", st.Polls),
		zap.Uint64("stray", st.Stray),
	)

	return runErr
}
