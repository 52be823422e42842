package cli

import (
	"context"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/tianyk/beansdb-research/internal/config"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(cfg *config.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return execPrintConfig(io, cfg)
		},
	}
}

func execPrintConfig(io *IO, cfg *config.Config) error {
	io.Println("effective_cwd=" + cfg.EffectiveCwd)
	io.Println("listen=" + cfg.Listen)
	io.Println("threads=" + strconv.Itoa(cfg.Threads))
	io.Println("poller=" + cfg.Poller)
	io.Println("poll_timeout_ms=" + strconv.Itoa(cfg.PollTimeoutMS))
	io.Println("hint_dir=" + cfg.HintDirAbs)
	io.Println("bucket=" + strconv.Itoa(cfg.Bucket))
	io.Println("mmap_ceiling_mb=" + strconv.FormatInt(cfg.MmapCeilingMB, 10))
	io.Println("mmap_exempt_mb=" + strconv.FormatInt(cfg.MmapExemptMB, 10))
	io.Println("log.level=" + cfg.Log.Level)

	if cfg.Log.File != "" {
		io.Println("log.file=" + cfg.Log.File)
	}

	io.Println("")
	io.Println("# sources")

	if cfg.Sources == (config.Sources{}) {
		io.Println("(defaults only)")
	} else {
		if cfg.Sources.Global != "" {
			io.Println("global_config=" + cfg.Sources.Global)
		}

		if cfg.Sources.Project != "" {
			io.Println("project_config=" + cfg.Sources.Project)
		}

		if cfg.Sources.Explicit != "" {
			io.Println("explicit_config=" + cfg.Sources.Explicit)
		}
	}

	return nil
}
