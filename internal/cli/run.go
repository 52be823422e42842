// Package cli implements the beansd command line: a hint-recovering echo
// server and the offline hint file tools.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/tianyk/beansdb-research/internal/config"
	"github.com/tianyk/beansdb-research/internal/logging"
)

const helpFlag = "--help"

// Run is the main entry point. Returns exit code.
//
// A value received on sigCh cancels the context passed to commands; serve
// uses it to stop the engine.
func Run(_ io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	if len(args) < 2 {
		printUsage(out, nil)

		return 0
	}

	globals, err := parseGlobalFlags(args[1:])
	if err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, nil)

		return 1
	}

	if globals.help || len(globals.remaining) == 0 {
		printUsage(out, nil)

		return 0
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride: globals.workDir,
		ConfigPath:      globals.configPath,
		Overrides:       globals.overrides,
		Env:             env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	logger, closeLog, err := logging.New(cfg.Log, errOut)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	defer func() { _ = closeLog() }()

	a := newApp(&cfg, logger)
	commands := a.commands()

	name := globals.remaining[0]

	cmd, ok := findCommand(commands, name)
	if !ok {
		fprintln(errOut, "error: unknown command:", name)
		printUsage(errOut, commands)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	return cmd.Run(ctx, NewIO(out, errOut), globals.remaining[1:])
}

type globalFlags struct {
	workDir    string
	configPath string
	overrides  config.Overrides
	help       bool
	remaining  []string
}

func parseGlobalFlags(args []string) (globalFlags, error) {
	var g globalFlags

	flags := flag.NewFlagSet("beansd", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.SetInterspersed(false)

	flags.StringVarP(&g.workDir, "cwd", "C", "", "run as if started in `dir`")
	flags.StringVarP(&g.configPath, "config", "c", "", "use the given config `file`")
	flags.StringVar(&g.overrides.HintDir, "hint-dir", "", "hint file `dir`")
	bucket := flags.Int("bucket", 0, "bucket id stored in recovered positions")
	flags.StringVar(&g.overrides.LogLevel, "log-level", "", "log `level` (debug, info, warn, error)")
	flags.StringVar(&g.overrides.LogFile, "log-file", "", "log to a rotating `file` instead of stderr")

	err := flags.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			g.help = true

			return g, nil
		}

		return globalFlags{}, err
	}

	if flags.Changed("bucket") {
		g.overrides.Bucket = bucket
	}

	g.remaining = flags.Args()

	if len(g.remaining) > 0 && (g.remaining[0] == "-h" || g.remaining[0] == helpFlag) {
		g.help = true
	}

	return g, nil
}

func findCommand(commands []*Command, name string) (*Command, bool) {
	for _, c := range commands {
		if c.Name() == name {
			return c, true
		}
	}

	return nil, false
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, commands []*Command) {
	if commands == nil {
		commands = newApp(nil, nil).commands()
	}

	var b strings.Builder

	b.WriteString(`beansd - beansdb node core

Usage: beansd [options] <command> [args]

Options:
  -C, --cwd <dir>        Run as if started in <dir>
  -c, --config <file>    Use specified config file
      --hint-dir <dir>   Hint file directory
      --bucket <n>       Bucket id stored in recovered positions
      --log-level <lvl>  Log level (debug, info, warn, error)
      --log-file <file>  Log to a rotating file instead of stderr

Commands:
`)

	for _, c := range commands {
		b.WriteString(c.HelpLine())
		b.WriteString("\n")
	}

	_, _ = io.WriteString(w, b.String())
}
