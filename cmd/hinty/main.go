// hinty is an interactive inspector for beansdb hint files.
//
// Usage:
//
//	hinty [--bucket N] <hint-file>
//
// The file is replayed into an in-memory key index which the REPL commands
// read and modify. Nothing is written until 'save'. A missing file starts
// an empty index.
//
// Commands (in REPL):
//
//	get <key>                     Show the entry for key
//	put <key> <pos> [version]     Insert or update an entry
//	del <key>                     Remove an entry
//	len                           Count entries
//	dump [limit]                  List entries sorted by key
//	audit                         Count records of the file that are stale
//	save [path]                   Write the index as a hint file
//	info                          Show file and index info
//	help                          Show this help
//	exit / quit / q               Exit
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

func main() {
	err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("hinty", flag.ContinueOnError)
	bucket := fs.IntP("bucket", "b", 0, "bucket id stored in positions")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: hinty [options] <hint-file>\n\n")
		fmt.Fprintf(os.Stderr, "Open a hint file in an interactive session.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		fs.Usage()

		return errors.New("missing hint file path")
	}

	if *bucket < 0 || *bucket > 0xff {
		return fmt.Errorf("bucket must be in [0, 255], got %d", *bucket)
	}

	s, err := openSession(context.Background(), fs.Arg(0), *bucket, os.Stdout)
	if err != nil {
		return err
	}

	return (&REPL{s: s}).Run()
}

// REPL is the interactive command loop.
type REPL struct {
	s     *session
	liner *liner.State
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".hinty_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(completer)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}

	defer r.saveHistory()

	fmt.Printf("hinty - %s (bucket=%d, keys=%d)\n", r.s.path, r.s.bucket, r.s.idx.Len())
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("hinty> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")

				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		if r.s.exec(line) {
			fmt.Println("Bye!")

			return nil
		}
	}
}

// saveHistory persists command history to disk.
func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = r.liner.WriteHistory(f)
			_ = f.Close()
		}
	}
}

// completer provides tab completion for commands.
func completer(line string) []string {
	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commandNames {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}
