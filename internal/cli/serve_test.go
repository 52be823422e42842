package cli_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tianyk/beansdb-research/internal/cli"
	"github.com/tianyk/beansdb-research/internal/fs"
)

func Test_Serve_Recovers_Index_And_Stops_When_Signalled(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedHints(c)
	writeFile(t, filepath.Join(c.Dir, ".beansd.json"), `{"poll_timeout_ms": 20, "log": {"level": "warn"}}`)

	sigCh := make(chan os.Signal, 1)

	go func() {
		time.Sleep(300 * time.Millisecond)
		sigCh <- os.Interrupt
	}()

	stdout, stderr, code := c.RunWithSignal(sigCh, "serve", "--listen", "127.0.0.1:0", "--threads", "2")

	if got, want := code, 0; got != want {
		t.Fatalf("exitCode=%d, want=%d\nstderr: %s", got, want, stderr)
	}

	cli.AssertContains(t, stdout, "recovered keys=1 files=2 records=4")
	cli.AssertContains(t, stdout, "listening addr=127.0.0.1:")
	cli.AssertContains(t, stdout, "threads=2")
}

func Test_Serve_Fails_When_Listen_Address_Is_Invalid(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("serve", "--listen", "nope")

	cli.AssertContains(t, stderr, "invalid config")
}

func Test_Serve_Fails_When_Poller_Is_Unknown(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("serve", "--listen", "127.0.0.1:0", "--poller", "select")

	cli.AssertContains(t, stderr, "poller")
}

func Test_Serve_Fails_When_Hint_File_Is_Corrupt(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("data/000.hint.zst", []byte("garbage that is not zstd"))

	stderr := c.MustFail("serve", "--listen", "127.0.0.1:0")

	cli.AssertContains(t, stderr, "recover")
	cli.AssertContains(t, stderr, "hint: corrupt")
}

func Test_Serve_Fails_When_Hint_Dir_Is_Locked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	lock, err := fs.LockDir(fs.NewReal(), c.HintDir())
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { _ = lock.Close() })

	stderr := c.MustFail("serve", "--listen", "127.0.0.1:0")
	cli.AssertContains(t, stderr, "locked by another process")
}
