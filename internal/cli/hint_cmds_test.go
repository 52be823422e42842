package cli_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tianyk/beansdb-research/internal/cli"
	"github.com/tianyk/beansdb-research/internal/hint"
)

func at(n uint32) uint32 { return n << 8 }

// seedHints writes two hint files: the second one moves "a" and deletes "b".
func seedHints(c *cli.CLI) {
	c.WriteHint("000.hint",
		hint.Record{Key: []byte("a"), Pos: at(1), Hash: 1, Version: 1},
		hint.Record{Key: []byte("b"), Pos: at(2), Hash: 2, Version: 1},
	)
	c.WriteHint("001.hint.zst",
		hint.Record{Key: []byte("a"), Pos: at(5), Hash: 1, Version: 2},
		hint.Record{Key: []byte("b"), Pos: at(6), Hash: 2, Version: -2},
	)
}

func Test_Scan_Reports_Every_Hint_File_When_No_Args_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedHints(c)

	stdout := c.MustRun("scan")

	cli.AssertContains(t, stdout, filepath.Join(c.HintDir(), "000.hint")+" records=2 upserts=2 removes=0 truncated=false")
	cli.AssertContains(t, stdout, filepath.Join(c.HintDir(), "001.hint.zst")+" records=2 upserts=1 removes=1 truncated=false")
	cli.AssertContains(t, stdout, "total files=2 records=4 keys=1")
}

func Test_Scan_Fails_When_Hint_Dir_Is_Empty(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("scan")

	cli.AssertContains(t, stderr, "no hint files")
}

func Test_Scan_Warns_When_Hint_File_Is_Truncated(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	path := c.WriteHint("000.hint",
		hint.Record{Key: []byte("a"), Pos: at(1), Version: 1},
		hint.Record{Key: []byte("bb"), Pos: at(2), Version: 1},
	)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, string(data[:len(data)-3]))

	stdout, stderr, code := c.Run("scan", "data/000.hint")

	if got, want := code, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	cli.AssertContains(t, stdout, "records=1 upserts=1 removes=0 truncated=true")
	cli.AssertContains(t, stderr, "warning: hint file truncated: "+path)
}

func Test_Scan_Rewrites_Files_When_Rewrite_Dir_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedHints(c)

	c.MustRun("scan", "--rewrite-dir", "copy")

	stdout := c.MustRun("--hint-dir", "copy", "scan")
	cli.AssertContains(t, stdout, "total files=2 records=4 keys=1")
}

func Test_Scan_Warns_When_Rewrite_Fails(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedHints(c)

	// A non-empty directory where the copy of 000.hint should land.
	c.WriteFile("copy/000.hint/blocker", []byte("x"))

	stdout, stderr, code := c.Run("scan", "--rewrite-dir", "copy")

	if got, want := code, 1; got != want {
		t.Fatalf("exitCode=%d, want=%d\nstderr: %s", got, want, stderr)
	}

	cli.AssertContains(t, stdout, "total files=2 records=4 keys=1")
	cli.AssertContains(t, stderr, "warning: hint file not rewritten: "+filepath.Join(c.HintDir(), "000.hint"))
	cli.AssertNotContains(t, stderr, "not rewritten: "+filepath.Join(c.HintDir(), "001.hint.zst"))

	if _, err := os.Stat(filepath.Join(c.Dir, "copy", "001.hint.zst")); err != nil {
		t.Errorf("second file not copied: %v", err)
	}
}

func Test_Scan_Fails_When_Compressed_Hint_Is_Corrupt(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	path := c.WriteFile("data/000.hint.zst", []byte("not a hint"))

	stderr := c.MustFail("scan")
	cli.AssertContains(t, stderr, "hint: corrupt")

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("corrupt file still present: %v", err)
	}
}

func Test_Audit_Counts_Superseded_Records_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedHints(c)

	stdout := c.MustRun("audit")

	cli.AssertContains(t, stdout, filepath.Join(c.HintDir(), "000.hint")+" deleted=2 total=2")
	cli.AssertContains(t, stdout, filepath.Join(c.HintDir(), "001.hint.zst")+" deleted=1 total=2")
}

func Test_Audit_Uses_Bucket_When_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteHint("000.hint", hint.Record{Key: []byte("k"), Pos: at(3), Version: 1})

	stdout := c.MustRun("--bucket", "7", "audit", "data/000.hint")
	cli.AssertContains(t, stdout, "deleted=0 total=1")
}

func Test_Dump_Prints_Records_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedHints(c)

	stdout := c.MustRun("dump", "data/001.hint.zst")

	cli.AssertContains(t, stdout, `"a" pos=0x00000500 hash=0x0001 version=2 live`)
	cli.AssertContains(t, stdout, `"b" pos=0x00000600 hash=0x0002 version=-2 deleted`)
}

func Test_Dump_Stops_At_Limit_When_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedHints(c)

	stdout := c.MustRun("dump", "-n", "1", "data/000.hint")

	cli.AssertContains(t, stdout, `"a"`)
	cli.AssertNotContains(t, stdout, `"b"`)
}

func Test_Dump_Fails_When_File_Is_Missing(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("dump", "data/nope.hint")

	cli.AssertContains(t, stderr, "hint: unavailable")
}

func Test_Convert_Round_Trips_Through_Compression_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedHints(c)

	stdout := c.MustRun("convert", "data/000.hint", "data/002.hint.zst")
	cli.AssertContains(t, stdout, "compressed=true")

	c.MustRun("convert", "data/002.hint.zst", "plain.hint")

	want, err := os.ReadFile(filepath.Join(c.HintDir(), "000.hint"))
	if err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(c.Dir, "plain.hint"))
	if err != nil {
		t.Fatal(err)
	}

	if string(got) != string(want) {
		t.Fatalf("round trip changed the file: got %x, want %x", got, want)
	}
}

func Test_Convert_Fails_When_Args_Are_Wrong(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	cli.AssertContains(t, c.MustFail("convert", "only-one"), "wrong arguments")
	cli.AssertContains(t, c.MustFail("convert", "x.hint", "x.hint"), "same file")
}

func Test_Build_Merges_Surviving_Entries_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedHints(c)

	stdout := c.MustRun("build", "merged.hint", "data/000.hint", "data/001.hint.zst")
	cli.AssertContains(t, stdout, "records=1 sources=2")

	dump := c.MustRun("dump", "merged.hint")
	cli.AssertContains(t, dump, `"a" pos=0x00000500 hash=0x0001 version=2 live`)
	cli.AssertNotContains(t, dump, `"b"`)
}
