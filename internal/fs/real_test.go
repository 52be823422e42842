package fs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func Test_Real_Exists_Returns_False_When_File_Is_Missing(t *testing.T) {
	t.Parallel()

	fsys := NewReal()

	exists, err := fsys.Exists(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}

	if got, want := exists, false; got != want {
		t.Fatalf("exists=%v, want=%v", got, want)
	}
}

func Test_Real_Remove_Ignores_Missing_File_When_Called(t *testing.T) {
	t.Parallel()

	fsys := NewReal()

	err := fsys.Remove(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("Remove(missing)=%v, want nil", err)
	}
}

func Test_Real_Replace_Moves_Temp_Over_Final_When_Final_Exists(t *testing.T) {
	t.Parallel()

	fsys := NewReal()
	dir := t.TempDir()
	tmp := filepath.Join(dir, "000.hint.tmp")
	final := filepath.Join(dir, "000.hint")

	writeFile(t, final, "old")
	writeFile(t, tmp, "new")

	if err := fsys.Replace(tmp, final); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	if got, want := readFile(t, final), "new"; got != want {
		t.Fatalf("final=%q, want=%q", got, want)
	}

	exists, err := fsys.Exists(tmp)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}

	if exists {
		t.Fatalf("temp file %q still exists after Replace", tmp)
	}
}

func Test_Faulty_Create_Reports_Short_Write_When_Limit_Is_Exceeded(t *testing.T) {
	t.Parallel()

	fsys := NewFaulty(NewReal())
	fsys.SetFaults(Faults{WriteLimit: 3})

	path := filepath.Join(t.TempDir(), "out")

	f, err := fsys.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	n, err := f.Write([]byte("hello"))
	if !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("Write err=%v, want %v", err, io.ErrShortWrite)
	}

	if !IsInjected(err) {
		t.Fatalf("Write err=%v, want injected", err)
	}

	if got, want := n, 3; got != want {
		t.Fatalf("n=%d, want=%d", got, want)
	}
}

func Test_Faulty_Replace_Leaves_Final_Untouched_When_Injected(t *testing.T) {
	t.Parallel()

	fsys := NewFaulty(NewReal())
	injected := errors.New("disk full")
	fsys.SetFaults(Faults{ReplaceErr: injected, PathContains: "000.hint"})

	dir := t.TempDir()
	tmp := filepath.Join(dir, "000.hint.tmp")
	final := filepath.Join(dir, "000.hint")

	writeFile(t, final, "old")
	writeFile(t, tmp, "new")

	err := fsys.Replace(tmp, final)
	if !errors.Is(err, injected) {
		t.Fatalf("Replace err=%v, want %v", err, injected)
	}

	if got, want := readFile(t, final), "old"; got != want {
		t.Fatalf("final=%q, want=%q", got, want)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("setup WriteFile(%q): %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%q): %v", path, err)
	}

	return string(data)
}
