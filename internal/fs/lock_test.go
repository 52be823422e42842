package fs

import (
	"errors"
	"path/filepath"
	"testing"
)

func Test_LockDir_Returns_ErrLocked_When_Already_Held(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "hints")
	fsys := NewReal()

	first, err := LockDir(fsys, dir)
	if err != nil {
		t.Fatalf("LockDir: %v", err)
	}

	if got, want := first.Path(), filepath.Join(dir, LockFileName); got != want {
		t.Errorf("path=%q, want=%q", got, want)
	}

	_, err = LockDir(fsys, dir)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second LockDir err=%v, want %v", err, ErrLocked)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("second Close=%v, want nil", err)
	}

	again, err := LockDir(fsys, dir)
	if err != nil {
		t.Fatalf("LockDir after release: %v", err)
	}

	_ = again.Close()
}

func Test_LockDir_Returns_Error_When_Create_Fails(t *testing.T) {
	t.Parallel()

	injected := errors.New("disk on fire")
	fsys := NewFaulty(NewReal())
	fsys.SetFaults(Faults{CreateErr: injected, PathContains: LockFileName})

	_, err := LockDir(fsys, t.TempDir())
	if !errors.Is(err, injected) {
		t.Fatalf("err=%v, want %v", err, injected)
	}
}
