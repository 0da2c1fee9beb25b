package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquire_RecordsHolder(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	holder, err := ReadHolder(lock.Path())
	if err != nil {
		t.Fatalf("ReadHolder: %v", err)
	}
	if holder.PID != os.Getpid() {
		t.Errorf("expected holder pid %d, got %d", os.Getpid(), holder.PID)
	}
	if holder.Started.IsZero() {
		t.Error("expected a start time in the holder record")
	}
	if !holder.Running() {
		t.Error("expected the current process to be reported running")
	}
}

func TestAcquire_Conflict(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	second, err := Acquire(dir)
	if err == nil {
		second.Release()
		t.Fatal("expected the second Acquire to fail")
	}
	if !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected *HeldError, got %T", err)
	}
	if held.Holder.PID != os.Getpid() {
		t.Errorf("expected the conflict to name pid %d, got %d", os.Getpid(), held.Holder.PID)
	}

	// The failed attempt must not have clobbered the holder record.
	holder, err := ReadHolder(first.Path())
	if err != nil {
		t.Fatalf("ReadHolder: %v", err)
	}
	if holder.PID != os.Getpid() {
		t.Errorf("holder record lost after conflict: %+v", holder)
	}
}

func TestRelease_AllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("expected lock file removed, stat err = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestAcquire_CreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("expected state dir to be created, err = %v", err)
	}
}

func TestParseHolder(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		content string
		want    Holder
	}{
		{"full", "pid=1234\nstarted=2026-03-01T12:00:00Z\n", Holder{PID: 1234, Started: started}},
		{"pid only", "pid=42\n", Holder{PID: 42}},
		{"legacy single line", "pid=7", Holder{PID: 7}},
		{"garbage", "not a lock file", Holder{}},
		{"bad pid", "pid=abc\n", Holder{}},
		{"empty", "", Holder{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseHolder(tt.content)
			if got.PID != tt.want.PID || !got.Started.Equal(tt.want.Started) {
				t.Errorf("parseHolder(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
		})
	}
	if got := parseHolder(formatHolder(Holder{PID: 99, Started: started})); got.PID != 99 || !got.Started.Equal(started) {
		t.Errorf("format/parse mismatch: %+v", got)
	}
}

func TestHolderString(t *testing.T) {
	if s := (Holder{}).String(); s != "unknown process" {
		t.Errorf("unexpected string for empty holder: %q", s)
	}
	if s := (Holder{PID: os.Getpid()}).String(); s == "" || !(Holder{PID: os.Getpid()}).Running() {
		t.Errorf("expected current pid reported running, got %q", s)
	}
}
