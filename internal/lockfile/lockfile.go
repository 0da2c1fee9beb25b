// Package lockfile guards a Lockstep state directory so only one server owns
// the SQLite database and the WhatsApp session stored there.
//
// The lock is an flock on a file inside the directory, so the kernel drops it
// when the process dies and a crashed server never blocks a restart.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is created inside the guarded state directory.
const LockFileName = "lockstep.lock"

// ErrLocked is wrapped by every HeldError.
var ErrLocked = errors.New("state directory is locked by another process")

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Started time.Time
}

// Running reports whether the recorded process is still alive.
func (h Holder) Running() bool {
	return h.PID > 0 && isProcessRunning(h.PID)
}

func (h Holder) String() string {
	if h.PID <= 0 {
		return "unknown process"
	}
	state := "running"
	if !h.Running() {
		state = "not running"
	}
	if h.Started.IsZero() {
		return fmt.Sprintf("PID %d (%s)", h.PID, state)
	}
	return fmt.Sprintf("PID %d (%s, started %s)", h.PID, state, h.Started.Format(time.RFC3339))
}

// HeldError is returned when another process owns the state directory.
type HeldError struct {
	LockPath string
	Holder   Holder
	Cause    error
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("another lockstep server is using %s (%s); stop it or point -state-dir elsewhere",
		filepath.Dir(e.LockPath), e.Holder)
}

func (e *HeldError) Unwrap() []error {
	return []error{ErrLocked, e.Cause}
}

// Lock is an acquired state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock on stateDir, creating the directory if needed.
func Acquire(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	lockPath := filepath.Join(stateDir, LockFileName)

	// O_TRUNC would wipe the holder's record before we know we own the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder, _ := ReadHolder(lockPath)
		slog.Error("lockfile.Acquire: state directory already locked", "lockPath", lockPath, "holder", holder.String())
		return nil, &HeldError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	if err := writeHolder(file, Holder{PID: os.Getpid(), Started: time.Now().UTC()}); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to record lock holder in %s: %w", lockPath, err)
	}
	slog.Info("lockfile.Acquire: state directory locked", "lockPath", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a new owner never has its file deleted.
	removeErr := os.Remove(l.path)
	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err := errors.Join(unlockErr, closeErr); err != nil {
		return fmt.Errorf("failed to release %s: %w", l.path, err)
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		slog.Warn("Lock.Release: failed to remove lock file", "lockPath", l.path, "error", removeErr)
	}
	slog.Info("Lock.Release: state directory unlocked", "lockPath", l.path)
	return nil
}

// ReadHolder parses the holder record of a lock file.
func ReadHolder(lockPath string) (Holder, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Holder{}, err
	}
	return parseHolder(string(data)), nil
}

func writeHolder(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(formatHolder(h)), 0); err != nil {
		return err
	}
	return f.Sync()
}

func formatHolder(h Holder) string {
	return fmt.Sprintf("pid=%d\nstarted=%s\n", h.PID, h.Started.Format(time.RFC3339))
}

func parseHolder(content string) Holder {
	var h Holder
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil {
				h.PID = pid
			}
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				h.Started = t
			}
		}
	}
	return h
}

// isProcessRunning sends signal 0 to pid.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
