// Package lockfile keeps two FormPipe servers from sharing one state directory.
//
// The lock is an flock on a file in the state directory, so the kernel releases it when the
// process exits, gracefully or not.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "formpipe.lock"

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Started time.Time
	Running bool
}

func (h Holder) String() string {
	if h.PID == 0 {
		return "unknown process"
	}
	state := "not running - stale lock"
	if h.Running {
		state = "running"
	}
	if h.Started.IsZero() {
		return fmt.Sprintf("PID %d (%s)", h.PID, state)
	}
	return fmt.Sprintf("PID %d started %s (%s)", h.PID, h.Started.Format(time.RFC3339), state)
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking lock on stateDir, creating the directory if needed.
// It returns a *LockError when another process holds the lock.
func Acquire(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// Opening without O_TRUNC keeps the holder's record readable when the lock is taken.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := ReadHolder(lockPath)
		slog.Error("lockfile.Acquire: state directory in use", "lock_path", lockPath, "holder", holder.String(), "error", err)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	record := fmt.Sprintf("pid=%d\nstarted=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	err = file.Truncate(0)
	if err == nil {
		_, err = file.WriteAt([]byte(record), 0)
	}
	if err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock record to %s: %w", lockPath, err)
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.Acquire: sync failed", "lock_path", lockPath, "error", err)
	}

	slog.Info("lockfile.Acquire: state directory locked", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("lockfile.Release: unlock failed", "lock_path", l.path, "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("lockfile.Release: close failed", "lock_path", l.path, "error", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: remove failed", "lock_path", l.path, "error", err)
	}
	l.file = nil
	slog.Info("lockfile.Release: state directory unlocked", "lock_path", l.path)
	return nil
}

// LockError reports a state directory already locked by another process.
type LockError struct {
	LockPath string
	Holder   Holder
	Cause    error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another FormPipe instance is using this state directory (lock file %s, held by %s); "+
		"if no other instance is running, remove the lock file with: rm %s", e.LockPath, e.Holder, e.LockPath)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// ReadHolder parses the pid=/started= record of a lock file. Missing or unreadable
// records yield a zero Holder.
func ReadHolder(lockPath string) Holder {
	var h Holder
	f, err := os.Open(lockPath)
	if err != nil {
		return h
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch k {
		case "pid":
			h.PID, _ = strconv.Atoi(v)
		case "started":
			h.Started, _ = time.Parse(time.RFC3339, v)
		}
	}
	if h.PID > 0 {
		h.Running = processRunning(h.PID)
	}
	return h
}

// processRunning sends signal 0, which checks for existence without delivering anything.
func processRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
