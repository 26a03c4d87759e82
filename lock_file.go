//go:build unix

package taskorch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// lockOwner is the record stored in the lock file.
type lockOwner struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileLockerConfig configures a FileLocker.
type FileLockerConfig struct {
	// Path is the lock file. A sibling "<path>.guard" file is used to
	// serialize changes to it.
	Path string

	// StaleAfter is how old an owner record must be before its holder is
	// checked for liveness.
	StaleAfter time.Duration

	// IsAlive reports whether a process exists. Defaults to kill(pid, 0).
	IsAlive func(pid int) bool

	// Now defaults to time.Now.
	Now func() time.Time

	Logger *log.Logger
}

// FileLocker implements Locker with an owner file on disk.
//
// Every change to the owner file (create, release, reclaim) happens under
// an flock on the guard file, so reading an owner and acting on it is
// atomic with respect to other processes. The owner file itself survives a
// crash, which is what allows stale detection: an owner older than
// StaleAfter, on this host, whose process is gone, is reclaimed.
type FileLocker struct {
	cfg  FileLockerConfig
	host string
}

// NewFileLocker creates a file-based locker. The lock directory is created
// if needed.
func NewFileLocker(cfg FileLockerConfig) (*FileLocker, error) {
	if cfg.Path == "" {
		return nil, &ErrInvalidConfiguration{
			Field: "lock.path", Reason: "must not be empty",
		}
	}
	if cfg.IsAlive == nil {
		cfg.IsAlive = processAlive
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}

	return &FileLocker{cfg: cfg, host: host}, nil
}

// Path implements Locker.
func (f *FileLocker) Path() string {
	return f.cfg.Path
}

// TryLock implements Locker.
func (f *FileLocker) TryLock(ctx context.Context) (func() error, bool, error) {
	owner := lockOwner{
		PID:        os.Getpid(),
		Host:       f.host,
		Token:      uuid.NewString(),
		AcquiredAt: f.cfg.Now().UTC(),
	}

	var acquired bool
	err := f.withGuard(func() error {
		current, err := f.readOwner()
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Free.

		case err != nil:
			return err

		case !f.isStale(current):
			return nil

		default:
			f.cfg.Logger.Warn("reclaiming stale lock",
				"path", f.cfg.Path, "pid", current.PID,
				"host", current.Host,
				"age", f.cfg.Now().Sub(current.AcquiredAt))
		}

		if err := f.writeOwner(&owner); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil || !acquired {
		return nil, false, err
	}

	release := func() error {
		return f.release(owner.Token)
	}
	return release, true, nil
}

// release removes the lock file if it still belongs to token.
func (f *FileLocker) release(token string) error {
	return f.withGuard(func() error {
		current, err := f.readOwner()
		if err != nil {
			return fmt.Errorf("failed to read lock owner: %w", err)
		}
		if current.Token != token {
			return fmt.Errorf("lock %s is owned by pid %d, not us",
				f.cfg.Path, current.PID)
		}
		if err := os.Remove(f.cfg.Path); err != nil {
			return fmt.Errorf("failed to remove lock file: %w", err)
		}
		return nil
	})
}

// isStale is conservative: the owner must be old, local, and dead.
func (f *FileLocker) isStale(owner *lockOwner) bool {
	if f.cfg.Now().Sub(owner.AcquiredAt) < f.cfg.StaleAfter {
		return false
	}
	if owner.Host != f.host {
		return false
	}
	return !f.cfg.IsAlive(owner.PID)
}

// withGuard runs fn while holding an exclusive flock on the guard file.
func (f *FileLocker) withGuard(fn func() error) error {
	guardPath := f.cfg.Path + ".guard"
	file, err := os.OpenFile(guardPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open guard file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock guard file: %w", err)
	}
	defer func() { _ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN) }()

	return fn()
}

// readOwner reads the current owner record.
func (f *FileLocker) readOwner() (*lockOwner, error) {
	data, err := os.ReadFile(f.cfg.Path)
	if err != nil {
		return nil, err
	}

	var owner lockOwner
	if err := json.Unmarshal(data, &owner); err != nil {
		// Writes go through rename, so a torn record means someone
		// edited the file by hand. Treat it as a dead, ancient owner.
		f.cfg.Logger.Warn("unreadable lock owner record",
			"path", f.cfg.Path, "err", err)
		return &lockOwner{Host: f.host}, nil
	}
	return &owner, nil
}

// writeOwner writes the owner record atomically.
func (f *FileLocker) writeOwner(owner *lockOwner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return fmt.Errorf("failed to marshal lock owner: %w", err)
	}

	tempPath := f.cfg.Path + "." + owner.Token + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempPath, f.cfg.Path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// processAlive reports whether pid refers to a running process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Verify interface compliance at compile time.
var _ Locker = (*FileLocker)(nil)
