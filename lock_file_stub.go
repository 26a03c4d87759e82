//go:build !unix

package taskorch

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
)

// ErrLockingNotSupported is returned on platforms where the file locker is
// not available (e.g., Windows).
var ErrLockingNotSupported = errors.New("FileLocker requires Unix file locking (flock)")

// FileLockerConfig configures a FileLocker.
type FileLockerConfig struct {
	Path       string
	StaleAfter time.Duration
	IsAlive    func(pid int) bool
	Now        func() time.Time
	Logger     *log.Logger
}

// FileLocker is a stub implementation for non-Unix platforms.
type FileLocker struct{}

// NewFileLocker returns an error on non-Unix platforms. Supply a custom
// Locker with WithLocker instead.
func NewFileLocker(cfg FileLockerConfig) (*FileLocker, error) {
	return nil, ErrLockingNotSupported
}

// Path is not supported on this platform.
func (f *FileLocker) Path() string {
	return ""
}

// TryLock is not supported on this platform.
func (f *FileLocker) TryLock(ctx context.Context) (func() error, bool, error) {
	return nil, false, ErrLockingNotSupported
}

// Verify interface compliance at compile time.
var _ Locker = (*FileLocker)(nil)
