package taskorch

import (
	"time"

	"github.com/charmbracelet/log"
)

// Options holds the pluggable parts of a Store.
//
// Options are provided via functional options passed to Open. Every field
// has a default, so callers only override what they need.
type Options struct {
	// Logger receives structured logs. Defaults to warnings on stderr.
	Logger *log.Logger

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Migrations replaces the embedded migration set.
	Migrations []Migration

	// CriteriaValidator checks success criteria before they are stored.
	// The store itself only checks that each criterion is non-empty.
	CriteriaValidator func([]Criterion) error

	// ProcessAlive reports whether a lock owner's process still exists.
	// Defaults to signalling the pid with signal 0.
	ProcessAlive func(pid int) bool

	// Locker replaces the file-based cross-process lock.
	Locker Locker
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		Clock: time.Now,
	}
}

// Option is a functional option for configuring a Store.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithClock sets the time source used for timestamps and lock ages.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		o.Clock = clock
	}
}

// WithMigrations replaces the embedded migrations. Useful for tests and
// for pinning a store to an older schema.
func WithMigrations(migrations []Migration) Option {
	return func(o *Options) {
		o.Migrations = migrations
	}
}

// WithCriteriaValidator installs an external success-criteria check.
func WithCriteriaValidator(fn func([]Criterion) error) Option {
	return func(o *Options) {
		o.CriteriaValidator = fn
	}
}

// WithProcessChecker overrides how lock owner liveness is checked.
func WithProcessChecker(fn func(pid int) bool) Option {
	return func(o *Options) {
		o.ProcessAlive = fn
	}
}

// WithLocker replaces the cross-process lock implementation.
func WithLocker(locker Locker) Option {
	return func(o *Options) {
		o.Locker = locker
	}
}
