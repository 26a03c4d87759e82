package taskorch

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/charmbracelet/log"
)

// Locker is an exclusive, cross-process lock.
//
// TryLock never blocks waiting for another holder. It returns ok=false when
// the lock is held elsewhere, and a release function when acquired.
type Locker interface {
	TryLock(ctx context.Context) (release func() error, ok bool, err error)

	// Path names the lock for diagnostics.
	Path() string
}

// ControllerConfig bounds how long WithLock waits.
type ControllerConfig struct {
	// Timeout is the total time spent trying to acquire the lock.
	Timeout time.Duration

	// RetryBase is the first backoff delay. It doubles per attempt.
	RetryBase time.Duration

	// RetryMax caps a single backoff delay.
	RetryMax time.Duration
}

// Controller serializes mutating operations across goroutines and
// processes.
type Controller struct {
	locker Locker
	cfg    ControllerConfig
	log    *log.Logger

	// sem serializes callers within this process before they contend on
	// the cross-process lock.
	sem chan struct{}
}

// NewController wraps a Locker with timeout and backoff handling.
func NewController(locker Locker, cfg ControllerConfig,
	logger *log.Logger) *Controller {

	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 50 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}
	if logger == nil {
		logger = defaultLogger()
	}

	return &Controller{
		locker: locker,
		cfg:    cfg,
		log:    logger,
		sem:    make(chan struct{}, 1),
	}
}

// WithLock runs fn while holding the lock.
//
// Acquisition is retried with exponential backoff until the configured
// timeout, after which ErrLockTimeout is returned and fn is not called.
// Cancelling ctx aborts the wait but never interrupts fn once it runs.
func (c *Controller) WithLock(ctx context.Context, fn func() error) error {
	start := time.Now()
	deadline := start.Add(c.cfg.Timeout)

	timeout := func(attempts int) error {
		return &ErrLockTimeout{
			Path:     c.locker.Path(),
			Waited:   time.Since(start),
			Attempts: attempts,
		}
	}

	// In-process turn first.
	wait := time.NewTimer(time.Until(deadline))
	select {
	case c.sem <- struct{}{}:
		wait.Stop()
	case <-wait.C:
		return timeout(0)
	case <-ctx.Done():
		wait.Stop()
		return ctx.Err()
	}
	defer func() { <-c.sem }()

	var (
		release func() error
		attempt int
	)
	for {
		attempt++
		var (
			ok  bool
			err error
		)
		release, ok, err = c.locker.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			break
		}

		delay := backoffDelay(attempt, c.cfg.RetryBase, c.cfg.RetryMax)
		if time.Now().Add(delay).After(deadline) {
			c.log.Debug("lock timeout", "path", c.locker.Path(),
				"attempts", attempt)
			return timeout(attempt)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	if attempt > 1 {
		c.log.Debug("lock acquired after contention",
			"path", c.locker.Path(), "attempts", attempt)
	}

	fnErr := fn()
	if err := release(); err != nil {
		c.log.Error("failed to release lock", "path", c.locker.Path(),
			"err", err)
		if fnErr == nil {
			return err
		}
	}
	return fnErr
}

// backoffDelay returns base * 2^(attempt-1), capped at maxDelay, with
// ±25% jitter.
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay < 4 {
		return delay
	}
	jitter := time.Duration(rand.Int64N(int64(delay / 2)))
	return delay - delay/4 + jitter
}
