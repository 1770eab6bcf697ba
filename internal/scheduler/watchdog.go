package scheduler

import (
	"sync"
	"time"
)

// WatchdogOptions configure the operator-level failure watchdog.
type WatchdogOptions struct {
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	// RecycleThreshold 连续失败超过该次数后每次失败都回收连接池。
	RecycleThreshold int
}

// Backoff is the watchdog's verdict after a failed cycle.
type Backoff struct {
	Failures int
	Delay    time.Duration
	Recycle  bool
}

// Watchdog counts consecutive scan-cycle failures.
type Watchdog struct {
	opts WatchdogOptions

	mu       sync.Mutex
	failures int
}

// NewWatchdog applies defaults (5s base, 5m cap, recycle after 3 failures).
func NewWatchdog(opts WatchdogOptions) *Watchdog {
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 5 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	if opts.RecycleThreshold <= 0 {
		opts.RecycleThreshold = 3
	}
	return &Watchdog{opts: opts}
}

// Failure records a failed cycle and returns base × 2^(n-1), capped. Once the
// streak reaches the threshold every further failure asks for a recycle.
func (w *Watchdog) Failure() Backoff {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.failures++
	n := w.failures

	delay := w.opts.BaseBackoff
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= w.opts.MaxBackoff {
			delay = w.opts.MaxBackoff
			break
		}
	}
	if delay > w.opts.MaxBackoff {
		delay = w.opts.MaxBackoff
	}

	return Backoff{
		Failures: n,
		Delay:    delay,
		Recycle:  n > w.opts.RecycleThreshold,
	}
}

// Success resets the failure streak.
func (w *Watchdog) Success() {
	w.mu.Lock()
	w.failures = 0
	w.mu.Unlock()
}

// Failures returns the current streak length.
func (w *Watchdog) Failures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures
}
