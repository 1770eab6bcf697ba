package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// CycleFunc is invoked once per scheduled cycle. Cycles never overlap.
type CycleFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// Watchdog 为空时失败的周期不会额外退避。
	Watchdog *Watchdog
	// OnRecycle runs when the watchdog asks for a connection pool recycle.
	OnRecycle func()
	Now       func() time.Time
}

// Scheduler drives the serialized operator loop.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking cycle at each interval until ctx is cancelled. A cycle
// runs to completion before the next one is scheduled.
func (s *Scheduler) Run(ctx context.Context, cycle CycleFunc) error {
	if err := sleep(ctx, s.opts.StartupDelay); err != nil {
		return err
	}

	next := s.nextTick(s.opts.Now())
	for {
		delay := next.Sub(s.opts.Now())
		if delay < 0 {
			next = s.nextTick(s.opts.Now())
			delay = next.Sub(s.opts.Now())
		}

		s.logger.Debug().Time("next_cycle", next).Msg("waiting for next cycle")
		if err := sleep(ctx, delay); err != nil {
			return err
		}

		bucket := s.bucketStart(next)
		s.logger.Info().Time("bucket", bucket).Msg("executing scan cycle")

		err := cycle(ctx, bucket)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.afterCycle(ctx, bucket, err); err != nil {
			return err
		}

		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) afterCycle(ctx context.Context, bucket time.Time, cycleErr error) error {
	wd := s.opts.Watchdog
	if cycleErr == nil {
		if wd != nil {
			wd.Success()
		}
		return nil
	}

	if wd == nil {
		s.logger.Error().Err(cycleErr).Time("bucket", bucket).Msg("scan cycle failed")
		return nil
	}

	b := wd.Failure()
	s.logger.Error().Err(cycleErr).
		Time("bucket", bucket).
		Int("consecutive_failures", b.Failures).
		Dur("backoff", b.Delay).
		Bool("recycle", b.Recycle).
		Msg("scan cycle failed")

	if b.Recycle && s.opts.OnRecycle != nil {
		s.opts.OnRecycle()
	}
	return sleep(ctx, b.Delay)
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
