// Package retry wraps remote calls with a per-attempt timeout and bounded
// exponential backoff with jitter. Failures come back as *Error carrying a Kind
// so callers branch on the kind instead of string matching.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Kind 描述失败类别。
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindTransient Kind = "transient"
	KindFatal     Kind = "fatal"
)

// Error is the terminal failure of a retried operation.
type Error struct {
	Kind     Kind
	Op       string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Attempts > 0 {
		return fmt.Sprintf("%s: %s after %d attempt(s): %v", e.Op, e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal marks err as not worth retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindFatal, Err: err}
}

// Transient marks err as retryable regardless of its text.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// 节点返回这些错误时重试没有意义。
var fatalMarkers = []string{
	"execution reverted",
	"invalid argument",
	"insufficient funds",
	"nonce too low",
	"already known",
	"replacement transaction underpriced",
	"invalid sender",
	"method not found",
	"not found",
}

// KindOf classifies err. Unknown remote failures default to transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return KindFatal
		}
	}
	return KindTransient
}

// Policy bounds a retried call.
type Policy struct {
	Attempts  int
	Timeout   time.Duration
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the randomisation factor applied to every delay (0..1).
	Jitter float64
	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy 返回默认重试参数。
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  3,
		Timeout:   8 * time.Second,
		BaseDelay: 250 * time.Millisecond,
		MaxDelay:  4 * time.Second,
		Jitter:    0.3,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.Attempts-1)), ctx)
}

// Do runs fn under p. See Value.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value runs fn with a per-attempt timeout, retrying transient and timeout
// failures with exponential backoff. Fatal failures stop immediately.
func Value[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var (
		result   T
		last     error
		lastKind Kind
		attempts int
	)

	operation := func() error {
		attempts++
		value, err := call(ctx, p.Timeout, fn)
		if err == nil {
			result = value
			return nil
		}
		last = err
		lastKind = KindOf(err)
		if lastKind == KindFatal || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempts, err, delay)
		}
	}

	if err := backoff.RetryNotify(operation, p.backOff(ctx), notify); err != nil {
		if last == nil {
			last = err
			lastKind = KindOf(err)
		}
		var zero T
		return zero, &Error{Kind: lastKind, Op: op, Attempts: attempts, Err: last}
	}
	return result, nil
}

// Once runs fn a single time under timeout. Used for calls that must never be
// repeated, such as broadcasting a signed transaction.
func Once[T any](ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = DefaultPolicy().Timeout
	}
	value, err := call(ctx, timeout, fn)
	if err != nil {
		var zero T
		return zero, &Error{Kind: KindOf(err), Op: op, Attempts: 1, Err: err}
	}
	return value, nil
}

// call 在独立 goroutine 中执行 fn；超时后直接返回，迟到的结果被丢弃。
func call[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := fn(callCtx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return out.value, &Error{Kind: KindTimeout, Err: out.err}
		}
		return out.value, out.err
	case <-callCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, &Error{Kind: KindTimeout, Err: fmt.Errorf("no response within %s", timeout)}
	}
}
