// Package retry wraps whole turns in a caller-level retry policy. The
// orchestrator itself is single-attempt.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/docker/agentlab/pkg/platform"
	"github.com/docker/agentlab/pkg/runtime"
)

type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
)

// Policy controls retries of a whole operation.
type Policy struct {
	// MaxAttempts counts the first attempt. Values below 1 mean 1.
	MaxAttempts  int
	Backoff      Backoff
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// ShouldRetry overrides Retryable.
	ShouldRetry func(error) bool
	// Sleep waits between attempts. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy makes three attempts one second apart.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		Backoff:      BackoffFixed,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
	}
}

// Retryable reports whether err is worth another attempt: transport
// failures and timeouts are, configuration and tool errors, platform
// failures and cancellation are not.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, runtime.ErrUnknownTool),
		errors.Is(err, runtime.ErrToolExecution),
		errors.Is(err, runtime.ErrRunFailed):
		return false
	case errors.Is(err, platform.ErrTransport), errors.Is(err, runtime.ErrRunTimeout):
		return true
	default:
		return false
	}
}

// Delay returns the wait before attempt+1, where attempt starts at 1.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.InitialDelay
	if d <= 0 {
		return 0
	}
	if p.Backoff == BackoffExponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				break
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return Retryable(err)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return runtime.SystemClock{}.Sleep(ctx, d)
}

// Do calls fn until it succeeds, returns a non-retryable error or the
// attempts run out. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	_, err := Value(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}

// Value is Do for functions that return a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	attempts := p.attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == attempts || !p.shouldRetry(ctx, err) {
			break
		}

		delay := p.Delay(attempt)
		slog.Debug("Retrying after error", "attempt", attempt, "max_attempts", attempts, "delay", delay, "error", err)
		if err := p.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// cancelTimeout bounds the cleanup of a run left behind by a failed attempt.
const cancelTimeout = 10 * time.Second

// ExecuteTurn runs one turn under the policy. Every attempt appends a new
// user message, so retrying on a shared conversation repeats the question.
// A run left active by a failed attempt is cancelled, including after the
// last one, so the conversation accepts new messages again.
func ExecuteTurn(ctx context.Context, p Policy, o *runtime.Orchestrator, req runtime.TurnRequest) (*runtime.TurnResult, error) {
	return Value(ctx, p, func(ctx context.Context, attempt int) (*runtime.TurnResult, error) {
		res, err := o.ExecuteTurn(ctx, req)
		if runID, ok := runtime.ActiveRunID(err); ok {
			cancelRun(ctx, o.Platform(), req.ConversationID, runID, attempt)
		}
		return res, err
	})
}

func cancelRun(ctx context.Context, p platform.Platform, conversationID, runID string, attempt int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()

	if err := p.CancelRun(ctx, conversationID, runID); err != nil {
		slog.Warn("Failed to cancel run", "conversation", conversationID, "run", runID, "attempt", attempt, "error", err)
		return
	}
	slog.Debug("Cancelled run left by a failed attempt", "conversation", conversationID, "run", runID, "attempt", attempt)
}
