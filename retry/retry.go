// Package retry re-runs a unit of work after transient failures using a
// bounded exponential backoff schedule.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy is the retry schedule. The delay before retry n (n >= 1) is
// min(MaxDelay, InitialDelay * Multiplier^(n-1)). MaxAttempts counts the
// first try.
type Policy struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier" mapstructure:"multiplier"`
}

// DefaultPolicy returns three attempts starting at 100ms and doubling up to
// two seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
	}
}

// Delay returns the wait before retry number attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// schedule adapts a Policy to backoff.BackOff.
type schedule struct {
	policy  Policy
	attempt int
}

func (s *schedule) NextBackOff() time.Duration {
	s.attempt++
	return s.policy.Delay(s.attempt)
}

func (s *schedule) Reset() { s.attempt = 0 }

// Handler runs functions under a Policy. Only errors the classifier accepts
// are retried; anything else is returned after the first failure.
type Handler struct {
	policy    Policy
	retryable func(error) bool
	logger    *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used to report retries.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// New creates a Handler. retryable decides which errors are transient.
func New(policy Policy, retryable func(error) bool, opts ...Option) *Handler {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	h := &Handler{policy: policy, retryable: retryable, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Policy returns the handler's schedule.
func (h *Handler) Policy() Policy { return h.policy }

// Do runs fn until it succeeds, fails permanently, exhausts the policy or
// ctx is done. The last error from fn is returned unchanged.
func Do[T any](ctx context.Context, h *Handler, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		res, err := fn(ctx)
		if err != nil && !h.retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&schedule{policy: h.policy}),
		backoff.WithMaxTries(uint(h.policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			h.logger.Warn("retrying after transient failure",
				"op", op,
				"attempt", attempt,
				"max_attempts", h.policy.MaxAttempts,
				"wait", wait,
				"error", err,
			)
		}),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return res, err
}
