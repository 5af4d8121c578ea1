// Package retry runs operations under an explicit attempt/delay policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrInvalidMaxAttempts is returned when a policy allows no attempts.
	ErrInvalidMaxAttempts = errors.New("max attempts must be greater than 0")

	// ErrTransient marks an error as retryable regardless of its origin.
	ErrTransient = errors.New("transient failure")
)

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// Retryable decides whether a failed attempt is worth repeating.
	// Defaults to IsTransient.
	Retryable func(error) bool
	Logger    *slog.Logger
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(maxAttempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, Delay: delay}
}

// Do runs fn until it succeeds, fails permanently, or the attempt budget is spent.
// It returns the number of attempts made and the last error.
// The delay blocks the calling goroutine; cancelling ctx ends the sequence early.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) (int, error) {
	if p.MaxAttempts <= 0 {
		return 0, ErrInvalidMaxAttempts
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("operation succeeded after retry", "op", op, "attempt", attempt)
			}
			return attempt, nil
		}

		if !retryable(lastErr) {
			return attempt, lastErr
		}
		if attempt == p.MaxAttempts {
			return attempt, lastErr
		}

		logger.Warn("operation failed, retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"delay", p.Delay,
			"error", lastErr,
		)

		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("%s: %w (last error: %v)", op, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return p.MaxAttempts, lastErr
}

// IsTransient reports whether err is a network or server-side condition that
// may clear on its own. Constraint, syntax and data errors are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := strings.TrimSpace(pgErr.Code)
		switch {
		case strings.HasPrefix(code, "08"): // connection_exception
			return true
		case strings.HasPrefix(code, "53"): // insufficient_resources
			return true
		}
		switch code {
		case "40001", "40P01", "55P03": // serialization / deadlock / lock_not_available
			return true
		case "57P01", "57P02", "57P03": // admin / crash shutdown, cannot_connect_now
			return true
		}
		return false
	}

	if pgconn.SafeToRetry(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "connection refused", "broken pipe", "unexpected eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Transient wraps err so that IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
