package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrStoreUnavailable marks an operation the persistence layer could not complete.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrRetryAmbiguity marks a write whose commit outcome is unknown. It is never retried,
	// since replaying an increment that did land would double-count it.
	ErrRetryAmbiguity = errors.New("store write outcome unknown")
)

// retry runs op with exponential backoff. Each attempt gets its own timeout.
func (s *Store) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(s.opts.MaxElapsed),
		backoff.WithInitialInterval(s.opts.InitialWait),
	), s.opts.MaxRetries)

	err := backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
		defer cancel()

		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrRetryAmbiguity) || !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}
	if errors.Is(lastErr, ErrRetryAmbiguity) {
		return fmt.Errorf("%s: %w", op, lastErr)
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, lastErr)
}

// commitAmbiguous reports whether a failed COMMIT may still have been applied.
// SQLite commits locally, so a returned error means nothing was written.
func (s *Store) commitAmbiguous(err error) bool {
	if err == nil || s.driver != DriverPostgres {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return false
	}
	return !pgconn.SafeToRetry(err)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection_exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient_resources
			strings.HasPrefix(pgErr.Code, "57"), // operator_intervention
			pgErr.Code == "40001",               // serialization_failure
			pgErr.Code == "40P01":               // deadlock_detected
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	message := err.Error()
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "SQLITE_BUSY") ||
		strings.Contains(message, "connection refused") ||
		strings.Contains(message, "connection reset by peer") ||
		strings.Contains(message, "broken pipe") ||
		strings.Contains(message, "i/o timeout")
}
