package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wfounders/clubwallet/internal/logging"
)

// RetryConfig bounds how long the relay waits for its database.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns the retry policy used for the database
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

func (c RetryConfig) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * c.Multiplier)
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// RetryableFunc is one attempt of a retried operation.
type RetryableFunc func(ctx context.Context) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Retry runs fn until it succeeds, returns a Permanent error, attempts run
// out or ctx is done.
func Retry(ctx context.Context, logger *logging.Logger, config RetryConfig, operation string, fn RetryableFunc) error {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error
	delay := config.InitialDelay
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info(operation+" succeeded", map[string]interface{}{"attempts": attempt})
			}
			return nil
		}

		var perm permanentError
		if errors.As(err, &perm) {
			return fmt.Errorf("%s: %w", operation, perm.err)
		}

		lastErr = err
		logger.Warn(operation+" failed", map[string]interface{}{
			"attempt":      attempt,
			"max_attempts": config.MaxAttempts,
			"error":        err.Error(),
		})
		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = config.next(delay)
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, config.MaxAttempts, lastErr)
}

// classifyConnError makes configuration mistakes fail fast: bad credentials
// (class 28) and a missing database (3D000) will not fix themselves.
func classifyConnError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "28") || pgErr.Code == "3D000" {
			return Permanent(err)
		}
	}
	return err
}
