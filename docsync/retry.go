// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// retrySerializationFailures runs op until it succeeds or fails with a
// non-retryable error, up to attempts tries. Retryable means a Postgres
// transaction error that a fresh attempt can clear (serialization
// failure, deadlock, lock timeout); the delay between tries grows
// linearly with the attempt number.
func retrySerializationFailures[T any](ctx context.Context, logger *slog.Logger, attempts int, op func(attempt int) (T, error)) (T, error) {
	var out T
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err = op(attempt)
		if err == nil || !isRetryablePGTxError(err) {
			return out, err
		}
		logger.Warn("Retrying transaction after retryable failure",
			"attempt", attempt, "error", err)
		if serr := sleepWithContext(ctx, time.Duration(attempt)*50*time.Millisecond); serr != nil {
			return out, serr
		}
	}
	return out, err
}

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
