// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIsRetryablePGTxError(t *testing.T) {
	require.True(t, isRetryablePGTxError(&pgconn.PgError{Code: "40001"}))
	require.True(t, isRetryablePGTxError(&pgconn.PgError{Code: "40P01"}))
	require.True(t, isRetryablePGTxError(&pgconn.PgError{Code: "55P03"}))
	require.False(t, isRetryablePGTxError(&pgconn.PgError{Code: "23505"}))
	require.False(t, isRetryablePGTxError(errors.New("not a pg error")))
	require.False(t, isRetryablePGTxError(nil))
}

func TestRetrySerializationFailuresRecovers(t *testing.T) {
	calls := 0
	out, err := retrySerializationFailures(context.Background(), discardLogger(), 3, func(attempt int) (int, error) {
		calls++
		require.Equal(t, calls, attempt)
		if attempt < 3 {
			return 0, &pgconn.PgError{Code: "40001"}
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, out)
	require.Equal(t, 3, calls)
}

func TestRetrySerializationFailuresStopsOnNonRetryable(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := retrySerializationFailures(context.Background(), discardLogger(), 3, func(int) (int, error) {
		calls++
		return 0, boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestRetrySerializationFailuresExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := retrySerializationFailures(context.Background(), discardLogger(), 3, func(int) (int, error) {
		calls++
		return 0, &pgconn.PgError{Code: "40P01"}
	})
	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	require.Equal(t, 3, calls)
}
