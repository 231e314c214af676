// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

const testAppID = "11111111-2222-3333-4444-555555555555"

// newTestSession opens a session against a temp root with a stubbed token
// func so no auth endpoint is needed.
func newTestSession(t *testing.T, baseURL string) *Session {
	t.Helper()
	cfg := DefaultConfig(testAppID, "test-playground-token", baseURL, t.TempDir())
	cfg.BackoffMin = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	s.Token = func(context.Context) (string, error) { return "test-token", nil }
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitializeDatabase(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	err = initializeDatabase(db)
	require.NoError(t, err)

	expectedTables := []string{"_sync_client_info", "documents", "_sync_pending", "_collections", "_attachments"}
	for _, table := range expectedTables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}
}

func TestEnsureSourceID(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, initializeDatabase(db))

	sourceID1, err := EnsureSourceID(db, testAppID)
	require.NoError(t, err)
	require.NotEmpty(t, sourceID1)
	_, err = uuid.Parse(sourceID1)
	require.NoError(t, err)

	// Second call returns the same persisted source ID.
	sourceID2, err := EnsureSourceID(db, testAppID)
	require.NoError(t, err)
	require.Equal(t, sourceID1, sourceID2)
}

func TestOpenRejectsMalformedAppID(t *testing.T) {
	cfg := DefaultConfig("not-a-uuid", "token", "http://localhost:8080", t.TempDir())
	_, err := Open(context.Background(), cfg)
	require.Error(t, err)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
}

func TestOpenRejectsMissingPlaygroundToken(t *testing.T) {
	cfg := DefaultConfig(testAppID, "", "http://localhost:8080", t.TempDir())
	_, err := Open(context.Background(), cfg)
	require.Error(t, err)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
}

func TestOpenLockConflict(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	cfg := DefaultConfig(testAppID, "token", "http://localhost:8080", root)
	s1, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer s1.Close()

	// Second session on the same root must fail with the lock sentinel.
	_, err = Open(ctx, DefaultConfig(testAppID, "token", "http://localhost:8080", root))
	require.Error(t, err)
	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	require.ErrorIs(t, err, ErrRootLocked)

	// Close releases the root for the next session.
	require.NoError(t, s1.Close())
	s2, err := Open(ctx, DefaultConfig(testAppID, "token", "http://localhost:8080", root))
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestSourceIDSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	s1, err := Open(ctx, DefaultConfig(testAppID, "token", "http://localhost:8080", root))
	require.NoError(t, err)
	sourceID := s1.SourceID
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, DefaultConfig(testAppID, "token", "http://localhost:8080", root))
	require.NoError(t, err)
	defer s2.Close()
	require.Equal(t, sourceID, s2.SourceID)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newTestSession(t, "http://localhost:8080")
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
