// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package docstore provides a SQLite-backed client facade for go-docsync
// peer document synchronization. A Session owns a persistent local root
// (document store plus attachment blobs), authenticates to a coordination
// service with a playground identity, and syncs in the background while the
// caller issues DQL queries, uploads/fetches attachments, and registers
// standing query observers.
package docstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/syncwise/go-docsync/docsync"
)

// Config holds configuration for a document store session.
type Config struct {
	AppID           string // Application ID (UUID string) identifying the shared data set
	PlaygroundToken string // Shared playground token used to obtain session JWTs
	BaseURL         string // Coordination service base URL, e.g. "http://localhost:8080"
	Root            string // Local storage root (store.db, attachments/, LOCK live here)

	UploadLimit   int           // e.g. 200 per batch
	DownloadLimit int           // e.g. 1000
	BackoffMin    time.Duration // 1s
	BackoffMax    time.Duration // 60s

	Logger *slog.Logger
}

// DefaultConfig returns a configuration with sensible sync defaults.
func DefaultConfig(appID, playgroundToken, baseURL, root string) *Config {
	return &Config{
		AppID:           appID,
		PlaygroundToken: playgroundToken,
		BaseURL:         baseURL,
		Root:            root,
		UploadLimit:     200,
		DownloadLimit:   1000,
		BackoffMin:      1 * time.Second,
		BackoffMax:      60 * time.Second,
	}
}

// Resolver interface for conflict resolution during upload.
type Resolver interface {
	// Merge returns merged JSON to store locally & attempt to upload as UPDATE,
	// or (nil, keepLocal=false) to accept server and drop the local pending change.
	Merge(collection, docID string, server json.RawMessage, local json.RawMessage) (merged json.RawMessage, keepLocal bool, err error)
}

// DefaultResolver accepts the server row and drops the local pending change.
type DefaultResolver struct{}

func (r *DefaultResolver) Merge(collection, docID string, server, local json.RawMessage) (json.RawMessage, bool, error) {
	return nil, false, nil
}

// Session is a sync-enabled handle to a local document store. Construct it
// with Open, pass it explicitly to every caller that needs store access, and
// Close it at process exit.
type Session struct {
	DB       *sql.DB
	BaseURL  string
	AppID    string
	SourceID string
	Token    func(context.Context) (string, error) // returns session JWT
	Resolver Resolver
	HTTP     *http.Client

	config  *Config
	logger  *slog.Logger
	root    string
	lock    *rootLock
	writeMu sync.Mutex // Serialize write operations to prevent SQLite locking issues

	obsMu     sync.Mutex
	observers map[int64]*Observer
	nextObsID int64

	syncMu     sync.Mutex
	syncCancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error

	tokenMu     sync.Mutex
	sessionJWT  string
	jwtValidTil time.Time
}

// Open creates a session bound to the storage root in cfg. It validates the
// app ID, takes exclusive ownership of the root, and prepares the local
// store. Synchronization does not start until StartSync is called.
func Open(ctx context.Context, cfg *Config) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if _, err := uuid.Parse(cfg.AppID); err != nil {
		return nil, authErrorf("malformed app ID %q: %w", cfg.AppID, err)
	}
	if cfg.PlaygroundToken == "" {
		return nil, authErrorf("playground token must be provided")
	}
	if cfg.Root == "" {
		return nil, storageErrorf("storage root must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Join(cfg.Root, "attachments"), 0o755); err != nil {
		return nil, storageErrorf("failed to create storage root: %w", err)
	}

	lock, err := acquireRootLock(filepath.Join(cfg.Root, "LOCK"))
	if err != nil {
		return nil, &StorageError{err: err}
	}

	db, err := sql.Open("sqlite3", filepath.Join(cfg.Root, "store.db")+"?_busy_timeout=5000")
	if err != nil {
		lock.release()
		return nil, storageErrorf("failed to open store: %w", err)
	}

	if err := initializeDatabase(db); err != nil {
		db.Close()
		lock.release()
		return nil, storageErrorf("failed to initialize store: %w", err)
	}

	sourceID, err := EnsureSourceID(db, cfg.AppID)
	if err != nil {
		db.Close()
		lock.release()
		return nil, storageErrorf("%w", err)
	}

	s := &Session{
		DB:        db,
		BaseURL:   cfg.BaseURL,
		AppID:     cfg.AppID,
		SourceID:  sourceID,
		Resolver:  &DefaultResolver{},
		HTTP:      &http.Client{Timeout: 120 * time.Second},
		config:    cfg,
		logger:    logger,
		root:      cfg.Root,
		lock:      lock,
		observers: make(map[int64]*Observer),
	}
	s.Token = s.playgroundToken
	return s, nil
}

// StartSync launches the background uploader, downloader and attachment
// uploader loops. They run until the session is closed (or ctx is
// cancelled). Calling StartSync on a syncing session is a no-op.
func (s *Session) StartSync(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if s.syncCancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.syncCancel = cancel

	go s.uploaderLoop(loopCtx)
	go s.downloaderLoop(loopCtx)
	go s.attachmentLoop(loopCtx)
	return nil
}

// Close stops sync loops, cancels observers and releases the storage root.
// Weak cancellation: in-flight HTTP requests may still complete in the
// background after Close returns.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.syncMu.Lock()
		if s.syncCancel != nil {
			s.syncCancel()
			s.syncCancel = nil
		}
		s.syncMu.Unlock()

		s.obsMu.Lock()
		obs := make([]*Observer, 0, len(s.observers))
		for _, o := range s.observers {
			obs = append(obs, o)
		}
		s.obsMu.Unlock()
		for _, o := range obs {
			o.Cancel()
		}

		s.closeErr = s.DB.Close()
		s.lock.release()
	})
	return s.closeErr
}

// Root returns the local storage root directory owned by this session.
func (s *Session) Root() string { return s.root }

// EnsureSourceID generates and persists a source ID if not already present.
// The source ID identifies this root to sync peers and survives restarts.
func EnsureSourceID(db *sql.DB, appID string) (string, error) {
	var sourceID string
	err := db.QueryRow(`SELECT source_id FROM _sync_client_info WHERE app_id = ?`, appID).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		sourceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _sync_client_info (app_id, source_id, next_change_id, last_server_seq_seen)
			VALUES (?, ?, 1, 0)
		`, appID, sourceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return sourceID, nil
}

// initializeDatabase creates the store and sync metadata tables.
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Client info (one row per app identity; single identity per root)
		`CREATE TABLE IF NOT EXISTS _sync_client_info (
			app_id               TEXT NOT NULL,
			source_id            TEXT NOT NULL,          -- locally generated UUIDv4 (persisted)
			next_change_id       INTEGER NOT NULL DEFAULT 1,
			last_server_seq_seen INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (app_id)
		)`,

		// Documents, one row per (collection, id). Tombstones keep the row with deleted=1.
		`CREATE TABLE IF NOT EXISTS documents (
			collection     TEXT NOT NULL,
			doc_id         TEXT NOT NULL,
			body           TEXT NOT NULL,
			server_version INTEGER NOT NULL DEFAULT 0,
			deleted        INTEGER NOT NULL DEFAULT 0,
			updated_at     TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (collection, doc_id)
		)`,

		// Pending queue (coalesced, one row per document)
		`CREATE TABLE IF NOT EXISTS _sync_pending (
			collection   TEXT NOT NULL,
			doc_id       TEXT NOT NULL,
			op           TEXT NOT NULL CHECK (op IN ('INSERT','UPDATE','DELETE')),
			base_version INTEGER NOT NULL DEFAULT 0,
			payload      TEXT, -- JSON body captured at change time (NULL for DELETE)
			change_id    INTEGER NOT NULL,
			queued_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (collection, doc_id)
		)`,

		// Per-collection metadata: which fields are declared ATTACHMENT
		`CREATE TABLE IF NOT EXISTS _collections (
			name              TEXT NOT NULL PRIMARY KEY,
			attachment_fields TEXT NOT NULL DEFAULT '[]'
		)`,

		// Attachment blob registry; bytes live under <root>/attachments/<id>
		`CREATE TABLE IF NOT EXISTS _attachments (
			id         TEXT NOT NULL PRIMARY KEY,
			length     INTEGER NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '{}',
			state      TEXT NOT NULL CHECK (state IN ('local','synced','deleted')),
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create store table: %w", err)
		}
	}
	return nil
}

// rootLock is a LOCK file granting exclusive ownership of a storage root.
type rootLock struct {
	path string
	f    *os.File
}

func acquireRootLock(path string) (*rootLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrRootLocked)
		}
		return nil, fmt.Errorf("failed to acquire root lock: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &rootLock{path: path, f: f}, nil
}

func (l *rootLock) release() {
	if l == nil || l.f == nil {
		return
	}
	l.f.Close()
	os.Remove(l.path)
	l.f = nil
}

// playgroundToken exchanges the playground identity for a session JWT,
// caching it until shortly before expiry.
func (s *Session) playgroundToken(ctx context.Context) (string, error) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	if s.sessionJWT != "" && time.Now().Before(s.jwtValidTil) {
		return s.sessionJWT, nil
	}

	reqBody, err := json.Marshal(&docsync.AuthRequest{
		AppID:           s.AppID,
		PlaygroundToken: s.config.PlaygroundToken,
		SourceID:        s.SourceID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal auth request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.BaseURL+"/auth/playground", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create auth request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTP.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to reach auth endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		body, _ := io.ReadAll(resp.Body)
		return "", authErrorf("credentials rejected (status %d): %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("auth endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var authResp docsync.AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return "", fmt.Errorf("failed to decode auth response: %w", err)
	}
	if authResp.Token == "" {
		return "", authErrorf("auth endpoint returned empty token")
	}

	s.sessionJWT = authResp.Token
	// Refresh one minute ahead of expiry so in-flight requests do not race it.
	validFor := time.Duration(authResp.ExpiresIn) * time.Second
	if validFor > time.Minute {
		validFor -= time.Minute
	}
	s.jwtValidTil = time.Now().Add(validFor)
	return s.sessionJWT, nil
}
