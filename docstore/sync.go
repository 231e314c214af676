// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/syncwise/go-docsync/docsync"
)

// uploaderLoop pushes pending document changes until the session closes.
// Errors back off exponentially between BackoffMin and BackoffMax; an
// idle queue is polled at BackoffMin.
func (s *Session) uploaderLoop(ctx context.Context) {
	backoff := s.config.BackoffMin
	for {
		err := s.UploadOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("upload pass failed", "error", err)
			backoff = nextBackoff(backoff, s.config.BackoffMax)
		} else {
			backoff = s.config.BackoffMin
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (s *Session) downloaderLoop(ctx context.Context) {
	backoff := s.config.BackoffMin
	for {
		err := s.DownloadOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("download pass failed", "error", err)
			backoff = nextBackoff(backoff, s.config.BackoffMax)
		} else {
			backoff = s.config.BackoffMin
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (s *Session) attachmentLoop(ctx context.Context) {
	backoff := s.config.BackoffMin
	for {
		err := s.UploadAttachmentsOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("attachment upload pass failed", "error", err)
			backoff = nextBackoff(backoff, s.config.BackoffMax)
		} else {
			backoff = s.config.BackoffMin
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		cur = max
	}
	return cur
}

// UploadOnce drains the pending queue in batches. Conflict resolution can
// requeue changes, so passes repeat until the queue is empty or stops
// shrinking; maxPasses bounds a pathological resolver that never converges.
func (s *Session) UploadOnce(ctx context.Context) error {
	const maxPasses = 50
	for pass := 0; pass < maxPasses; pass++ {
		uploaded, err := s.uploadBatch(ctx)
		if err != nil {
			return err
		}
		if uploaded == 0 {
			return nil
		}
	}
	return fmt.Errorf("upload did not converge after %d passes", maxPasses)
}

func (s *Session) uploadBatch(ctx context.Context) (int, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT collection, doc_id, op, base_version, COALESCE(payload, ''), change_id
		FROM _sync_pending
		ORDER BY change_id
		LIMIT ?
	`, s.config.UploadLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to read pending queue: %w", err)
	}

	var changes []docsync.ChangeUpload
	for rows.Next() {
		var c docsync.ChangeUpload
		var payload string
		if err := rows.Scan(&c.Collection, &c.DocID, &c.Op, &c.BaseVersion, &payload, &c.SourceChangeID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan pending change: %w", err)
		}
		if payload != "" {
			c.Payload = json.RawMessage(payload)
		}
		changes = append(changes, c)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if len(changes) == 0 {
		return 0, nil
	}

	resp, err := s.sendUploadRequest(ctx, &docsync.UploadRequest{Changes: changes})
	if err != nil {
		return 0, err
	}
	if err := s.processUploadResponse(ctx, changes, resp); err != nil {
		return 0, err
	}
	return len(changes), nil
}

func (s *Session) sendUploadRequest(ctx context.Context, req *docsync.UploadRequest) (*docsync.UploadResponse, error) {
	jwt, err := s.Token(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upload request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.BaseURL+"/sync/upload", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+jwt)

	resp, err := s.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach upload endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		s.invalidateToken()
		return nil, authErrorf("upload rejected (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("upload endpoint returned status %d: %s", resp.StatusCode, string(msg))
	}

	var out docsync.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return &out, nil
}

// processUploadResponse applies per-change statuses. Applied changes leave
// the queue and pin the new server version. Conflicts go through the
// session Resolver: keepLocal requeues the merged body as an UPDATE against
// the server version, otherwise the server row replaces the local one.
// Invalid changes are dropped so one poison change cannot wedge the queue.
func (s *Session) processUploadResponse(ctx context.Context, sent []docsync.ChangeUpload, resp *docsync.UploadResponse) error {
	byChangeID := make(map[int64]docsync.ChangeUpload, len(sent))
	for _, c := range sent {
		byChangeID[c.SourceChangeID] = c
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	touched := make(map[string]bool)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, st := range resp.Statuses {
		change, ok := byChangeID[st.SourceChangeID]
		if !ok {
			continue
		}
		switch st.Status {
		case docsync.StatusApplied:
			if st.NewServerVersion != nil {
				if _, err := tx.ExecContext(ctx, `
					UPDATE documents SET server_version = ? WHERE collection = ? AND doc_id = ?
				`, *st.NewServerVersion, change.Collection, change.DocID); err != nil {
					return fmt.Errorf("failed to pin server version: %w", err)
				}
			}
			if err := deletePendingInTx(ctx, tx, change, st.SourceChangeID); err != nil {
				return err
			}

		case docsync.StatusConflict:
			if err := s.resolveConflictInTx(ctx, tx, change, st); err != nil {
				return err
			}
			touched[change.Collection] = true

		case docsync.StatusInvalid:
			s.logger.Warn("server rejected change",
				"collection", change.Collection, "doc_id", change.DocID, "reason", st.Message)
			if err := deletePendingInTx(ctx, tx, change, st.SourceChangeID); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unknown upload status %q", st.Status)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upload results: %w", err)
	}
	for collection := range touched {
		s.notifyCollection(collection)
	}
	return nil
}

func (s *Session) resolveConflictInTx(ctx context.Context, tx *sql.Tx, change docsync.ChangeUpload, st docsync.ChangeUploadStatus) error {
	serverVersion := int64(0)
	if st.NewServerVersion != nil {
		serverVersion = *st.NewServerVersion
	}

	merged, keepLocal, err := s.Resolver.Merge(change.Collection, change.DocID, st.ServerRow, change.Payload)
	if err != nil {
		return fmt.Errorf("conflict resolver failed for %s/%s: %w", change.Collection, change.DocID, err)
	}

	if keepLocal && merged != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE documents SET body = ?, server_version = ?, deleted = 0,
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE collection = ? AND doc_id = ?
		`, string(merged), serverVersion, change.Collection, change.DocID); err != nil {
			return fmt.Errorf("failed to apply merged body: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE _sync_pending SET op = 'UPDATE', base_version = ?, payload = ?,
				queued_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE collection = ? AND doc_id = ?
		`, serverVersion, string(merged), change.Collection, change.DocID); err != nil {
			return fmt.Errorf("failed to requeue merged change: %w", err)
		}
		return nil
	}

	// Accept the server row and drop the local pending change.
	if len(st.ServerRow) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE documents SET body = ?, server_version = ?, deleted = 0,
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE collection = ? AND doc_id = ?
		`, string(st.ServerRow), serverVersion, change.Collection, change.DocID); err != nil {
			return fmt.Errorf("failed to accept server row: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE documents SET deleted = 1, server_version = ?,
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE collection = ? AND doc_id = ?
		`, serverVersion, change.Collection, change.DocID); err != nil {
			return fmt.Errorf("failed to apply server tombstone: %w", err)
		}
	}
	return deletePendingInTx(ctx, tx, change, change.SourceChangeID)
}

// deletePendingInTx removes a pending row only if it still carries the
// change_id we uploaded. A newer local write that reused the row must not
// be lost.
func deletePendingInTx(ctx context.Context, tx *sql.Tx, change docsync.ChangeUpload, changeID int64) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM _sync_pending WHERE collection = ? AND doc_id = ? AND change_id = ?
	`, change.Collection, change.DocID, changeID)
	if err != nil {
		return fmt.Errorf("failed to dequeue change: %w", err)
	}
	return nil
}

// DownloadOnce pulls server changes after the last seen sequence until the
// server reports no more, applying each window atomically with its cursor.
func (s *Session) DownloadOnce(ctx context.Context) error {
	for {
		hasMore, err := s.downloadBatch(ctx)
		if err != nil {
			return err
		}
		if !hasMore {
			return nil
		}
	}
}

func (s *Session) downloadBatch(ctx context.Context) (bool, error) {
	var after int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT last_server_seq_seen FROM _sync_client_info WHERE app_id = ?
	`, s.AppID).Scan(&after)
	if err != nil {
		return false, fmt.Errorf("failed to read download cursor: %w", err)
	}

	resp, err := s.sendDownloadRequest(ctx, after)
	if err != nil {
		return false, err
	}
	if len(resp.Changes) == 0 && resp.NextAfter <= after {
		return false, nil
	}

	s.writeMu.Lock()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		s.writeMu.Unlock()
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	touched := make(map[string]bool)
	for _, change := range resp.Changes {
		applied, err := s.applyServerChangeInTx(ctx, tx, change)
		if err != nil {
			tx.Rollback()
			s.writeMu.Unlock()
			return false, err
		}
		if applied {
			touched[change.Collection] = true
		}
	}

	// Cursor advances in the same transaction as the window it covers.
	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_client_info SET last_server_seq_seen = ? WHERE app_id = ?
	`, resp.NextAfter, s.AppID); err != nil {
		tx.Rollback()
		s.writeMu.Unlock()
		return false, fmt.Errorf("failed to advance download cursor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.writeMu.Unlock()
		return false, fmt.Errorf("failed to commit download window: %w", err)
	}
	s.writeMu.Unlock()

	for collection := range touched {
		s.notifyCollection(collection)
	}
	return resp.HasMore, nil
}

func (s *Session) sendDownloadRequest(ctx context.Context, after int64) (*docsync.DownloadResponse, error) {
	jwt, err := s.Token(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	q.Set("limit", strconv.Itoa(s.config.DownloadLimit))
	httpReq, err := http.NewRequestWithContext(ctx, "GET", s.BaseURL+"/sync/download?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+jwt)

	resp, err := s.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach download endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		s.invalidateToken()
		return nil, authErrorf("download rejected (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("download endpoint returned status %d: %s", resp.StatusCode, string(msg))
	}

	var out docsync.DownloadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode download response: %w", err)
	}
	return &out, nil
}

// applyServerChangeInTx merges one downloaded change into the local store.
// Changes from this session's own source only pin the server version. A
// document with a pending local change keeps its local body until the
// uploader resolves it; only the version advances.
func (s *Session) applyServerChangeInTx(ctx context.Context, tx *sql.Tx, change docsync.ChangeDownload) (bool, error) {
	if change.SourceID == s.SourceID {
		_, err := tx.ExecContext(ctx, `
			UPDATE documents SET server_version = ?
			WHERE collection = ? AND doc_id = ? AND server_version < ?
		`, change.ServerVersion, change.Collection, change.DocID, change.ServerVersion)
		return false, err
	}

	var hasPending bool
	err := tx.QueryRowContext(ctx, `
		SELECT 1 FROM _sync_pending WHERE collection = ? AND doc_id = ?
	`, change.Collection, change.DocID).Scan(&hasPending)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to check pending state: %w", err)
	}
	if hasPending {
		_, err := tx.ExecContext(ctx, `
			UPDATE documents SET server_version = ?
			WHERE collection = ? AND doc_id = ? AND server_version < ?
		`, change.ServerVersion, change.Collection, change.DocID, change.ServerVersion)
		return false, err
	}

	if change.Op == "DELETE" {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO documents (collection, doc_id, body, server_version, deleted, updated_at)
			VALUES (?, ?, '{}', ?, 1, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			ON CONFLICT(collection, doc_id) DO UPDATE SET
				deleted = 1,
				server_version = excluded.server_version,
				updated_at = excluded.updated_at
		`, change.Collection, change.DocID, change.ServerVersion)
		if err != nil {
			return false, fmt.Errorf("failed to apply tombstone: %w", err)
		}
		return true, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (collection, doc_id, body, server_version, deleted, updated_at)
		VALUES (?, ?, ?, ?, 0, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(collection, doc_id) DO UPDATE SET
			body = excluded.body,
			server_version = excluded.server_version,
			deleted = 0,
			updated_at = excluded.updated_at
	`, change.Collection, change.DocID, string(change.Payload), change.ServerVersion)
	if err != nil {
		return false, fmt.Errorf("failed to apply server change: %w", err)
	}
	return true, nil
}

// UploadAttachmentsOnce pushes every locally staged blob to the service.
// A blob the server already holds counts as uploaded.
func (s *Session) UploadAttachmentsOnce(ctx context.Context) error {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM _attachments WHERE state = 'local'`)
	if err != nil {
		return fmt.Errorf("failed to read staged attachments: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, id := range ids {
		if err := s.uploadAttachment(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) uploadAttachment(ctx context.Context, id string) error {
	jwt, err := s.Token(ctx)
	if err != nil {
		return err
	}

	blob, err := os.Open(s.attachmentPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			// Registry row without bytes; nothing to push.
			return s.markAttachmentState(ctx, id, "deleted")
		}
		return ioErrorf("failed to open attachment blob %s: %w", id, err)
	}
	defer blob.Close()

	fi, err := blob.Stat()
	if err != nil {
		return ioErrorf("failed to stat attachment blob %s: %w", id, err)
	}

	req, err := http.NewRequestWithContext(ctx, "PUT", s.BaseURL+"/sync/attachments/"+id, blob)
	if err != nil {
		return err
	}
	req.ContentLength = fi.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Bearer "+jwt)

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach attachment endpoint: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		s.logger.Debug("attachment uploaded", "id", id, "len", fi.Size())
		return s.markAttachmentState(ctx, id, "synced")
	case http.StatusUnauthorized, http.StatusForbidden:
		s.invalidateToken()
		return authErrorf("attachment upload rejected (status %d)", resp.StatusCode)
	case http.StatusGone:
		return s.markAttachmentState(ctx, id, "deleted")
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("attachment endpoint returned status %d: %s", resp.StatusCode, string(msg))
	}
}

// invalidateToken drops the cached session JWT so the next request
// re-authenticates.
func (s *Session) invalidateToken() {
	s.tokenMu.Lock()
	s.sessionJWT = ""
	s.jwtValidTil = time.Time{}
	s.tokenMu.Unlock()
}
