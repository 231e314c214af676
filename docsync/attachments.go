// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Attachment lookup outcomes surfaced to the HTTP layer.
var (
	ErrAttachmentNotFound = errors.New("attachment not found")
	ErrAttachmentDeleted  = errors.New("attachment deleted")
	ErrAttachmentDigest   = errors.New("attachment content does not match its id")
)

// StoreAttachment saves a content-addressed blob. The id must be the sha256
// hex digest of data; a mismatch is rejected so a corrupt upload can never
// poison fetchers. Re-uploading an existing blob is a no-op, uploading a
// deleted one reports ErrAttachmentDeleted.
func (s *SyncService) StoreAttachment(ctx context.Context, appID, id string, data []byte) (created bool, err error) {
	if !isValidAttachmentID(id) {
		return false, fmt.Errorf("%w: malformed id %q", ErrAttachmentDigest, id)
	}
	digest := sha256.Sum256(data)
	if hex.EncodeToString(digest[:]) != id {
		return false, ErrAttachmentDigest
	}

	var deleted bool
	err = s.pool.QueryRow(ctx, `
		SELECT deleted FROM sync.attachments WHERE app_id = $1 AND id = $2
	`, appID, id).Scan(&deleted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Fall through to insert.
	case err != nil:
		return false, fmt.Errorf("failed to check attachment: %w", err)
	case deleted:
		return false, ErrAttachmentDeleted
	default:
		return false, nil
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sync.attachments (app_id, id, length, content)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (app_id, id) DO NOTHING
	`, appID, id, len(data), data)
	if err != nil {
		return false, fmt.Errorf("failed to store attachment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// LoadAttachment returns the blob bytes, ErrAttachmentNotFound when no
// producer has uploaded it yet, or ErrAttachmentDeleted when it is gone
// for good.
func (s *SyncService) LoadAttachment(ctx context.Context, appID, id string) ([]byte, error) {
	loadStart := s.stageStart()
	var content []byte
	var deleted bool
	err := s.pool.QueryRow(ctx, `
		SELECT content, deleted FROM sync.attachments WHERE app_id = $1 AND id = $2
	`, appID, id).Scan(&content, &deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load attachment: %w", err)
	}
	if deleted {
		return nil, ErrAttachmentDeleted
	}
	s.observeStage(ctx, MetricsOpAttachment, MetricsStageAttachmentLoad, loadStart, len(content), 1, false)
	return content, nil
}

// DeleteAttachment tombstones the blob. The row survives with content
// dropped so later fetches see deleted rather than not-yet-uploaded.
func (s *SyncService) DeleteAttachment(ctx context.Context, appID, id string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync.attachments (app_id, id, length, content, deleted)
		VALUES ($1, $2, 0, NULL, TRUE)
		ON CONFLICT (app_id, id) DO UPDATE SET deleted = TRUE, content = NULL, length = 0
	`, appID, id)
	if err != nil {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}
	return nil
}
