// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

const uploadTxMaxAttempts = 3

// ProcessUpload applies a batch of client changes inside one REPEATABLE READ
// transaction. Each change is checked for idempotency against the change log
// and for version conflicts against doc_meta; the whole batch is retried on
// serialization failures. appID and sourceID come from JWT claims.
func (s *SyncService) ProcessUpload(ctx context.Context, appID, sourceID string, req *UploadRequest) (*UploadResponse, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("sync service is closed")
	}
	s.mu.RUnlock()

	if s.config.MaxUploadBatchSize > 0 && len(req.Changes) > s.config.MaxUploadBatchSize {
		return nil, fmt.Errorf("upload batch of %d exceeds limit %d", len(req.Changes), s.config.MaxUploadBatchSize)
	}

	totalStart := s.stageStart()
	logger := s.logger.With("source_id", sourceID)
	resp, err := retrySerializationFailures(ctx, logger, uploadTxMaxAttempts, func(attempt int) (*UploadResponse, error) {
		txStart := s.stageStart()
		r, txErr := s.processUploadTx(ctx, appID, sourceID, req)
		s.observeStage(ctx, MetricsOpUpload, MetricsStageUploadTx, txStart, len(req.Changes), attempt, txErr != nil)
		return r, txErr
	})
	s.observeStage(ctx, MetricsOpUpload, MetricsStageTotal, totalStart, len(req.Changes), 1, err != nil)
	return resp, err
}

func (s *SyncService) processUploadTx(ctx context.Context, appID, sourceID string, req *UploadRequest) (*UploadResponse, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("failed to begin upload transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	statuses := make([]ChangeUploadStatus, 0, len(req.Changes))
	for i := range req.Changes {
		st, err := s.applyChange(ctx, tx, appID, sourceID, &req.Changes[i])
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}

	var highest int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(server_id), 0) FROM sync.change_log WHERE app_id = $1
	`, appID).Scan(&highest)
	if err != nil {
		return nil, fmt.Errorf("failed to read highest server seq: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit upload transaction: %w", err)
	}
	return &UploadResponse{Accepted: true, HighestServerSeq: highest, Statuses: statuses}, nil
}

func (s *SyncService) applyChange(ctx context.Context, tx pgx.Tx, appID, sourceID string, ch *ChangeUpload) (ChangeUploadStatus, error) {
	if reason := validateChange(ch, s.config.MaxPayloadBytes); reason != "" {
		return newInvalidStatus(ch.SourceChangeID, reason), nil
	}
	op := strings.ToUpper(ch.Op)

	// Idempotency gate: a change already in the log was applied by an
	// earlier attempt of the same client; echo its result.
	var loggedVersion int64
	err := tx.QueryRow(ctx, `
		SELECT server_version FROM sync.change_log
		WHERE app_id = $1 AND source_id = $2 AND source_change_id = $3
	`, appID, sourceID, ch.SourceChangeID).Scan(&loggedVersion)
	if err == nil {
		return newAppliedStatus(ch.SourceChangeID, loggedVersion), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ChangeUploadStatus{}, fmt.Errorf("idempotency check failed: %w", err)
	}

	var curVersion int64
	var curDeleted bool
	var curBody []byte
	exists := true
	err = tx.QueryRow(ctx, `
		SELECT server_version, deleted, body FROM sync.doc_meta
		WHERE app_id = $1 AND collection = $2 AND doc_id = $3
		FOR UPDATE
	`, appID, ch.Collection, ch.DocID).Scan(&curVersion, &curDeleted, &curBody)
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
	} else if err != nil {
		return ChangeUploadStatus{}, fmt.Errorf("failed to read document meta: %w", err)
	}

	if op == "DELETE" && !exists {
		// Deleting a document the server never saw is a no-op.
		return newAppliedStatus(ch.SourceChangeID, 0), nil
	}

	baseline := int64(0)
	if exists {
		baseline = curVersion
	}
	if ch.BaseVersion != baseline {
		if curDeleted {
			curBody = nil
		}
		return newConflictStatus(ch.SourceChangeID, baseline, curBody), nil
	}

	newVersion := baseline + 1
	switch op {
	case "DELETE":
		_, err = tx.Exec(ctx, `
			UPDATE sync.doc_meta SET server_version = $4, deleted = TRUE, body = NULL, updated_at = now()
			WHERE app_id = $1 AND collection = $2 AND doc_id = $3
		`, appID, ch.Collection, ch.DocID, newVersion)
	default:
		_, err = tx.Exec(ctx, `
			INSERT INTO sync.doc_meta (app_id, collection, doc_id, server_version, deleted, body, updated_at)
			VALUES ($1, $2, $3, $4, FALSE, $5, now())
			ON CONFLICT (app_id, collection, doc_id) DO UPDATE SET
				server_version = EXCLUDED.server_version,
				deleted = FALSE,
				body = EXCLUDED.body,
				updated_at = now()
		`, appID, ch.Collection, ch.DocID, newVersion, ch.Payload)
	}
	if err != nil {
		return ChangeUploadStatus{}, fmt.Errorf("failed to apply change to doc meta: %w", err)
	}

	var payload any
	if op != "DELETE" {
		payload = ch.Payload
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO sync.change_log
			(app_id, collection, doc_id, op, payload, source_id, source_change_id, server_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, appID, ch.Collection, ch.DocID, op, payload, sourceID, ch.SourceChangeID, newVersion)
	if err != nil {
		return ChangeUploadStatus{}, fmt.Errorf("failed to append change log: %w", err)
	}

	return newAppliedStatus(ch.SourceChangeID, newVersion), nil
}
