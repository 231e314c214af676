// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"fmt"
)

// ProcessDownload returns the app's change stream after the given server
// sequence, oldest first. Changes from the requesting source are filtered
// out unless includeSelf is set (client recovery after a lost local store).
func (s *SyncService) ProcessDownload(ctx context.Context, appID, sourceID string, after int64, limit int, includeSelf bool) (*DownloadResponse, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("sync service is closed")
	}
	s.mu.RUnlock()

	totalStart := s.stageStart()
	fetchStart := s.stageStart()

	// One extra row decides has_more without a second query.
	rows, err := s.pool.Query(ctx, `
		SELECT cl.server_id, cl.collection, cl.doc_id, cl.op, cl.payload,
		       cl.server_version, (cl.op = 'DELETE'), cl.source_id, cl.source_change_id, cl.ts
		FROM sync.change_log cl
		WHERE cl.app_id = $1
		  AND cl.server_id > $2
		  AND ($4 OR cl.source_id <> $3)
		ORDER BY cl.server_id
		LIMIT $5
	`, appID, after, sourceID, includeSelf, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()

	var changes []ChangeDownload
	for rows.Next() {
		var c ChangeDownload
		if err := rows.Scan(&c.ServerID, &c.Collection, &c.DocID, &c.Op, &c.Payload,
			&c.ServerVersion, &c.Deleted, &c.SourceID, &c.SourceChangeID, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan change log row: %w", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate change log: %w", err)
	}
	s.observeStage(ctx, MetricsOpDownload, MetricsStageDownloadFetch, fetchStart, len(changes), 1, false)

	hasMore := false
	if len(changes) > limit {
		hasMore = true
		changes = changes[:limit]
	}

	nextAfter := after
	if len(changes) > 0 {
		nextAfter = changes[len(changes)-1].ServerID
	}

	s.observeStage(ctx, MetricsOpDownload, MetricsStageTotal, totalStart, len(changes), 1, false)
	return &DownloadResponse{Changes: changes, HasMore: hasMore, NextAfter: nextAfter}, nil
}
