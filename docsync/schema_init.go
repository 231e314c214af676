// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchema creates the required sync tables if they don't exist.
func (s *SyncService) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
}

func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Dedicated sync schema
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// 1) Per-document concurrency + current body (app-scoped)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.doc_meta (
			app_id         TEXT    NOT NULL,
			collection     TEXT    NOT NULL,
			doc_id         TEXT    NOT NULL,
			server_version BIGINT  NOT NULL DEFAULT 0,
			deleted        BOOLEAN NOT NULL DEFAULT FALSE,
			body           JSON,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (app_id, collection, doc_id),
			CONSTRAINT doc_meta_body_by_state_chk
			CHECK ((deleted AND body IS NULL) OR (NOT deleted AND body IS NOT NULL))
		)`,

		// 2) Distribution log (idempotency & download stream) - app-scoped
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.change_log (
			server_id        BIGSERIAL PRIMARY KEY,
			app_id           TEXT   NOT NULL,
			collection       TEXT   NOT NULL,
			doc_id           TEXT   NOT NULL,
			op               TEXT   NOT NULL CHECK (op IN ('INSERT','UPDATE','DELETE')),
			payload          JSON,
			source_id        TEXT   NOT NULL,
			source_change_id BIGINT NOT NULL,
			server_version   BIGINT NOT NULL DEFAULT 0,
			ts               TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (app_id, source_id, source_change_id),
			CONSTRAINT change_log_payload_by_op_chk
			CHECK ((op = 'DELETE' AND payload IS NULL) OR (op IN ('INSERT','UPDATE') AND payload IS NOT NULL))
		)`,

		`CREATE INDEX IF NOT EXISTS cl_app_seq_idx ON sync.change_log(app_id, server_id)`, // Optimizes per-app tail-follow downloads
		`CREATE INDEX IF NOT EXISTS cl_app_doc_seq_idx ON sync.change_log(app_id, collection, doc_id, server_id)`,

		// 3) Content-addressed attachment blobs. A deleted blob keeps its row
		// (content dropped) so fetchers can distinguish gone from not-yet-uploaded.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.attachments (
			app_id     TEXT    NOT NULL,
			id         TEXT    NOT NULL,
			length     BIGINT  NOT NULL,
			content    BYTEA,
			deleted    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (app_id, id),
			CONSTRAINT attachments_content_by_state_chk
			CHECK ((deleted AND content IS NULL) OR (NOT deleted AND content IS NOT NULL))
		)`,
	}

	for i, migration := range migrations {
		s.logger.Debug("Running sync migration", "step", i+1, "total", len(migrations))
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("sync migration %d failed: %w", i+1, err)
		}
	}
	s.logger.Info("Sync schema initialized successfully", "migrations", len(migrations))
	return nil
}
