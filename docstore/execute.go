// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ResultSet is the outcome of one Execute call: an ordered sequence of
// result items for reads, and the set of mutated document IDs for writes.
type ResultSet struct {
	items   []*QueryItem
	mutated []string
}

// Len returns the number of result items.
func (r *ResultSet) Len() int { return len(r.items) }

// Item returns the i-th result item, or nil if out of range.
func (r *ResultSet) Item(i int) *QueryItem {
	if i < 0 || i >= len(r.items) {
		return nil
	}
	return r.items[i]
}

// Items returns the ordered result items.
func (r *ResultSet) Items() []*QueryItem { return r.items }

// MutatedDocumentIDs returns the IDs of documents mutated by a write.
func (r *ResultSet) MutatedDocumentIDs() []string { return r.mutated }

// QueryItem is a single document in a result set.
type QueryItem struct {
	value map[string]any
}

// Value returns the document as a generic map.
func (it *QueryItem) Value() map[string]any { return it.value }

// DeserializeValue decodes the document into v via JSON.
func (it *QueryItem) DeserializeValue(v any) error {
	data, err := json.Marshal(it.value)
	if err != nil {
		return fmt.Errorf("failed to marshal query item: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to deserialize query item: %w", err)
	}
	return nil
}

// Execute runs a DQL insert or select against the local store. Writes are
// applied atomically, queued for background upload in the same transaction,
// and fire observers of the touched collection. A select that matches
// nothing returns an empty ResultSet, not an error.
func (s *Session) Execute(ctx context.Context, query string, params map[string]any) (*ResultSet, error) {
	stmt, err := parseQuery(query)
	if err != nil {
		return nil, err
	}
	switch stmt.kind {
	case stmtInsert:
		return s.executeInsert(ctx, stmt, params)
	default:
		return s.executeSelect(ctx, stmt, params)
	}
}

func (s *Session) executeInsert(ctx context.Context, stmt *queryStmt, params map[string]any) (*ResultSet, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	attachmentFields, err := mergeCollectionMetaInTx(ctx, tx, stmt.collection, stmt.attachmentFields)
	if err != nil {
		return nil, err
	}

	var mutated []string
	for _, paramName := range stmt.docParams {
		raw, ok := params[paramName]
		if !ok {
			return nil, queryErrorf("missing parameter :%s", paramName)
		}
		doc, err := toDocumentMap(raw)
		if err != nil {
			return nil, queryErrorf("parameter :%s: %w", paramName, err)
		}
		if err := validateAttachmentFields(doc, attachmentFields); err != nil {
			return nil, err
		}

		docID, err := documentID(doc)
		if err != nil {
			return nil, err
		}
		doc["_id"] = docID

		body, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal document: %w", err)
		}

		if err := s.upsertDocumentInTx(ctx, tx, stmt.collection, docID, string(body)); err != nil {
			return nil, err
		}
		mutated = append(mutated, docID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.notifyCollection(stmt.collection)
	return &ResultSet{mutated: mutated}, nil
}

// upsertDocumentInTx writes the document row and queues the change for
// upload, coalescing with any pending change for the same document.
func (s *Session) upsertDocumentInTx(ctx context.Context, tx *sql.Tx, collection, docID, body string) error {
	var baseVersion int64
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT server_version, 1 FROM documents WHERE collection = ? AND doc_id = ?
	`, collection, docID).Scan(&baseVersion, &exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to query document: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (collection, doc_id, body, server_version, deleted, updated_at)
		VALUES (?, ?, ?, ?, 0, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(collection, doc_id) DO UPDATE SET
			body = excluded.body,
			deleted = 0,
			updated_at = excluded.updated_at
	`, collection, docID, body, baseVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	op := "INSERT"
	if exists {
		op = "UPDATE"
	}
	return s.queuePendingInTx(ctx, tx, collection, docID, op, baseVersion, body)
}

// queuePendingInTx coalesces the change into _sync_pending, assigning a
// stable change_id for idempotent retries. A pending INSERT stays an INSERT
// when overwritten by a later local UPDATE.
func (s *Session) queuePendingInTx(ctx context.Context, tx *sql.Tx, collection, docID, op string, baseVersion int64, body string) error {
	var pendingOp string
	var changeID int64
	err := tx.QueryRowContext(ctx, `
		SELECT op, change_id FROM _sync_pending WHERE collection = ? AND doc_id = ?
	`, collection, docID).Scan(&pendingOp, &changeID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowContext(ctx, `
			SELECT next_change_id FROM _sync_client_info WHERE app_id = ?
		`, s.AppID).Scan(&changeID)
		if err != nil {
			return fmt.Errorf("failed to read next change id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE _sync_client_info SET next_change_id = next_change_id + 1 WHERE app_id = ?
		`, s.AppID); err != nil {
			return fmt.Errorf("failed to advance change id: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to query pending change: %w", err)
	default:
		if pendingOp == "INSERT" && op == "UPDATE" {
			op = "INSERT"
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_pending (collection, doc_id, op, base_version, payload, change_id, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(collection, doc_id) DO UPDATE SET
			op = excluded.op,
			base_version = excluded.base_version,
			payload = excluded.payload,
			queued_at = excluded.queued_at
	`, collection, docID, op, baseVersion, body, changeID)
	if err != nil {
		return fmt.Errorf("failed to queue pending change: %w", err)
	}
	return nil
}

func (s *Session) executeSelect(ctx context.Context, stmt *queryStmt, params map[string]any) (*ResultSet, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT body FROM documents WHERE collection = ? AND deleted = 0`)
	args := []any{stmt.collection}

	for _, w := range stmt.where {
		val, ok := params[w.param]
		if !ok {
			return nil, queryErrorf("missing parameter :%s", w.param)
		}
		switch val.(type) {
		case string, bool, int, int32, int64, float32, float64:
		default:
			return nil, queryErrorf("parameter :%s: unsupported comparison value type %T", w.param, val)
		}
		// Field names were validated as identifiers by the parser.
		fmt.Fprintf(&sb, ` AND json_extract(body, '$.%s') = ?`, w.field)
		args = append(args, val)
	}
	sb.WriteString(` ORDER BY doc_id`)

	rows, err := s.DB.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	rs := &ResultSet{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		var value map[string]any
		if err := json.Unmarshal([]byte(body), &value); err != nil {
			return nil, fmt.Errorf("failed to decode document body: %w", err)
		}
		rs.items = append(rs.items, &QueryItem{value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return rs, nil
}

// mergeCollectionMetaInTx records newly declared ATTACHMENT fields for the
// collection and returns the full declared set.
func mergeCollectionMetaInTx(ctx context.Context, tx *sql.Tx, collection string, declared []string) (map[string]bool, error) {
	var storedJSON string
	err := tx.QueryRowContext(ctx, `
		SELECT attachment_fields FROM _collections WHERE name = ?
	`, collection).Scan(&storedJSON)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to query collection metadata: %w", err)
	}

	fields := make(map[string]bool)
	if storedJSON != "" {
		var stored []string
		if err := json.Unmarshal([]byte(storedJSON), &stored); err != nil {
			return nil, fmt.Errorf("failed to decode collection metadata: %w", err)
		}
		for _, f := range stored {
			fields[f] = true
		}
	}

	grew := false
	for _, f := range declared {
		if !fields[f] {
			fields[f] = true
			grew = true
		}
	}
	if grew || errors.Is(err, sql.ErrNoRows) {
		all := make([]string, 0, len(fields))
		for f := range fields {
			all = append(all, f)
		}
		data, err := json.Marshal(all)
		if err != nil {
			return nil, fmt.Errorf("failed to encode collection metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _collections (name, attachment_fields) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET attachment_fields = excluded.attachment_fields
		`, collection, string(data)); err != nil {
			return nil, fmt.Errorf("failed to store collection metadata: %w", err)
		}
	}
	return fields, nil
}

// toDocumentMap converts an insert parameter (map or struct) into a
// JSON-like document map.
func toDocumentMap(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		// Copy so the caller's map is never mutated by _id assignment.
		doc := make(map[string]any, len(m)+1)
		for k, val := range m {
			doc[k] = val
		}
		return doc, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("document is not JSON-encodable: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("document must be a JSON object")
	}
	return doc, nil
}

func documentID(doc map[string]any) (string, error) {
	raw, ok := doc["_id"]
	if !ok {
		return uuid.New().String(), nil
	}
	id, ok := raw.(string)
	if !ok || id == "" {
		return "", queryErrorf("_id must be a non-empty string")
	}
	return id, nil
}

// validateAttachmentFields enforces the attachment typing invariant: every
// declared ATTACHMENT field present in the document must hold a valid
// attachment token, and token-shaped values must not appear in undeclared
// fields.
func validateAttachmentFields(doc map[string]any, declared map[string]bool) error {
	for field, val := range doc {
		if declared[strings.ToLower(field)] {
			if _, err := TokenFromValue(val); err != nil {
				return queryErrorf("field %q is declared ATTACHMENT: %w", field, err)
			}
			continue
		}
		if looksLikeAttachmentToken(val) {
			return queryErrorf("field %q holds an attachment token but is not declared ATTACHMENT", field)
		}
	}
	return nil
}
