// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// AttachmentToken is a content-addressed reference to an attachment blob.
// It is what gets embedded in document fields declared ATTACHMENT; the
// bytes themselves travel out of band through the blob transfer loops.
type AttachmentToken struct {
	ID       string            // sha256 hex digest of the blob
	Len      int64             // blob length in bytes
	Metadata map[string]string // user metadata, e.g. {"name": "photo.png"}
}

// Value returns the document-field representation of the token.
func (t *AttachmentToken) Value() map[string]any {
	md := make(map[string]any, len(t.Metadata))
	for k, v := range t.Metadata {
		md[k] = v
	}
	return map[string]any{
		"_type":    "attachment",
		"id":       t.ID,
		"len":      float64(t.Len),
		"metadata": md,
	}
}

// TokenFromValue parses a document field value back into an attachment
// token. It is the inverse of Value, with numbers arriving as float64
// after a JSON round trip.
func TokenFromValue(v any) (*AttachmentToken, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("value is not an attachment token")
	}
	if typ, _ := m["_type"].(string); typ != "attachment" {
		return nil, fmt.Errorf("value is not an attachment token")
	}
	id, _ := m["id"].(string)
	if len(id) != sha256.Size*2 {
		return nil, fmt.Errorf("attachment token has malformed id %q", id)
	}
	if _, err := hex.DecodeString(id); err != nil {
		return nil, fmt.Errorf("attachment token has malformed id %q", id)
	}
	length, ok := m["len"].(float64)
	if !ok || length < 0 {
		return nil, fmt.Errorf("attachment token has malformed length")
	}

	tok := &AttachmentToken{ID: id, Len: int64(length), Metadata: map[string]string{}}
	if md, ok := m["metadata"].(map[string]any); ok {
		for k, val := range md {
			if s, ok := val.(string); ok {
				tok.Metadata[k] = s
			}
		}
	}
	return tok, nil
}

// looksLikeAttachmentToken reports whether a value carries the token
// marker, regardless of whether the rest of the shape is valid.
func looksLikeAttachmentToken(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	typ, _ := m["_type"].(string)
	return typ == "attachment"
}

// NewAttachment copies the file at path into the session's local blob
// store, registers it for background upload, and returns its token. The
// blob ID is the sha256 of the content, so re-adding identical bytes is
// idempotent. An unreadable source file yields an *IOError.
func (s *Session) NewAttachment(ctx context.Context, path string, metadata map[string]string) (*AttachmentToken, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, ioErrorf("failed to open attachment source %s: %w", path, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Join(s.root, "attachments"), ".upload-*")
	if err != nil {
		return nil, storageErrorf("failed to stage attachment: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, ioErrorf("failed to read attachment source %s: %w", path, err)
	}

	id := hex.EncodeToString(h.Sum(nil))
	if err := os.Rename(tmpPath, s.attachmentPath(id)); err != nil {
		return nil, storageErrorf("failed to store attachment blob: %w", err)
	}

	if metadata == nil {
		metadata = map[string]string{}
	}
	mdJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attachment metadata: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO _attachments (id, length, metadata, state)
		VALUES (?, ?, ?, 'local')
		ON CONFLICT(id) DO UPDATE SET
			length = excluded.length,
			metadata = excluded.metadata,
			state = CASE WHEN _attachments.state = 'synced' THEN 'synced' ELSE 'local' END
	`, id, n, string(mdJSON))
	if err != nil {
		return nil, storageErrorf("failed to register attachment: %w", err)
	}

	s.logger.Debug("attachment staged", "id", id, "len", n)
	return &AttachmentToken{ID: id, Len: n, Metadata: metadata}, nil
}

// attachmentPath returns the local blob path for an attachment ID.
func (s *Session) attachmentPath(id string) string {
	return filepath.Join(s.root, "attachments", id)
}

// hasLocalAttachment reports whether the blob for id is already complete
// on disk (length matches the registry row, or the file simply exists if
// the registry has no row yet).
func (s *Session) hasLocalAttachment(id string, wantLen int64) bool {
	fi, err := os.Stat(s.attachmentPath(id))
	if err != nil {
		return false
	}
	return wantLen < 0 || fi.Size() == wantLen
}

// markAttachmentState transitions the registry row for id.
func (s *Session) markAttachmentState(ctx context.Context, id, state string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO _attachments (id, length, state) VALUES (?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state
	`, id, state)
	if err != nil {
		return storageErrorf("failed to update attachment state: %w", err)
	}
	return nil
}
