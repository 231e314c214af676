// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"encoding/json"
	"strings"
)

// Validation reasons surfaced in "invalid" statuses.
const (
	ReasonBadCollection = "bad_collection"
	ReasonBadDocID      = "bad_doc_id"
	ReasonBadOp         = "bad_op"
	ReasonBadPayload    = "bad_payload"
	ReasonPayloadTooBig = "payload_too_large"
)

// isValidCollectionName accepts lowercase snake_case identifiers up to 64 chars.
func isValidCollectionName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z'):
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func isValidDocID(id string) bool {
	if id == "" || len(id) > 256 {
		return false
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// isValidAttachmentID accepts a lowercase sha256 hex digest.
func isValidAttachmentID(id string) bool {
	if len(id) != 64 {
		return false
	}
	for _, r := range id {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// validateChange returns an empty string for a well-formed change, or a
// Reason* constant describing why it must be rejected as invalid.
func validateChange(ch *ChangeUpload, maxPayloadBytes int) string {
	if !isValidCollectionName(ch.Collection) {
		return ReasonBadCollection
	}
	if !isValidDocID(ch.DocID) {
		return ReasonBadDocID
	}
	switch strings.ToUpper(ch.Op) {
	case "INSERT", "UPDATE":
		if len(ch.Payload) == 0 || !json.Valid(ch.Payload) {
			return ReasonBadPayload
		}
		if maxPayloadBytes > 0 && len(ch.Payload) > maxPayloadBytes {
			return ReasonPayloadTooBig
		}
	case "DELETE":
		if len(ch.Payload) > 0 && string(ch.Payload) != "null" {
			return ReasonBadPayload
		}
	default:
		return ReasonBadOp
	}
	return ""
}
