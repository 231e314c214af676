// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for the coordination service HTTP API.

// Per-change upload result statuses.
const (
	StatusApplied  = "applied"
	StatusConflict = "conflict"
	StatusInvalid  = "invalid"
)

// AuthRequest exchanges a playground identity for a session JWT.
type AuthRequest struct {
	AppID           string `json:"app_id"`           // UUID of the shared data set
	PlaygroundToken string `json:"playground_token"` // Shared secret for the playground deployment
	SourceID        string `json:"source_id"`        // Client-generated source UUID (becomes the did claim)
}

// AuthResponse carries the issued session JWT.
type AuthResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"` // Seconds until expiry
}

// UploadRequest is a batch of document changes from one client.
// Note: app_id and source_id are derived from JWT claims, not the body.
type UploadRequest struct {
	Changes []ChangeUpload `json:"changes"`
}

// ChangeUpload is a single document change in an upload request.
type ChangeUpload struct {
	SourceChangeID int64           `json:"source_change_id"`  // Client-local change ID (idempotency key)
	Collection     string          `json:"collection"`        // Collection name (e.g. "cars")
	DocID          string          `json:"doc_id"`            // Document ID
	Op             string          `json:"op"`                // INSERT, UPDATE, DELETE
	BaseVersion    int64           `json:"base_version"`      // Server version the change was based on
	Payload        json.RawMessage `json:"payload,omitempty"` // Document body (null for DELETE)
}

// UploadResponse is the server response to an upload request.
type UploadResponse struct {
	Accepted         bool                 `json:"accepted"`
	HighestServerSeq int64                `json:"highest_server_seq"`
	Statuses         []ChangeUploadStatus `json:"statuses"`
}

// ChangeUploadStatus is the result of processing a single change.
type ChangeUploadStatus struct {
	SourceChangeID   int64           `json:"source_change_id"`
	Status           string          `json:"status"` // "applied", "conflict", "invalid"
	NewServerVersion *int64          `json:"new_server_version,omitempty"`
	ServerRow        json.RawMessage `json:"server_row,omitempty"` // Current server body on conflict
	Message          string          `json:"message,omitempty"`
}

// DownloadResponse is the server response to a download request.
type DownloadResponse struct {
	Changes   []ChangeDownload `json:"changes"`
	HasMore   bool             `json:"has_more"`
	NextAfter int64            `json:"next_after"`
}

// ChangeDownload is a single change in a download response.
type ChangeDownload struct {
	ServerID       int64           `json:"server_id"` // Server sequence number
	Collection     string          `json:"collection"`
	DocID          string          `json:"doc_id"`
	Op             string          `json:"op"`
	Payload        json.RawMessage `json:"payload,omitempty"` // May be null for DELETE
	ServerVersion  int64           `json:"server_version"`
	Deleted        bool            `json:"deleted"`
	SourceID       string          `json:"source_id"`        // Originating client (for filtering)
	SourceChangeID int64           `json:"source_change_id"` // Original client change ID
	Timestamp      time.Time       `json:"ts"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse describes service health.
type StatusResponse struct {
	Status  string `json:"status"` // healthy, unhealthy
	Version string `json:"version"`
	AppName string `json:"app_name"`
}
