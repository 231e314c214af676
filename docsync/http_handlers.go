// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/syncwise/go-docsync/internal/auth"
)

// ClientAuthenticator extracts app and source identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetAppID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides HTTP handlers for the sync API.
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers.
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// RegisterRoutes attaches the sync API to a mux.
func (h *HTTPSyncHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sync/upload", h.HandleUpload)
	mux.HandleFunc("GET /sync/download", h.HandleDownload)
	mux.HandleFunc("PUT /sync/attachments/{id}", h.HandleAttachmentUpload)
	mux.HandleFunc("GET /sync/attachments/{id}", h.HandleAttachmentDownload)
	mux.HandleFunc("DELETE /sync/attachments/{id}", h.HandleAttachmentDelete)
	mux.HandleFunc("GET /status", h.HandleStatus)
}

// authenticate resolves the caller's identity. The JWT middleware has
// already validated the token and stashed both IDs in the request
// context; requests reaching a handler without that context (direct
// handler tests, custom muxes) fall back to the authenticator.
func (h *HTTPSyncHandlers) authenticate(w http.ResponseWriter, r *http.Request) (appID, sourceID string, ok bool) {
	if appID, okApp := auth.GetAppID(r.Context()); okApp {
		if sourceID, okSrc := auth.GetSourceID(r.Context()); okSrc {
			return appID, sourceID, true
		}
	}
	appID, err := h.authenticator.GetAppID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	sourceID, err = h.authenticator.GetSourceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return appID, sourceID, true
}

// HandleUpload processes batch upload requests with conflict resolution.
func (h *HTTPSyncHandlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	appID, sourceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var uploadReq UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&uploadReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse upload request")
		return
	}

	response, err := h.service.ProcessUpload(r.Context(), appID, sourceID, &uploadReq)
	if err != nil {
		h.logger.Error("Failed to process upload", "error", err, "source_id", sourceID)
		h.writeError(w, http.StatusInternalServerError, "upload_failed", "Failed to process upload")
		return
	}

	h.writeJSON(w, response, sourceID)
}

// HandleDownload processes change stream download requests.
func (h *HTTPSyncHandlers) HandleDownload(w http.ResponseWriter, r *http.Request) {
	appID, sourceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	after := int64(0)
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseInt(afterStr, 10, 64)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "after must be an integer >= 0")
			return
		}
		after = parsed
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 || parsed > 1000 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	includeSelf := r.URL.Query().Get("include_self") == "true"

	response, err := h.service.ProcessDownload(r.Context(), appID, sourceID, after, limit, includeSelf)
	if err != nil {
		h.logger.Error("Failed to process download", "error", err, "source_id", sourceID)
		h.writeError(w, http.StatusInternalServerError, "download_failed", "Failed to process download")
		return
	}

	h.writeJSON(w, response, sourceID)
}

// HandleAttachmentUpload stores a content-addressed blob.
func (h *HTTPSyncHandlers) HandleAttachmentUpload(w http.ResponseWriter, r *http.Request) {
	appID, sourceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	body := r.Body
	if h.service.config.MaxAttachmentBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.service.config.MaxAttachmentBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Attachment too large")
		return
	}

	created, err := h.service.StoreAttachment(r.Context(), appID, id, data)
	switch {
	case errors.Is(err, ErrAttachmentDigest):
		h.writeError(w, http.StatusBadRequest, "digest_mismatch", err.Error())
	case errors.Is(err, ErrAttachmentDeleted):
		h.writeError(w, http.StatusGone, "attachment_deleted", "Attachment was deleted")
	case err != nil:
		h.logger.Error("Failed to store attachment", "error", err, "id", id, "source_id", sourceID)
		h.writeError(w, http.StatusInternalServerError, "attachment_failed", "Failed to store attachment")
	case created:
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// HandleAttachmentDownload streams a blob back to a fetcher. A blob no
// producer has uploaded yet is 404 (the fetcher retries); a deleted blob
// is 410 and terminal.
func (h *HTTPSyncHandlers) HandleAttachmentDownload(w http.ResponseWriter, r *http.Request) {
	appID, sourceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if !isValidAttachmentID(id) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed attachment id")
		return
	}

	data, err := h.service.LoadAttachment(r.Context(), appID, id)
	switch {
	case errors.Is(err, ErrAttachmentNotFound):
		h.writeError(w, http.StatusNotFound, "attachment_not_found", "Attachment not yet available")
		return
	case errors.Is(err, ErrAttachmentDeleted):
		h.writeError(w, http.StatusGone, "attachment_deleted", "Attachment was deleted")
		return
	case err != nil:
		h.logger.Error("Failed to load attachment", "error", err, "id", id, "source_id", sourceID)
		h.writeError(w, http.StatusInternalServerError, "attachment_failed", "Failed to load attachment")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		h.logger.Debug("Attachment download interrupted", "error", err, "id", id)
	}
}

// HandleAttachmentDelete tombstones a blob.
func (h *HTTPSyncHandlers) HandleAttachmentDelete(w http.ResponseWriter, r *http.Request) {
	appID, sourceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if !isValidAttachmentID(id) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed attachment id")
		return
	}

	if err := h.service.DeleteAttachment(r.Context(), appID, id); err != nil {
		h.logger.Error("Failed to delete attachment", "error", err, "id", id, "source_id", sourceID)
		h.writeError(w, http.StatusInternalServerError, "attachment_failed", "Failed to delete attachment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStatus reports service health. No auth so load balancers can probe it.
func (h *HTTPSyncHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if err := h.service.pool.Ping(r.Context()); err != nil {
		status = "unhealthy"
	}
	h.writeJSON(w, &StatusResponse{
		Status:  status,
		Version: "v1",
		AppName: h.service.config.AppName,
	}, "")
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, v any, sourceID string) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err, "source_id", sourceID)
	}
}

func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(&ErrorResponse{Error: errorCode, Message: message}); err != nil {
		h.logger.Error("Failed to encode error response", "error", err)
	}
}
