// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package docsync implements the coordination service clients sync against:
// a Postgres-backed change log per app ID, playground authentication, and
// content-addressed attachment storage. Clients upload coalesced document
// changes, download the ordered change stream, and move attachment blobs
// out of band.
package docsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncService processes upload/download requests against Postgres.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service.
type ServiceConfig struct {
	AppName            string // Application name for logging and status
	MaxUploadBatchSize int    // Maximum changes per upload request (0 = unlimited)
	MaxPayloadBytes    int    // Maximum JSON payload size per change (0 = unlimited)
	MaxAttachmentBytes int64  // Maximum attachment blob size (0 = unlimited)

	StageMetrics    StageMetricsRecorder // Optional stage timing sink
	LogStageTimings bool                 // Log stage timings at debug level
}

// NewSyncService creates a sync service and initializes its schema.
func NewSyncService(ctx context.Context, pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &SyncService{
		pool:   pool,
		logger: logger,
		config: config,
	}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize sync schema: %w", err)
	}
	return s, nil
}

// Close marks the service closed. The pool is owned by the caller.
func (s *SyncService) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Pool exposes the underlying connection pool for admin tooling.
func (s *SyncService) Pool() *pgxpool.Pool { return s.pool }
