// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	sourceIDKey contextKey = "source_id"
	appIDKey    contextKey = "app_id"
)

// SetSourceID sets the source ID in the context
func SetSourceID(ctx context.Context, sourceID string) context.Context {
	return context.WithValue(ctx, sourceIDKey, sourceID)
}

// GetSourceID retrieves the source ID from the context
func GetSourceID(ctx context.Context) (string, bool) {
	sourceID, ok := ctx.Value(sourceIDKey).(string)
	return sourceID, ok
}

// SetAppID sets the app ID in the context
func SetAppID(ctx context.Context, appID string) context.Context {
	return context.WithValue(ctx, appIDKey, appID)
}

// GetAppID retrieves the app ID from the context
func GetAppID(ctx context.Context) (string, bool) {
	appID, ok := ctx.Value(appIDKey).(string)
	return appID, ok
}

// SetAuthContext sets both app and source ID in context
func SetAuthContext(ctx context.Context, appID, sourceID string) context.Context {
	ctx = SetAppID(ctx, appID)
	ctx = SetSourceID(ctx, sourceID)
	return ctx
}
