// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncwise/go-docsync/internal/auth"
)

const (
	testAppID    = "11111111-2222-3333-4444-555555555555"
	testSourceID = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
)

func TestGenerateAndValidateToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	token, err := jwtAuth.GenerateToken(testAppID, testSourceID, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := jwtAuth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, testAppID, claims.Subject)
	require.Equal(t, testSourceID, claims.SourceID)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-one").GenerateToken(testAppID, testSourceID, time.Hour)
	require.NoError(t, err)

	_, err = NewJWTAuth("secret-two").ValidateToken(token)
	require.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken(testAppID, testSourceID, -time.Minute)
	require.NoError(t, err)

	_, err = jwtAuth.ValidateToken(token)
	require.Error(t, err)
}

func TestClaimsFromRequest(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken(testAppID, testSourceID, time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/sync/download", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	appID, err := jwtAuth.GetAppID(r)
	require.NoError(t, err)
	require.Equal(t, testAppID, appID)

	sourceID, err := jwtAuth.GetSourceID(r)
	require.NoError(t, err)
	require.Equal(t, testSourceID, sourceID)
}

func TestMiddlewarePopulatesAuthContext(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken(testAppID, testSourceID, time.Hour)
	require.NoError(t, err)

	var gotAppID, gotSourceID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ok bool
		gotAppID, ok = auth.GetAppID(r.Context())
		require.True(t, ok)
		gotSourceID, ok = auth.GetSourceID(r.Context())
		require.True(t, ok)
	})

	r := httptest.NewRequest(http.MethodGet, "/sync/download", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	jwtAuth.Middleware(next).ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, testAppID, gotAppID)
	require.Equal(t, testSourceID, gotSourceID)
}

// rejectAllAuthenticator fails every request, so a handler that resolves
// identity through it instead of the request context cannot pass.
type rejectAllAuthenticator struct{}

func (rejectAllAuthenticator) GetAppID(*http.Request) (string, error) {
	return "", fmt.Errorf("should not re-parse the token")
}

func (rejectAllAuthenticator) GetSourceID(*http.Request) (string, error) {
	return "", fmt.Errorf("should not re-parse the token")
}

func TestAuthenticateReadsIdentityFromContext(t *testing.T) {
	h := NewHTTPSyncHandlers(nil, rejectAllAuthenticator{}, discardLogger())

	r := httptest.NewRequest(http.MethodGet, "/sync/download", nil)
	r = r.WithContext(auth.SetAuthContext(r.Context(), testAppID, testSourceID))
	w := httptest.NewRecorder()

	appID, sourceID, ok := h.authenticate(w, r)
	require.True(t, ok)
	require.Equal(t, testAppID, appID)
	require.Equal(t, testSourceID, sourceID)

	// Without the context the handler falls back to the authenticator
	// and rejects the request.
	w = httptest.NewRecorder()
	_, _, ok = h.authenticate(w, httptest.NewRequest(http.MethodGet, "/sync/download", nil))
	require.False(t, ok)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestClaimsFromRequestErrors(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	// No header at all.
	r := httptest.NewRequest(http.MethodGet, "/sync/download", nil)
	_, err := jwtAuth.GetAppID(r)
	require.Error(t, err)

	// Not a bearer token.
	r.Header.Set("Authorization", "Basic abc123")
	_, err = jwtAuth.GetAppID(r)
	require.Error(t, err)

	// Garbage token.
	r.Header.Set("Authorization", "Bearer not.a.jwt")
	_, err = jwtAuth.GetSourceID(r)
	require.Error(t, err)
}
