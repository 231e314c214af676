// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/syncwise/go-docsync/internal/auth"
)

// JWTAuth issues and validates session tokens for the sync API.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator.
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
	}
}

// JWTClaims represents session claims: the app ID travels in the standard
// sub claim, the client's source ID in did.
type JWTClaims struct {
	SourceID string `json:"did"` // Source ID of the client root
	jwt.RegisteredClaims
}

// GenerateToken issues a session token for one client root of an app.
func (j *JWTAuth) GenerateToken(appID, sourceID string, expiration time.Duration) (string, error) {
	claims := &JWTClaims{
		SourceID: sourceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "go-docsync",
			Subject:   appID, // App ID goes in standard 'sub' claim
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a session token and returns its claims.
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.SourceID == "" {
			return nil, fmt.Errorf("missing did (source ID) in token")
		}
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (app ID) in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

func (j *JWTAuth) claimsFromRequest(r *http.Request) (*JWTClaims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("authorization header required")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return nil, fmt.Errorf("bearer token required")
	}

	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// GetAppID extracts the app ID from the JWT sub claim (implements ClientAuthenticator).
func (j *JWTAuth) GetAppID(r *http.Request) (string, error) {
	claims, err := j.claimsFromRequest(r)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// GetSourceID extracts the source ID from the JWT did claim (implements ClientAuthenticator).
func (j *JWTAuth) GetSourceID(r *http.Request) (string, error) {
	claims, err := j.claimsFromRequest(r)
	if err != nil {
		return "", err
	}
	return claims.SourceID, nil
}

// Middleware returns an HTTP middleware for JWT authentication.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := j.claimsFromRequest(r)
		if err != nil {
			slog.Error("JWT validation failed", "error", err)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := auth.SetAuthContext(r.Context(), claims.Subject, claims.SourceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PlaygroundAuth exchanges the shared playground token for session JWTs.
// It is the only unauthenticated endpoint of the service.
type PlaygroundAuth struct {
	jwtAuth         *JWTAuth
	playgroundToken string
	tokenTTL        time.Duration
	logger          *slog.Logger
}

// NewPlaygroundAuth creates the playground login handler.
func NewPlaygroundAuth(jwtAuth *JWTAuth, playgroundToken string, tokenTTL time.Duration, logger *slog.Logger) *PlaygroundAuth {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &PlaygroundAuth{
		jwtAuth:         jwtAuth,
		playgroundToken: playgroundToken,
		tokenTTL:        tokenTTL,
		logger:          logger,
	}
}

// HandleLogin processes POST /auth/playground requests.
func (p *PlaygroundAuth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST method is allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Failed to parse auth request", http.StatusBadRequest)
		return
	}

	if _, err := uuid.Parse(req.AppID); err != nil {
		http.Error(w, "app_id must be a UUID", http.StatusUnauthorized)
		return
	}
	if _, err := uuid.Parse(req.SourceID); err != nil {
		http.Error(w, "source_id must be a UUID", http.StatusUnauthorized)
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.PlaygroundToken), []byte(p.playgroundToken)) != 1 {
		p.logger.Warn("Playground token rejected", "app_id", req.AppID, "source_id", req.SourceID)
		http.Error(w, "Invalid playground token", http.StatusUnauthorized)
		return
	}

	token, err := p.jwtAuth.GenerateToken(req.AppID, req.SourceID, p.tokenTTL)
	if err != nil {
		p.logger.Error("Failed to generate session token", "error", err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := AuthResponse{Token: token, ExpiresIn: int64(p.tokenTTL.Seconds())}
	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		p.logger.Error("Failed to encode auth response", "error", err)
	}
}
