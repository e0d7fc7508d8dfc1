// Package auth issues and verifies the three token kinds the API uses:
// short-lived workspace JWTs, one-rotation refresh tokens, and single-use
// handoff tokens. It also owns workspace lifecycle: creation, login, and
// provider credential updates.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vibe80/vibe80/internal/apperr"
)

const (
	tokenIssuer   = "vibe80"
	tokenAudience = "vibe80-workspace"
	jwtKeyBytes   = 32
)

// WorkspaceClaims is the payload of a workspace access token.
type WorkspaceClaims struct {
	jwt.RegisteredClaims
	WorkspaceID string `json:"workspaceId"`
}

// TokenIssuer signs and verifies workspace JWTs with a single HS256 key.
type TokenIssuer struct {
	key       []byte
	accessTTL time.Duration
}

// NewTokenIssuer loads the signing key from keyPath, generating a random
// one (mode 0600) when the file does not exist yet.
func NewTokenIssuer(keyPath string, accessTTL time.Duration) (*TokenIssuer, error) {
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}
	return &TokenIssuer{key: key, accessTTL: accessTTL}, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) < jwtKeyBytes {
			return nil, fmt.Errorf("jwt key %s is too short (%d bytes)", path, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read jwt key: %w", err)
	}

	key = make([]byte, jwtKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate jwt key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create jwt key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write jwt key: %w", err)
	}
	return key, nil
}

// Mint returns a signed workspace token for workspaceID expiring after the
// configured access TTL.
func (t *TokenIssuer) Mint(workspaceID string, now time.Time) (string, error) {
	claims := WorkspaceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			Subject:   workspaceID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
		},
		WorkspaceID: workspaceID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

// Verify parses and validates a workspace token and returns the workspace
// id it was minted for.
func (t *TokenIssuer) Verify(token string) (string, error) {
	claims := &WorkspaceClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(_ *jwt.Token) (interface{}, error) { return t.key, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
	)
	if err != nil || !parsed.Valid {
		return "", apperr.New(apperr.TypeWorkspaceTokenInvalid, "invalid or expired workspace token")
	}
	if claims.WorkspaceID == "" {
		return "", apperr.New(apperr.TypeWorkspaceTokenInvalid, "workspace token carries no workspace id")
	}
	return claims.WorkspaceID, nil
}

// MintRefreshToken returns a fresh opaque refresh token and the hash the
// store keys it by. Only the hash is ever persisted.
func MintRefreshToken() (clear, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	clear = base64.RawURLEncoding.EncodeToString(raw)
	return clear, HashRefreshToken(clear), nil
}

// HashRefreshToken returns the hex SHA-256 digest used as storage key.
func HashRefreshToken(clear string) string {
	sum := sha256.Sum256([]byte(clear))
	return hex.EncodeToString(sum[:])
}
