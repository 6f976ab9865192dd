package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/proofline/internal/cache"
)

// TokenPrefix namespaces single-use local file tokens in the shared store.
const TokenPrefix = "local_token_"

// FileToken is what a single-use local URL grants access to.
type FileToken struct {
	Path      string    `json:"path"`
	Mime      string    `json:"mime"`
	ExpiresAt time.Time `json:"expires_at"`
	ClientIP  string    `json:"client_ip,omitempty"`
}

// TokenStore mints and consumes single-use file tokens.
type TokenStore struct {
	store cache.Store
	now   func() time.Time
}

// NewTokenStore creates a TokenStore over store.
func NewTokenStore(store cache.Store) *TokenStore {
	return &TokenStore{store: store, now: time.Now}
}

// Mint stores grant under a fresh 64-character hex token that expires after ttl.
func (s *TokenStore) Mint(ctx context.Context, grant FileToken, ttl time.Duration) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	grant.ExpiresAt = s.now().Add(ttl)
	payload, err := json.Marshal(grant)
	if err != nil {
		return "", err
	}
	if err := s.store.Set(ctx, TokenPrefix+token, string(payload), ttl); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return token, nil
}

// Consume removes the token and returns its grant.
// A token presented from a client IP other than the bound one is put back with its
// remaining lifetime and ErrTokenForbidden is returned.
func (s *TokenStore) Consume(ctx context.Context, token, clientIP string) (*FileToken, error) {
	if token == "" {
		return nil, ErrTokenInvalid
	}
	key := TokenPrefix + token
	raw, err := s.store.GetDel(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}

	var grant FileToken
	if err := json.Unmarshal([]byte(raw), &grant); err != nil {
		return nil, ErrTokenInvalid
	}
	remaining := grant.ExpiresAt.Sub(s.now())
	if remaining <= 0 {
		return nil, ErrTokenInvalid
	}

	if grant.ClientIP != "" && clientIP != grant.ClientIP {
		if err := s.store.Set(ctx, key, raw, remaining); err != nil {
			return nil, fmt.Errorf("restore token: %w", err)
		}
		return nil, ErrTokenForbidden
	}
	return &grant, nil
}
