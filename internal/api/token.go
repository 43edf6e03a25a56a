package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"analytify/internal/store"
)

const (
	// TokenKey holds the OAuth token record
	TokenKey = "pa_google_token"
	// AuthCodeKey holds a pending one-time authorization code
	AuthCodeKey = "post_analytics_token"
	// OAuthStateKey holds the state issued with the last consent URL
	OAuthStateKey = "analytify_oauth_state"

	OAuthStateTTL = 10 * time.Minute
)

// TokenRecord is the persisted OAuth token tuple
type TokenRecord struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"` // seconds, 0 = never expires
	CreatedAt    int64  `json:"created_at"` // unix seconds
}

// Valid reports whether the access token is usable at now
func (t TokenRecord) Valid(now time.Time) bool {
	if t.AccessToken == "" {
		return false
	}
	if t.ExpiresIn == 0 {
		return true
	}
	return now.Unix()-t.CreatedAt < t.ExpiresIn
}

// ExpiresAt returns the expiry instant, zero when the token never expires
func (t TokenRecord) ExpiresAt() time.Time {
	if t.ExpiresIn == 0 {
		return time.Time{}
	}
	return time.Unix(t.CreatedAt+t.ExpiresIn, 0)
}

// TokenStore reads the token record through a one-shot in-memory cache.
// The cache lives as long as the store instance, one command or server.
type TokenStore struct {
	store store.Store

	mu     sync.Mutex
	loaded bool
	cached TokenRecord
	found  bool
}

// NewTokenStore creates a token store over s
func NewTokenStore(s store.Store) *TokenStore {
	return &TokenStore{store: s}
}

// Get returns the stored record and whether one exists
func (ts *TokenStore) Get(ctx context.Context) (TokenRecord, bool, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.loaded {
		return ts.cached, ts.found, nil
	}

	var rec TokenRecord
	found, err := ts.store.Get(ctx, TokenKey, &rec)
	if err != nil {
		return TokenRecord{}, false, fmt.Errorf("failed to load token: %w", err)
	}

	ts.loaded = true
	ts.cached = rec
	ts.found = found
	return rec, found, nil
}

// Save persists rec and updates the cache
func (ts *TokenStore) Save(ctx context.Context, rec TokenRecord) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if err := ts.store.Set(ctx, TokenKey, rec, 0); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	ts.loaded = true
	ts.cached = rec
	ts.found = true
	return nil
}

// Delete removes the stored record
func (ts *TokenStore) Delete(ctx context.Context) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if err := ts.store.Delete(ctx, TokenKey); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	ts.loaded = true
	ts.cached = TokenRecord{}
	ts.found = false
	return nil
}

// Invalidate drops the in-memory copy so the next Get reads the store
func (ts *TokenStore) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.loaded = false
}

// AuthCode returns a pending authorization code
func (ts *TokenStore) AuthCode(ctx context.Context) (string, bool, error) {
	var code string
	found, err := ts.store.Get(ctx, AuthCodeKey, &code)
	if err != nil {
		return "", false, fmt.Errorf("failed to load authorization code: %w", err)
	}
	return code, found && code != "", nil
}

// SetAuthCode stores a pending authorization code
func (ts *TokenStore) SetAuthCode(ctx context.Context, code string) error {
	return ts.store.Set(ctx, AuthCodeKey, code, 0)
}

// ClearAuthCode removes the pending authorization code
func (ts *TokenStore) ClearAuthCode(ctx context.Context) error {
	return ts.store.Delete(ctx, AuthCodeKey)
}

// NewState issues a random OAuth state and keeps it for OAuthStateTTL.
// A new state replaces the previous one.
func (ts *TokenStore) NewState(ctx context.Context) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate oauth state: %w", err)
	}
	state := hex.EncodeToString(buf)
	if err := ts.store.Set(ctx, OAuthStateKey, state, OAuthStateTTL); err != nil {
		return "", fmt.Errorf("failed to save oauth state: %w", err)
	}
	return state, nil
}

// ConsumeState reports whether state matches the issued one. A match
// deletes it so each state is accepted once.
func (ts *TokenStore) ConsumeState(ctx context.Context, state string) (bool, error) {
	if state == "" {
		return false, nil
	}
	var issued string
	found, err := ts.store.Get(ctx, OAuthStateKey, &issued)
	if err != nil {
		return false, fmt.Errorf("failed to load oauth state: %w", err)
	}
	if !found || issued == "" || subtle.ConstantTimeCompare([]byte(issued), []byte(state)) != 1 {
		return false, nil
	}
	if err := ts.store.Delete(ctx, OAuthStateKey); err != nil {
		return false, fmt.Errorf("failed to clear oauth state: %w", err)
	}
	return true, nil
}
