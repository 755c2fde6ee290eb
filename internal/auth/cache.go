// Package auth provides the bearer-token cache and the HTTP client that
// keeps it fresh for calls to the insight backend.
package auth

import (
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// TokenCache holds at most one bearer credential and the instant it
// stops being trusted.
//
// The mutex only makes individual operations safe to call from several
// goroutines. It does not serialize refreshes: two callers that both see
// an invalid cache will both acquire a token, and the later Set wins.
// Acquisition is idempotent and jobs fire hours apart, so the race is
// tolerated rather than locked out.
type TokenCache struct {
	mu    sync.Mutex
	token *oauth2.Token
	now   func() time.Time
}

// NewTokenCache returns an empty cache using the wall clock.
func NewTokenCache() *TokenCache {
	return &TokenCache{now: time.Now}
}

// newTokenCacheAt returns an empty cache reading time from now.
func newTokenCacheAt(now func() time.Time) *TokenCache {
	return &TokenCache{now: now}
}

// Valid reports whether a credential is present and now is strictly
// before its expiry.
func (c *TokenCache) Valid(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validLocked(now)
}

func (c *TokenCache) validLocked(now time.Time) bool {
	return c.token != nil && c.token.AccessToken != "" && now.Before(c.token.Expiry)
}

// Set replaces the cached credential unconditionally, trusting it for
// ttl from now. A non-positive ttl or empty token leaves the cache
// empty: a credential is never cached already expired.
func (c *TokenCache) Set(access string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if access == "" || ttl <= 0 {
		c.token = nil
		return
	}
	c.token = &oauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
		Expiry:      c.now().Add(ttl),
	}
}

// Clear drops the cached credential. Callers invoke it only after the
// backend has rejected the credential with 401.
func (c *TokenCache) Clear() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

// Token returns a copy of the credential if it is valid now.
func (c *TokenCache) Token() (*oauth2.Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.validLocked(c.now()) {
		return nil, false
	}
	t := *c.token
	return &t, true
}

// ExpiresAt returns the expiry of the cached credential, or the zero
// time when the cache is empty. Past expiries are returned as-is so
// status output can show when the token lapsed.
func (c *TokenCache) ExpiresAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return time.Time{}
	}
	return c.token.Expiry
}
