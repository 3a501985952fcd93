// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package submission

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

// refreshAhead is how long before the hard expiry a token is treated as
// expired, so refresh happens while the old token still works.
const refreshAhead = 5 * time.Minute

// tokenStore holds the access/refresh pair. A submit in flight keeps using
// the access string it copied out; rotation never invalidates it mid-call.
type tokenStore struct {
	mu       sync.Mutex
	access   string
	refresh  string
	notAfter time.Time
	clock    clock.Clock
}

func newTokenStore(clk clock.Clock) *tokenStore {
	if clk == nil {
		clk = clock.New()
	}
	return &tokenStore{clock: clk}
}

func (t *tokenStore) set(access, refresh string, notAfter time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.access = access
	t.refresh = refresh
	t.notAfter = notAfter
}

func (t *tokenStore) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.access = ""
	t.refresh = ""
	t.notAfter = time.Time{}
}

// accessToken returns the current access string and whether one is set.
func (t *tokenStore) accessToken() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.access, t.access != ""
}

func (t *tokenStore) refreshToken() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refresh, t.refresh != ""
}

// expired reports whether the store is empty or inside the refresh-ahead
// window: true whenever now >= notAfter - 5min.
func (t *tokenStore) expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.access == "" {
		return true
	}
	return !t.clock.Now().Before(t.notAfter.Add(-refreshAhead))
}

// notAfterFrom derives the token expiry: the advertised expires_in wins,
// then the JWT exp claim (parsed without verification, the backend signed
// it), then a conservative default.
func notAfterFrom(access string, expiresIn int64, now time.Time) time.Time {
	if expiresIn > 0 {
		return now.Add(time.Duration(expiresIn) * time.Second)
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err == nil {
		if claims.ExpiresAt != nil {
			return claims.ExpiresAt.Time
		}
	}
	return now.Add(15 * time.Minute)
}
