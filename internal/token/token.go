// Package token owns the current auth token and its refresh lifecycle:
// a Handler fans a single in-flight RefreshFlow out to every waiter, and a
// RefreshFlow drives bounded, timed attempts against a ConnectionProvider.
package token

import (
	"errors"
	"time"
)

var (
	// ErrInvalidToken is returned when a provider hands back a token that is
	// unchanged, malformed, or bound to the wrong user.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when a provider hands back an already
	// expired token.
	ErrExpiredToken = errors.New("token expired")
	// ErrTooManyRefreshAttempts is returned once the configured attempt
	// limit is exhausted.
	ErrTooManyRefreshAttempts = errors.New("too many token refresh attempts")
	// ErrUserDoesNotExist is returned to waiters when the bound user changes
	// out from under them.
	ErrUserDoesNotExist = errors.New("user does not exist")
	// ErrClientDeallocated is returned to waiters when their handler is torn
	// down before a token arrives.
	ErrClientDeallocated = errors.New("client deallocated")
)

// Token is an auth token bound to a user.
type Token struct {
	RawValue  string
	UserID    string
	ExpiresAt time.Time // zero means no expiry
}

// IsZero reports whether the token is unset.
func (t Token) IsZero() bool {
	return t.RawValue == ""
}

// IsExpired reports whether the token is expired at the given instant.
func (t Token) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !t.ExpiresAt.After(now)
}

// FetchFunc requests a fresh token for userID. The implementation must call
// completion exactly once, from any goroutine. Completions arriving after
// the flow gave up on the attempt are ignored.
type FetchFunc func(userID string, completion func(Token, error))

// ConnectionProvider binds token fetching to a user. An empty UserID means
// no current user.
type ConnectionProvider struct {
	UserID string
	Fetch  FetchFunc
}

// Bound reports whether the provider is bound to a user.
func (p ConnectionProvider) Bound() bool {
	return p.UserID != ""
}
