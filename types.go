package authvault

import (
	"context"
	"time"
)

// Account is the minimal account view the authentication core needs.
// Accounts are owned by the surrounding identity system; this package only
// reads them. Lockout state is tracked by [LockoutGuard], not on the
// account row, so that the transition logic stays a pure function over an
// explicit [LockoutState].
type Account struct {
	ID           string
	Handle       string
	PasswordHash string
	Active       bool
}

// AccountProvider is the port callers implement to connect authvault to
// their account database. Implementations return [ErrAccountNotFound]
// (possibly wrapped) when no account matches; the service never leaks that
// distinction to end callers.
type AccountProvider interface {
	GetByHandle(ctx context.Context, handle string) (Account, error)
	GetByID(ctx context.Context, id string) (Account, error)
	UpdatePasswordHash(ctx context.Context, id, newHash string) error
}

// TokenPair is the value returned to the transport layer. Mapping it onto
// cookies or headers is deliberately left to the web adapter; the core
// never sees transport framing.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// LoginResult is returned by [Service.Login].
type LoginResult struct {
	TokenPair
	SessionID string
	AccountID string
}

// Identity is the result of validating an access token.
type Identity struct {
	AccountID string
	SessionID string
}

// SessionInfo is the caller-facing view of one active session, returned by
// [Service.ListSessions].
type SessionInfo struct {
	SessionID         string
	DeviceFingerprint string
	CreatedAt         time.Time
	LastRotatedAt     time.Time
	ExpiresAt         time.Time
	IsCurrent         bool
}

// LockoutState is a point-in-time view of an account's lockout status.
type LockoutState struct {
	Failures   int
	Locked     bool
	Until      time.Time
	RetryAfter time.Duration
}
