package authvault

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials is the generic login failure. It deliberately
	// covers unknown handle, wrong secret, and inactive account so that
	// callers cannot enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while an account is in a lockout episode.
	// The concrete error is a [*LockedError] carrying the retry-after hint.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountNotFound is returned by [AccountProvider] implementations
	// when no account matches. It is never surfaced to end callers; the
	// service maps it to ErrInvalidCredentials.
	ErrAccountNotFound = errors.New("account not found")
	// ErrTokenExpired indicates a structurally valid token past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid indicates a malformed token or a bad signature.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenBlacklisted indicates a refresh token whose jti has already
	// been consumed. Treated as a replay/theft signal, not a routine error.
	ErrTokenBlacklisted = errors.New("token blacklisted")
	// ErrSessionExpired indicates the session backing a token is no longer
	// active.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionNotFound indicates the referenced session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionLimitExceeded indicates the per-account session cap was hit.
	ErrSessionLimitExceeded = errors.New("session limit exceeded")
	// ErrRateLimited indicates a login or refresh attempt exceeded its
	// throttle budget. Advisory and short-lived, unlike ErrAccountLocked.
	ErrRateLimited = errors.New("rate limited")
	// ErrStorageUnavailable wraps storage-layer failures. Callers must
	// retry the whole logical operation; mutating steps are never retried
	// internally because an ambiguous outcome could double-count a lockout
	// or skip a blacklist insert.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrServiceNotReady indicates the Service was not fully built.
	ErrServiceNotReady = errors.New("service not initialized")
)

// LockedError is the concrete error returned for locked accounts. It
// matches [ErrAccountLocked] under errors.Is and carries the remaining
// lockout duration so transports can emit a Retry-After.
type LockedError struct {
	Until      time.Time
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter.Round(time.Second))
}

// Is reports whether target is [ErrAccountLocked].
func (e *LockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

func newLockedError(until time.Time, now time.Time) *LockedError {
	retry := until.Sub(now)
	if retry < 0 {
		retry = 0
	}
	return &LockedError{Until: until, RetryAfter: retry}
}
