package session

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a session record.
type Status string

const (
	// StatusActive marks a live session whose refresh token chain is usable.
	StatusActive Status = "active"
	// StatusExpired marks a session past its hard lifetime cap.
	StatusExpired Status = "expired"
	// StatusTerminated marks a session ended by logout, an administrative
	// action, or a theft response.
	StatusTerminated Status = "terminated"
)

var (
	// ErrNotFound indicates the session does not exist or its retention
	// window has lapsed.
	ErrNotFound = errors.New("session not found")
	// ErrUnavailable indicates the backing store could not be reached.
	ErrUnavailable = errors.New("session store unavailable")
)

// Session is one authenticated device context. CurrentJTI tracks the jti
// of the newest refresh token in the session's rotation chain; it is the
// token revoked when the session is terminated.
type Session struct {
	ID                string
	AccountID         string
	DeviceFingerprint string
	CreatedAt         time.Time
	LastRotatedAt     time.Time
	ExpiresAt         time.Time
	CurrentJTI        string
	Status            Status
}

// Active reports whether the session is usable for refresh at the given
// instant. Terminated and expired records stay readable for their
// retention window but are never active.
func (s *Session) Active(now time.Time) bool {
	return s.Status == StatusActive && now.Before(s.ExpiresAt)
}
