package authvault

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/authvault/authvault/internal/rate"
	"github.com/authvault/authvault/session"
	"github.com/authvault/authvault/token"
)

// Service is the authentication core. Construct it with [New] and the
// [Builder]; the zero value is unusable. All methods are safe for
// concurrent use.
type Service struct {
	policy    PolicyConfig
	accounts  AccountProvider
	verifier  *CredentialVerifier
	issuer    *token.Issuer
	sessions  *session.Registry
	blacklist *Blacklist
	lockout   *Lockout
	limiter   *rate.Limiter
	audit     *recorder
	metrics   *Metrics
	logger    *slog.Logger
	clock     Clock
}

// Validate verifies an access token and returns the identity it carries.
// Access tokens are checked by signature and expiry only; individual
// access tokens cannot be revoked, which their short TTL bounds.
func (s *Service) Validate(_ context.Context, accessToken string) (Identity, error) {
	claims, err := s.issuer.ParseAccess(accessToken)
	if err != nil {
		return Identity{}, mapTokenErr(err)
	}
	return Identity{
		AccountID: claims.Subject,
		SessionID: claims.SessionID,
	}, nil
}

// LockoutStatus reports the account's current lockout state. Intended for
// administrative surfaces, not end-user responses.
func (s *Service) LockoutStatus(ctx context.Context, accountID string) (LockoutState, error) {
	return s.lockout.Status(ctx, accountID)
}

// UnlockAccount clears an account's lockout and failure counter.
func (s *Service) UnlockAccount(ctx context.Context, accountID string) error {
	return s.lockout.Reset(ctx, accountID)
}

// SweepExpiredSessions marks sessions past their expiry and reclaims
// lapsed denylist entries. Run it periodically from a background worker;
// correctness does not depend on it, only listing freshness and memory.
func (s *Service) SweepExpiredSessions(ctx context.Context) (int, error) {
	swept, err := s.sessions.SweepExpired(ctx)
	if err != nil {
		return swept, mapSessionErr(err)
	}
	s.metrics.sessionsSwept(swept)

	if _, err := s.blacklist.Prune(ctx); err != nil {
		return swept, err
	}

	if swept > 0 {
		s.audit.record(ctx, AuditEvent{
			EventType: EventSessionSwept,
			Success:   true,
			Metadata:  map[string]string{"count": strconv.Itoa(swept)},
		})
	}
	return swept, nil
}

func mapTokenErr(err error) error {
	switch {
	case errors.Is(err, token.ErrExpired):
		return ErrTokenExpired
	default:
		return ErrTokenInvalid
	}
}

func mapSessionErr(err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, session.ErrUnavailable):
		return errors.Join(ErrStorageUnavailable, err)
	default:
		return err
	}
}
