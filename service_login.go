package authvault

import (
	"context"
	"errors"
	"time"

	"github.com/authvault/authvault/internal/rate"
	"github.com/authvault/authvault/session"
)

// Login authenticates a handle+secret pair and opens a new session for
// the device. Ordering matters for what the caller can learn:
//
//  1. Rate limit — rejects excess volume before any credential work.
//  2. Lockout — a locked account rejects even the correct secret, with a
//     retry-after hint.
//  3. Credentials — every other failure collapses into the same generic
//     ErrInvalidCredentials.
//
// The failure that crosses the lockout threshold still reports
// ErrInvalidCredentials; the lock gates the next attempt. Otherwise the
// response would confirm that the first N-1 secrets were wrong for a
// real account.
func (s *Service) Login(ctx context.Context, handle, secret, deviceFingerprint string) (LoginResult, error) {
	normalized := NormalizeHandle(handle)
	ip := clientIPFromContext(ctx)

	if err := s.limiter.CheckLogin(ctx, normalized, ip); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			s.metrics.loginResult("rate_limited")
			s.audit.record(ctx, AuditEvent{
				EventType: EventLoginRateLimited,
				Error:     ErrRateLimited.Error(),
			})
			return LoginResult{}, ErrRateLimited
		}
		return LoginResult{}, errors.Join(ErrStorageUnavailable, err)
	}

	// The lockout check needs the account ID, and must run before
	// credential verification so a locked account rejects even a correct
	// secret. An unknown handle skips straight to Verify, which burns the
	// same hashing cost either way.
	account, lookupErr := s.accounts.GetByHandle(ctx, normalized)
	if lookupErr == nil {
		state, err := s.lockout.Status(ctx, account.ID)
		if err != nil {
			return LoginResult{}, err
		}
		if state.Locked {
			s.metrics.loginResult("locked")
			s.audit.record(ctx, AuditEvent{
				EventType: EventLoginLocked,
				AccountID: account.ID,
				Error:     ErrAccountLocked.Error(),
			})
			return LoginResult{}, newLockedError(state.Until, s.clock.Now())
		}
	} else if !errors.Is(lookupErr, ErrAccountNotFound) {
		return LoginResult{}, errors.Join(ErrStorageUnavailable, lookupErr)
	}

	verified, err := s.verifier.Verify(ctx, normalized, secret)
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			return LoginResult{}, err
		}
		return LoginResult{}, s.recordLoginFailure(ctx, account, lookupErr == nil, normalized, ip)
	}

	return s.openSession(ctx, verified, secret, normalized, deviceFingerprint, ip)
}

// recordLoginFailure counts the failure against the lockout (for known
// accounts) and the rate limiter, and always returns
// ErrInvalidCredentials.
func (s *Service) recordLoginFailure(ctx context.Context, account Account, known bool, normalized, ip string) error {
	if known {
		state, err := s.lockout.RecordFailure(ctx, account.ID)
		if err != nil {
			return err
		}
		if state.Locked {
			s.metrics.lockoutTriggered()
			s.audit.record(ctx, AuditEvent{
				EventType: EventLockoutTriggered,
				AccountID: account.ID,
				Metadata:  map[string]string{"until": state.Until.Format(time.RFC3339)},
			})
		}
	}

	if err := s.limiter.IncrementLogin(ctx, normalized, ip); err != nil && !errors.Is(err, rate.ErrRateLimited) {
		return errors.Join(ErrStorageUnavailable, err)
	}

	s.metrics.loginResult("failure")
	event := AuditEvent{
		EventType: EventLoginFailure,
		Error:     ErrInvalidCredentials.Error(),
	}
	if known {
		event.AccountID = account.ID
	}
	s.audit.record(ctx, event)
	return ErrInvalidCredentials
}

func (s *Service) openSession(ctx context.Context, account Account, secret, normalized, deviceFingerprint, ip string) (LoginResult, error) {
	now := s.clock.Now()

	if err := s.lockout.Reset(ctx, account.ID); err != nil {
		return LoginResult{}, err
	}
	if err := s.limiter.ResetLogin(ctx, normalized, ip); err != nil {
		return LoginResult{}, errors.Join(ErrStorageUnavailable, err)
	}

	if s.policy.Password.UpgradeOnLogin {
		upgraded, err := s.verifier.UpgradeHashIfNeeded(ctx, account, secret)
		if err != nil {
			// Upgrade is opportunistic; the login proceeds on the old hash.
			s.logger.WarnContext(ctx, "credential hash upgrade failed",
				"account_id", account.ID, "error", err)
		} else if upgraded {
			s.audit.record(ctx, AuditEvent{
				EventType: EventHashUpgraded,
				AccountID: account.ID,
				Success:   true,
			})
		}
	}

	if limit := s.policy.Session.MaxSessionsPerAccount; limit > 0 {
		active, err := s.countActiveSessions(ctx, account.ID)
		if err != nil {
			return LoginResult{}, err
		}
		if active >= limit {
			s.metrics.loginResult("session_limit")
			return LoginResult{}, ErrSessionLimitExceeded
		}
	}

	sessionID := s.sessions.NewID()
	pair, err := s.issuer.Issue(account.ID, sessionID)
	if err != nil {
		return LoginResult{}, err
	}

	err = s.sessions.Create(ctx, &session.Session{
		ID:                sessionID,
		AccountID:         account.ID,
		DeviceFingerprint: deviceFingerprint,
		CreatedAt:         now,
		LastRotatedAt:     now,
		ExpiresAt:         now.Add(s.policy.Session.MaxLifetime),
		CurrentJTI:        pair.RefreshID,
		Status:            session.StatusActive,
	})
	if err != nil {
		return LoginResult{}, mapSessionErr(err)
	}

	s.metrics.loginResult("success")
	s.audit.record(ctx, AuditEvent{
		EventType: EventLoginSuccess,
		AccountID: account.ID,
		SessionID: sessionID,
		Success:   true,
	})

	return LoginResult{
		TokenPair: TokenPair{
			AccessToken:      pair.AccessToken,
			RefreshToken:     pair.RefreshToken,
			AccessExpiresAt:  pair.AccessExpiresAt,
			RefreshExpiresAt: pair.RefreshExpiresAt,
		},
		SessionID: sessionID,
		AccountID: account.ID,
	}, nil
}

func (s *Service) countActiveSessions(ctx context.Context, accountID string) (int, error) {
	sessions, err := s.sessions.ListByAccount(ctx, accountID)
	if err != nil {
		return 0, mapSessionErr(err)
	}
	now := s.clock.Now()
	var active int
	for _, sess := range sessions {
		if sess.Active(now) {
			active++
		}
	}
	return active, nil
}
