package authvault

import (
	"context"
	"errors"
	"strconv"

	"github.com/authvault/authvault/internal/rate"
	"github.com/authvault/authvault/session"
)

// Refresh exchanges a refresh token for a new access+refresh pair and
// consumes the presented token. Exactly-once semantics hang on one
// atomic step: denylisting the presented jti with SET NX. Of N
// concurrent exchanges of the same token, the single caller whose insert
// created the entry proceeds; every other caller observes an existing
// entry, which is indistinguishable from a replayed stolen token and is
// treated as one.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (LoginResult, error) {
	claims, err := s.issuer.ParseRefresh(refreshToken)
	if err != nil {
		mapped := mapTokenErr(err)
		s.metrics.refreshResult("invalid")
		s.audit.record(ctx, AuditEvent{
			EventType: EventRefreshInvalid,
			Error:     mapped.Error(),
		})
		return LoginResult{}, mapped
	}
	sessionID := claims.SessionID
	accountID := claims.Subject

	if err := s.limiter.CheckRefresh(ctx, sessionID); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			s.metrics.refreshResult("rate_limited")
			s.audit.record(ctx, AuditEvent{
				EventType: EventRefreshRateLimited,
				AccountID: accountID,
				SessionID: sessionID,
				Error:     ErrRateLimited.Error(),
			})
			return LoginResult{}, ErrRateLimited
		}
		return LoginResult{}, errors.Join(ErrStorageUnavailable, err)
	}

	// The single serialization point. A lost race and a genuine replay
	// both land here, and both are handled as theft. The gate runs before
	// the session lookup on purpose: a replayed token must be consumed
	// even when its session is already gone, otherwise an attacker could
	// keep presenting it without tripping reuse detection. The denylist
	// TTL floor covers tokens the parser accepts within its expiry
	// leeway, so every parser-valid token is insertable here.
	first, err := s.blacklist.MarkRevoked(ctx, claims.ID, ReasonRotated, claims.ExpiresAt.Time)
	if err != nil {
		return LoginResult{}, err
	}
	if !first {
		return LoginResult{}, s.handleReuse(ctx, accountID, sessionID)
	}

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.metrics.refreshResult("invalid")
			s.audit.record(ctx, AuditEvent{
				EventType: EventRefreshInvalid,
				AccountID: accountID,
				SessionID: sessionID,
				Error:     ErrSessionNotFound.Error(),
			})
			return LoginResult{}, ErrSessionNotFound
		}
		return LoginResult{}, mapSessionErr(err)
	}

	now := s.clock.Now()
	if !sess.Active(now) {
		s.metrics.refreshResult("invalid")
		s.audit.record(ctx, AuditEvent{
			EventType: EventRefreshInvalid,
			AccountID: accountID,
			SessionID: sessionID,
			Error:     ErrSessionExpired.Error(),
		})
		return LoginResult{}, ErrSessionExpired
	}

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil || !account.Active {
		if err != nil && !errors.Is(err, ErrAccountNotFound) {
			return LoginResult{}, errors.Join(ErrStorageUnavailable, err)
		}
		// Account vanished or was deactivated mid-session; end the
		// session rather than keep minting tokens for it.
		s.terminateAndRevoke(ctx, sessionID, ReasonTerminated)
		s.metrics.refreshResult("invalid")
		s.audit.record(ctx, AuditEvent{
			EventType: EventRefreshInvalid,
			AccountID: accountID,
			SessionID: sessionID,
			Error:     ErrTokenInvalid.Error(),
		})
		return LoginResult{}, ErrTokenInvalid
	}

	pair, err := s.issuer.Issue(accountID, sessionID)
	if err != nil {
		return LoginResult{}, err
	}

	ok, err := s.sessions.MarkRotated(ctx, sessionID, pair.RefreshID, now)
	if err != nil {
		return LoginResult{}, mapSessionErr(err)
	}
	if !ok {
		// The session was terminated between the gate and here. The pair
		// just minted must not survive it.
		if _, err := s.blacklist.MarkRevoked(ctx, pair.RefreshID, ReasonTerminated, pair.RefreshExpiresAt); err != nil {
			return LoginResult{}, err
		}
		s.metrics.refreshResult("invalid")
		return LoginResult{}, ErrSessionExpired
	}

	if s.policy.Session.SlidingExpiry {
		if _, err := s.sessions.Extend(ctx, sessionID, sess.AccountID, now.Add(s.policy.Session.MaxLifetime)); err != nil {
			return LoginResult{}, mapSessionErr(err)
		}
	}

	s.metrics.refreshResult("success")
	s.audit.record(ctx, AuditEvent{
		EventType: EventRefreshSuccess,
		AccountID: accountID,
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
		AccountID: accountID,
	}, nil
}

// handleReuse reacts to a refresh token presented after its jti was
// already consumed. This is the theft signal of the rotation scheme: the
// legitimate client holds the successor token, so a second presentation
// means two parties hold the same credential.
func (s *Service) handleReuse(ctx context.Context, accountID, sessionID string) error {
	s.metrics.reuseDetected()
	s.metrics.refreshResult("reuse")

	if s.policy.TheftResponse.TerminateSessionOnReuse {
		s.terminateAndRevoke(ctx, sessionID, ReasonReuseDetected)
	}

	s.audit.record(ctx, AuditEvent{
		EventType: EventRefreshReuse,
		Risk:      RiskCritical,
		AccountID: accountID,
		SessionID: sessionID,
		Error:     ErrTokenBlacklisted.Error(),
		Metadata: map[string]string{
			"session_terminated": strconv.FormatBool(s.policy.TheftResponse.TerminateSessionOnReuse),
		},
	})
	return ErrTokenBlacklisted
}

// terminateAndRevoke ends a session and denylists whatever refresh token
// it was holding. Failures are logged, not returned: the caller is
// already on an error path and the session record's state is the source
// of truth for future rotations.
func (s *Service) terminateAndRevoke(ctx context.Context, sessionID, reason string) {
	revoked, err := s.sessions.Terminate(ctx, sessionID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		s.logger.ErrorContext(ctx, "session terminate failed",
			"session_id", sessionID, "error", err)
		return
	}
	s.metrics.sessionsTerminated(1)
	if revoked == nil {
		return
	}
	if _, err := s.blacklist.MarkRevoked(ctx, revoked.JTI, reason, revoked.ExpiresAt); err != nil {
		s.logger.ErrorContext(ctx, "token revoke failed",
			"session_id", sessionID, "error", err)
	}
}
