package authvault

import (
	"context"
	"errors"

	"github.com/authvault/authvault/session"
)

// Logout ends the session bound to the presented refresh token and
// denylists the session's live refresh jti. An expired token still logs
// out its session; a malformed one does not, since it never identifies a
// session the caller holds.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.issuer.ParseRefreshAllowExpired(refreshToken)
	if claims == nil {
		return mapTokenErr(err)
	}

	revoked, err := s.sessions.Terminate(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			// Session already gone; logout is idempotent.
			return nil
		}
		return mapSessionErr(err)
	}
	s.metrics.sessionsTerminated(1)

	if revoked != nil {
		if _, err := s.blacklist.MarkRevoked(ctx, revoked.JTI, ReasonLogout, revoked.ExpiresAt); err != nil {
			return err
		}
	}

	s.audit.record(ctx, AuditEvent{
		EventType: EventLogoutSession,
		AccountID: claims.Subject,
		SessionID: claims.SessionID,
		Success:   true,
	})
	return nil
}

// ListSessions returns the account's sessions that have not been
// terminated, newest first. currentSessionID marks the caller's own
// session in the result; pass "" when unknown.
func (s *Service) ListSessions(ctx context.Context, accountID, currentSessionID string) ([]SessionInfo, error) {
	sessions, err := s.sessions.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, mapSessionErr(err)
	}

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		if sess.Status == session.StatusTerminated {
			continue
		}
		infos = append(infos, SessionInfo{
			SessionID:         sess.ID,
			DeviceFingerprint: sess.DeviceFingerprint,
			CreatedAt:         sess.CreatedAt,
			LastRotatedAt:     sess.LastRotatedAt,
			ExpiresAt:         sess.ExpiresAt,
			IsCurrent:         sess.ID == currentSessionID,
		})
	}
	return infos, nil
}

// TerminateSession ends one session of the account, denylisting its live
// refresh token. A session belonging to a different account reads as not
// found, so session IDs cannot be probed across accounts.
func (s *Service) TerminateSession(ctx context.Context, accountID, sessionID string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return mapSessionErr(err)
	}
	if sess.AccountID != accountID {
		return ErrSessionNotFound
	}

	revoked, err := s.sessions.Terminate(ctx, sessionID)
	if err != nil {
		return mapSessionErr(err)
	}
	s.metrics.sessionsTerminated(1)

	if revoked != nil {
		if _, err := s.blacklist.MarkRevoked(ctx, revoked.JTI, ReasonTerminated, revoked.ExpiresAt); err != nil {
			return err
		}
	}

	s.audit.record(ctx, AuditEvent{
		EventType: EventSessionTerminated,
		AccountID: accountID,
		SessionID: sessionID,
		Success:   true,
	})
	return nil
}

// TerminateAllSessions ends every session of the account and denylists
// all their live refresh tokens. exceptSessionID, when non-empty, names a
// session to keep — the "log out everywhere else" form that preserves the
// caller's own session. It is also the backstop after a credential change
// or compromise (with "" to spare nothing).
func (s *Service) TerminateAllSessions(ctx context.Context, accountID, exceptSessionID string) (int, error) {
	revoked, err := s.sessions.TerminateAll(ctx, accountID, exceptSessionID)
	if err != nil {
		return 0, mapSessionErr(err)
	}
	s.metrics.sessionsTerminated(len(revoked))

	for _, tok := range revoked {
		if _, err := s.blacklist.MarkRevoked(ctx, tok.JTI, ReasonTerminated, tok.ExpiresAt); err != nil {
			return len(revoked), err
		}
	}

	s.audit.record(ctx, AuditEvent{
		EventType: EventLogoutAll,
		AccountID: accountID,
		Success:   true,
	})
	return len(revoked), nil
}
