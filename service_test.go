package authvault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/authvault/authvault/password"
)

const (
	testHandle = "alice@example.com"
	testSecret = "correct-horse-battery"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	svc      *Service
	mr       *miniredis.Miniredis
	clock    *fakeClock
	accounts *memAccounts
	sink     *ChannelSink
}

// advance moves both the injected clock and miniredis's TTL clock.
func (e *testEnv) advance(d time.Duration) {
	e.clock.Advance(d)
	e.mr.FastForward(d)
}

func (e *testEnv) drainAudit() []AuditEvent {
	var events []AuditEvent
	for {
		select {
		case ev := <-e.sink.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func cheapPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func newTestEnv(t *testing.T, tweak func(*PolicyConfig)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	hasher, err := password.NewHasher(password.Config{
		Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	})
	if err != nil {
		t.Fatalf("NewHasher error: %v", err)
	}
	hash, err := hasher.Hash(testSecret)
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	accounts := newMemAccounts(Account{
		ID:           "acct-1",
		Handle:       testHandle,
		PasswordHash: hash,
		Active:       true,
	})

	policy := DefaultPolicy()
	policy.Token.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	policy.Password = cheapPasswordPolicy()
	// Generous throttle budgets so only tests that target them hit them.
	policy.RateLimit.MaxLoginAttempts = 1000
	policy.RateLimit.MaxRefreshAttempts = 1000
	if tweak != nil {
		tweak(&policy)
	}

	clock := &fakeClock{t: time.Now().Truncate(time.Millisecond)}
	sink := NewChannelSink(256)

	svc, err := New().
		WithPolicy(policy).
		WithRedis(client).
		WithAccounts(accounts).
		WithAuditSink(sink).
		WithClock(clock).
		Build()
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	return &testEnv{svc: svc, mr: mr, clock: clock, accounts: accounts, sink: sink}
}

func mustLogin(t *testing.T, env *testEnv) LoginResult {
	t.Helper()
	res, err := env.svc.Login(context.Background(), testHandle, testSecret, "device-a")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	return res
}

func TestLoginIssuesWorkingTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	res := mustLogin(t, env)

	if res.AccessToken == "" || res.RefreshToken == "" || res.SessionID == "" {
		t.Fatalf("incomplete result: %+v", res)
	}

	id, err := env.svc.Validate(context.Background(), res.AccessToken)
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if id.AccountID != "acct-1" || id.SessionID != res.SessionID {
		t.Fatalf("unexpected identity: %+v", id)
	}

	sessions, err := env.svc.ListSessions(context.Background(), "acct-1", res.SessionID)
	if err != nil {
		t.Fatalf("ListSessions error: %v", err)
	}
	if len(sessions) != 1 || !sessions[0].IsCurrent {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestLoginFailureIsGeneric(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.svc.Login(ctx, testHandle, "wrong-secret-guess", "d"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong secret: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := env.svc.Login(ctx, "nobody@example.com", testSecret, "d"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown handle: expected ErrInvalidCredentials, got %v", err)
	}

	// Unknown-handle failures must not name an account in the trail.
	for _, ev := range env.drainAudit() {
		if ev.EventType == EventLoginFailure && ev.AccountID != "" && ev.AccountID != "acct-1" {
			t.Fatalf("unexpected account in audit: %+v", ev)
		}
	}
}

func TestLockoutAfterConsecutiveFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// The threshold-crossing failure itself still reads as bad credentials.
	for i := 0; i < 5; i++ {
		if _, err := env.svc.Login(ctx, testHandle, "wrong-secret-guess", "d"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	// Now even the correct secret is rejected, with a retry hint.
	_, err := env.svc.Login(ctx, testHandle, testSecret, "d")
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected LockedError, got %v", err)
	}
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("LockedError must match ErrAccountLocked, got %v", err)
	}
	if locked.RetryAfter <= 0 || locked.RetryAfter > 30*time.Minute {
		t.Fatalf("unexpected retry-after: %v", locked.RetryAfter)
	}

	// The lockout lapses on its own.
	env.advance(31 * time.Minute)
	if _, err := env.svc.Login(ctx, testHandle, testSecret, "d"); err != nil {
		t.Fatalf("Login after lockout lapse: %v", err)
	}
}

func TestLockoutResetOnSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		env.svc.Login(ctx, testHandle, "wrong-secret-guess", "d")
	}
	mustLogin(t, env)

	// Counter is back to zero; four more failures must not lock.
	for i := 0; i < 4; i++ {
		env.svc.Login(ctx, testHandle, "wrong-secret-guess", "d")
	}
	if _, err := env.svc.Login(ctx, testHandle, testSecret, "d"); err != nil {
		t.Fatalf("expected reset counter, got %v", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	res := mustLogin(t, env)

	rotated, err := env.svc.Refresh(ctx, res.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if rotated.SessionID != res.SessionID {
		t.Fatalf("rotation must stay in the session: %s vs %s", rotated.SessionID, res.SessionID)
	}
	if rotated.RefreshToken == res.RefreshToken {
		t.Fatal("rotation must issue a new refresh token")
	}

	if _, err := env.svc.Validate(ctx, rotated.AccessToken); err != nil {
		t.Fatalf("Validate error: %v", err)
	}

	// The successor keeps working.
	if _, err := env.svc.Refresh(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("successor Refresh error: %v", err)
	}
}

func TestRefreshReuseDetection(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	res := mustLogin(t, env)

	rotated, err := env.svc.Refresh(ctx, res.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	env.drainAudit()

	// Presenting the consumed token again is the theft signal.
	if _, err := env.svc.Refresh(ctx, res.RefreshToken); !errors.Is(err, ErrTokenBlacklisted) {
		t.Fatalf("expected ErrTokenBlacklisted, got %v", err)
	}

	var sawCritical bool
	for _, ev := range env.drainAudit() {
		if ev.EventType == EventRefreshReuse && ev.Risk == RiskCritical {
			sawCritical = true
		}
	}
	if !sawCritical {
		t.Fatal("expected critical reuse audit event")
	}

	// The default theft response terminated the session, so even the
	// legitimate successor token is dead.
	if _, err := env.svc.Refresh(ctx, rotated.RefreshToken); err == nil {
		t.Fatal("expected successor token to be revoked with the session")
	}

	sessions, err := env.svc.ListSessions(ctx, "acct-1", "")
	if err != nil {
		t.Fatalf("ListSessions error: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected terminated session to be hidden, got %+v", sessions)
	}
}

func TestRefreshReuseWithoutTermination(t *testing.T) {
	env := newTestEnv(t, func(p *PolicyConfig) {
		p.TheftResponse.TerminateSessionOnReuse = false
	})
	ctx := context.Background()
	res := mustLogin(t, env)

	rotated, err := env.svc.Refresh(ctx, res.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	if _, err := env.svc.Refresh(ctx, res.RefreshToken); !errors.Is(err, ErrTokenBlacklisted) {
		t.Fatalf("expected ErrTokenBlacklisted, got %v", err)
	}

	// Session survives; the successor still rotates.
	if _, err := env.svc.Refresh(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("successor Refresh error: %v", err)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	env := newTestEnv(t, func(p *PolicyConfig) {
		// Keep the racing losers from terminating the session the winner
		// just rotated, so the outcome is deterministic.
		p.TheftResponse.TerminateSessionOnReuse = false
	})
	ctx := context.Background()
	res := mustLogin(t, env)

	const racers = 8
	var wg sync.WaitGroup
	outcomes := make(chan error, racers)

	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Refresh(ctx, res.RefreshToken)
			outcomes <- err
		}()
	}
	wg.Wait()
	close(outcomes)

	var wins, replays int
	for err := range outcomes {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrTokenBlacklisted):
			replays++
		default:
			t.Fatalf("unexpected outcome: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if replays != racers-1 {
		t.Fatalf("expected %d replay rejections, got %d", racers-1, replays)
	}
}

func TestRefreshExpiredToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	res := mustLogin(t, env)

	env.advance(15 * 24 * time.Hour)

	if _, err := env.svc.Refresh(ctx, res.RefreshToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestRefreshWithinLeewayIsNotTheft(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	res := mustLogin(t, env)

	// Just past the refresh TTL but inside the parser's 30s leeway: the
	// token is still accepted, so the exchange must rotate normally
	// rather than read as a replay.
	env.advance(14*24*time.Hour + 10*time.Second)
	env.drainAudit()

	rotated, err := env.svc.Refresh(ctx, res.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	for _, ev := range env.drainAudit() {
		if ev.EventType == EventRefreshReuse {
			t.Fatalf("leeway-window refresh flagged as reuse: %+v", ev)
		}
	}

	// The session survived and the successor token works.
	if _, err := env.svc.Refresh(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("successor Refresh error: %v", err)
	}

	// A replay of the consumed token is still caught.
	if _, err := env.svc.Refresh(ctx, res.RefreshToken); !errors.Is(err, ErrTokenBlacklisted) {
		t.Fatalf("expected ErrTokenBlacklisted, got %v", err)
	}
}

func TestRefreshExpiredSession(t *testing.T) {
	env := newTestEnv(t, func(p *PolicyConfig) {
		// Session cap shorter than the refresh token lifetime, so the
		// session dies while the token is still cryptographically valid.
		p.Token.RefreshTTL = 14 * 24 * time.Hour
		p.Session.MaxLifetime = 14 * 24 * time.Hour
	})
	ctx := context.Background()
	res := mustLogin(t, env)

	// Rotate a few times, then cross the hard cap. The newest refresh
	// token is younger than its TTL but the session is not.
	current := res.RefreshToken
	for i := 0; i < 3; i++ {
		env.advance(4 * 24 * time.Hour)
		rotated, err := env.svc.Refresh(ctx, current)
		if err != nil {
			t.Fatalf("rotation %d error: %v", i, err)
		}
		current = rotated.RefreshToken
	}

	env.advance(60 * time.Hour)
	if _, err := env.svc.Refresh(ctx, current); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestSlidingExpiryKeepsSessionVisible(t *testing.T) {
	env := newTestEnv(t, func(p *PolicyConfig) {
		p.Session.SlidingExpiry = true
		p.Session.MaxLifetime = time.Hour
		p.Token.RefreshTTL = 55 * time.Minute
	})
	ctx := context.Background()
	res := mustLogin(t, env)

	// Rotate well past the lifetime the session was created with. Each
	// rotation slides the expiry forward, and the account index must
	// slide with it or the session silently drops out of listings.
	current := res.RefreshToken
	for i := 0; i < 32; i++ {
		env.advance(50 * time.Minute)
		rotated, err := env.svc.Refresh(ctx, current)
		if err != nil {
			t.Fatalf("rotation %d error: %v", i, err)
		}
		current = rotated.RefreshToken
	}

	sessions, err := env.svc.ListSessions(ctx, "acct-1", res.SessionID)
	if err != nil {
		t.Fatalf("ListSessions error: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != res.SessionID {
		t.Fatalf("expected the slid session to stay listed, got %d", len(sessions))
	}

	n, err := env.svc.TerminateAllSessions(ctx, "acct-1", "")
	if err != nil {
		t.Fatalf("TerminateAllSessions error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 terminated session, got %d", n)
	}
}

func TestValidateExpiredAccess(t *testing.T) {
	env := newTestEnv(t, nil)
	res := mustLogin(t, env)

	env.advance(16 * time.Minute)

	if _, err := env.svc.Validate(context.Background(), res.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if _, err := env.svc.Validate(context.Background(), "not-a-token"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	res := mustLogin(t, env)

	if err := env.svc.Logout(ctx, res.RefreshToken); err != nil {
		t.Fatalf("Logout error: %v", err)
	}

	// The session's refresh token is dead.
	if _, err := env.svc.Refresh(ctx, res.RefreshToken); err == nil {
		t.Fatal("expected refresh to fail after logout")
	}

	sessions, err := env.svc.ListSessions(ctx, "acct-1", "")
	if err != nil {
		t.Fatalf("ListSessions error: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no listed sessions, got %+v", sessions)
	}

	// Logout is idempotent.
	if err := env.svc.Logout(ctx, res.RefreshToken); err != nil {
		t.Fatalf("repeat Logout error: %v", err)
	}
}

func TestLogoutWithExpiredToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	res := mustLogin(t, env)

	env.advance(15 * 24 * time.Hour)

	// An authentic but expired token can still end its own session.
	if err := env.svc.Logout(ctx, res.RefreshToken); err != nil {
		t.Fatalf("Logout error: %v", err)
	}

	if err := env.svc.Logout(ctx, "garbage"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestTerminateSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first := mustLogin(t, env)
	second := mustLogin(t, env)

	if err := env.svc.TerminateSession(ctx, "acct-1", first.SessionID); err != nil {
		t.Fatalf("TerminateSession error: %v", err)
	}

	if _, err := env.svc.Refresh(ctx, first.RefreshToken); err == nil {
		t.Fatal("expected terminated session's token to be dead")
	}
	if _, err := env.svc.Refresh(ctx, second.RefreshToken); err != nil {
		t.Fatalf("other session must survive: %v", err)
	}

	// Cross-account termination reads as not found.
	if err := env.svc.TerminateSession(ctx, "acct-2", second.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestTerminateAllSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	sessions := []LoginResult{mustLogin(t, env), mustLogin(t, env), mustLogin(t, env)}

	n, err := env.svc.TerminateAllSessions(ctx, "acct-1", "")
	if err != nil {
		t.Fatalf("TerminateAllSessions error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 terminated, got %d", n)
	}

	for i, res := range sessions {
		if _, err := env.svc.Refresh(ctx, res.RefreshToken); err == nil {
			t.Fatalf("session %d token must be dead", i)
		}
	}
}

func TestTerminateAllSessionsExceptCurrent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	other, err := env.svc.Login(ctx, testHandle, testSecret, "laptop")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	current, err := env.svc.Login(ctx, testHandle, testSecret, "phone")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}

	listed, err := env.svc.ListSessions(ctx, "acct-1", current.SessionID)
	if err != nil {
		t.Fatalf("ListSessions error: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 active sessions, got %d", len(listed))
	}

	n, err := env.svc.TerminateAllSessions(ctx, "acct-1", current.SessionID)
	if err != nil {
		t.Fatalf("TerminateAllSessions error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 terminated, got %d", n)
	}

	// Exactly the caller's session survives, and only its token works.
	listed, err = env.svc.ListSessions(ctx, "acct-1", current.SessionID)
	if err != nil {
		t.Fatalf("ListSessions error: %v", err)
	}
	if len(listed) != 1 || !listed[0].IsCurrent {
		t.Fatalf("expected only the current session, got %+v", listed)
	}

	if _, err := env.svc.Refresh(ctx, current.RefreshToken); err != nil {
		t.Fatalf("current session must stay refreshable: %v", err)
	}
	if _, err := env.svc.Refresh(ctx, other.RefreshToken); err == nil {
		t.Fatal("expected other session's token to be dead")
	}
}

func TestSessionCap(t *testing.T) {
	env := newTestEnv(t, func(p *PolicyConfig) {
		p.Session.MaxSessionsPerAccount = 2
	})
	ctx := context.Background()

	mustLogin(t, env)
	mustLogin(t, env)

	if _, err := env.svc.Login(ctx, testHandle, testSecret, "d"); !errors.Is(err, ErrSessionLimitExceeded) {
		t.Fatalf("expected ErrSessionLimitExceeded, got %v", err)
	}

	// Freeing a slot admits the next login.
	if _, err := env.svc.TerminateAllSessions(ctx, "acct-1", ""); err != nil {
		t.Fatalf("TerminateAllSessions error: %v", err)
	}
	mustLogin(t, env)
}

func TestLoginRateLimit(t *testing.T) {
	env := newTestEnv(t, func(p *PolicyConfig) {
		p.RateLimit.MaxLoginAttempts = 2
		p.RateLimit.LoginCooldown = 10 * time.Minute
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.svc.Login(ctx, testHandle, "wrong-secret-guess", "d")
	}

	if _, err := env.svc.Login(ctx, testHandle, testSecret, "d"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// The throttle recovers on its own, unlike the lockout.
	env.advance(11 * time.Minute)
	if _, err := env.svc.Login(ctx, testHandle, testSecret, "d"); err != nil {
		t.Fatalf("expected recovered throttle, got %v", err)
	}
}

func TestSweepExpiredSessions(t *testing.T) {
	env := newTestEnv(t, func(p *PolicyConfig) {
		p.Token.RefreshTTL = 14 * 24 * time.Hour
		p.Session.MaxLifetime = 14 * 24 * time.Hour
	})
	ctx := context.Background()
	res := mustLogin(t, env)

	env.clock.Advance(15 * 24 * time.Hour)

	swept, err := env.svc.SweepExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("SweepExpiredSessions error: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept, got %d", swept)
	}

	if _, err := env.svc.Refresh(ctx, res.RefreshToken); err == nil {
		t.Fatal("expected refresh to fail after sweep")
	}
}

func TestUnlockAccount(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		env.svc.Login(ctx, testHandle, "wrong-secret-guess", "d")
	}

	state, err := env.svc.LockoutStatus(ctx, "acct-1")
	if err != nil {
		t.Fatalf("LockoutStatus error: %v", err)
	}
	if !state.Locked {
		t.Fatal("expected locked account")
	}

	if err := env.svc.UnlockAccount(ctx, "acct-1"); err != nil {
		t.Fatalf("UnlockAccount error: %v", err)
	}
	if _, err := env.svc.Login(ctx, testHandle, testSecret, "d"); err != nil {
		t.Fatalf("Login after unlock: %v", err)
	}
}
