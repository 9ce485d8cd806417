package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRateLimited indicates the fixed-window budget is exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable indicates the counter store could not be reached.
	ErrRedisUnavailable = errors.New("redis unavailable")
)

// hitScript counts one attempt in a fixed window. The window's clock
// starts on the first hit and never slides; the count after the hit is
// returned for the caller's budget check.
var hitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Config holds rate limiter tuning parameters.
type Config struct {
	EnableIPThrottle      bool
	EnableRefreshThrottle bool
	MaxLoginAttempts      int
	LoginCooldown         time.Duration
	MaxRefreshAttempts    int
	RefreshCooldown       time.Duration
}

// window is one fixed-window budget over a key namespace. Each id under
// the namespace gets its own counter and cooldown.
type window struct {
	client   redis.UniversalClient
	prefix   string
	budget   int
	cooldown time.Duration
}

func (w window) key(id string) string { return w.prefix + id }

// peek reports ErrRateLimited when id's budget is already spent, without
// counting an attempt. A missing counter means an untouched window.
func (w window) peek(ctx context.Context, id string) error {
	n, err := w.client.Get(ctx, w.key(id)).Int64()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if n > int64(w.budget) {
		return ErrRateLimited
	}
	return nil
}

// hit counts an attempt and reports ErrRateLimited once the budget is
// exceeded. The attempt is counted either way.
func (w window) hit(ctx context.Context, id string) error {
	n, err := hitScript.Run(ctx, w.client, []string{w.key(id)}, w.cooldown.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if n > int64(w.budget) {
		return ErrRateLimited
	}
	return nil
}

// count returns the attempts recorded in the current window.
func (w window) count(ctx context.Context, id string) (int, error) {
	n, err := w.client.Get(ctx, w.key(id)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if n < 0 {
		return 0, nil
	}
	return int(n), nil
}

// clear drops the counter, ending the window early.
func (w window) clear(ctx context.Context, id string) error {
	if err := w.client.Del(ctx, w.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Limiter throttles login traffic per handle and per source IP, and
// refresh traffic per session. It is independent of the account lockout
// policy: the limiter caps request volume, the lockout reacts to failed
// credentials.
type Limiter struct {
	handles   window
	ips       window
	refreshes window

	throttleIP      bool
	throttleRefresh bool
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(client redis.UniversalClient, cfg Config) *Limiter {
	return &Limiter{
		handles:         window{client, "rl:login:h:", cfg.MaxLoginAttempts, cfg.LoginCooldown},
		ips:             window{client, "rl:login:ip:", cfg.MaxLoginAttempts, cfg.LoginCooldown},
		refreshes:       window{client, "rl:refresh:", cfg.MaxRefreshAttempts, cfg.RefreshCooldown},
		throttleIP:      cfg.EnableIPThrottle,
		throttleRefresh: cfg.EnableRefreshThrottle,
	}
}

// CheckLogin reports whether the handle+IP pair still has login budget,
// without counting an attempt.
func (l *Limiter) CheckLogin(ctx context.Context, handle, ip string) error {
	if err := l.handles.peek(ctx, handle); err != nil {
		return err
	}
	if l.throttleIP && ip != "" {
		return l.ips.peek(ctx, ip)
	}
	return nil
}

// IncrementLogin counts a failed login attempt against both the handle
// and, when IP throttling is on, the source IP.
func (l *Limiter) IncrementLogin(ctx context.Context, handle, ip string) error {
	if err := l.handles.hit(ctx, handle); err != nil {
		return err
	}
	if l.throttleIP && ip != "" {
		return l.ips.hit(ctx, ip)
	}
	return nil
}

// ResetLogin clears the failed-login counters for the handle+IP pair.
// Called after a successful login.
func (l *Limiter) ResetLogin(ctx context.Context, handle, ip string) error {
	if err := l.handles.clear(ctx, handle); err != nil {
		return err
	}
	if l.throttleIP && ip != "" {
		return l.ips.clear(ctx, ip)
	}
	return nil
}

// CheckRefresh counts a refresh exchange against the session's budget.
func (l *Limiter) CheckRefresh(ctx context.Context, sessionID string) error {
	if !l.throttleRefresh {
		return nil
	}
	return l.refreshes.hit(ctx, sessionID)
}

// LoginAttempts returns the handle's attempt count in the current
// window. Missing counters return zero and do not reveal account
// existence.
func (l *Limiter) LoginAttempts(ctx context.Context, handle string) (int, error) {
	return l.handles.count(ctx, handle)
}
