package authvault

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordFailureScript counts a failed attempt and, on reaching the
// threshold, atomically promotes the counter into a lock key. INCR plus
// the conditional promotion run as one script, so concurrent failures
// across instances produce exactly one lock.
var recordFailureScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
if count >= tonumber(ARGV[2]) then
  redis.call("SET", KEYS[2], ARGV[3], "PX", ARGV[4])
  redis.call("DEL", KEYS[1])
  return {1, ARGV[3]}
end
return {0, count}
`)

// Lockout tracks consecutive authentication failures per account and
// locks the account once the threshold is reached. State lives in Redis
// so every instance of the service observes the same counters.
type Lockout struct {
	client    redis.UniversalClient
	prefix    string
	threshold int
	window    time.Duration
	duration  time.Duration
	now       func() time.Time
}

// NewLockout returns a guard that locks after threshold consecutive
// failures within window, for duration. now is the injectable time
// source; pass nil to use time.Now.
func NewLockout(client redis.UniversalClient, prefix string, threshold int, window, duration time.Duration, now func() time.Time) *Lockout {
	if now == nil {
		now = time.Now
	}
	return &Lockout{
		client:    client,
		prefix:    prefix,
		threshold: threshold,
		window:    window,
		duration:  duration,
		now:       now,
	}
}

func (l *Lockout) counterKey(accountID string) string {
	return l.prefix + ":lk:cnt:" + accountID
}

func (l *Lockout) lockKey(accountID string) string {
	return l.prefix + ":lk:lock:" + accountID
}

// RecordFailure counts one failed attempt and reports the resulting
// state. The attempt that crosses the threshold sees Locked=true so the
// caller can record the transition; the lock itself gates subsequent
// attempts via [Lockout.Status].
func (l *Lockout) RecordFailure(ctx context.Context, accountID string) (LockoutState, error) {
	until := l.now().Add(l.duration)
	res, err := recordFailureScript.Run(ctx, l.client,
		[]string{l.counterKey(accountID), l.lockKey(accountID)},
		l.window.Milliseconds(),
		l.threshold,
		until.UnixMilli(),
		l.duration.Milliseconds(),
	).Slice()
	if err != nil {
		return LockoutState{}, errors.Join(ErrStorageUnavailable, err)
	}
	if len(res) != 2 {
		return LockoutState{}, ErrStorageUnavailable
	}

	promoted, _ := res[0].(int64)
	if promoted == 1 {
		return LockoutState{
			Failures: l.threshold,
			Locked:   true,
			Until:    until,
		}, nil
	}

	count, _ := res[1].(int64)
	return LockoutState{Failures: int(count)}, nil
}

// Status reports whether the account is currently locked, with the lock
// deadline and remaining wait when it is.
func (l *Lockout) Status(ctx context.Context, accountID string) (LockoutState, error) {
	raw, err := l.client.Get(ctx, l.lockKey(accountID)).Int64()
	if errors.Is(err, redis.Nil) {
		count, err := l.client.Get(ctx, l.counterKey(accountID)).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return LockoutState{}, errors.Join(ErrStorageUnavailable, err)
		}
		return LockoutState{Failures: count}, nil
	}
	if err != nil {
		return LockoutState{}, errors.Join(ErrStorageUnavailable, err)
	}

	until := time.UnixMilli(raw)
	now := l.now()
	if !now.Before(until) {
		// Lock key outlived its deadline (clock injection in tests);
		// treat as unlocked.
		return LockoutState{}, nil
	}
	return LockoutState{
		Failures:   l.threshold,
		Locked:     true,
		Until:      until,
		RetryAfter: until.Sub(now),
	}, nil
}

// Reset clears the failure counter and any active lock. Called on
// successful authentication and by administrative unlock.
func (l *Lockout) Reset(ctx context.Context, accountID string) error {
	if err := l.client.Del(ctx, l.counterKey(accountID), l.lockKey(accountID)).Err(); err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	return nil
}
