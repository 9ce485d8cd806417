package authvault

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Blacklist reasons recorded as the value of each denylist entry.
const (
	ReasonRotated        = "rotated"
	ReasonLogout         = "logout"
	ReasonTerminated     = "terminated"
	ReasonReuseDetected  = "reuse_detected"
	ReasonAdminRevoked   = "admin_revoked"
	ReasonPasswordChange = "password_change"
)

// Blacklist is the refresh-token denylist. Entries are keyed by jti and
// live exactly until the token's own expiry, at which point the signature
// check takes over and the entry is dropped.
//
// MarkRevoked is the serialization point for concurrent refresh attempts:
// Redis SET NX admits exactly one writer per jti, so of N racing rotations
// exactly one observes first=true and proceeds.
type Blacklist struct {
	client redis.UniversalClient
	prefix string
	minTTL time.Duration
	now    func() time.Time
}

// NewBlacklist returns a denylist using the given key prefix. minTTL is
// the floor applied to entry lifetimes; size it to the token parser's
// expiry leeway, so a token the parser still accepts can always be
// denylisted for at least as long as it stays acceptable. now is the
// injectable time source; pass nil to use time.Now.
func NewBlacklist(client redis.UniversalClient, prefix string, minTTL time.Duration, now func() time.Time) *Blacklist {
	if now == nil {
		now = time.Now
	}
	return &Blacklist{client: client, prefix: prefix, minTTL: minTTL, now: now}
}

func (b *Blacklist) key(jti string) string {
	return b.prefix + ":bl:" + jti
}

// MarkRevoked denylists the jti until expiresAt and reports whether this
// call created the entry. first=false means the jti was already revoked,
// which during rotation signals either a lost race or a replayed token.
func (b *Blacklist) MarkRevoked(ctx context.Context, jti, reason string, expiresAt time.Time) (first bool, err error) {
	ttl := expiresAt.Sub(b.now())
	if ttl < b.minTTL {
		// A token just past its expiry can still clear the parser within
		// its leeway. The floor keeps such a token denylistable as a
		// first insert rather than misreading it as an existing entry.
		ttl = b.minTTL
	}
	if ttl <= 0 {
		// Past natural expiry with no leeway configured; nothing to deny,
		// the caller's expiry check rejects the token anyway.
		return false, nil
	}

	ok, err := b.client.SetNX(ctx, b.key(jti), reason, ttl).Result()
	if err != nil {
		return false, errors.Join(ErrStorageUnavailable, err)
	}
	return ok, nil
}

// IsRevoked reports whether the jti is denylisted, with the recorded
// reason when it is.
func (b *Blacklist) IsRevoked(ctx context.Context, jti string) (bool, string, error) {
	reason, err := b.client.Get(ctx, b.key(jti)).Result()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", errors.Join(ErrStorageUnavailable, err)
	}
	return true, reason, nil
}

// Prune walks the denylist keyspace so Redis lazily reclaims entries
// whose TTL has lapsed, and returns the number of live entries remaining.
// Entries are never dropped before their token's natural expiry; a
// revoked token stays denied for its entire lifetime.
func (b *Blacklist) Prune(ctx context.Context) (int, error) {
	var total int
	iter := b.client.Scan(ctx, 0, b.prefix+":bl:*", 100).Iterator()
	for iter.Next(ctx) {
		total++
	}
	if err := iter.Err(); err != nil {
		return 0, errors.Join(ErrStorageUnavailable, err)
	}
	return total, nil
}
