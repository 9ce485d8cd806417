package session

import (
	"context"
	"crypto/rand"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// retentionGrace keeps expired and terminated records readable after the
// session's hard expiry so listings and sweeps can observe them before
// Redis drops the key.
const retentionGrace = 24 * time.Hour

// markRotatedScript advances the rotation chain only while the record
// still exists and is active, so a concurrent terminate or expiry sweep
// is never overwritten and a vanished key is never resurrected by HSET.
var markRotatedScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "status") ~= "active" then
  return 0
end
redis.call("HSET", KEYS[1], "jti", ARGV[1], "rotated", ARGV[2])
return 1
`)

// extendScript pushes the expiry of a still-active record forward and
// resizes the key TTL to match. The account index key is stretched
// alongside it so a long-running sliding session never outlives its own
// index entry and drops out of listings. The index TTL only ever grows;
// shorter-lived sibling sessions must not shrink it.
var extendScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "status") ~= "active" then
  return 0
end
redis.call("HSET", KEYS[1], "expires", ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
if redis.call("PTTL", KEYS[2]) < tonumber(ARGV[2]) then
  redis.call("PEXPIRE", KEYS[2], ARGV[2])
end
return 1
`)

// terminateScript flips the record to terminated and returns the jti and
// expiry it held, which the caller blacklists. Already-terminated records
// report their previous status so double logout stays idempotent.
var terminateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return false
end
local jti = redis.call("HGET", KEYS[1], "jti")
local expires = redis.call("HGET", KEYS[1], "expires")
local prev = redis.call("HGET", KEYS[1], "status")
redis.call("HSET", KEYS[1], "status", "terminated")
return {jti, expires, prev}
`)

// RevokedToken identifies a refresh token invalidated by a terminate
// operation, together with its natural expiry for blacklist TTL sizing.
type RevokedToken struct {
	JTI       string
	ExpiresAt time.Time
}

// Registry stores session records as Redis hashes with a per-account set
// index. Record keys live for the session lifetime plus a retention grace
// so recently expired sessions remain visible to listings and sweeps.
type Registry struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRegistry returns a [Registry] using the given key prefix. now is the
// injectable time source; pass nil to use time.Now.
func NewRegistry(client redis.UniversalClient, prefix string, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{client: client, prefix: prefix, now: now}
}

// NewID generates a session identifier. ULIDs sort lexicographically by
// creation time, which gives listings their newest-first order for free.
func (r *Registry) NewID() string {
	return ulid.MustNew(ulid.Timestamp(r.now()), rand.Reader).String()
}

func (r *Registry) sessionKey(id string) string {
	return r.prefix + ":sess:" + id
}

func (r *Registry) accountKey(accountID string) string {
	return r.prefix + ":acct:" + accountID
}

// Create persists a new session record and indexes it under its account.
func (r *Registry) Create(ctx context.Context, sess *Session) error {
	ttl := sess.ExpiresAt.Sub(r.now()) + retentionGrace
	if ttl <= 0 {
		return errors.New("session already expired")
	}

	key := r.sessionKey(sess.ID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"account": sess.AccountID,
			"device":  sess.DeviceFingerprint,
			"created": sess.CreatedAt.UnixMilli(),
			"rotated": sess.LastRotatedAt.UnixMilli(),
			"expires": sess.ExpiresAt.UnixMilli(),
			"jti":     sess.CurrentJTI,
			"status":  string(sess.Status),
		})
		pipe.PExpire(ctx, key, ttl)
		pipe.SAdd(ctx, r.accountKey(sess.AccountID), sess.ID)
		pipe.PExpire(ctx, r.accountKey(sess.AccountID), ttl)
		return nil
	})
	if err != nil {
		return storeErr(err)
	}
	return nil
}

// Get fetches one session record by ID.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	fields, err := r.client.HGetAll(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return buildSession(id, fields)
}

// ListByAccount returns the account's session records, newest first.
// Index entries whose record has already lapsed are pruned as a side
// effect.
func (r *Registry) ListByAccount(ctx context.Context, accountID string) ([]*Session, error) {
	ids, err := r.client.SMembers(ctx, r.accountKey(accountID)).Result()
	if err != nil {
		return nil, storeErr(err)
	}

	sessions := make([]*Session, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		sess, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	if len(stale) > 0 {
		// Best effort; a failed prune only leaves index entries that the
		// next listing will retry.
		r.client.SRem(ctx, r.accountKey(accountID), stale...)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID > sessions[j].ID
	})
	return sessions, nil
}

// MarkRotated atomically records a successful refresh rotation. It reports
// false when the session no longer exists or is no longer active.
func (r *Registry) MarkRotated(ctx context.Context, id, newJTI string, rotatedAt time.Time) (bool, error) {
	res, err := markRotatedScript.Run(ctx, r.client,
		[]string{r.sessionKey(id)},
		newJTI, rotatedAt.UnixMilli(),
	).Int64()
	if err != nil {
		return false, storeErr(err)
	}
	return res == 1, nil
}

// Extend pushes a still-active session's expiry to newExpiry, stretching
// both the record key and the account index key. Used by sliding-expiry
// policies on successful rotation. Reports false when the session is gone
// or inactive.
func (r *Registry) Extend(ctx context.Context, id, accountID string, newExpiry time.Time) (bool, error) {
	ttl := newExpiry.Sub(r.now()) + retentionGrace
	if ttl <= 0 {
		return false, nil
	}
	res, err := extendScript.Run(ctx, r.client,
		[]string{r.sessionKey(id), r.accountKey(accountID)},
		newExpiry.UnixMilli(), ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, storeErr(err)
	}
	return res == 1, nil
}

// Terminate marks the session terminated and returns the refresh token it
// was holding so the caller can blacklist it. Terminating an already
// terminated session returns ErrNotFound-free success with no token.
func (r *Registry) Terminate(ctx context.Context, id string) (*RevokedToken, error) {
	res, err := terminateScript.Run(ctx, r.client, []string{r.sessionKey(id)}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, storeErr(err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return nil, ErrUnavailable
	}

	prev, _ := vals[2].(string)
	if Status(prev) != StatusActive {
		return nil, nil
	}

	jti, _ := vals[0].(string)
	expiresRaw, _ := vals[1].(string)
	expiresMs, err := strconv.ParseInt(expiresRaw, 10, 64)
	if err != nil {
		return nil, ErrUnavailable
	}
	if jti == "" {
		return nil, nil
	}
	return &RevokedToken{JTI: jti, ExpiresAt: time.UnixMilli(expiresMs)}, nil
}

// TerminateAll terminates every session of the account except the one
// named by exceptID (pass "" to terminate all), returning the refresh
// tokens that were live across the terminated sessions.
func (r *Registry) TerminateAll(ctx context.Context, accountID, exceptID string) ([]RevokedToken, error) {
	ids, err := r.client.SMembers(ctx, r.accountKey(accountID)).Result()
	if err != nil {
		return nil, storeErr(err)
	}

	var revoked []RevokedToken
	for _, id := range ids {
		if exceptID != "" && id == exceptID {
			continue
		}
		tok, err := r.Terminate(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return revoked, err
		}
		if tok != nil {
			revoked = append(revoked, *tok)
		}
	}
	return revoked, nil
}

// SweepExpired scans session records and flips active ones past their
// expiry to expired. It returns the number of records transitioned.
func (r *Registry) SweepExpired(ctx context.Context) (int, error) {
	now := r.now().UnixMilli()
	var swept int

	iter := r.client.Scan(ctx, 0, r.prefix+":sess:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := r.client.HMGet(ctx, key, "status", "expires").Result()
		if err != nil {
			return swept, storeErr(err)
		}
		status, _ := fields[0].(string)
		expiresRaw, _ := fields[1].(string)
		if Status(status) != StatusActive || expiresRaw == "" {
			continue
		}
		expiresMs, err := strconv.ParseInt(expiresRaw, 10, 64)
		if err != nil || expiresMs > now {
			continue
		}
		if err := r.client.HSet(ctx, key, "status", string(StatusExpired)).Err(); err != nil {
			return swept, storeErr(err)
		}
		swept++
	}
	if err := iter.Err(); err != nil {
		return swept, storeErr(err)
	}
	return swept, nil
}

func buildSession(id string, fields map[string]string) (*Session, error) {
	created, err := strconv.ParseInt(fields["created"], 10, 64)
	if err != nil {
		return nil, ErrUnavailable
	}
	rotated, err := strconv.ParseInt(fields["rotated"], 10, 64)
	if err != nil {
		return nil, ErrUnavailable
	}
	expires, err := strconv.ParseInt(fields["expires"], 10, 64)
	if err != nil {
		return nil, ErrUnavailable
	}

	return &Session{
		ID:                id,
		AccountID:         fields["account"],
		DeviceFingerprint: fields["device"],
		CreatedAt:         time.UnixMilli(created),
		LastRotatedAt:     time.UnixMilli(rotated),
		ExpiresAt:         time.UnixMilli(expires),
		CurrentJTI:        fields["jti"],
		Status:            Status(fields["status"]),
	}, nil
}

func storeErr(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return errors.Join(ErrUnavailable, err)
}
