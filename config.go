package authvault

import (
	"errors"
	"time"
)

// PolicyConfig gathers every tunable of the authentication core. It is
// passed explicitly into the [Builder]; there is no ambient global state.
type PolicyConfig struct {
	Token         TokenPolicy
	Lockout       LockoutPolicy
	Session       SessionPolicy
	RateLimit     RateLimitPolicy
	TheftResponse TheftResponsePolicy
	Password      PasswordPolicy
}

// TokenPolicy controls token lifetimes and signing.
type TokenPolicy struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "hs256" (default) or "ed25519"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// LockoutPolicy controls the failed-login lockout state machine.
type LockoutPolicy struct {
	// Threshold is the number of consecutive failures within Window that
	// triggers a lockout.
	Threshold int
	// Window is the rolling period over which failures are counted.
	Window time.Duration
	// Duration is how long an account stays locked once the threshold is
	// reached.
	Duration time.Duration
}

// SessionPolicy controls session lifetime and bookkeeping.
type SessionPolicy struct {
	RedisPrefix string
	// MaxLifetime bounds how long a session may live from creation.
	MaxLifetime time.Duration
	// SlidingExpiry extends the session lifetime on every successful
	// rotation. When false the expiry fixed at login is kept.
	SlidingExpiry bool
	// MaxSessionsPerAccount caps concurrent sessions. 0 disables the cap.
	MaxSessionsPerAccount int
}

// RateLimitPolicy controls the advisory request throttles. These are
// independent of account lockout: throttles recover within their cooldown,
// lockout is a stronger, longer-lived security state.
type RateLimitPolicy struct {
	EnableIPThrottle      bool
	MaxLoginAttempts      int
	LoginCooldown         time.Duration
	EnableRefreshThrottle bool
	MaxRefreshAttempts    int
	RefreshCooldown       time.Duration
}

// TheftResponsePolicy controls how the service reacts to a blacklisted
// refresh token being replayed.
type TheftResponsePolicy struct {
	// TerminateSessionOnReuse terminates the whole session when one of its
	// consumed refresh tokens is presented again. A replay strongly
	// suggests token exfiltration, so this defaults to on.
	TerminateSessionOnReuse bool
}

// PasswordPolicy holds the argon2id parameters for credential hashing.
type PasswordPolicy struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	UpgradeOnLogin bool
}

// DefaultPolicy returns the production defaults: 15m access tokens, 14d
// refresh tokens, lockout after 5 failures in 15m for 30m, 30d sessions.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		Token: TokenPolicy{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    14 * 24 * time.Hour,
			SigningMethod: "hs256",
			Issuer:        "authvault",
			Leeway:        30 * time.Second,
		},
		Lockout: LockoutPolicy{
			Threshold: 5,
			Window:    15 * time.Minute,
			Duration:  30 * time.Minute,
		},
		Session: SessionPolicy{
			RedisPrefix:   "av",
			MaxLifetime:   30 * 24 * time.Hour,
			SlidingExpiry: false,
		},
		RateLimit: RateLimitPolicy{
			EnableIPThrottle:      true,
			MaxLoginAttempts:      20,
			LoginCooldown:         10 * time.Minute,
			EnableRefreshThrottle: true,
			MaxRefreshAttempts:    30,
			RefreshCooldown:       time.Minute,
		},
		TheftResponse: TheftResponsePolicy{
			TerminateSessionOnReuse: true,
		},
		Password: PasswordPolicy{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
	}
}

// Validate checks the policy for values that would weaken or break the
// core invariants.
func (c PolicyConfig) Validate() error {
	if c.Token.AccessTTL <= 0 {
		return errors.New("token access TTL must be positive")
	}
	if c.Token.RefreshTTL <= c.Token.AccessTTL {
		return errors.New("token refresh TTL must exceed access TTL")
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
		return errors.New("token leeway must be between 0 and 2 minutes")
	}
	switch c.Token.SigningMethod {
	case "hs256", "ed25519":
	default:
		return errors.New("unsupported signing method")
	}
	if len(c.Token.PrivateKey) == 0 {
		return errors.New("token private key required")
	}
	if c.Lockout.Threshold < 1 {
		return errors.New("lockout threshold must be >= 1")
	}
	if c.Lockout.Window <= 0 {
		return errors.New("lockout window must be positive")
	}
	if c.Lockout.Duration <= 0 {
		return errors.New("lockout duration must be positive")
	}
	if c.Session.MaxLifetime < c.Token.RefreshTTL {
		return errors.New("session max lifetime must cover the refresh TTL")
	}
	if c.Session.RedisPrefix == "" {
		return errors.New("session redis prefix required")
	}
	if c.Session.MaxSessionsPerAccount < 0 {
		return errors.New("session cap must be >= 0")
	}
	if c.RateLimit.MaxLoginAttempts < 1 || c.RateLimit.LoginCooldown <= 0 {
		return errors.New("login rate limit must have positive budget and cooldown")
	}
	if c.RateLimit.EnableRefreshThrottle {
		if c.RateLimit.MaxRefreshAttempts < 1 || c.RateLimit.RefreshCooldown <= 0 {
			return errors.New("refresh rate limit must have positive budget and cooldown")
		}
	}
	return nil
}
