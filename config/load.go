// Package config loads a PolicyConfig from a YAML file. Only keys present
// in the file override the defaults, so a deployment states just what it
// changes.
package config

import (
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/authvault/authvault"
)

// Load reads path and overlays it onto authvault.DefaultPolicy. The
// result is not validated; the Builder validates on Build.
func Load(path string) (authvault.PolicyConfig, error) {
	policy := authvault.DefaultPolicy()

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return policy, err
	}

	if k.Exists("token.access_ttl") {
		policy.Token.AccessTTL = k.Duration("token.access_ttl")
	}
	if k.Exists("token.refresh_ttl") {
		policy.Token.RefreshTTL = k.Duration("token.refresh_ttl")
	}
	if k.Exists("token.signing_method") {
		policy.Token.SigningMethod = k.String("token.signing_method")
	}
	if k.Exists("token.private_key") {
		policy.Token.PrivateKey = []byte(k.String("token.private_key"))
	}
	if k.Exists("token.public_key") {
		policy.Token.PublicKey = []byte(k.String("token.public_key"))
	}
	if k.Exists("token.issuer") {
		policy.Token.Issuer = k.String("token.issuer")
	}
	if k.Exists("token.audience") {
		policy.Token.Audience = k.String("token.audience")
	}
	if k.Exists("token.leeway") {
		policy.Token.Leeway = k.Duration("token.leeway")
	}

	if k.Exists("lockout.threshold") {
		policy.Lockout.Threshold = k.Int("lockout.threshold")
	}
	if k.Exists("lockout.window") {
		policy.Lockout.Window = k.Duration("lockout.window")
	}
	if k.Exists("lockout.duration") {
		policy.Lockout.Duration = k.Duration("lockout.duration")
	}

	if k.Exists("session.redis_prefix") {
		policy.Session.RedisPrefix = k.String("session.redis_prefix")
	}
	if k.Exists("session.max_lifetime") {
		policy.Session.MaxLifetime = k.Duration("session.max_lifetime")
	}
	if k.Exists("session.sliding_expiry") {
		policy.Session.SlidingExpiry = k.Bool("session.sliding_expiry")
	}
	if k.Exists("session.max_sessions_per_account") {
		policy.Session.MaxSessionsPerAccount = k.Int("session.max_sessions_per_account")
	}

	if k.Exists("rate_limit.enable_ip_throttle") {
		policy.RateLimit.EnableIPThrottle = k.Bool("rate_limit.enable_ip_throttle")
	}
	if k.Exists("rate_limit.max_login_attempts") {
		policy.RateLimit.MaxLoginAttempts = k.Int("rate_limit.max_login_attempts")
	}
	if k.Exists("rate_limit.login_cooldown") {
		policy.RateLimit.LoginCooldown = k.Duration("rate_limit.login_cooldown")
	}
	if k.Exists("rate_limit.enable_refresh_throttle") {
		policy.RateLimit.EnableRefreshThrottle = k.Bool("rate_limit.enable_refresh_throttle")
	}
	if k.Exists("rate_limit.max_refresh_attempts") {
		policy.RateLimit.MaxRefreshAttempts = k.Int("rate_limit.max_refresh_attempts")
	}
	if k.Exists("rate_limit.refresh_cooldown") {
		policy.RateLimit.RefreshCooldown = k.Duration("rate_limit.refresh_cooldown")
	}

	if k.Exists("theft_response.terminate_session_on_reuse") {
		policy.TheftResponse.TerminateSessionOnReuse = k.Bool("theft_response.terminate_session_on_reuse")
	}

	if k.Exists("password.memory_kb") {
		policy.Password.Memory = uint32(k.Int("password.memory_kb"))
	}
	if k.Exists("password.time") {
		policy.Password.Time = uint32(k.Int("password.time"))
	}
	if k.Exists("password.parallelism") {
		policy.Password.Parallelism = uint8(k.Int("password.parallelism"))
	}
	if k.Exists("password.salt_length") {
		policy.Password.SaltLength = uint32(k.Int("password.salt_length"))
	}
	if k.Exists("password.key_length") {
		policy.Password.KeyLength = uint32(k.Int("password.key_length"))
	}
	if k.Exists("password.upgrade_on_login") {
		policy.Password.UpgradeOnLogin = k.Bool("password.upgrade_on_login")
	}

	return policy, nil
}
