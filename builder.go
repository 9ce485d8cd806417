package authvault

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/authvault/authvault/internal/rate"
	"github.com/authvault/authvault/password"
	"github.com/authvault/authvault/session"
	"github.com/authvault/authvault/token"
)

// Builder assembles a [Service]. Zero-value fields fall back to safe
// defaults: DefaultPolicy, a no-op audit sink, the system clock, and no
// metrics.
type Builder struct {
	policy    PolicyConfig
	redis     redis.UniversalClient
	accounts  AccountProvider
	auditSink AuditSink
	clock     Clock
	logger    *slog.Logger
	registry  prometheus.Registerer

	built bool
}

// New starts a builder with the default policy.
func New() *Builder {
	return &Builder{
		policy: DefaultPolicy(),
	}
}

// WithPolicy replaces the whole policy.
func (b *Builder) WithPolicy(cfg PolicyConfig) *Builder {
	b.policy = cfg
	return b
}

// WithRedis sets the Redis client backing sessions, the token denylist,
// lockout counters, and rate limits.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithAccounts sets the account source.
func (b *Builder) WithAccounts(accounts AccountProvider) *Builder {
	b.accounts = accounts
	return b
}

// WithAuditSink sets the audit event destination.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock overrides the time source. Production code never needs this;
// tests use it to drive expiry.
func (b *Builder) WithClock(clock Clock) *Builder {
	b.clock = clock
	return b
}

// WithLogger sets the structured logger for warn/critical audit mirroring
// and operational messages.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithMetrics registers operation counters on the given registry.
func (b *Builder) WithMetrics(reg prometheus.Registerer) *Builder {
	b.registry = reg
	return b
}

// Build validates the configuration and wires the service. A builder can
// only be consumed once.
func (b *Builder) Build() (*Service, error) {
	if b.built {
		return nil, errors.New("builder already consumed")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.accounts == nil {
		return nil, errors.New("account provider required")
	}
	if err := b.policy.Validate(); err != nil {
		return nil, err
	}

	clock := b.clock
	if clock == nil {
		clock = SystemClock
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      b.policy.Password.Memory,
		Time:        b.policy.Password.Time,
		Parallelism: b.policy.Password.Parallelism,
		SaltLength:  b.policy.Password.SaltLength,
		KeyLength:   b.policy.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	verifier, err := NewCredentialVerifier(b.accounts, hasher)
	if err != nil {
		return nil, err
	}

	issuer, err := token.NewIssuer(token.Config{
		AccessTTL:     b.policy.Token.AccessTTL,
		RefreshTTL:    b.policy.Token.RefreshTTL,
		SigningMethod: token.SigningMethod(b.policy.Token.SigningMethod),
		PrivateKey:    b.policy.Token.PrivateKey,
		PublicKey:     b.policy.Token.PublicKey,
		Issuer:        b.policy.Token.Issuer,
		Audience:      b.policy.Token.Audience,
		Leeway:        b.policy.Token.Leeway,
	}, clock.Now)
	if err != nil {
		return nil, err
	}

	prefix := b.policy.Session.RedisPrefix
	var metrics *Metrics
	if b.registry != nil {
		metrics = NewMetrics(b.registry)
	}

	svc := &Service{
		policy:   b.policy,
		accounts: b.accounts,
		verifier: verifier,
		issuer:   issuer,
		sessions: session.NewRegistry(b.redis, prefix, clock.Now),
		blacklist: NewBlacklist(b.redis, prefix, b.policy.Token.Leeway, clock.Now),
		lockout: NewLockout(b.redis, prefix,
			b.policy.Lockout.Threshold,
			b.policy.Lockout.Window,
			b.policy.Lockout.Duration,
			clock.Now,
		),
		limiter: rate.New(b.redis, rate.Config{
			EnableIPThrottle:      b.policy.RateLimit.EnableIPThrottle,
			EnableRefreshThrottle: b.policy.RateLimit.EnableRefreshThrottle,
			MaxLoginAttempts:      b.policy.RateLimit.MaxLoginAttempts,
			LoginCooldown:         b.policy.RateLimit.LoginCooldown,
			MaxRefreshAttempts:    b.policy.RateLimit.MaxRefreshAttempts,
			RefreshCooldown:       b.policy.RateLimit.RefreshCooldown,
		}),
		audit:   newRecorder(b.auditSink, logger, clock),
		metrics: metrics,
		logger:  logger,
		clock:   clock,
	}

	b.built = true
	return svc, nil
}
