package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the JWT signature algorithm.
type SigningMethod string

const (
	// MethodHS256 signs with a shared HMAC secret.
	MethodHS256 SigningMethod = "hs256"
	// MethodEd25519 signs with an Ed25519 keypair.
	MethodEd25519 SigningMethod = "ed25519"
)

const (
	// TypeAccess is the typ claim on access tokens.
	TypeAccess = "access"
	// TypeRefresh is the typ claim on refresh tokens.
	TypeRefresh = "refresh"
)

var (
	// ErrExpired indicates a structurally valid token past its expiry.
	ErrExpired = errors.New("token expired")
	// ErrInvalid indicates a malformed token, a bad signature, or a token
	// of the wrong type.
	ErrInvalid = errors.New("token invalid")
)

// Config holds signing and lifetime parameters for the [Issuer].
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// Claims is the claim set carried by both token kinds. TokenType
// distinguishes access from refresh so one can never be replayed as the
// other; SessionID binds the token to exactly one session. Refresh tokens
// additionally carry a unique jti (in RegisteredClaims.ID), which is the
// unit of blacklisting.
type Claims struct {
	TokenType string `json:"typ"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Pair bundles a freshly issued access+refresh token with expiries and the
// refresh token's jti.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	RefreshID        string
}

// Issuer mints and verifies signed tokens. Access tokens are stateless and
// verified by signature and expiry alone; revocation of an individual
// access token is not possible, which the short TTL mitigates.
type Issuer struct {
	config Config
	now    func() time.Time
}

// NewIssuer validates cfg and returns an [Issuer]. now is the injectable
// time source; pass nil to use time.Now.
func NewIssuer(cfg Config, now func() time.Time) (*Issuer, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires private key")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.PublicKey) == 0 {
			return nil, errors.New("ed25519 requires public key")
		}
		if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	if now == nil {
		now = time.Now
	}
	return &Issuer{config: cfg, now: now}, nil
}

// Issue mints a new access+refresh pair for the given account and session.
// The refresh token always carries a fresh jti; jtis are never reused, so
// rotation (Reissue is the same operation) hands every exchange a new
// blacklisting unit.
func (i *Issuer) Issue(accountID, sessionID string) (Pair, error) {
	now := i.now()
	accessExpiry := now.Add(i.config.AccessTTL)
	refreshExpiry := now.Add(i.config.RefreshTTL)
	jti := uuid.NewString()

	access, err := i.sign(Claims{
		TokenType: TypeAccess,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			ExpiresAt: jwt.NewNumericDate(accessExpiry),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    i.config.Issuer,
		},
	})
	if err != nil {
		return Pair{}, err
	}

	refresh, err := i.sign(Claims{
		TokenType: TypeRefresh,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(refreshExpiry),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    i.config.Issuer,
		},
	})
	if err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExpiry,
		RefreshExpiresAt: refreshExpiry,
		RefreshID:        jti,
	}, nil
}

// ParseAccess verifies an access token and returns its claims.
func (i *Issuer) ParseAccess(tokenStr string) (*Claims, error) {
	return i.parse(tokenStr, TypeAccess)
}

// ParseRefresh verifies a refresh token and returns its claims. A token
// without a jti is rejected.
func (i *Issuer) ParseRefresh(tokenStr string) (*Claims, error) {
	claims, err := i.parse(tokenStr, TypeRefresh)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}

// ParseRefreshAllowExpired is ParseRefresh minus the expiry check: an
// authentic refresh token past its lifetime still yields its claims,
// alongside ErrExpired. Logout uses this so an expired token can still
// end the session it names. Any other defect returns (nil, ErrInvalid).
func (i *Issuer) ParseRefreshAllowExpired(tokenStr string) (*Claims, error) {
	claims, err := i.parse(tokenStr, TypeRefresh)
	if err == nil {
		if claims.ID == "" {
			return nil, ErrInvalid
		}
		return claims, nil
	}
	if !errors.Is(err, ErrExpired) {
		return nil, err
	}

	// Re-parse with the expiry window widened past the token's lifetime.
	// The signature and every other claim check still apply.
	farPast := func() time.Time { return time.Unix(0, 0) }
	relaxed := &Issuer{config: i.config, now: farPast}
	claims, relaxedErr := relaxed.parse(tokenStr, TypeRefresh)
	if relaxedErr != nil || claims.ID == "" {
		return nil, ErrInvalid
	}
	return claims, ErrExpired
}

func (i *Issuer) sign(claims Claims) (string, error) {
	if i.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{i.config.Audience}
	}

	tok := jwt.NewWithClaims(i.method(), claims)
	key, err := i.signKey()
	if err != nil {
		return "", err
	}
	return tok.SignedString(key)
}

func (i *Issuer) parse(tokenStr, wantType string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{i.method().Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	}
	if i.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(i.config.Leeway))
	}
	if i.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(i.config.Issuer))
	}
	if i.config.Audience != "" {
		options = append(options, jwt.WithAudience(i.config.Audience))
	}

	parser := jwt.NewParser(options...)
	tok, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != i.method().Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return i.verifyKey()
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalid
	}
	if claims.TokenType != wantType || claims.SessionID == "" || claims.Subject == "" {
		return nil, ErrInvalid
	}

	return claims, nil
}

func (i *Issuer) method() jwt.SigningMethod {
	switch i.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func (i *Issuer) signKey() (interface{}, error) {
	switch i.config.SigningMethod {
	case MethodHS256:
		return i.config.PrivateKey, nil
	default:
		return parseEdPrivateKey(i.config.PrivateKey)
	}
}

func (i *Issuer) verifyKey() (interface{}, error) {
	switch i.config.SigningMethod {
	case MethodHS256:
		return i.config.PrivateKey, nil
	default:
		return parseEdPublicKey(i.config.PublicKey)
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
