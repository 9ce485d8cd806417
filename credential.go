package authvault

import (
	"context"
	"errors"
	"strings"

	"github.com/authvault/authvault/password"
)

// Domains whose local part folds dots and plus-suffixes, so aliases of
// the same mailbox normalize to one handle.
var foldingDomains = map[string]bool{
	"gmail.com":      true,
	"googlemail.com": true,
}

// NormalizeHandle canonicalizes a login handle. Handles are lowercased;
// for mail-style handles on domains that ignore them, dots and plus
// suffixes in the local part are stripped, so alias spellings of one
// mailbox resolve to the same account.
func NormalizeHandle(handle string) string {
	handle = strings.ToLower(strings.TrimSpace(handle))

	at := strings.LastIndexByte(handle, '@')
	if at < 0 {
		return handle
	}

	local, domain := handle[:at], handle[at+1:]
	if !foldingDomains[domain] {
		return handle
	}

	if plus := strings.IndexByte(local, '+'); plus >= 0 {
		local = local[:plus]
	}
	local = strings.ReplaceAll(local, ".", "")
	return local + "@" + domain
}

// CredentialVerifier checks a login secret against the stored credential
// hash. It is read-only: recording failures and lockout is the caller's
// job.
type CredentialVerifier struct {
	accounts AccountProvider
	hasher   *password.Hasher

	// decoyHash is verified against when the handle is unknown or the
	// account is inactive, so the response time does not reveal whether
	// the account exists.
	decoyHash string
}

// NewCredentialVerifier builds a verifier over the given account source.
func NewCredentialVerifier(accounts AccountProvider, hasher *password.Hasher) (*CredentialVerifier, error) {
	decoy, err := hasher.Hash("decoy-credential-timing-equalizer")
	if err != nil {
		return nil, err
	}
	return &CredentialVerifier{
		accounts:  accounts,
		hasher:    hasher,
		decoyHash: decoy,
	}, nil
}

// Verify looks up the account by normalized handle and compares the
// secret against its stored hash in constant time. Every failure mode —
// unknown handle, wrong secret, inactive account — returns the same
// ErrInvalidCredentials, so callers can never distinguish them.
func (v *CredentialVerifier) Verify(ctx context.Context, handle, secret string) (Account, error) {
	account, err := v.accounts.GetByHandle(ctx, NormalizeHandle(handle))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			// Burn the same hashing cost as a real comparison.
			v.hasher.Verify(secret, v.decoyHash)
			return Account{}, ErrInvalidCredentials
		}
		return Account{}, err
	}

	if !account.Active {
		v.hasher.Verify(secret, v.decoyHash)
		return Account{}, ErrInvalidCredentials
	}

	ok, err := v.hasher.Verify(secret, account.PasswordHash)
	if err != nil || !ok {
		return Account{}, ErrInvalidCredentials
	}

	return account, nil
}

// UpgradeHashIfNeeded rehashes the secret with current cost parameters
// when the stored hash was produced with weaker ones, and reports whether
// an upgrade was written. Called only after a successful Verify, when the
// plaintext is briefly available.
func (v *CredentialVerifier) UpgradeHashIfNeeded(ctx context.Context, account Account, secret string) (bool, error) {
	needs, err := v.hasher.NeedsUpgrade(account.PasswordHash)
	if err != nil || !needs {
		return false, err
	}

	newHash, err := v.hasher.Hash(secret)
	if err != nil {
		return false, err
	}
	if err := v.accounts.UpdatePasswordHash(ctx, account.ID, newHash); err != nil {
		return false, err
	}
	return true, nil
}
