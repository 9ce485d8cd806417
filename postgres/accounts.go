package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/authvault/authvault"
)

// DB is the subset of pgxpool.Pool the adapters use. pgxmock satisfies it
// in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AccountStore implements authvault.AccountProvider over PostgreSQL.
// Handles are stored normalized; callers of GetByHandle are expected to
// pass the normalized form (the service does).
type AccountStore struct {
	db DB
}

var _ authvault.AccountProvider = (*AccountStore)(nil)

// NewAccountStore creates an AccountStore on the given pool.
func NewAccountStore(db DB) *AccountStore {
	return &AccountStore{db: db}
}

// GetByHandle retrieves an account by its normalized login handle.
func (s *AccountStore) GetByHandle(ctx context.Context, handle string) (authvault.Account, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, handle, password_hash, active
		FROM accounts
		WHERE handle = $1
	`, handle)
	return scanAccount(row, "handle", handle)
}

// GetByID retrieves an account by its identifier.
func (s *AccountStore) GetByID(ctx context.Context, id string) (authvault.Account, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, handle, password_hash, active
		FROM accounts
		WHERE id = $1
	`, id)
	return scanAccount(row, "id", id)
}

// UpdatePasswordHash replaces the stored credential hash, bumping
// updated_at.
func (s *AccountStore) UpdatePasswordHash(ctx context.Context, id, newHash string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE accounts
		SET password_hash = $2, updated_at = now()
		WHERE id = $1
	`, id, newHash)
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").
			With("operation", "update password_hash").
			With("account_id", id).
			Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return authvault.ErrAccountNotFound
	}
	return nil
}

func scanAccount(row pgx.Row, keyName, keyValue string) (authvault.Account, error) {
	var account authvault.Account
	err := row.Scan(&account.ID, &account.Handle, &account.PasswordHash, &account.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authvault.Account{}, authvault.ErrAccountNotFound
		}
		return authvault.Account{}, oops.Code("ACCOUNT_QUERY_FAILED").
			With("operation", "select account").
			With(keyName, keyValue).
			Wrap(err)
	}
	return account, nil
}
