package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const accountColumns = `id, pubkey, paid_through, active`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var paidThrough sql.NullInt64
	if err := row.Scan(&a.ID, &a.PubKey, &paidThrough, &a.Active); err != nil {
		return nil, err
	}
	a.PaidThrough = timeFromNull(paidThrough)
	return &a, nil
}

// GetAccount returns the account for a public key. An account missing from
// the database is returned as an unpersisted default record.
func (s *Storage) GetAccount(ctx context.Context, pubkey string) (*Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE pubkey = ?`, pubkey))
	if errors.Is(err, sql.ErrNoRows) {
		return &Account{PubKey: pubkey}, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetAccountByID returns a persisted account
func (s *Storage) GetAccountByID(ctx context.Context, id int64) (*Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// GetOrCreateAccount returns the account for a public key, persisting it first if needed
func (s *Storage) GetOrCreateAccount(ctx context.Context, pubkey string) (*Account, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO accounts (pubkey) VALUES (?)`, pubkey)
	if err != nil {
		return nil, err
	}
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE pubkey = ?`, pubkey))
}

// ListActiveAccounts returns every account flagged active
func (s *Storage) ListActiveAccounts(ctx context.Context) ([]Account, error) {
	return s.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE active = 1 ORDER BY id`)
}

// ListPaidInactive returns accounts paid past now that are not active
func (s *Storage) ListPaidInactive(ctx context.Context, now time.Time) ([]Account, error) {
	return s.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE active = 0 AND paid_through IS NOT NULL AND paid_through > ? ORDER BY id`,
		now.Unix())
}

func (s *Storage) queryAccounts(ctx context.Context, query string, args ...any) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// CountActiveAccounts returns the number of active accounts
func (s *Storage) CountActiveAccounts(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM accounts WHERE active = 1").Scan(&count)
	return count, err
}

// SetActive sets the active flag of an account
func (s *Storage) SetActive(ctx context.Context, accountID int64, active bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET active = ? WHERE id = ?", active, accountID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateExpired flips every active account whose paid_through has passed
// to inactive and returns how many were changed
func (s *Storage) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET active = 0
		 WHERE active = 1 AND (paid_through IS NULL OR paid_through < ?)`,
		now.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ExtendPaidThrough adds period to max(now, paid_through) without an invoice.
// It returns the account before and after the change.
func (s *Storage) ExtendPaidThrough(ctx context.Context, accountID int64, now time.Time, period time.Duration) (before, after *Account, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		before, after, err = extendTx(ctx, tx, accountID, now, period)
		return err
	})
	return before, after, err
}

// NextPaidThrough computes the paid-through date after adding one period
func NextPaidThrough(current, now time.Time, period time.Duration) time.Time {
	base := current
	if base.IsZero() || base.Before(now) {
		base = now
	}
	return base.Add(period)
}

func extendTx(ctx context.Context, tx *sql.Tx, accountID int64, now time.Time, period time.Duration) (*Account, *Account, error) {
	before, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	after := *before
	after.PaidThrough = NextPaidThrough(before.PaidThrough, now, period)

	if _, err := tx.ExecContext(ctx,
		"UPDATE accounts SET paid_through = ? WHERE id = ?",
		after.PaidThrough.Unix(), accountID,
	); err != nil {
		return nil, nil, err
	}
	return before, &after, nil
}
