package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const invoiceColumns = `id, account_id, address, private_key, expected_payment,
	requested_at, received, sweep_started_at, credited_at`

func scanInvoice(row rowScanner) (*Invoice, error) {
	var inv Invoice
	var requestedAt int64
	var sweepStarted, credited sql.NullInt64
	err := row.Scan(&inv.ID, &inv.AccountID, &inv.Address, &inv.PrivateKey,
		&inv.ExpectedPayment, &requestedAt, &inv.Received, &sweepStarted, &credited)
	if err != nil {
		return nil, err
	}
	inv.RequestedAt = time.Unix(requestedAt, 0)
	inv.SweepStartedAt = timeFromNull(sweepStarted)
	inv.CreditedAt = timeFromNull(credited)
	return &inv, nil
}

// CreateInvoice inserts a new unpaid invoice. Addresses must be freshly
// generated; reusing one returns ErrAlreadyExists.
func (s *Storage) CreateInvoice(ctx context.Context, accountID int64, address, privateKey string, expected int64, now time.Time) (*Invoice, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO invoices (account_id, address, private_key, expected_payment, requested_at)
		 VALUES (?, ?, ?, ?, ?)`,
		accountID, address, privateKey, expected, now.Unix(),
	)
	if isUniqueViolation(err) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, err
	}

	id, _ := result.LastInsertId()
	return &Invoice{
		ID:              id,
		AccountID:       accountID,
		Address:         address,
		PrivateKey:      privateKey,
		ExpectedPayment: expected,
		RequestedAt:     time.Unix(now.Unix(), 0),
	}, nil
}

// GetInvoice returns the invoice for a payment address
func (s *Storage) GetInvoice(ctx context.Context, address string) (*Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE address = ?`, address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inv, err
}

// ListPollable returns unpaid invoices requested after now-maxAge, plus every
// invoice left in the sweeping state regardless of its age
func (s *Storage) ListPollable(ctx context.Context, now time.Time, maxAge time.Duration) ([]Invoice, error) {
	return s.queryInvoices(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE received = 0 AND (requested_at > ? OR sweep_started_at IS NOT NULL)
		 ORDER BY id`,
		now.Add(-maxAge).Unix())
}

// ListUncredited returns paid invoices whose payment never reached the account
func (s *Storage) ListUncredited(ctx context.Context) ([]Invoice, error) {
	return s.queryInvoices(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE received = 1 AND credited_at IS NULL ORDER BY id`)
}

func (s *Storage) queryInvoices(ctx context.Context, query string, args ...any) ([]Invoice, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

// MarkSweeping records that enough funds were seen and a sweep is starting.
// Returns true if this call set the flag.
func (s *Storage) MarkSweeping(ctx context.Context, address string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET sweep_started_at = ?
		 WHERE address = ? AND received = 0 AND sweep_started_at IS NULL`,
		now.Unix(), address,
	)
	if err != nil {
		return false, err
	}

	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

// MarkPaid flips an invoice from unpaid to paid. Only the one call that
// performs the flip gets true; every other caller gets false.
func (s *Storage) MarkPaid(ctx context.Context, address string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE invoices SET received = 1 WHERE address = ? AND received = 0",
		address,
	)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// CreditInvoice applies a paid invoice to its account exactly once: the
// credited_at stamp and the paid_through extension commit together. Returns
// credited=false when the invoice is unpaid or was already credited.
func (s *Storage) CreditInvoice(ctx context.Context, invoiceID int64, now time.Time, period time.Duration) (before, after *Account, credited bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var accountID int64
		err := tx.QueryRowContext(ctx,
			`UPDATE invoices SET credited_at = ?
			 WHERE id = ? AND received = 1 AND credited_at IS NULL
			 RETURNING account_id`,
			now.Unix(), invoiceID,
		).Scan(&accountID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		before, after, err = extendTx(ctx, tx, accountID, now, period)
		if err != nil {
			return err
		}
		credited = true
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	return before, after, credited, nil
}
