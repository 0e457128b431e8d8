package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
)

// Hosts handed out from every block: .1 belongs to the server and .255 is broadcast.
const (
	firstHost = 2
	lastHost  = 254
)

// BlockSize is the number of allocatable addresses in one block
const BlockSize = lastHost - firstHost + 1

// CreateBlock adds an IPv4 /24 network (written like 10.27.75.0) and
// pre-populates all of its allocatable addresses
func (s *Storage) CreateBlock(ctx context.Context, network string) (*AddressBlock, error) {
	prefix, err := netip.ParseAddr(network)
	if err != nil {
		return nil, fmt.Errorf("parse network %q: %w", network, err)
	}
	if !prefix.Is4() || prefix.As4()[3] != 0 {
		return nil, fmt.Errorf("network %q is not an IPv4 /24 base address", network)
	}

	block := &AddressBlock{Network: prefix.String()}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			"INSERT INTO address_blocks (network) VALUES (?)", block.Network)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		if err != nil {
			return err
		}
		block.ID, _ = result.LastInsertId()

		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO addresses (ip, host, block_id) VALUES (?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()

		octets := prefix.As4()
		for host := firstHost; host <= lastHost; host++ {
			octets[3] = byte(host)
			ip := netip.AddrFrom4(octets).String()
			if _, err := stmt.ExecContext(ctx, ip, host, block.ID); err != nil {
				return fmt.Errorf("insert %s: %w", ip, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return block, nil
}

// ListBlocks returns every address block
func (s *Storage) ListBlocks(ctx context.Context) ([]AddressBlock, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, network FROM address_blocks ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []AddressBlock
	for rows.Next() {
		var b AddressBlock
		if err := rows.Scan(&b.ID, &b.Network); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// AddressFor returns the address owned by an account
func (s *Storage) AddressFor(ctx context.Context, accountID int64) (*Address, error) {
	var a Address
	var owner sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, ip, host, account_id, block_id FROM addresses WHERE account_id = ?",
		accountID,
	).Scan(&a.ID, &a.IP, &a.Host, &owner, &a.BlockID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.AccountID = owner.Int64
	return &a, nil
}

// EnsureAssigned makes sure the account owns exactly one address, claiming a
// free one with a single conditional update if it has none
func (s *Storage) EnsureAssigned(ctx context.Context, accountID int64) error {
	if _, err := s.AddressFor(ctx, accountID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE addresses SET account_id = ?
		 WHERE account_id IS NULL AND id = (
			SELECT id FROM addresses WHERE account_id IS NULL ORDER BY id LIMIT 1
		 )`,
		accountID,
	)
	if isUniqueViolation(err) {
		// A concurrent claim for the same account won.
		_, err = s.AddressFor(ctx, accountID)
		return err
	}
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrPoolExhausted
	}
	return nil
}

// Release returns the account's address to the free pool
func (s *Storage) Release(ctx context.Context, accountID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE addresses SET account_id = NULL WHERE account_id = ?", accountID)
	return err
}

// PoolStats returns total and assigned address counts
func (s *Storage) PoolStats(ctx context.Context) (PoolStats, error) {
	var st PoolStats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(account_id) FROM addresses",
	).Scan(&st.Total, &st.Assigned)
	return st, err
}
