package storage

import (
	"context"
	"database/sql"
	"errors"
)

// Config keys kept in the kv table
const (
	KeyMaxUsers     = "maxUsers"
	KeyServicePrice = "servicePrice"
	KeyBTCValue     = "btcValue"
)

// DefaultSettings are applied at startup to any key that is unset
var DefaultSettings = map[string]string{
	KeyMaxUsers:     "100",
	KeyServicePrice: "5",
	KeyBTCValue:     "800",
}

// GetConfig returns a stored value, or fallback if the key is unset
func (s *Storage) GetConfig(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE name = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetConfig stores a value, replacing any previous one
func (s *Storage) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// DefaultConfig stores a value only if the key is unset
func (s *Storage) DefaultConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO kv (name, value) VALUES (?, ?)", key, value)
	return err
}

// ApplyDefaults sets every DefaultSettings entry that is missing
func (s *Storage) ApplyDefaults(ctx context.Context) error {
	for key, value := range DefaultSettings {
		if err := s.DefaultConfig(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}
