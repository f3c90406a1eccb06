package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

type kvRow struct {
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Store keeps key-value pairs in the connector_kv table.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM connector_kv WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Update runs fn inside a transaction holding an advisory lock on key, so
// concurrent updates of the same key, including the first insert, are
// serialized.
func (s *Store) Update(ctx context.Context, key string, fn func(current string, exists bool) (string, error)) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}

	var current string
	exists := true
	err = tx.GetContext(ctx, &current, `SELECT value FROM connector_kv WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}

	next, err := fn(current, exists)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO connector_kv (key, value, updated_at)
        VALUES (:key, :value, :updated_at)
        ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
    `
	if _, err := tx.NamedExecContext(ctx, query, kvRow{Key: key, Value: next, UpdatedAt: time.Now().UTC()}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
