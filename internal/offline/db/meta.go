package db

import (
	"context"
	"database/sql"
	"errors"
)

// GetMeta returns the value stored under key. ok is false if unset.
func (db *DB) GetMeta(ctx context.Context, key string) (value string, ok bool, err error) {
	q, err := db.reader("get meta")
	if err != nil {
		return "", false, err
	}
	return getMeta(ctx, q, key)
}

// SetMeta stores value under key, replacing any previous value.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	return db.Update(ctx, func(tx *Tx) error {
		return tx.SetMeta(key, value)
	})
}

// GetMeta reads a meta value inside tx.
func (tx *Tx) GetMeta(key string) (string, bool, error) {
	return getMeta(tx.ctx, tx.tx, key)
}

// SetMeta is DB.SetMeta inside tx.
func (tx *Tx) SetMeta(key, value string) error {
	query := `
	INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	if _, err := tx.tx.ExecContext(tx.ctx, query, key, value, formatTime(tx.now)); err != nil {
		return storageErr("set meta "+key, err)
	}
	return nil
}

func getMeta(ctx context.Context, q querier, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("get meta "+key, err)
	}
	return value, true, nil
}
