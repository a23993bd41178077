package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Store keeps key/value pairs of one namespace in the client_kv table.
type Store struct {
	db *DB
	ns string
}

// NewStore returns a store scoped to namespace.
func NewStore(db *DB, namespace string) *Store {
	if namespace == "" {
		namespace = "default"
	}
	return &Store{db: db, ns: namespace}
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	const q = `SELECT value FROM client_kv WHERE namespace=$1 AND key=$2`
	var v string
	err := s.db.Pool.QueryRow(ctx, q, s.ns, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// Set upserts value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	const q = `
INSERT INTO client_kv (namespace, key, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := s.db.Pool.Exec(ctx, q, s.ns, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Remove deletes keys in one statement.
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	const q = `DELETE FROM client_kv WHERE namespace=$1 AND key = ANY($2)`
	if _, err := s.db.Pool.Exec(ctx, q, s.ns, keys); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	return nil
}

// Keys lists keys starting with prefix in lexical order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	const q = `SELECT key FROM client_kv WHERE namespace=$1 AND starts_with(key, $2) ORDER BY key`
	rows, err := s.db.Pool.Query(ctx, q, s.ns, prefix)
	if err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
