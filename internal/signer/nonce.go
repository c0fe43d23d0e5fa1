package signer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NonceRegistry tracks single-use grant nonces in the metadata database.
// Durability matters here: a restart must not resurrect consumed nonces,
// so they live in sqlite rather than memory.
type NonceRegistry struct {
	db  *sql.DB
	now func() time.Time
}

// NewNonceRegistry creates a registry backed by db.
func NewNonceRegistry(db *sql.DB) *NonceRegistry {
	return &NonceRegistry{db: db, now: time.Now}
}

// Issue registers a fresh nonce bound to scope, valid for ttl.
func (r *NonceRegistry) Issue(ctx context.Context, scope string, ttl time.Duration) (string, error) {
	nonce := uuid.NewString()
	expires := r.now().Add(ttl).UnixMilli()
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO nonces (nonce, scope, expires_at) VALUES (?, ?, ?)`,
		nonce, scope, expires); err != nil {
		return "", fmt.Errorf("issue nonce: %w", err)
	}
	return nonce, nil
}

// Consume atomically checks and removes a nonce. Exactly one concurrent
// caller can succeed for a given nonce; everyone else gets ErrDenied.
// A nonce past its expiry is removed and reported as ErrExpired.
func (r *NonceRegistry) Consume(ctx context.Context, nonce, scope string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var storedScope string
	var expiresAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT scope, expires_at FROM nonces WHERE nonce = ?`, nonce).
		Scan(&storedScope, &expiresAt)
	if err == sql.ErrNoRows {
		return ErrDenied
	}
	if err != nil {
		return fmt.Errorf("lookup nonce: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM nonces WHERE nonce = ?`, nonce); err != nil {
		return fmt.Errorf("consume nonce: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if r.now().UnixMilli() > expiresAt {
		return ErrExpired
	}
	if storedScope != scope {
		return ErrDenied
	}
	return nil
}

// Sweep removes expired nonces and returns how many were reaped.
func (r *NonceRegistry) Sweep(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM nonces WHERE expires_at < ?`, r.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep nonces: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
