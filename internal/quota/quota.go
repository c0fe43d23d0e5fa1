// Package quota tracks per-user storage accounting.
//
// Usage counts each distinct referenced blob once, whether the nodes holding
// it are live or sitting in the recycle bin; recycled content still occupies
// disk until purged. Reserve is an advisory fast-fail check at upload start;
// the authoritative enforcement happens inside the commit transaction via
// Charge, so a stale reservation can never oversell capacity.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ErrQuotaExceeded indicates an operation would push a user past their limit.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx,
// letting the transactional helpers run inside a caller's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tracker provides quota reads, advisory reservation and reconciliation.
type Tracker struct {
	db           *sql.DB
	defaultLimit int64
}

// NewTracker creates a tracker. defaultLimit applies to users seen for the
// first time; 0 means unlimited.
func NewTracker(db *sql.DB, defaultLimit int64) *Tracker {
	return &Tracker{db: db, defaultLimit: defaultLimit}
}

// EnsureUser creates the quota row for a user if it does not exist yet.
func (t *Tracker) EnsureUser(ctx context.Context, userID int64) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO quota (user_id, used_bytes, limit_bytes) VALUES (?, 0, ?)`,
		userID, t.defaultLimit)
	if err != nil {
		return fmt.Errorf("ensure quota row: %w", err)
	}
	return nil
}

// Reserve checks that n more bytes would fit under the user's limit.
// Purely advisory: nothing is held, and a passing reservation can still be
// beaten to the capacity by a concurrent commit.
func (t *Tracker) Reserve(ctx context.Context, userID, n int64) error {
	used, limit, err := t.Usage(ctx, userID)
	if err != nil {
		return err
	}
	if limit > 0 && used+n > limit {
		return ErrQuotaExceeded
	}
	return nil
}

// Usage returns the user's current used bytes and limit (0 = unlimited).
func (t *Tracker) Usage(ctx context.Context, userID int64) (used, limit int64, err error) {
	err = t.db.QueryRowContext(ctx,
		`SELECT used_bytes, limit_bytes FROM quota WHERE user_id = ?`, userID).
		Scan(&used, &limit)
	if err == sql.ErrNoRows {
		return 0, t.defaultLimit, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read quota: %w", err)
	}
	return used, limit, nil
}

// SetLimit updates a user's quota limit. 0 means unlimited.
func (t *Tracker) SetLimit(ctx context.Context, userID, limit int64) error {
	res, err := t.db.ExecContext(ctx,
		`UPDATE quota SET limit_bytes = ? WHERE user_id = ?`, limit, userID)
	if err != nil {
		return fmt.Errorf("set quota limit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = t.db.ExecContext(ctx,
			`INSERT INTO quota (user_id, used_bytes, limit_bytes) VALUES (?, 0, ?)`,
			userID, limit)
		if err != nil {
			return fmt.Errorf("insert quota row: %w", err)
		}
	}
	return nil
}

// Charge adds delta bytes to a user's usage inside the caller's transaction
// and enforces the limit. On ErrQuotaExceeded the caller must roll back.
func Charge(ctx context.Context, q Querier, userID, delta int64) error {
	if _, err := q.ExecContext(ctx,
		`UPDATE quota SET used_bytes = used_bytes + ? WHERE user_id = ?`,
		delta, userID); err != nil {
		return fmt.Errorf("charge quota: %w", err)
	}

	var used, limit int64
	err := q.QueryRowContext(ctx,
		`SELECT used_bytes, limit_bytes FROM quota WHERE user_id = ?`, userID).
		Scan(&used, &limit)
	if err != nil {
		return fmt.Errorf("read quota: %w", err)
	}
	if limit > 0 && used > limit {
		return ErrQuotaExceeded
	}
	return nil
}

// Credit releases delta bytes of usage inside the caller's transaction,
// clamping at zero so accounting bugs never go negative.
func Credit(ctx context.Context, q Querier, userID, delta int64) error {
	if _, err := q.ExecContext(ctx,
		`UPDATE quota SET used_bytes = MAX(0, used_bytes - ?) WHERE user_id = ?`,
		delta, userID); err != nil {
		return fmt.Errorf("credit quota: %w", err)
	}
	return nil
}

// Drift records a corrected accounting discrepancy.
type Drift struct {
	UserID   int64
	Recorded int64
	Actual   int64
}

// Reconcile recomputes every user's usage from the blob reference table and
// corrects any drift. Runs from the background sweeper; failures are logged
// by the caller and retried on the next cycle.
func (t *Tracker) Reconcile(ctx context.Context) ([]Drift, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT user_id, used_bytes FROM quota`)
	if err != nil {
		return nil, fmt.Errorf("list quota rows: %w", err)
	}

	type entry struct{ userID, used int64 }
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.userID, &e.used); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan quota row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate quota rows: %w", err)
	}
	_ = rows.Close()

	var drifts []Drift
	for _, e := range entries {
		var actual int64
		err := t.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(size), 0) FROM blobs WHERE user_id = ? AND ref_count > 0`,
			e.userID).Scan(&actual)
		if err != nil {
			return drifts, fmt.Errorf("sum blob sizes for user %d: %w", e.userID, err)
		}
		if actual == e.used {
			continue
		}

		if _, err := t.db.ExecContext(ctx,
			`UPDATE quota SET used_bytes = ? WHERE user_id = ?`, actual, e.userID); err != nil {
			return drifts, fmt.Errorf("correct quota for user %d: %w", e.userID, err)
		}
		log.Warn().
			Int64("user_id", e.userID).
			Int64("recorded", e.used).
			Int64("actual", actual).
			Msg("Corrected quota drift")
		drifts = append(drifts, Drift{UserID: e.userID, Recorded: e.used, Actual: actual})
	}
	return drifts, nil
}
