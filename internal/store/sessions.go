package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"time"

	"github.com/kasgate/kasgate/internal/core"
	"github.com/kasgate/kasgate/internal/kas"
)

const sessionColumns = `id, merchant_id, address, address_index, amount_sompi, status,
	tx_id, confirmations, order_id, metadata, redirect_url, subscription_token,
	created_at, expires_at, paid_at, confirmed_at`

// CreateSession inserts a session row. A unique-constraint hit on
// (merchant_id, address_index) means the address allocator raced, which the
// allocator's row lock is supposed to make impossible; surface it as a
// conflict so the engine fails closed.
func (t *Tx) CreateSession(ctx context.Context, s *core.Session) error {
	md, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if s.Metadata == nil {
		md = []byte("{}")
	}
	_, err = t.exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.MerchantID, s.Address, s.AddressIndex, s.AmountSompi, string(s.Status),
		s.TxID, s.Confirmations, s.OrderID, string(md), s.RedirectURL, s.SubscriptionToken,
		toMillis(s.CreatedAt), toMillis(s.ExpiresAt), toNullMillis(s.PaidAt), toNullMillis(s.ConfirmedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return &core.ConflictError{Resource: "session", Detail: s.ID}
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (t *Tx) GetSession(ctx context.Context, id string) (*core.Session, error) {
	return scanSession(t.queryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

// GetSessionByAddress loads the session watching the given address.
// Addresses are never reused, so at most one row matches.
func (t *Tx) GetSessionByAddress(ctx context.Context, address string) (*core.Session, error) {
	return scanSession(t.queryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE address = ?`, address))
}

// UpdateSessionState persists the mutable lifecycle fields after an engine
// transition.
func (t *Tx) UpdateSessionState(ctx context.Context, s *core.Session) error {
	res, err := t.exec(ctx,
		`UPDATE sessions SET status = ?, tx_id = ?, confirmations = ?, paid_at = ?, confirmed_at = ?
		 WHERE id = ?`,
		string(s.Status), s.TxID, s.Confirmations,
		toNullMillis(s.PaidAt), toNullMillis(s.ConfirmedAt), s.ID)
	if err != nil {
		return fmt.Errorf("update session %s: %w", s.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	Status core.SessionStatus // empty = all
	Limit  int
	Offset int
}

// ListSessions returns a merchant's sessions, newest first, plus the total
// count matching the filter.
func (t *Tx) ListSessions(ctx context.Context, merchantID string, f SessionFilter) ([]*core.Session, int64, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}

	where := `WHERE merchant_id = ?`
	args := []interface{}{merchantID}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(f.Status))
	}

	var total int64
	if err := t.queryRow(ctx, `SELECT COUNT(*) FROM sessions `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := t.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions `+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*core.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// ExpiredPending returns pending sessions whose expiry has passed, oldest
// first, for the sweeper.
func (t *Tx) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]*core.Session, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := t.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? AND expires_at <= ? ORDER BY expires_at LIMIT ?`,
		string(core.StatusPending), toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer rows.Close()

	var out []*core.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// WatchedSessions returns sessions in a non-terminal state (pending or
// confirming); used at startup to re-register addresses with the watcher.
func (t *Tx) WatchedSessions(ctx context.Context) ([]*core.Session, error) {
	rows, err := t.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status IN (?, ?)`,
		string(core.StatusPending), string(core.StatusConfirming))
	if err != nil {
		return nil, fmt.Errorf("query watched sessions: %w", err)
	}
	defer rows.Close()

	var out []*core.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MerchantStats aggregates session counts, received sompi, and dead-letter
// backlog for one merchant.
func (t *Tx) MerchantStats(ctx context.Context, merchantID string) (*core.Stats, error) {
	stats := &core.Stats{MerchantID: merchantID, ByStatus: map[string]int64{}}

	rows, err := t.query(ctx,
		`SELECT status, COUNT(*) FROM sessions WHERE merchant_id = ? GROUP BY status`, merchantID)
	if err != nil {
		return nil, fmt.Errorf("stats by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = n
		stats.TotalSessions += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Received = sum of confirmed amounts. Amounts are TEXT, so sum in Go.
	confRows, err := t.query(ctx,
		`SELECT amount_sompi FROM sessions WHERE merchant_id = ? AND status = ?`,
		merchantID, string(core.StatusConfirmed))
	if err != nil {
		return nil, fmt.Errorf("stats received: %w", err)
	}
	defer confRows.Close()
	for confRows.Next() {
		var amt kas.Amount
		if err := confRows.Scan(&amt); err != nil {
			return nil, err
		}
		stats.ReceivedSompi = stats.ReceivedSompi.Add(amt)
	}
	if err := confRows.Err(); err != nil {
		return nil, err
	}

	err = t.queryRow(ctx,
		`SELECT COUNT(*) FROM webhook_logs l JOIN sessions s ON s.id = l.session_id
		 WHERE s.merchant_id = ? AND l.delivered_at IS NULL AND l.next_retry_at IS NULL AND l.attempts > 0`,
		merchantID).Scan(&stats.DeadLetterLogs)
	if err != nil {
		return nil, fmt.Errorf("stats dead letters: %w", err)
	}
	return stats, nil
}

func scanSession(row rowScanner) (*core.Session, error) {
	var (
		s         core.Session
		status    string
		md        string
		created   int64
		expires   int64
		paid      sql.NullInt64
		confirmed sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.MerchantID, &s.Address, &s.AddressIndex, &s.AmountSompi, &status,
		&s.TxID, &s.Confirmations, &s.OrderID, &md, &s.RedirectURL, &s.SubscriptionToken,
		&created, &expires, &paid, &confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.Status = core.SessionStatus(status)
	if md != "" && md != "{}" {
		if err := json.Unmarshal([]byte(md), &s.Metadata); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	s.CreatedAt = fromMillis(created)
	s.ExpiresAt = fromMillis(expires)
	s.PaidAt = fromNullMillis(paid)
	s.ConfirmedAt = fromNullMillis(confirmed)
	return &s, nil
}
