package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kasgate/kasgate/internal/core"
)

const webhookLogColumns = `id, session_id, event, payload, delivery_id, attempts,
	status_code, response, next_retry_at, claimed_at, created_at, delivered_at`

// EnqueueWebhook inserts a delivery intent. The (session_id, event) unique
// constraint makes the enqueue idempotent: replaying a transition inserts
// nothing and keeps the original deliveryId.
func (t *Tx) EnqueueWebhook(ctx context.Context, l *core.WebhookLog) error {
	_, err := t.exec(ctx,
		`INSERT INTO webhook_logs (`+webhookLogColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, event) DO NOTHING`,
		l.ID, l.SessionID, string(l.Event), string(l.Payload), l.DeliveryID, l.Attempts,
		l.StatusCode, l.Response, toNullMillis(l.NextRetryAt), toNullMillis(l.ClaimedAt),
		toMillis(l.CreatedAt), toNullMillis(l.DeliveredAt))
	if err != nil {
		return fmt.Errorf("enqueue webhook: %w", err)
	}
	return nil
}

// DueWebhooks returns queue candidates: not delivered, not dead-lettered,
// retry time reached, and within the attempt budget.
func (t *Tx) DueWebhooks(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*core.WebhookLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.query(ctx,
		`SELECT `+webhookLogColumns+` FROM webhook_logs
		 WHERE delivered_at IS NULL AND next_retry_at IS NOT NULL AND next_retry_at <= ? AND attempts < ?
		 ORDER BY next_retry_at LIMIT ?`,
		toMillis(now), maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("query due webhooks: %w", err)
	}
	defer rows.Close()

	var out []*core.WebhookLog
	for rows.Next() {
		l, err := scanWebhookLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ClaimWebhook acquires a queue row for one worker. The stale-claim cutoff
// (2x the delivery timeout) lets a crashed worker's claim expire. Returns
// false when another worker holds a fresh claim.
func (t *Tx) ClaimWebhook(ctx context.Context, id string, now time.Time, staleBefore time.Time) (bool, error) {
	res, err := t.exec(ctx,
		`UPDATE webhook_logs SET claimed_at = ?
		 WHERE id = ? AND delivered_at IS NULL AND (claimed_at IS NULL OR claimed_at < ?)`,
		toMillis(now), id, toMillis(staleBefore))
	if err != nil {
		return false, fmt.Errorf("claim webhook %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkWebhookDelivered records a 2xx outcome and leaves the queue.
func (t *Tx) MarkWebhookDelivered(ctx context.Context, id string, attempts, statusCode int, response string, at time.Time) error {
	_, err := t.exec(ctx,
		`UPDATE webhook_logs SET attempts = ?, status_code = ?, response = ?,
		 delivered_at = ?, next_retry_at = NULL, claimed_at = NULL WHERE id = ?`,
		attempts, statusCode, response, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("mark webhook delivered %s: %w", id, err)
	}
	return nil
}

// MarkWebhookFailed records a failed attempt. A nil nextRetryAt dead-letters
// the row.
func (t *Tx) MarkWebhookFailed(ctx context.Context, id string, attempts int, statusCode *int, response string, nextRetryAt *time.Time) error {
	_, err := t.exec(ctx,
		`UPDATE webhook_logs SET attempts = ?, status_code = ?, response = ?,
		 next_retry_at = ?, claimed_at = NULL WHERE id = ?`,
		attempts, statusCode, response, toNullMillis(nextRetryAt), id)
	if err != nil {
		return fmt.Errorf("mark webhook failed %s: %w", id, err)
	}
	return nil
}

// GetWebhookLog loads a log row by id.
func (t *Tx) GetWebhookLog(ctx context.Context, id string) (*core.WebhookLog, error) {
	return scanWebhookLog(t.queryRow(ctx,
		`SELECT `+webhookLogColumns+` FROM webhook_logs WHERE id = ?`, id))
}

// ListWebhookLogs returns delivery history for a session, oldest first.
func (t *Tx) ListWebhookLogs(ctx context.Context, sessionID string) ([]*core.WebhookLog, error) {
	rows, err := t.query(ctx,
		`SELECT `+webhookLogColumns+` FROM webhook_logs WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list webhook logs: %w", err)
	}
	defer rows.Close()

	var out []*core.WebhookLog
	for rows.Next() {
		l, err := scanWebhookLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ResetWebhookForRetry re-arms a dead-lettered log: attempts back to zero,
// retry due immediately, same deliveryId. No-op unless dead-lettered.
func (t *Tx) ResetWebhookForRetry(ctx context.Context, id string, now time.Time) error {
	res, err := t.exec(ctx,
		`UPDATE webhook_logs SET attempts = 0, next_retry_at = ?, claimed_at = NULL
		 WHERE id = ? AND delivered_at IS NULL AND next_retry_at IS NULL AND attempts > 0`,
		toMillis(now), id)
	if err != nil {
		return fmt.Errorf("reset webhook %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func scanWebhookLog(row rowScanner) (*core.WebhookLog, error) {
	var (
		l          core.WebhookLog
		event      string
		payload    string
		statusCode sql.NullInt64
		nextRetry  sql.NullInt64
		claimed    sql.NullInt64
		created    int64
		delivered  sql.NullInt64
	)
	err := row.Scan(&l.ID, &l.SessionID, &event, &payload, &l.DeliveryID, &l.Attempts,
		&statusCode, &l.Response, &nextRetry, &claimed, &created, &delivered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook log: %w", err)
	}
	l.Event = core.WebhookEvent(event)
	l.Payload = []byte(payload)
	if statusCode.Valid {
		code := int(statusCode.Int64)
		l.StatusCode = &code
	}
	l.NextRetryAt = fromNullMillis(nextRetry)
	l.ClaimedAt = fromNullMillis(claimed)
	l.CreatedAt = fromMillis(created)
	l.DeliveredAt = fromNullMillis(delivered)
	return &l, nil
}
