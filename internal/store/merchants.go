package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kasgate/kasgate/internal/core"
)

const merchantColumns = `id, xpub, next_address_index, api_key_hash, webhook_url, webhook_secret, created_at`

// CreateMerchant inserts a merchant row (registration flow).
func (t *Tx) CreateMerchant(ctx context.Context, m *core.Merchant) error {
	_, err := t.exec(ctx,
		`INSERT INTO merchants (`+merchantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.XPub, m.NextAddressIndex, string(m.APIKeyHash),
		m.WebhookURL, m.WebhookSecret, toMillis(m.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return &core.ConflictError{Resource: "merchant", Detail: m.ID}
		}
		return fmt.Errorf("insert merchant: %w", err)
	}
	return nil
}

// GetMerchant loads a merchant by id.
func (t *Tx) GetMerchant(ctx context.Context, id string) (*core.Merchant, error) {
	return t.scanMerchant(t.queryRow(ctx,
		`SELECT `+merchantColumns+` FROM merchants WHERE id = ?`, id))
}

// GetMerchantForUpdate loads a merchant with a write lock on the row. On
// Postgres this is SELECT ... FOR UPDATE; on sqlite the single-writer
// connection already serializes the transaction.
func (t *Tx) GetMerchantForUpdate(ctx context.Context, id string) (*core.Merchant, error) {
	q := `SELECT ` + merchantColumns + ` FROM merchants WHERE id = ?`
	if t.dialect == DialectPostgres {
		q += ` FOR UPDATE`
	}
	return t.scanMerchant(t.queryRow(ctx, q, id))
}

// ListMerchants returns every merchant; used at startup to pre-warm the
// derivation cache and re-register watched addresses.
func (t *Tx) ListMerchants(ctx context.Context) ([]*core.Merchant, error) {
	rows, err := t.query(ctx, `SELECT `+merchantColumns+` FROM merchants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list merchants: %w", err)
	}
	defer rows.Close()

	var out []*core.Merchant
	for rows.Next() {
		m, err := scanMerchantRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// BumpNextAddressIndex commits a new next_address_index for the merchant.
// Caller must hold the row via GetMerchantForUpdate in the same transaction.
func (t *Tx) BumpNextAddressIndex(ctx context.Context, merchantID string, next uint32) error {
	res, err := t.exec(ctx,
		`UPDATE merchants SET next_address_index = ? WHERE id = ?`, next, merchantID)
	if err != nil {
		return fmt.Errorf("bump address index: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (t *Tx) scanMerchant(row *sql.Row) (*core.Merchant, error) {
	return scanMerchantRow(row)
}

func scanMerchantRow(row rowScanner) (*core.Merchant, error) {
	var (
		m       core.Merchant
		keyHash string
		created int64
	)
	err := row.Scan(&m.ID, &m.XPub, &m.NextAddressIndex, &keyHash,
		&m.WebhookURL, &m.WebhookSecret, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan merchant: %w", err)
	}
	m.APIKeyHash = []byte(keyHash)
	m.CreatedAt = fromMillis(created)
	return &m, nil
}

// isUniqueViolation sniffs driver-specific unique-constraint errors without
// importing driver error types at call sites.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	// lib/pq: `pq: duplicate key value violates unique constraint ...`
	// modernc sqlite: `constraint failed: UNIQUE constraint failed ...`
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
