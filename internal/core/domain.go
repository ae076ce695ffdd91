// Package core holds the domain model shared by every KasGate component:
// merchants, payment sessions, webhook logs, and the chain event shape that
// flows from the watchers into the session engine.
package core

import (
	"encoding/json"
	"time"

	"github.com/kasgate/kasgate/internal/kas"
)

// SessionStatus is the lifecycle state of a payment session.
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusConfirming SessionStatus = "confirming"
	StatusConfirmed  SessionStatus = "confirmed"
	StatusExpired    SessionStatus = "expired"
	StatusFailed     SessionStatus = "failed"
)

// Terminal reports whether no further transition can leave this status.
func (s SessionStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusExpired || s == StatusFailed
}

// CanTransitionTo reports whether the lifecycle DAG permits s -> next.
// The only back-edge is confirming -> pending (reorg).
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusConfirming || next == StatusExpired || next == StatusFailed
	case StatusConfirming:
		return next == StatusConfirmed || next == StatusPending || next == StatusExpired
	default:
		return false
	}
}

// WebhookEvent names an event delivered to merchant endpoints.
type WebhookEvent string

const (
	EventPaymentPending    WebhookEvent = "payment.pending"
	EventPaymentConfirming WebhookEvent = "payment.confirming"
	EventPaymentConfirmed  WebhookEvent = "payment.confirmed"
	EventPaymentExpired    WebhookEvent = "payment.expired"
)

// Merchant is a registered gateway tenant. The xPub represents
// m/44'/111111'/0'; the gateway derives /0/index receive addresses from it.
// NextAddressIndex is mutated only by the address service, inside a store
// transaction holding the merchant row.
type Merchant struct {
	ID               string    `json:"id"`
	XPub             string    `json:"-"`
	NextAddressIndex uint32    `json:"next_address_index"`
	APIKeyHash       []byte    `json:"-"`
	WebhookURL       string    `json:"webhook_url"`
	WebhookSecret    string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}

// Session is a time-bounded payment request watching one derived address
// for one exact amount.
type Session struct {
	ID            string            `json:"id"`
	MerchantID    string            `json:"merchant_id"`
	Address       string            `json:"address"`
	AddressIndex  uint32            `json:"address_index"`
	AmountSompi   kas.Amount        `json:"amount_sompi"`
	Status        SessionStatus     `json:"status"`
	TxID          string            `json:"tx_id,omitempty"`
	Confirmations uint64            `json:"confirmations"`
	OrderID       string            `json:"order_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	RedirectURL   string            `json:"redirect_url,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	PaidAt        *time.Time        `json:"paid_at,omitempty"`
	ConfirmedAt   *time.Time        `json:"confirmed_at,omitempty"`

	// SubscriptionToken authorizes the embeddable widget to stream this
	// session's status. Excluded from JSON; never leaves the process except
	// in the create-session response.
	SubscriptionToken string `json:"-"`
}

// WebhookLog is one durable delivery intent. DeliveryID is the idempotency
// key: stable across retries, unique per (session, event).
type WebhookLog struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Event       WebhookEvent `json:"event"`
	Payload     []byte       `json:"-"`
	DeliveryID  string       `json:"delivery_id"`
	Attempts    int          `json:"attempts"`
	StatusCode  *int         `json:"status_code,omitempty"`
	Response    string       `json:"response,omitempty"`
	NextRetryAt *time.Time   `json:"next_retry_at,omitempty"`
	ClaimedAt   *time.Time   `json:"-"`
	CreatedAt   time.Time    `json:"created_at"`
	DeliveredAt *time.Time   `json:"delivered_at,omitempty"`
}

// DeadLettered reports whether this log exhausted its retry budget.
func (l *WebhookLog) DeadLettered() bool {
	return l.DeliveredAt == nil && l.NextRetryAt == nil && l.Attempts > 0
}

// WebhookPayload is the JSON body POSTed to merchant endpoints. The
// timestamp is inside the signed body so merchants can check skew.
type WebhookPayload struct {
	Event      WebhookEvent `json:"event"`
	DeliveryID string       `json:"deliveryId"`
	Timestamp  time.Time    `json:"timestamp"`
	Session    *Session     `json:"session"`
}

// Marshal serializes the payload. Key order is fixed by the struct
// definition, so the HMAC signature is reproducible.
func (p *WebhookPayload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// EventSource tags which feed observed a chain event.
type EventSource string

const (
	SourceRPC  EventSource = "rpc"
	SourceREST EventSource = "rest"
)

// PaymentEvent is the single event shape flowing from the chain watcher to
// the session engine: a transfer to a watched address, a confirmation-depth
// update for it, or its disappearance after a reorg (Removed).
type PaymentEvent struct {
	Address       string
	TxID          string
	AmountSompi   kas.Amount
	Confirmations uint64
	Removed       bool
	Source        EventSource
}

// Stats is the per-merchant aggregate returned by the stats endpoint.
type Stats struct {
	MerchantID     string           `json:"merchant_id"`
	TotalSessions  int64            `json:"total_sessions"`
	ByStatus       map[string]int64 `json:"by_status"`
	ReceivedSompi  kas.Amount       `json:"received_sompi"`
	DeadLetterLogs int64            `json:"dead_letter_logs"`
}
