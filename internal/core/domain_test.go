package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasgate/kasgate/internal/kas"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusConfirming.Terminal())
	assert.True(t, StatusConfirmed.Terminal())
	assert.True(t, StatusExpired.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestStatusTransitions(t *testing.T) {
	allowed := map[SessionStatus][]SessionStatus{
		StatusPending:    {StatusConfirming, StatusExpired, StatusFailed},
		StatusConfirming: {StatusConfirmed, StatusPending, StatusExpired},
		StatusConfirmed:  {},
		StatusExpired:    {},
		StatusFailed:     {},
	}
	all := []SessionStatus{StatusPending, StatusConfirming, StatusConfirmed, StatusExpired, StatusFailed}

	for from, tos := range allowed {
		ok := make(map[SessionStatus]bool, len(tos))
		for _, to := range tos {
			ok[to] = true
		}
		for _, to := range all {
			assert.Equal(t, ok[to], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestSessionJSONHidesSecrets(t *testing.T) {
	s := &Session{
		ID:                "sess_1",
		AmountSompi:       kas.NewAmountFromUint64(100),
		Status:            StatusPending,
		SubscriptionToken: "topsecret",
		CreatedAt:         time.Now(),
		ExpiresAt:         time.Now(),
	}
	out, err := json.Marshal(s)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "topsecret")
	assert.Contains(t, string(out), `"amount_sompi":"100"`)
}

func TestMerchantJSONHidesSecrets(t *testing.T) {
	m := &Merchant{
		ID:            "m1",
		XPub:          "kpub-should-not-appear",
		APIKeyHash:    []byte("hash-should-not-appear"),
		WebhookSecret: "whsec-should-not-appear",
	}
	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "appear")
}

func TestWebhookLogDeadLettered(t *testing.T) {
	now := time.Now()

	fresh := &WebhookLog{}
	assert.False(t, fresh.DeadLettered())

	retrying := &WebhookLog{Attempts: 3, NextRetryAt: &now}
	assert.False(t, retrying.DeadLettered())

	delivered := &WebhookLog{Attempts: 2, DeliveredAt: &now}
	assert.False(t, delivered.DeadLettered())

	dead := &WebhookLog{Attempts: 8}
	assert.True(t, dead.DeadLettered())
}

func TestWebhookPayloadMarshal(t *testing.T) {
	p := &WebhookPayload{
		Event:      EventPaymentConfirmed,
		DeliveryID: "dlv_1",
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Session:    &Session{ID: "sess_1", Status: StatusConfirmed},
	}
	body, err := p.Marshal()
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Contains(t, decoded, "event")
	assert.Contains(t, decoded, "deliveryId")
	assert.Contains(t, decoded, "timestamp")
	assert.Contains(t, decoded, "session")
}
