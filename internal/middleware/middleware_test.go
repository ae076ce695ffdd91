package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasgate/kasgate/internal/core"
	"github.com/kasgate/kasgate/internal/store"
)

func authedStore(t *testing.T, apiKey string) *store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, t.TempDir(), "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hash, err := HashAPIKey(apiKey)
	require.NoError(t, err)
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateMerchant(ctx, &core.Merchant{
			ID:         "m1",
			XPub:       "kpub",
			APIKeyHash: hash,
			WebhookURL: "https://example.com/hook",
		})
	}))
	return st
}

func TestAuthMiddleware(t *testing.T) {
	st := authedStore(t, "sk_live_good")
	auth := NewAuth(st)

	var gotMerchant *core.Merchant
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMerchant, _ = MerchantFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(merchantID, apiKey string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
		if merchantID != "" {
			req.Header.Set("X-Merchant-Id", merchantID)
		}
		if apiKey != "" {
			req.Header.Set("X-Api-Key", apiKey)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, do("m1", "sk_live_good"))
	require.NotNil(t, gotMerchant)
	assert.Equal(t, "m1", gotMerchant.ID)

	assert.Equal(t, http.StatusUnauthorized, do("", ""))
	assert.Equal(t, http.StatusUnauthorized, do("m1", ""))
	assert.Equal(t, http.StatusUnauthorized, do("m1", "sk_live_wrong"))
	assert.Equal(t, http.StatusUnauthorized, do("ghost", "sk_live_good"))
}

func TestMemoryLimiter(t *testing.T) {
	l := NewMemoryLimiter(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(ctx, "m1"), "request %d", i)
	}
	assert.False(t, l.Allow(ctx, "m1"))

	// Budgets are per key.
	assert.True(t, l.Allow(ctx, "m2"))
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewMemoryLimiter(1)
	handler := RateLimit(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(merchant *core.Merchant) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if merchant != nil {
			req = req.WithContext(context.WithValue(req.Context(), merchantKey, merchant))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	m1 := &core.Merchant{ID: "m1"}
	assert.Equal(t, http.StatusNoContent, do(m1))
	assert.Equal(t, http.StatusTooManyRequests, do(m1))
	// A different merchant has its own window.
	assert.Equal(t, http.StatusNoContent, do(&core.Merchant{ID: "m2"}))
}
