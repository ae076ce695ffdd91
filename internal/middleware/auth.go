// Package middleware provides the merchant API's request guards:
// API-key authentication and per-merchant rate limiting.
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/kasgate/kasgate/internal/core"
	"github.com/kasgate/kasgate/internal/store"
)

type contextKey string

const merchantKey contextKey = "merchant"

// MerchantFrom extracts the authenticated merchant from a request context.
func MerchantFrom(ctx context.Context) (*core.Merchant, bool) {
	m, ok := ctx.Value(merchantKey).(*core.Merchant)
	return m, ok
}

// Auth verifies X-Merchant-Id / X-Api-Key against the stored bcrypt hash.
// bcrypt's comparison is constant-time, so key verification leaks no
// timing signal.
type Auth struct {
	store  *store.Store
	logger *slog.Logger
}

// NewAuth builds the auth guard.
func NewAuth(st *store.Store) *Auth {
	return &Auth{store: st, logger: slog.With("component", "auth")}
}

// Middleware rejects unauthenticated requests and stashes the merchant in
// the request context.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		merchantID := r.Header.Get("X-Merchant-Id")
		apiKey := r.Header.Get("X-Api-Key")
		if merchantID == "" || apiKey == "" {
			http.Error(w, `{"error":"missing credentials"}`, http.StatusUnauthorized)
			return
		}

		var merchant *core.Merchant
		err := a.store.WithTx(r.Context(), func(tx *store.Tx) error {
			var err error
			merchant, err = tx.GetMerchant(r.Context(), merchantID)
			return err
		})
		if err != nil {
			http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
			return
		}
		if bcrypt.CompareHashAndPassword(merchant.APIKeyHash, []byte(apiKey)) != nil {
			a.logger.Warn("bad api key", "merchant", merchantID)
			http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), merchantKey, merchant)))
	})
}

// HashAPIKey produces the stored bcrypt hash for a raw key; used by the
// registration flow and test fixtures.
func HashAPIKey(raw string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
}
