package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/kasgate/kasgate/internal/core"
	"github.com/kasgate/kasgate/internal/engine"
	"github.com/kasgate/kasgate/internal/kas"
	"github.com/kasgate/kasgate/internal/middleware"
	"github.com/kasgate/kasgate/internal/store"
)

type createSessionRequest struct {
	AmountSompi string            `json:"amount_sompi"`
	AmountKas   string            `json:"amount_kas"`
	TTLSeconds  int               `json:"ttl_seconds"`
	OrderID     string            `json:"order_id"`
	Metadata    map[string]string `json:"metadata"`
	RedirectURL string            `json:"redirect_url"`
}

// createSessionResponse is the only place the subscription token leaves the
// gateway; the widget embeds it for the status stream.
type createSessionResponse struct {
	*core.Session
	SubscriptionToken string `json:"subscription_token"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	merchant, ok := middleware.MerchantFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.Validationf("body", "malformed JSON: %v", err))
		return
	}

	amount, err := parseAmount(req)
	if err != nil {
		writeError(w, err)
		return
	}

	session, err := s.engine.CreateSession(r.Context(), engine.CreateSessionRequest{
		MerchantID:  merchant.ID,
		AmountSompi: amount,
		TTLSeconds:  req.TTLSeconds,
		OrderID:     req.OrderID,
		Metadata:    req.Metadata,
		RedirectURL: req.RedirectURL,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		Session:           session,
		SubscriptionToken: session.SubscriptionToken,
	})
}

func parseAmount(req createSessionRequest) (kas.Amount, error) {
	switch {
	case req.AmountSompi != "":
		amount, err := kas.ParseSompi(req.AmountSompi)
		if err != nil {
			return kas.Amount{}, core.Validationf("amount_sompi", "%v", err)
		}
		return amount, nil
	case req.AmountKas != "":
		amount, err := kas.KasToSompi(req.AmountKas)
		if err != nil {
			return kas.Amount{}, core.Validationf("amount_kas", "%v", err)
		}
		return amount, nil
	default:
		return kas.Amount{}, core.Validationf("amount_sompi", "required")
	}
}

// ownedSession loads the session and enforces merchant ownership.
func (s *Server) ownedSession(r *http.Request) (*core.Session, error) {
	merchant, ok := middleware.MerchantFrom(r.Context())
	if !ok {
		return nil, core.ErrNotFound
	}
	session, err := s.engine.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, err
	}
	if session.MerchantID != merchant.ID {
		return nil, core.ErrNotFound // don't reveal other merchants' ids
	}
	return session, nil
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.ownedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.ownedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cancelled, err := s.engine.CancelSession(r.Context(), session.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	merchant, _ := middleware.MerchantFrom(r.Context())

	q := r.URL.Query()
	filter := store.SessionFilter{
		Status: core.SessionStatus(q.Get("status")),
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	sessions, total, err := s.engine.ListSessions(r.Context(), merchant.ID, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*core.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    total,
	})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	session, err := s.ownedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	logs, err := s.engine.ListWebhookLogs(r.Context(), session.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*core.WebhookLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": logs})
}

func (s *Server) handleRetryWebhook(w http.ResponseWriter, r *http.Request) {
	merchant, _ := middleware.MerchantFrom(r.Context())
	logID := mux.Vars(r)["id"]

	// Ownership check: the log's session must belong to the caller.
	logEntry, err := s.engine.GetWebhookLog(r.Context(), logID)
	if err != nil {
		writeError(w, err)
		return
	}
	session, err := s.engine.GetSession(r.Context(), logEntry.SessionID)
	if err != nil || session.MerchantID != merchant.ID {
		writeError(w, core.ErrNotFound)
		return
	}

	if err := s.dispatcher.RetryDeadLetter(r.Context(), logID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	merchant, _ := middleware.MerchantFrom(r.Context())
	stats, err := s.engine.Stats(r.Context(), merchant.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
