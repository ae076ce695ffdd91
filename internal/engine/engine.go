// Package engine is the authoritative session state machine: it mints
// sessions, consumes the watcher's payment events, matches transfers to
// sessions, tracks confirmation depth, expires stale sessions, and enqueues
// webhooks inside the same transaction as every transition.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kasgate/kasgate/internal/address"
	"github.com/kasgate/kasgate/internal/core"
	"github.com/kasgate/kasgate/internal/kas"
	"github.com/kasgate/kasgate/internal/metrics"
	"github.com/kasgate/kasgate/internal/sanitize"
	"github.com/kasgate/kasgate/internal/store"
)

const (
	minTTL = 60 * time.Second
	maxTTL = 86400 * time.Second

	sweepInterval = 15 * time.Second
)

// AddressWatcher is the engine's view of the chain watcher.
type AddressWatcher interface {
	Watch(ctx context.Context, addr string) error
	Unwatch(ctx context.Context, addr string)
}

// Config tunes the engine.
type Config struct {
	RequiredConfirmations uint64
	DefaultTTL            time.Duration
}

// Engine owns session lifecycle. Events arrive one at a time from the
// watcher stream, so per-session mutations need no in-process lock; the
// expiry sweeper races only at the row-transaction level.
type Engine struct {
	store   *store.Store
	addrs   *address.Service
	watcher AddressWatcher
	cfg     Config
	logger  *slog.Logger

	// OnTransition fires after a committed state change; the widget stream
	// hub subscribes here. Optional.
	OnTransition func(*core.Session)

	now func() time.Time
}

// New assembles an engine. Tests instantiate an isolated Engine per case;
// there is no package-level instance.
func New(st *store.Store, addrs *address.Service, w AddressWatcher, cfg Config) *Engine {
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = 10
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 900 * time.Second
	}
	return &Engine{
		store:   st,
		addrs:   addrs,
		watcher: w,
		cfg:     cfg,
		logger:  slog.With("component", "engine"),
		now:     time.Now,
	}
}

// CreateSessionRequest carries the session-creation inputs.
type CreateSessionRequest struct {
	MerchantID  string
	AmountSompi kas.Amount
	TTLSeconds  int
	OrderID     string
	Metadata    map[string]string
	RedirectURL string
}

// CreateSession mints a session in a single transaction: allocate an
// address, insert the row as pending, and enqueue the payment.pending
// webhook. The address is registered with the watcher after commit.
func (e *Engine) CreateSession(ctx context.Context, req CreateSessionRequest) (*core.Session, error) {
	if req.AmountSompi.IsZero() {
		return nil, core.Validationf("amount_sompi", "must be > 0")
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if req.TTLSeconds == 0 {
		ttl = e.cfg.DefaultTTL
	}
	if ttl < minTTL || ttl > maxTTL {
		return nil, core.Validationf("ttl_seconds", "must be in [60, 86400], got %d", req.TTLSeconds)
	}
	if err := core.ValidateMetadata(req.Metadata); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	session := &core.Session{
		ID:                uuid.NewString(),
		MerchantID:        req.MerchantID,
		AmountSompi:       req.AmountSompi,
		Status:            core.StatusPending,
		OrderID:           sanitize.Clean(req.OrderID),
		Metadata:          sanitize.CleanMap(req.Metadata),
		RedirectURL:       sanitize.CleanURL(req.RedirectURL),
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
		SubscriptionToken: newSubscriptionToken(),
	}

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		derived, err := e.addrs.AllocateNext(ctx, tx, req.MerchantID)
		if err != nil {
			return err
		}
		session.Address = derived.Address
		session.AddressIndex = derived.Index

		if err := tx.CreateSession(ctx, session); err != nil {
			return err
		}
		return e.enqueueWebhook(ctx, tx, session, core.EventPaymentPending)
	})
	if err != nil {
		return nil, err
	}

	if err := e.watcher.Watch(ctx, session.Address); err != nil {
		e.logger.Warn("watch registration failed, poller will cover on restart",
			"session", session.ID, "error", err)
	}

	metrics.Default.SessionsCreated.Inc()
	e.logger.Info("session created",
		"session", session.ID, "merchant", req.MerchantID,
		"address", session.Address, "amount", session.AmountSompi.String(),
		"expires_at", session.ExpiresAt)
	return session, nil
}

// GetSession loads one session.
func (e *Engine) GetSession(ctx context.Context, id string) (*core.Session, error) {
	var s *core.Session
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		s, err = tx.GetSession(ctx, id)
		return err
	})
	return s, err
}

// CancelSession is the reserved pending -> failed transition for callers.
// Emits no webhook.
func (e *Engine) CancelSession(ctx context.Context, id string) (*core.Session, error) {
	var s *core.Session
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		s, err = tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if s.Status != core.StatusPending {
			return &core.ConflictError{Resource: "session", Detail: fmt.Sprintf("cannot cancel in status %s", s.Status)}
		}
		s.Status = core.StatusFailed
		return tx.UpdateSessionState(ctx, s)
	})
	if err != nil {
		return nil, err
	}

	e.watcher.Unwatch(ctx, s.Address)
	e.notifyTransition(s)
	metrics.Default.Transitions.WithLabelValues(string(core.StatusFailed)).Inc()
	return s, nil
}

// ListSessions pages a merchant's sessions.
func (e *Engine) ListSessions(ctx context.Context, merchantID string, f store.SessionFilter) ([]*core.Session, int64, error) {
	var (
		sessions []*core.Session
		total    int64
	)
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		sessions, total, err = tx.ListSessions(ctx, merchantID, f)
		return err
	})
	return sessions, total, err
}

// Stats aggregates a merchant's sessions and webhook backlog.
func (e *Engine) Stats(ctx context.Context, merchantID string) (*core.Stats, error) {
	var stats *core.Stats
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		stats, err = tx.MerchantStats(ctx, merchantID)
		return err
	})
	return stats, err
}

// ListWebhookLogs returns the delivery log for one session.
func (e *Engine) ListWebhookLogs(ctx context.Context, sessionID string) ([]*core.WebhookLog, error) {
	var logs []*core.WebhookLog
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		logs, err = tx.ListWebhookLogs(ctx, sessionID)
		return err
	})
	return logs, err
}

// GetWebhookLog loads one delivery log entry.
func (e *Engine) GetWebhookLog(ctx context.Context, id string) (*core.WebhookLog, error) {
	var log *core.WebhookLog
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		log, err = tx.GetWebhookLog(ctx, id)
		return err
	})
	return log, err
}

// Restore re-registers every non-terminal session's address with the
// watcher; called once at startup.
func (e *Engine) Restore(ctx context.Context) error {
	var sessions []*core.Session
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		sessions, err = tx.WatchedSessions(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("restore watched sessions: %w", err)
	}
	for _, s := range sessions {
		if err := e.watcher.Watch(ctx, s.Address); err != nil {
			e.logger.Warn("restore watch failed", "session", s.ID, "error", err)
		}
	}
	e.logger.Info("restored watched sessions", "count", len(sessions))
	return nil
}

// Run consumes the payment-event stream and drives the expiry sweeper
// until ctx ends. A single event at a time; one session's failure never
// stops the loop.
func (e *Engine) Run(ctx context.Context, events <-chan core.PaymentEvent) {
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := e.HandleEvent(ctx, ev); err != nil {
				e.logger.Error("event handling failed",
					"address", ev.Address, "tx", ev.TxID, "error", err)
			}
		case <-sweep.C:
			if err := e.SweepExpired(ctx); err != nil {
				e.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

func newSubscriptionToken() string {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms
		return uuid.NewString()
	}
	return hex.EncodeToString(b[:])
}

func (e *Engine) notifyTransition(s *core.Session) {
	if e.OnTransition != nil {
		e.OnTransition(s)
	}
}

// enqueueWebhook inserts the delivery intent for (session, event) inside
// the caller's transaction, due immediately. Duplicate (session, event)
// pairs are silently skipped, keeping the original deliveryId stable.
func (e *Engine) enqueueWebhook(ctx context.Context, tx *store.Tx, s *core.Session, event core.WebhookEvent) error {
	now := e.now().UTC()
	payload := &core.WebhookPayload{
		Event:      event,
		DeliveryID: uuid.NewString(),
		Timestamp:  now,
		Session:    s,
	}
	raw, err := payload.Marshal()
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	return tx.EnqueueWebhook(ctx, &core.WebhookLog{
		ID:          uuid.NewString(),
		SessionID:   s.ID,
		Event:       event,
		Payload:     raw,
		DeliveryID:  payload.DeliveryID,
		NextRetryAt: &now,
		CreatedAt:   now,
	})
}

// SweepExpired advances pending sessions past their deadline to expired,
// at most once per 15s tick, O(k) in newly expired rows.
func (e *Engine) SweepExpired(ctx context.Context) error {
	now := e.now().UTC()
	var expired []*core.Session

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		candidates, err := tx.ExpiredPending(ctx, now, 0)
		if err != nil {
			return err
		}
		for _, s := range candidates {
			s.Status = core.StatusExpired
			if err := tx.UpdateSessionState(ctx, s); err != nil {
				return err
			}
			if err := e.enqueueWebhook(ctx, tx, s, core.EventPaymentExpired); err != nil {
				return err
			}
			expired = append(expired, s)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, s := range expired {
		e.watcher.Unwatch(ctx, s.Address)
		e.notifyTransition(s)
		metrics.Default.Transitions.WithLabelValues(string(core.StatusExpired)).Inc()
		e.logger.Info("session expired", "session", s.ID, "address", s.Address)
	}
	return nil
}

// HandleEvent applies one payment event to the session watching its
// address. All mutations and the webhook enqueue share one transaction.
func (e *Engine) HandleEvent(ctx context.Context, ev core.PaymentEvent) error {
	var (
		result  *core.Session
		unwatch bool
	)

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		s, err := tx.GetSessionByAddress(ctx, ev.Address)
		if errors.Is(err, core.ErrNotFound) {
			return nil // not ours; discard
		}
		if err != nil {
			return err
		}

		switch s.Status {
		case core.StatusConfirmed:
			// Silent depth bookkeeping only; no webhook, no transition.
			if !ev.Removed && ev.TxID == s.TxID && ev.Confirmations > s.Confirmations {
				s.Confirmations = ev.Confirmations
				return tx.UpdateSessionState(ctx, s)
			}
			return nil
		case core.StatusExpired, core.StatusFailed:
			return nil

		case core.StatusPending:
			if ev.Removed {
				return nil
			}
			// Exact-amount matching; overpayment is accepted, underpayment
			// changes nothing.
			if ev.AmountSompi.Cmp(s.AmountSompi) < 0 {
				e.logger.Info("underpayment ignored",
					"session", s.ID, "got", ev.AmountSompi.String(), "want", s.AmountSompi.String())
				return nil
			}
			now := e.now().UTC()
			s.Status = core.StatusConfirming
			s.TxID = ev.TxID
			s.PaidAt = &now
			s.Confirmations = ev.Confirmations
			if err := e.enqueueWebhook(ctx, tx, s, core.EventPaymentConfirming); err != nil {
				return err
			}
			metrics.Default.Transitions.WithLabelValues(string(core.StatusConfirming)).Inc()

			if s.Confirmations >= e.cfg.RequiredConfirmations {
				// Catch-up path after downtime: the first observation may
				// already be deep enough.
				return e.confirm(ctx, tx, s, &result, &unwatch)
			}
			result = s
			return tx.UpdateSessionState(ctx, s)

		case core.StatusConfirming:
			if ev.TxID != s.TxID {
				if !ev.Removed && ev.AmountSompi.Cmp(s.AmountSompi) >= 0 {
					// First observed tx wins; log for operator review.
					e.logger.Warn("second matching tx ignored",
						"session", s.ID, "winner", s.TxID, "ignored", ev.TxID)
				}
				return nil
			}
			if ev.Removed {
				return e.revert(ctx, tx, s, &result, &unwatch)
			}
			if ev.Confirmations > s.Confirmations {
				s.Confirmations = ev.Confirmations
			}
			if s.Confirmations >= e.cfg.RequiredConfirmations {
				return e.confirm(ctx, tx, s, &result, &unwatch)
			}
			return tx.UpdateSessionState(ctx, s)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if result != nil {
		if unwatch {
			e.watcher.Unwatch(ctx, result.Address)
		}
		e.notifyTransition(result)
	}
	return nil
}

// confirm finalizes a confirming session whose depth reached the threshold.
func (e *Engine) confirm(ctx context.Context, tx *store.Tx, s *core.Session, result **core.Session, unwatch *bool) error {
	now := e.now().UTC()
	s.Status = core.StatusConfirmed
	s.ConfirmedAt = &now
	if err := tx.UpdateSessionState(ctx, s); err != nil {
		return err
	}
	if err := e.enqueueWebhook(ctx, tx, s, core.EventPaymentConfirmed); err != nil {
		return err
	}
	*result = s
	*unwatch = true
	metrics.Default.Transitions.WithLabelValues(string(core.StatusConfirmed)).Inc()
	e.logger.Info("session confirmed", "session", s.ID, "tx", s.TxID, "confirmations", s.Confirmations)
	return nil
}

// revert handles a reorg: the matched tx disappeared while confirming.
// Back to pending when the deadline has not passed, otherwise expired.
func (e *Engine) revert(ctx context.Context, tx *store.Tx, s *core.Session, result **core.Session, unwatch *bool) error {
	e.logger.Warn("reorg: matched tx removed", "session", s.ID, "tx", s.TxID)

	s.TxID = ""
	s.PaidAt = nil
	s.Confirmations = 0

	if e.now().Before(s.ExpiresAt) {
		s.Status = core.StatusPending
		*result = s
		metrics.Default.Transitions.WithLabelValues(string(core.StatusPending)).Inc()
		return tx.UpdateSessionState(ctx, s)
	}

	s.Status = core.StatusExpired
	if err := tx.UpdateSessionState(ctx, s); err != nil {
		return err
	}
	if err := e.enqueueWebhook(ctx, tx, s, core.EventPaymentExpired); err != nil {
		return err
	}
	*result = s
	*unwatch = true
	metrics.Default.Transitions.WithLabelValues(string(core.StatusExpired)).Inc()
	return nil
}
