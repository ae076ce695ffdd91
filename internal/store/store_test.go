package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasgate/kasgate/internal/core"
	"github.com/kasgate/kasgate/internal/kas"
)

func openTest(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	st, err := Open(ctx, t.TempDir(), "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, ctx
}

func seedMerchant(t *testing.T, st *Store, ctx context.Context, id string) {
	t.Helper()
	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		return tx.CreateMerchant(ctx, &core.Merchant{
			ID:            id,
			XPub:          "kpub" + id,
			APIKeyHash:    []byte("hash"),
			WebhookURL:    "https://example.com/hook",
			WebhookSecret: "whsec_test",
		})
	}))
}

func testSession(merchantID, id string, index uint32, status core.SessionStatus, created time.Time) *core.Session {
	return &core.Session{
		ID:                id,
		MerchantID:        merchantID,
		Address:           fmt.Sprintf("kaspa:addr%s%d", merchantID, index),
		AddressIndex:      index,
		AmountSompi:       kas.NewAmountFromUint64(150000000),
		Status:            status,
		SubscriptionToken: "tok_" + id,
		CreatedAt:         created,
		ExpiresAt:         created.Add(15 * time.Minute),
	}
}

func seedSession(t *testing.T, st *Store, ctx context.Context, s *core.Session) {
	t.Helper()
	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		return tx.CreateSession(ctx, s)
	}))
}

func TestMerchantRoundTrip(t *testing.T) {
	st, ctx := openTest(t)
	seedMerchant(t, st, ctx, "m1")

	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		m, err := tx.GetMerchant(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, "kpubm1", m.XPub)
		assert.Equal(t, uint32(0), m.NextAddressIndex)
		assert.Equal(t, "whsec_test", m.WebhookSecret)

		_, err = tx.GetMerchant(ctx, "nope")
		assert.ErrorIs(t, err, core.ErrNotFound)

		require.NoError(t, tx.BumpNextAddressIndex(ctx, "m1", 7))
		m, err = tx.GetMerchantForUpdate(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, uint32(7), m.NextAddressIndex)
		return nil
	}))
}

func TestCreateMerchantDuplicate(t *testing.T) {
	st, ctx := openTest(t)
	seedMerchant(t, st, ctx, "m1")

	err := st.WithTx(ctx, func(tx *Tx) error {
		return tx.CreateMerchant(ctx, &core.Merchant{ID: "m1", XPub: "x", WebhookURL: "u"})
	})
	assert.Error(t, err)
}

func TestSessionRoundTrip(t *testing.T) {
	st, ctx := openTest(t)
	seedMerchant(t, st, ctx, "m1")

	created := time.Now().Truncate(time.Millisecond).UTC()
	s := testSession("m1", "sess_1", 0, core.StatusPending, created)
	s.OrderID = "ord-42"
	s.Metadata = map[string]string{"sku": "ABC"}
	s.RedirectURL = "https://shop.example.com/done"
	seedSession(t, st, ctx, s)

	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		got, err := tx.GetSession(ctx, "sess_1")
		require.NoError(t, err)
		assert.Equal(t, core.StatusPending, got.Status)
		assert.Equal(t, "150000000", got.AmountSompi.String())
		assert.Equal(t, "ord-42", got.OrderID)
		assert.Equal(t, map[string]string{"sku": "ABC"}, got.Metadata)
		assert.Equal(t, "tok_sess_1", got.SubscriptionToken)
		assert.True(t, got.CreatedAt.Equal(created))
		assert.Nil(t, got.PaidAt)

		byAddr, err := tx.GetSessionByAddress(ctx, s.Address)
		require.NoError(t, err)
		assert.Equal(t, "sess_1", byAddr.ID)

		_, err = tx.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, core.ErrNotFound)
		return nil
	}))
}

func TestUpdateSessionState(t *testing.T) {
	st, ctx := openTest(t)
	seedMerchant(t, st, ctx, "m1")

	s := testSession("m1", "sess_1", 0, core.StatusPending, time.Now())
	seedSession(t, st, ctx, s)

	paid := time.Now().Truncate(time.Millisecond).UTC()
	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		s.Status = core.StatusConfirming
		s.TxID = "txA"
		s.Confirmations = 3
		s.PaidAt = &paid
		return tx.UpdateSessionState(ctx, s)
	}))

	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		got, err := tx.GetSession(ctx, "sess_1")
		require.NoError(t, err)
		assert.Equal(t, core.StatusConfirming, got.Status)
		assert.Equal(t, "txA", got.TxID)
		assert.Equal(t, uint64(3), got.Confirmations)
		require.NotNil(t, got.PaidAt)
		assert.True(t, got.PaidAt.Equal(paid))

		missing := testSession("m1", "ghost", 99, core.StatusPending, time.Now())
		assert.ErrorIs(t, tx.UpdateSessionState(ctx, missing), core.ErrNotFound)
		return nil
	}))
}

func TestSessionAddressIndexUnique(t *testing.T) {
	st, ctx := openTest(t)
	seedMerchant(t, st, ctx, "m1")
	seedSession(t, st, ctx, testSession("m1", "sess_1", 0, core.StatusPending, time.Now()))

	dup := testSession("m1", "sess_2", 0, core.StatusPending, time.Now())
	dup.Address = "kaspa:otheraddr"
	err := st.WithTx(ctx, func(tx *Tx) error {
		return tx.CreateSession(ctx, dup)
	})
	assert.True(t, core.IsConflict(err))
}

func TestListSessions(t *testing.T) {
	st, ctx := openTest(t)
	seedMerchant(t, st, ctx, "m1")
	seedMerchant(t, st, ctx, "m2")

	base := time.Now().Add(-time.Hour)
	seedSession(t, st, ctx, testSession("m1", "a", 0, core.StatusPending, base))
	seedSession(t, st, ctx, testSession("m1", "b", 1, core.StatusConfirmed, base.Add(time.Minute)))
	seedSession(t, st, ctx, testSession("m1", "c", 2, core.StatusPending, base.Add(2*time.Minute)))
	seedSession(t, st, ctx, testSession("m2", "d", 0, core.StatusPending, base))

	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		all, total, err := tx.ListSessions(ctx, "m1", SessionFilter{})
		require.NoError(t, err)
		assert.EqualValues(t, 3, total)
		require.Len(t, all, 3)
		// Newest first.
		assert.Equal(t, "c", all[0].ID)
		assert.Equal(t, "a", all[2].ID)

		pending, total, err := tx.ListSessions(ctx, "m1", SessionFilter{Status: core.StatusPending})
		require.NoError(t, err)
		assert.EqualValues(t, 2, total)
		assert.Len(t, pending, 2)

		page, total, err := tx.ListSessions(ctx, "m1", SessionFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.EqualValues(t, 3, total)
		require.Len(t, page, 1)
		assert.Equal(t, "b", page[0].ID)
		return nil
	}))
}

func TestExpiredPendingAndWatched(t *testing.T) {
	st, ctx := openTest(t)
	seedMerchant(t, st, ctx, "m1")

	now := time.Now()
	old := testSession("m1", "old", 0, core.StatusPending, now.Add(-time.Hour))
	old.ExpiresAt = now.Add(-30 * time.Minute)
	seedSession(t, st, ctx, old)

	live := testSession("m1", "live", 1, core.StatusPending, now)
	live.ExpiresAt = now.Add(time.Hour)
	seedSession(t, st, ctx, live)

	confirming := testSession("m1", "conf", 2, core.StatusConfirming, now)
	confirming.ExpiresAt = now.Add(-time.Minute) // past expiry but not pending
	seedSession(t, st, ctx, confirming)

	done := testSession("m1", "done", 3, core.StatusConfirmed, now)
	seedSession(t, st, ctx, done)

	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		expired, err := tx.ExpiredPending(ctx, now, 0)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "old", expired[0].ID)

		watched, err := tx.WatchedSessions(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(watched))
		for _, s := range watched {
			ids = append(ids, s.ID)
		}
		assert.ElementsMatch(t, []string{"old", "live", "conf"}, ids)
		return nil
	}))
}

func TestMerchantStats(t *testing.T) {
	st, ctx := openTest(t)
	seedMerchant(t, st, ctx, "m1")

	now := time.Now()
	seedSession(t, st, ctx, testSession("m1", "p1", 0, core.StatusPending, now))

	c1 := testSession("m1", "c1", 1, core.StatusConfirmed, now)
	c1.AmountSompi = kas.NewAmountFromUint64(100)
	seedSession(t, st, ctx, c1)
	c2 := testSession("m1", "c2", 2, core.StatusConfirmed, now)
	c2.AmountSompi = kas.NewAmountFromUint64(250)
	seedSession(t, st, ctx, c2)

	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		stats, err := tx.MerchantStats(ctx, "m1")
		require.NoError(t, err)
		assert.EqualValues(t, 3, stats.TotalSessions)
		assert.EqualValues(t, 2, stats.ByStatus["confirmed"])
		assert.EqualValues(t, 1, stats.ByStatus["pending"])
		assert.Equal(t, "350", stats.ReceivedSompi.String())
		assert.EqualValues(t, 0, stats.DeadLetterLogs)
		return nil
	}))
}

func testWebhookLog(sessionID string, event core.WebhookEvent, now time.Time) *core.WebhookLog {
	due := now
	return &core.WebhookLog{
		ID:          "log_" + sessionID + "_" + string(event),
		SessionID:   sessionID,
		Event:       event,
		Payload:     []byte(`{"event":"` + string(event) + `"}`),
		DeliveryID:  "dlv_" + sessionID + "_" + string(event),
		NextRetryAt: &due,
		CreatedAt:   now,
	}
}

func TestEnqueueWebhookIdempotent(t *testing.T) {
	st, ctx := openTest(t)
	seedMerchant(t, st, ctx, "m1")
	seedSession(t, st, ctx, testSession("m1", "sess_1", 0, core.StatusPending, time.Now()))

	now := time.Now()
	first := testWebhookLog("sess_1", core.EventPaymentPending, now)
	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		return tx.EnqueueWebhook(ctx, first)
	}))

	// Replay with a different id: the unique (session, event) pair wins and
	// the original row, with its deliveryId, stays.
	replay := testWebhookLog("sess_1", core.EventPaymentPending, now.Add(time.Second))
	replay.ID = "log_replay"
	replay.DeliveryID = "dlv_replay"
	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		return tx.EnqueueWebhook(ctx, replay)
	}))

	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		logs, err := tx.ListWebhookLogs(ctx, "sess_1")
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, first.DeliveryID, logs[0].DeliveryID)
		return nil
	}))
}

func TestDueWebhooks(t *testing.T) {
	st, ctx := openTest(t)
	seedMerchant(t, st, ctx, "m1")
	seedSession(t, st, ctx, testSession("m1", "sess_1", 0, core.StatusPending, time.Now()))

	now := time.Now()
	due := testWebhookLog("sess_1", core.EventPaymentPending, now.Add(-time.Minute))
	future := testWebhookLog("sess_1", core.EventPaymentConfirming, now)
	later := now.Add(time.Hour)
	future.NextRetryAt = &later
	dead := testWebhookLog("sess_1", core.EventPaymentConfirmed, now.Add(-time.Minute))
	dead.Attempts = 8

	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		for _, l := range []*core.WebhookLog{due, future, dead} {
			if err := tx.EnqueueWebhook(ctx, l); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		got, err := tx.DueWebhooks(ctx, now, 8, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, due.ID, got[0].ID)
		return nil
	}))
}

func TestClaimWebhook(t *testing.T) {
	st, ctx := openTest(t)
	seedMerchant(t, st, ctx, "m1")
	seedSession(t, st, ctx, testSession("m1", "sess_1", 0, core.StatusPending, time.Now()))

	now := time.Now()
	l := testWebhookLog("sess_1", core.EventPaymentPending, now)
	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		return tx.EnqueueWebhook(ctx, l)
	}))

	claim := func(at, staleBefore time.Time) bool {
		var ok bool
		require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
			var err error
			ok, err = tx.ClaimWebhook(ctx, l.ID, at, staleBefore)
			return err
		}))
		return ok
	}

	stale := now.Add(-20 * time.Second)
	assert.True(t, claim(now, stale))
	// A second worker sees a fresh claim.
	assert.False(t, claim(now.Add(time.Second), stale))
	// After the stale cutoff passes the claim the row is claimable again.
	assert.True(t, claim(now.Add(time.Minute), now.Add(30*time.Second)))
}

func TestWebhookOutcomes(t *testing.T) {
	st, ctx := openTest(t)
	seedMerchant(t, st, ctx, "m1")
	seedSession(t, st, ctx, testSession("m1", "sess_1", 0, core.StatusPending, time.Now()))

	now := time.Now().Truncate(time.Millisecond).UTC()
	l := testWebhookLog("sess_1", core.EventPaymentPending, now)
	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		return tx.EnqueueWebhook(ctx, l)
	}))

	// Failure with a scheduled retry.
	code := 503
	retryAt := now.Add(30 * time.Second)
	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkWebhookFailed(ctx, l.ID, 1, &code, "service unavailable", &retryAt)
	}))
	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		got, err := tx.GetWebhookLog(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Attempts)
		require.NotNil(t, got.StatusCode)
		assert.Equal(t, 503, *got.StatusCode)
		require.NotNil(t, got.NextRetryAt)
		assert.False(t, got.DeadLettered())
		return nil
	}))

	// Final failure with no retry dead-letters the row.
	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkWebhookFailed(ctx, l.ID, 8, &code, "service unavailable", nil)
	}))
	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		got, err := tx.GetWebhookLog(ctx, l.ID)
		require.NoError(t, err)
		assert.True(t, got.DeadLettered())

		// Manual retry re-arms it with the same deliveryId.
		require.NoError(t, tx.ResetWebhookForRetry(ctx, l.ID, now))
		got, err = tx.GetWebhookLog(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Attempts)
		require.NotNil(t, got.NextRetryAt)
		assert.Equal(t, l.DeliveryID, got.DeliveryID)

		// A second reset is rejected now that the row is live again.
		assert.ErrorIs(t, tx.ResetWebhookForRetry(ctx, l.ID, now), core.ErrNotFound)
		return nil
	}))

	// Delivery clears the queue fields.
	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkWebhookDelivered(ctx, l.ID, 1, 200, "ok", now)
	}))
	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		got, err := tx.GetWebhookLog(ctx, l.ID)
		require.NoError(t, err)
		require.NotNil(t, got.DeliveredAt)
		assert.Nil(t, got.NextRetryAt)
		assert.False(t, got.DeadLettered())
		return nil
	}))
}

func TestWithTxRollback(t *testing.T) {
	st, ctx := openTest(t)
	seedMerchant(t, st, ctx, "m1")

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx *Tx) error {
		if err := tx.CreateSession(ctx, testSession("m1", "sess_1", 0, core.StatusPending, time.Now())); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.GetSession(ctx, "sess_1")
		assert.ErrorIs(t, err, core.ErrNotFound)
		return nil
	}))
}

func TestRebind(t *testing.T) {
	assert.Equal(t, `SELECT * FROM t WHERE a = ? AND b = ?`,
		rebind(DialectSQLite, `SELECT * FROM t WHERE a = ? AND b = ?`))
	assert.Equal(t, `SELECT * FROM t WHERE a = $1 AND b = $2`,
		rebind(DialectPostgres, `SELECT * FROM t WHERE a = ? AND b = ?`))
}
