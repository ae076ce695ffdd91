package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/kasgate/kasgate/internal/core"
	"github.com/kasgate/kasgate/internal/metrics"
	"github.com/kasgate/kasgate/internal/store"
)

const (
	pollInterval    = 5 * time.Second
	deliveryTimeout = 10 * time.Second
	backoffBase     = 30 * time.Second
	backoffCap      = 6 * time.Hour
	maxResponseSize = 4 << 10 // first 4 KiB of the endpoint's response
	batchSize       = 50
)

// Config tunes the dispatcher.
type Config struct {
	Workers     int
	MaxAttempts int
}

// Dispatcher drains the durable webhook queue. Workers run in parallel;
// mutual exclusion on a log row comes from the claim column, so multiple
// gateway processes sharing one database stay safe too.
type Dispatcher struct {
	store  *store.Store
	client *http.Client
	cfg    Config
	logger *slog.Logger

	now func() time.Time

	wg   sync.WaitGroup
	jobs chan string // webhook_log ids
}

// NewDispatcher builds a dispatcher over the store-backed queue.
func NewDispatcher(st *store.Store, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	return &Dispatcher{
		store:  st,
		client: &http.Client{Timeout: deliveryTimeout},
		cfg:    cfg,
		logger: slog.With("component", "webhook"),
		now:    time.Now,
		jobs:   make(chan string, cfg.Workers*2),
	}
}

// Run polls the queue every 5s and fans claimed rows out to the worker
// pool; returns after in-flight deliveries finish when ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(d.jobs)
			d.wg.Wait()
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	var due []*core.WebhookLog
	err := d.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		due, err = tx.DueWebhooks(ctx, d.now(), d.cfg.MaxAttempts, batchSize)
		return err
	})
	if err != nil {
		d.logger.Error("queue poll failed", "error", err)
		return
	}
	metrics.Default.WebhookQueueDepth.Set(float64(len(due)))

	for _, l := range due {
		select {
		case d.jobs <- l.ID:
		case <-ctx.Done():
			return
		default:
			return // workers saturated; next tick picks the rest up
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for id := range d.jobs {
		if ctx.Err() != nil {
			return
		}
		// A started delivery runs to completion even if shutdown begins
		// mid-flight; the HTTP timeout bounds it and the outcome still
		// gets recorded.
		if err := d.process(context.WithoutCancel(ctx), id); err != nil {
			d.logger.Error("delivery processing failed", "log", id, "error", err)
		}
	}
}

// process claims one row, loads its target, delivers, and records the
// outcome. A row freshly claimed by another worker is skipped.
func (d *Dispatcher) process(ctx context.Context, id string) error {
	var (
		log      *core.WebhookLog
		endpoint string
		secret   string
		claimed  bool
	)
	now := d.now()
	err := d.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		claimed, err = tx.ClaimWebhook(ctx, id, now, now.Add(-2*deliveryTimeout))
		if err != nil || !claimed {
			return err
		}
		log, err = tx.GetWebhookLog(ctx, id)
		if err != nil {
			return err
		}
		session, err := tx.GetSession(ctx, log.SessionID)
		if err != nil {
			return err
		}
		merchant, err := tx.GetMerchant(ctx, session.MerchantID)
		if err != nil {
			return err
		}
		endpoint = merchant.WebhookURL
		secret = merchant.WebhookSecret
		return nil
	})
	if err != nil || !claimed {
		return err
	}

	if endpoint == "" {
		// Merchant without an endpoint: nothing to deliver, retire the row.
		return d.recordFailure(ctx, log, nil, "no webhook url configured", true)
	}

	statusCode, respBody, err := d.deliver(ctx, log, endpoint, secret)
	if err == nil && statusCode >= 200 && statusCode < 300 {
		metrics.Default.WebhookDeliveries.WithLabelValues("delivered").Inc()
		d.logger.Info("webhook delivered",
			"log", log.ID, "event", log.Event, "delivery", log.DeliveryID,
			"status", statusCode, "attempt", log.Attempts+1)
		return d.store.WithTx(ctx, func(tx *store.Tx) error {
			return tx.MarkWebhookDelivered(ctx, log.ID, log.Attempts+1, statusCode, respBody, d.now())
		})
	}

	detail := respBody
	if err != nil {
		detail = err.Error()
	}
	var codePtr *int
	if statusCode != 0 {
		codePtr = &statusCode
	}
	return d.recordFailure(ctx, log, codePtr, detail, false)
}

// deliver POSTs the payload. The body is re-stamped with the send time so
// the signed timestamp matches the X-KasGate-Timestamp header on every
// attempt; deliveryId never changes.
func (d *Dispatcher) deliver(ctx context.Context, log *core.WebhookLog, endpoint, secret string) (int, string, error) {
	sendTime := d.now().UTC()

	var payload core.WebhookPayload
	if err := json.Unmarshal(log.Payload, &payload); err != nil {
		return 0, "", fmt.Errorf("stored payload corrupt: %w", err)
	}
	payload.Timestamp = sendTime
	body, err := payload.Marshal()
	if err != nil {
		return 0, "", err
	}

	reqCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-KasGate-Event", string(log.Event))
	req.Header.Set("X-KasGate-Delivery", log.DeliveryID)
	req.Header.Set("X-KasGate-Signature", Sign(secret, body))
	req.Header.Set("X-KasGate-Timestamp", sendTime.Format(time.RFC3339))

	start := time.Now()
	resp, err := d.client.Do(req)
	metrics.Default.WebhookLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, "", core.Transient("webhook post", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	return resp.StatusCode, string(raw), nil
}

// recordFailure increments attempts and schedules the retry, dead-lettering
// once the budget is spent. forceDead retires the row immediately.
func (d *Dispatcher) recordFailure(ctx context.Context, log *core.WebhookLog, statusCode *int, detail string, forceDead bool) error {
	attempts := log.Attempts + 1

	var next *time.Time
	if !forceDead && attempts < d.cfg.MaxAttempts {
		at := d.now().Add(Backoff(attempts))
		next = &at
		metrics.Default.WebhookDeliveries.WithLabelValues("retried").Inc()
		d.logger.Warn("webhook delivery failed, retry scheduled",
			"log", log.ID, "event", log.Event, "attempt", attempts, "next_retry", at)
	} else {
		metrics.Default.WebhookDeliveries.WithLabelValues("dead_lettered").Inc()
		d.logger.Error("webhook dead-lettered",
			"log", log.ID, "event", log.Event, "attempts", attempts)
	}

	if len(detail) > maxResponseSize {
		detail = detail[:maxResponseSize]
	}
	return d.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.MarkWebhookFailed(ctx, log.ID, attempts, statusCode, detail, next)
	})
}

// RetryDeadLetter re-arms a dead-lettered log for immediate redelivery with
// its original deliveryId.
func (d *Dispatcher) RetryDeadLetter(ctx context.Context, logID string) error {
	return d.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.ResetWebhookForRetry(ctx, logID, d.now())
	})
}

// Backoff is the retry schedule: min(6h, 30s * 2^(n-1)) with +-20% jitter.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
