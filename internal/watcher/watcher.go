// Package watcher merges the node's two feeds (websocket RPC, REST poller)
// into one serialized stream of payment events and owns the failover policy
// between them.
package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kasgate/kasgate/internal/core"
	"github.com/kasgate/kasgate/internal/kas"
	"github.com/kasgate/kasgate/internal/kaspad"
	"github.com/kasgate/kasgate/internal/metrics"
)

const (
	dedupWindow = 10 * time.Minute
	// restHoldback is the late-reconciliation window: while RPC is healthy,
	// a poller-observed tx is forwarded only if RPC has not surfaced it
	// within this long.
	restHoldback = 30 * time.Second

	policyInterval       = time.Second
	confirmationInterval = 5 * time.Second
	reconcileTimeout     = 60 * time.Second
	eventBuffer          = 256
)

// ChainSource is the node-feed surface the watcher drives. Both the real
// RpcClient/RestPoller pair and the test fakes implement these.
type RpcSource interface {
	IsConnected() bool
	Subscribe(ctx context.Context, addr string) error
	Unsubscribe(ctx context.Context, addr string) error
	GetUtxos(ctx context.Context, addr string) ([]kaspad.UtxoEntry, error)
	VirtualBlueScore(ctx context.Context) (uint64, error)
}

type RestSource interface {
	Watch(addr string)
	Unwatch(addr string)
	SetActive(active bool)
	VirtualBlueScore(ctx context.Context) (uint64, error)
}

// Watcher is the single logical chain observer. All state below mu is also
// touched only from the Run goroutine except the watch/unwatch entry points.
type Watcher struct {
	rpc    RpcSource
	rest   RestSource
	logger *slog.Logger

	ingest chan sourcedChange
	events chan core.PaymentEvent

	// reconcileCh is pulsed by the RPC client's reconnect hook.
	reconcileCh chan struct{}

	mu       sync.Mutex
	watched  map[string]map[string]*observedTx // address -> txID -> state
	dedup    map[string]time.Time              // "addr|tx" -> last forward
	holdback []heldEvent                       // suppressed poller additions
	rpcUp    bool

	now func() time.Time
}

type sourcedChange struct {
	change kaspad.UtxoChange
	source core.EventSource
}

type observedTx struct {
	amount    kas.Amount
	blueScore uint64
	lastConfs uint64
	confirmed bool // emitted at least once with confs > 0
	// forwarded is false while the initial payment event is still under
	// REST holdback; unforwarded txs never emit confirmation updates.
	forwarded bool
}

type heldEvent struct {
	event  core.PaymentEvent
	seenAt time.Time
}

// New wires the watcher onto its two sources. The sources' change callbacks
// are installed by the caller pointing at Ingest.
func New(rpc RpcSource, rest RestSource) *Watcher {
	return &Watcher{
		rpc:         rpc,
		rest:        rest,
		logger:      slog.With("component", "watcher"),
		ingest:      make(chan sourcedChange, eventBuffer),
		events:      make(chan core.PaymentEvent, eventBuffer),
		reconcileCh: make(chan struct{}, 1),
		watched:     make(map[string]map[string]*observedTx),
		dedup:       make(map[string]time.Time),
		now:         time.Now,
	}
}

// Events is the single serialized stream consumed by the session engine.
func (w *Watcher) Events() <-chan core.PaymentEvent { return w.events }

// Ingest accepts a delta from either feed. Safe for concurrent use; the
// Run loop serializes processing.
func (w *Watcher) Ingest(change kaspad.UtxoChange, source core.EventSource) {
	select {
	case w.ingest <- sourcedChange{change: change, source: source}:
	default:
		w.logger.Warn("ingest queue full, dropping change", "address", change.Address, "source", source)
		metrics.Default.EventsDropped.Inc()
	}
}

// TriggerReconcile schedules a reconciliation sweep; wired to the RPC
// client's reconnect hook.
func (w *Watcher) TriggerReconcile() {
	select {
	case w.reconcileCh <- struct{}{}:
	default:
	}
}

// Watch registers an address with both feeds.
func (w *Watcher) Watch(ctx context.Context, addr string) error {
	w.mu.Lock()
	if _, ok := w.watched[addr]; !ok {
		w.watched[addr] = make(map[string]*observedTx)
	}
	w.mu.Unlock()

	w.rest.Watch(addr)
	if err := w.rpc.Subscribe(ctx, addr); err != nil {
		// The poller still covers the address; the RPC subscription is
		// reinstalled on the next reconnect.
		w.logger.Warn("rpc subscribe failed, poller covers address", "address", addr, "error", err)
	}
	return nil
}

// Unwatch drops an address from both feeds.
func (w *Watcher) Unwatch(ctx context.Context, addr string) {
	w.mu.Lock()
	delete(w.watched, addr)
	w.mu.Unlock()

	w.rest.Unwatch(addr)
	if err := w.rpc.Unsubscribe(ctx, addr); err != nil {
		w.logger.Warn("rpc unsubscribe failed", "address", addr, "error", err)
	}
}

// WatchedAddresses snapshots the watch set.
func (w *Watcher) WatchedAddresses() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.watched))
	for a := range w.watched {
		out = append(out, a)
	}
	return out
}

// Run serializes ingest, failover policy, confirmation updates and
// reconciliation into the single consumer stream until ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	policy := time.NewTicker(policyInterval)
	confirm := time.NewTicker(confirmationInterval)
	defer policy.Stop()
	defer confirm.Stop()

	w.applyFailoverPolicy()

	for {
		select {
		case <-ctx.Done():
			close(w.events)
			return
		case sc := <-w.ingest:
			w.handleChange(ctx, sc)
		case <-policy.C:
			w.applyFailoverPolicy()
			w.flushHoldback()
			w.pruneDedup()
		case <-confirm.C:
			w.emitConfirmationUpdates(ctx)
		case <-w.reconcileCh:
			w.reconcile(ctx)
		}
	}
}

// applyFailoverPolicy keeps the poller cadence in sync with RPC health.
func (w *Watcher) applyFailoverPolicy() {
	up := w.rpc.IsConnected()
	w.mu.Lock()
	changed := up != w.rpcUp
	w.rpcUp = up
	w.mu.Unlock()

	w.rest.SetActive(!up)
	if changed {
		w.logger.Info("failover state changed", "rpc_connected", up)
		metrics.Default.RpcConnected.Set(boolGauge(up))
	}
}

func (w *Watcher) handleChange(ctx context.Context, sc sourcedChange) {
	addr := sc.change.Address

	w.mu.Lock()
	txs, watching := w.watched[addr]
	rpcUp := w.rpcUp
	w.mu.Unlock()
	if !watching {
		return
	}

	for _, added := range sc.change.Added {
		ev := core.PaymentEvent{
			Address:       addr,
			TxID:          added.TxID,
			AmountSompi:   added.AmountSompi,
			Confirmations: w.confirmationsFor(ctx, added.BlueScore),
			Source:        sc.source,
		}

		w.mu.Lock()
		obs, known := txs[added.TxID]
		if known {
			if added.BlueScore > obs.blueScore {
				obs.blueScore = added.BlueScore
			}
			if !obs.forwarded {
				// The tx is still under REST holdback. The RPC stream
				// surfacing it ends the wait and records the dedup key;
				// another poller sighting keeps holding.
				if sc.source == core.SourceRPC {
					obs.forwarded = true
					w.mu.Unlock()
					w.forward(ev)
					continue
				}
				w.mu.Unlock()
				continue
			}
			// Confirmation-bearing update for an already-seen tx: bypass
			// dedup, forward only when depth advanced.
			w.mu.Unlock()
			w.emitConfirmationUpdates(ctx)
			continue
		}
		obs = &observedTx{amount: added.AmountSompi, blueScore: added.BlueScore}
		txs[added.TxID] = obs

		if sc.source == core.SourceREST && rpcUp {
			// Late reconciliation: hold the poller's discovery back for
			// 30s; RPC usually surfaces it first.
			w.holdback = append(w.holdback, heldEvent{event: ev, seenAt: w.now()})
			w.mu.Unlock()
			continue
		}
		obs.forwarded = true
		w.mu.Unlock()
		w.forward(ev)
	}

	for _, removed := range sc.change.Removed {
		w.mu.Lock()
		obs, known := txs[removed.TxID]
		if known {
			delete(txs, removed.TxID)
		}
		w.mu.Unlock()
		if !known {
			continue
		}
		w.forward(core.PaymentEvent{
			Address:     addr,
			TxID:        removed.TxID,
			AmountSompi: obs.amount,
			Removed:     true,
			Source:      sc.source,
		})
	}
}

// forward pushes an event through the dedup window to the consumer.
func (w *Watcher) forward(ev core.PaymentEvent) {
	key := ev.Address + "|" + ev.TxID
	now := w.now()

	w.mu.Lock()
	if !ev.Removed {
		if last, seen := w.dedup[key]; seen && now.Sub(last) < dedupWindow {
			w.mu.Unlock()
			return
		}
	}
	w.dedup[key] = now
	w.mu.Unlock()

	w.deliver(ev)
}

func (w *Watcher) deliver(ev core.PaymentEvent) {
	select {
	case w.events <- ev:
		metrics.Default.PaymentEvents.WithLabelValues(string(ev.Source)).Inc()
	default:
		w.logger.Warn("event stream full, dropping event", "address", ev.Address, "tx", ev.TxID)
		metrics.Default.EventsDropped.Inc()
	}
}

// flushHoldback forwards suppressed poller events whose 30s window expired
// without the RPC stream surfacing the same tx.
func (w *Watcher) flushHoldback() {
	now := w.now()

	w.mu.Lock()
	var due []core.PaymentEvent
	kept := w.holdback[:0]
	for _, h := range w.holdback {
		key := h.event.Address + "|" + h.event.TxID
		if _, surfaced := w.dedup[key]; surfaced {
			continue // RPC got there first
		}
		if now.Sub(h.seenAt) >= restHoldback {
			if txs, ok := w.watched[h.event.Address]; ok {
				if obs, ok := txs[h.event.TxID]; ok {
					obs.forwarded = true
				}
			}
			due = append(due, h.event)
			continue
		}
		kept = append(kept, h)
	}
	w.holdback = kept
	w.mu.Unlock()

	for _, ev := range due {
		w.logger.Info("late reconciliation: forwarding poller-only tx", "address", ev.Address, "tx", ev.TxID)
		w.forward(ev)
	}
}

// emitConfirmationUpdates recomputes depth for every accepted observed tx
// and forwards increases. Confirmation updates bypass the dedup window.
func (w *Watcher) emitConfirmationUpdates(ctx context.Context) {
	virtual, err := w.virtualBlueScore(ctx)
	if err != nil {
		w.logger.Warn("blue score unavailable", "error", err)
		return
	}

	type update struct {
		ev core.PaymentEvent
	}
	var updates []update

	w.mu.Lock()
	for addr, txs := range w.watched {
		for txID, obs := range txs {
			if !obs.forwarded || obs.blueScore == 0 || virtual < obs.blueScore {
				continue
			}
			confs := virtual - obs.blueScore
			if confs <= obs.lastConfs && obs.confirmed {
				continue
			}
			obs.lastConfs = confs
			obs.confirmed = true
			updates = append(updates, update{ev: core.PaymentEvent{
				Address:       addr,
				TxID:          txID,
				AmountSompi:   obs.amount,
				Confirmations: confs,
				Source:        core.SourceRPC,
			}})
		}
	}
	w.mu.Unlock()

	for _, u := range updates {
		w.deliver(u.ev)
	}
}

// reconcile runs the full sweep after an RPC recovery: fetch UTXOs for
// every watched address, diff against observed state, and feed differences
// through the normal path before the poller returns to standby cadence.
func (w *Watcher) reconcile(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()

	addrs := w.WatchedAddresses()
	w.logger.Info("reconciliation sweep", "addresses", len(addrs))
	metrics.Default.Reconciliations.Inc()

	for _, addr := range addrs {
		entries, err := w.rpc.GetUtxos(sweepCtx, addr)
		if err != nil {
			w.logger.Warn("reconcile fetch failed", "address", addr, "error", err)
			continue
		}
		change := kaspad.UtxoChange{Address: addr, Added: entries}
		w.handleChange(sweepCtx, sourcedChange{change: change, source: core.SourceRPC})
	}

	w.applyFailoverPolicy()
}

// confirmationsFor derives depth for a freshly observed entry.
func (w *Watcher) confirmationsFor(ctx context.Context, blueScore uint64) uint64 {
	if blueScore == 0 {
		return 0
	}
	virtual, err := w.virtualBlueScore(ctx)
	if err != nil || virtual < blueScore {
		return 0
	}
	return virtual - blueScore
}

func (w *Watcher) virtualBlueScore(ctx context.Context) (uint64, error) {
	if w.rpc.IsConnected() {
		score, err := w.rpc.VirtualBlueScore(ctx)
		if err == nil {
			return score, nil
		}
	}
	return w.rest.VirtualBlueScore(ctx)
}

func (w *Watcher) pruneDedup() {
	now := w.now()
	w.mu.Lock()
	for k, t := range w.dedup {
		if now.Sub(t) >= dedupWindow {
			delete(w.dedup, k)
		}
	}
	w.mu.Unlock()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
