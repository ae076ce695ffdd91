package kaspad

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/kasgate/kasgate/internal/core"
	"github.com/kasgate/kasgate/internal/kas"
)

const (
	activeInterval  = 3 * time.Second
	standbyInterval = 30 * time.Second
	fetchTimeout    = 5 * time.Second
	dedupCapacity   = 10000
)

// RestPoller is the second chain source: it periodically queries the node's
// REST API for the UTXOs of the watched-address set and emits deltas in the
// same UtxoChange shape the RPC feed produces. In standby (RPC healthy) it
// ticks every 30s; when promoted to active it ticks every 3s.
type RestPoller struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	// OnUtxoChange receives deltas; set before Run.
	OnUtxoChange func(UtxoChange)

	// RemovalTicks is how many consecutive ticks an already-reported
	// outpoint must be absent before a removal is emitted.
	RemovalTicks int

	mu      sync.Mutex
	watched map[string]*pollState
	active  bool
	kick    chan struct{}
}

type pollState struct {
	seen   *lruSet             // emitted outpoints, bounded per address
	absent map[Outpoint]int    // consecutive-absence counters for live outpoints
	blue   map[Outpoint]uint64 // last reported accepting blue score
}

// NewRestPoller builds a poller over the REST API base URL.
func NewRestPoller(baseURL string) *RestPoller {
	return &RestPoller{
		baseURL:      baseURL,
		client:       &http.Client{Timeout: fetchTimeout},
		logger:       slog.With("component", "poller"),
		RemovalTicks: 10,
		watched:      make(map[string]*pollState),
		kick:         make(chan struct{}, 1),
	}
}

// Watch adds an address to the polled set.
func (p *RestPoller) Watch(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.watched[addr]; !ok {
		p.watched[addr] = &pollState{
			seen:   newLRUSet(dedupCapacity),
			absent: make(map[Outpoint]int),
			blue:   make(map[Outpoint]uint64),
		}
	}
}

// Unwatch removes an address from the polled set.
func (p *RestPoller) Unwatch(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watched, addr)
}

// SetActive switches between failover (3s) and standby (30s) cadence.
func (p *RestPoller) SetActive(active bool) {
	p.mu.Lock()
	changed := p.active != active
	p.active = active
	p.mu.Unlock()
	if changed {
		p.logger.Info("poller cadence changed", "active", active)
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
}

func (p *RestPoller) interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return activeInterval
	}
	return standbyInterval
}

// Run ticks until ctx ends.
func (p *RestPoller) Run(ctx context.Context) {
	timer := time.NewTimer(p.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.kick:
			// cadence change: re-arm immediately
		case <-timer.C:
			p.tick(ctx)
		}
		timer.Reset(p.interval())
	}
}

// tick fetches every watched address and emits the delta since last tick.
func (p *RestPoller) tick(ctx context.Context) {
	p.mu.Lock()
	addrs := make([]string, 0, len(p.watched))
	for a := range p.watched {
		addrs = append(addrs, a)
	}
	p.mu.Unlock()

	for _, addr := range addrs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		change, err := p.diffAddress(ctx, addr)
		if err != nil {
			p.logger.Warn("poll failed", "address", addr, "error", err)
			continue
		}
		if len(change.Added) == 0 && len(change.Removed) == 0 {
			continue
		}
		if p.OnUtxoChange != nil {
			p.OnUtxoChange(change)
		}
	}
}

func (p *RestPoller) diffAddress(ctx context.Context, addr string) (UtxoChange, error) {
	entries, err := p.FetchUtxos(ctx, addr)
	if err != nil {
		return UtxoChange{}, err
	}

	p.mu.Lock()
	state, ok := p.watched[addr]
	p.mu.Unlock()
	if !ok {
		return UtxoChange{Address: addr}, nil // unwatched mid-tick
	}

	change := UtxoChange{Address: addr}
	current := make(map[Outpoint]bool, len(entries))
	for _, e := range entries {
		current[e.Outpoint] = true
		key := fmt.Sprintf("%s:%d", e.TxID, e.Index)
		// New outpoints are emitted once; known outpoints are re-emitted
		// only when their accepting blue score moved, so the consumer can
		// advance confirmation depth.
		if state.seen.Add(key) || state.blue[e.Outpoint] != e.BlueScore {
			change.Added = append(change.Added, e)
		}
		state.blue[e.Outpoint] = e.BlueScore
		state.absent[e.Outpoint] = 0
	}

	for op, misses := range state.absent {
		if current[op] {
			continue
		}
		misses++
		if misses >= p.RemovalTicks {
			change.Removed = append(change.Removed, op)
			delete(state.absent, op)
			delete(state.blue, op)
			continue
		}
		state.absent[op] = misses
	}
	return change, nil
}

// restTransaction is the REST API's transaction shape, limited to the
// fields the poller consumes.
type restTransaction struct {
	TransactionID           string `json:"transaction_id"`
	IsAccepted              bool   `json:"is_accepted"`
	AcceptingBlockBlueScore uint64 `json:"accepting_block_blue_score"`
	Outputs                 []struct {
		Index                  uint32 `json:"index"`
		Amount                 uint64 `json:"amount"`
		ScriptPublicKeyAddress string `json:"script_public_key_address"`
	} `json:"outputs"`
}

// FetchUtxos lists outputs paying addr via the REST transaction history.
func (p *RestPoller) FetchUtxos(ctx context.Context, addr string) ([]UtxoEntry, error) {
	var txs []restTransaction
	path := fmt.Sprintf("/addresses/%s/full-transactions", url.PathEscape(addr))
	if err := p.getJSON(ctx, path, &txs); err != nil {
		return nil, err
	}

	var out []UtxoEntry
	for _, tx := range txs {
		for _, o := range tx.Outputs {
			if o.ScriptPublicKeyAddress != addr {
				continue
			}
			out = append(out, UtxoEntry{
				Outpoint:    Outpoint{TxID: tx.TransactionID, Index: o.Index},
				Address:     addr,
				AmountSompi: kas.NewAmountFromUint64(o.Amount),
				BlueScore:   tx.AcceptingBlockBlueScore,
			})
		}
	}
	return out, nil
}

// VirtualBlueScore reads the DAG tip score from the REST API.
func (p *RestPoller) VirtualBlueScore(ctx context.Context) (uint64, error) {
	var resp struct {
		BlueScore uint64 `json:"blueScore"`
	}
	if err := p.getJSON(ctx, "/info/virtual-chain-blue-score", &resp); err != nil {
		return 0, err
	}
	return resp.BlueScore, nil
}

func (p *RestPoller) getJSON(ctx context.Context, path string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return core.Transient("rest "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return core.Transient("rest "+path, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return core.Transient("rest "+path, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return core.Permanent("rest "+path, fmt.Errorf("status %d", resp.StatusCode))
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
