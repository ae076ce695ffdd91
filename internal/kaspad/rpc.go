package kaspad

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kasgate/kasgate/internal/core"
)

// ConnState is the RPC connection state machine:
// Disconnected -> Connecting -> Connected -> Degraded -> Disconnected.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

const (
	heartbeatInterval = 15 * time.Second
	degradedAfter     = 2 // missed pings
	disconnectAfter   = 5
	callTimeout       = 10 * time.Second
	writeWait         = 10 * time.Second
	reconnectBase     = time.Second
	reconnectCap      = 30 * time.Second
	maxMessageSize    = 4 << 20
)

type rpcRequest struct {
	ID     uint64      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type rpcMessage struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return e.Message }

// wire shapes of the node's UTXO feed

type wireOutpoint struct {
	TransactionID string `json:"transactionId"`
	Index         uint32 `json:"index"`
}

type wireUtxoEntry struct {
	Amount    string `json:"amount"` // sompi, decimal string
	BlueScore uint64 `json:"blockDaaScore"`
}

type wireUtxo struct {
	Address   string        `json:"address"`
	Outpoint  wireOutpoint  `json:"outpoint"`
	UtxoEntry wireUtxoEntry `json:"utxoEntry"`
}

type wireRemoved struct {
	Address  string       `json:"address"`
	Outpoint wireOutpoint `json:"outpoint"`
}

type utxosChangedParams struct {
	Added   []wireUtxo    `json:"added"`
	Removed []wireRemoved `json:"removed"`
}

// RpcClient maintains the websocket JSON-RPC session with the node. Active
// subscriptions survive reconnects: they are re-installed before any fresh
// notification is handed to the consumer.
type RpcClient struct {
	url    string
	logger *slog.Logger

	// OnUtxoChange receives every UTXO notification; set before Run.
	OnUtxoChange func(UtxoChange)
	// OnReconnect fires after a successful (re)connect and resubscribe;
	// the watcher uses it to trigger its reconciliation sweep.
	OnReconnect func()

	state atomic.Int32

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  uint64
	pending map[uint64]chan *rpcMessage
	subs    map[string]struct{}

	missedPings atomic.Int32
	pongCh      chan struct{}
}

// NewRpcClient builds a client for the node's websocket endpoint.
func NewRpcClient(url string) *RpcClient {
	c := &RpcClient{
		url:     url,
		logger:  slog.With("component", "rpc"),
		pending: make(map[uint64]chan *rpcMessage),
		subs:    make(map[string]struct{}),
		pongCh:  make(chan struct{}, 1),
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// State returns the current connection state.
func (c *RpcClient) State() ConnState { return ConnState(c.state.Load()) }

// IsConnected reports whether the RPC feed is usable (connected or degraded
// counts as up; degraded only means heartbeats are late).
func (c *RpcClient) IsConnected() bool {
	s := c.State()
	return s == StateConnected || s == StateDegraded
}

// Run owns the connection: dial, serve, and reconnect with exponential
// backoff (1s, 2s, 4s, ... capped at 30s, jitter +-20%) until ctx ends.
func (c *RpcClient) Run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		c.setState(StateDisconnected)

		attempt++
		delay := backoff(reconnectBase, reconnectCap, attempt)
		c.logger.Warn("rpc connection lost", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *RpcClient) connectAndServe(ctx context.Context) error {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, callTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return core.Transient("rpc dial", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.missedPings.Store(0)

	conn.SetPongHandler(func(string) error {
		c.missedPings.Store(0)
		if c.State() == StateDegraded {
			c.setState(StateConnected)
		}
		return nil
	})

	readErr := make(chan error, 1)
	// Fresh notifications are queued until the remembered subscriptions are
	// re-installed, then flushed in arrival order.
	var (
		gateMu  sync.Mutex
		gated   = true
		backlog []UtxoChange
	)
	deliver := func(change UtxoChange) {
		gateMu.Lock()
		if gated {
			backlog = append(backlog, change)
			gateMu.Unlock()
			return
		}
		gateMu.Unlock()
		if c.OnUtxoChange != nil {
			c.OnUtxoChange(change)
		}
	}

	go c.readPump(conn, deliver, readErr)

	if err := c.resubscribe(ctx); err != nil {
		conn.Close()
		<-readErr
		return err
	}
	c.setState(StateConnected)

	gateMu.Lock()
	gated = false
	queued := backlog
	backlog = nil
	gateMu.Unlock()
	for _, change := range queued {
		if c.OnUtxoChange != nil {
			c.OnUtxoChange(change)
		}
	}

	c.logger.Info("rpc connected", "url", c.url, "subscriptions", len(c.snapshotSubs()))
	if c.OnReconnect != nil {
		c.OnReconnect()
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			c.failPending()
			return err
		case <-ticker.C:
			missed := c.missedPings.Add(1)
			switch {
			case missed >= disconnectAfter:
				conn.Close()
				<-readErr
				c.failPending()
				return core.Transient("rpc heartbeat", fmt.Errorf("%d pings unanswered", missed))
			case missed >= degradedAfter:
				if c.State() == StateConnected {
					c.setState(StateDegraded)
					c.logger.Warn("rpc degraded", "missed_pings", missed)
				}
			}
			c.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				conn.Close()
				<-readErr
				c.failPending()
				return core.Transient("rpc ping", err)
			}
		}
	}
}

func (c *RpcClient) readPump(conn *websocket.Conn, deliver func(UtxoChange), readErr chan<- error) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			readErr <- core.Transient("rpc read", err)
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("rpc message not parseable", "error", err)
			continue
		}

		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
			continue
		}

		if msg.Method == "utxosChangedNotification" {
			var params utxosChangedParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Warn("bad utxosChanged payload", "error", err)
				continue
			}
			for _, change := range groupChanges(params) {
				deliver(change)
			}
		}
	}
}

// groupChanges splits a raw notification into per-address deltas.
func groupChanges(params utxosChangedParams) []UtxoChange {
	byAddr := make(map[string]*UtxoChange)
	get := func(addr string) *UtxoChange {
		if ch, ok := byAddr[addr]; ok {
			return ch
		}
		ch := &UtxoChange{Address: addr}
		byAddr[addr] = ch
		return ch
	}

	for _, u := range params.Added {
		entry, err := toUtxoEntry(u)
		if err != nil {
			continue
		}
		ch := get(u.Address)
		ch.Added = append(ch.Added, entry)
	}
	for _, r := range params.Removed {
		ch := get(r.Address)
		ch.Removed = append(ch.Removed, Outpoint{TxID: r.Outpoint.TransactionID, Index: r.Outpoint.Index})
	}

	out := make([]UtxoChange, 0, len(byAddr))
	for _, ch := range byAddr {
		out = append(out, *ch)
	}
	return out
}

// Subscribe registers interest in an address. The subscription is
// remembered across reconnects.
func (c *RpcClient) Subscribe(ctx context.Context, addr string) error {
	c.mu.Lock()
	c.subs[addr] = struct{}{}
	connected := c.conn != nil && c.IsConnected()
	c.mu.Unlock()

	if !connected {
		return nil // installed on next reconnect
	}
	_, err := c.call(ctx, "notifyUtxosChangedRequest", map[string]interface{}{
		"addresses": []string{addr},
	})
	return err
}

// Unsubscribe stops watching an address.
func (c *RpcClient) Unsubscribe(ctx context.Context, addr string) error {
	c.mu.Lock()
	delete(c.subs, addr)
	connected := c.conn != nil && c.IsConnected()
	c.mu.Unlock()

	if !connected {
		return nil
	}
	_, err := c.call(ctx, "stopNotifyingUtxosChangedRequest", map[string]interface{}{
		"addresses": []string{addr},
	})
	return err
}

// GetUtxos fetches the node's current UTXO set for one address.
func (c *RpcClient) GetUtxos(ctx context.Context, addr string) ([]UtxoEntry, error) {
	raw, err := c.call(ctx, "getUtxosByAddressesRequest", map[string]interface{}{
		"addresses": []string{addr},
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Entries []wireUtxo `json:"entries"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode getUtxosByAddresses: %w", err)
	}
	out := make([]UtxoEntry, 0, len(resp.Entries))
	for _, u := range resp.Entries {
		entry, err := toUtxoEntry(u)
		if err != nil {
			c.logger.Warn("skipping malformed utxo entry", "error", err)
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// VirtualBlueScore fetches the DAG's current virtual blue score, the basis
// for confirmation depth.
func (c *RpcClient) VirtualBlueScore(ctx context.Context) (uint64, error) {
	raw, err := c.call(ctx, "getBlockDagInfoRequest", nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		VirtualDaaScore uint64 `json:"virtualDaaScore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("decode getBlockDagInfo: %w", err)
	}
	return resp.VirtualDaaScore, nil
}

func (c *RpcClient) resubscribe(ctx context.Context) error {
	addrs := c.snapshotSubs()
	if len(addrs) == 0 {
		return nil
	}
	_, err := c.call(ctx, "notifyUtxosChangedRequest", map[string]interface{}{
		"addresses": addrs,
	})
	if err != nil {
		return fmt.Errorf("reinstall %d subscriptions: %w", len(addrs), err)
	}
	return nil
}

func (c *RpcClient) snapshotSubs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	addrs := make([]string, 0, len(c.subs))
	for a := range c.subs {
		addrs = append(addrs, a)
	}
	return addrs
}

// call performs one request/response exchange with the 10s RPC timeout.
func (c *RpcClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, core.Transient("rpc call", fmt.Errorf("not connected"))
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *rpcMessage, 1)
	c.pending[id] = ch

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(rpcRequest{ID: id, Method: method, Params: params})
	c.mu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, core.Transient("rpc write", err)
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.dropPending(id)
		return nil, core.Transient(method, fmt.Errorf("timed out after %s", callTimeout))
	case msg := <-ch:
		if msg == nil {
			return nil, core.Transient(method, fmt.Errorf("connection closed"))
		}
		if msg.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, msg.Error)
		}
		return msg.Params, nil
	}
}

func (c *RpcClient) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPending unblocks all in-flight calls when the connection dies.
func (c *RpcClient) failPending() {
	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.conn = nil
	c.mu.Unlock()
}

func (c *RpcClient) setState(s ConnState) {
	c.state.Store(int32(s))
}

// backoff computes min(cap, base*2^(attempt-1)) with +-20% jitter.
func backoff(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < cap; i++ {
		d *= 2
	}
	if d > cap {
		d = cap
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func toUtxoEntry(u wireUtxo) (UtxoEntry, error) {
	amt, err := parseAmount(u.UtxoEntry.Amount)
	if err != nil {
		return UtxoEntry{}, fmt.Errorf("utxo %s:%d: %w", u.Outpoint.TransactionID, u.Outpoint.Index, err)
	}
	return UtxoEntry{
		Outpoint:    Outpoint{TxID: u.Outpoint.TransactionID, Index: u.Outpoint.Index},
		Address:     u.Address,
		AmountSompi: amt,
		BlueScore:   u.UtxoEntry.BlueScore,
	}, nil
}
