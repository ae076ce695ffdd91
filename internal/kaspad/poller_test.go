package kaspad

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasgate/kasgate/internal/core"
)

const testAddr = "kaspa:qtestaddress"

// fakeRestAPI serves the two REST endpoints the poller hits, with mutable
// transaction data.
type fakeRestAPI struct {
	mu        sync.Mutex
	txs       []restTransaction
	blueScore uint64
}

func (f *fakeRestAPI) set(txs ...restTransaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = txs
}

func (f *fakeRestAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/addresses/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(f.txs)
	})
	mux.HandleFunc("/info/virtual-chain-blue-score", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]uint64{"blueScore": f.blueScore})
	})
	return mux
}

func paymentTx(txID string, blueScore uint64, amount uint64) restTransaction {
	var tx restTransaction
	tx.TransactionID = txID
	tx.IsAccepted = blueScore > 0
	tx.AcceptingBlockBlueScore = blueScore
	tx.Outputs = append(tx.Outputs, struct {
		Index                  uint32 `json:"index"`
		Amount                 uint64 `json:"amount"`
		ScriptPublicKeyAddress string `json:"script_public_key_address"`
	}{Index: 0, Amount: amount, ScriptPublicKeyAddress: testAddr})
	return tx
}

func TestDiffAddressEmitsNewOutputsOnce(t *testing.T) {
	api := &fakeRestAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	p := NewRestPoller(srv.URL)
	p.Watch(testAddr)
	api.set(paymentTx("txA", 100, 150000000))

	ctx := context.Background()
	change, err := p.diffAddress(ctx, testAddr)
	require.NoError(t, err)
	require.Len(t, change.Added, 1)
	assert.Equal(t, "txA", change.Added[0].TxID)
	assert.Equal(t, "150000000", change.Added[0].AmountSompi.String())
	assert.Equal(t, uint64(100), change.Added[0].BlueScore)

	// Same data again: nothing new to report.
	change, err = p.diffAddress(ctx, testAddr)
	require.NoError(t, err)
	assert.Empty(t, change.Added)
	assert.Empty(t, change.Removed)
}

func TestDiffAddressReEmitsOnBlueScoreAdvance(t *testing.T) {
	api := &fakeRestAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	p := NewRestPoller(srv.URL)
	p.Watch(testAddr)
	ctx := context.Background()

	api.set(paymentTx("txA", 0, 100)) // not yet accepted
	change, err := p.diffAddress(ctx, testAddr)
	require.NoError(t, err)
	require.Len(t, change.Added, 1)

	// Acceptance moves the blue score; the consumer needs the update to
	// advance confirmation depth.
	api.set(paymentTx("txA", 500, 100))
	change, err = p.diffAddress(ctx, testAddr)
	require.NoError(t, err)
	require.Len(t, change.Added, 1)
	assert.Equal(t, uint64(500), change.Added[0].BlueScore)

	change, err = p.diffAddress(ctx, testAddr)
	require.NoError(t, err)
	assert.Empty(t, change.Added)
}

func TestDiffAddressRemovalAfterConsecutiveAbsence(t *testing.T) {
	api := &fakeRestAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	p := NewRestPoller(srv.URL)
	p.RemovalTicks = 3
	p.Watch(testAddr)
	ctx := context.Background()

	api.set(paymentTx("txA", 100, 100))
	_, err := p.diffAddress(ctx, testAddr)
	require.NoError(t, err)

	// The output vanishes (reorg). Transient API gaps must not trigger a
	// removal, so it takes RemovalTicks consecutive misses.
	api.set()
	for i := 0; i < 2; i++ {
		change, err := p.diffAddress(ctx, testAddr)
		require.NoError(t, err)
		assert.Empty(t, change.Removed, "tick %d", i)
	}
	change, err := p.diffAddress(ctx, testAddr)
	require.NoError(t, err)
	require.Len(t, change.Removed, 1)
	assert.Equal(t, Outpoint{TxID: "txA", Index: 0}, change.Removed[0])

	// Counter resets once emitted; no repeated removals.
	change, err = p.diffAddress(ctx, testAddr)
	require.NoError(t, err)
	assert.Empty(t, change.Removed)
}

func TestDiffAddressAbsenceCounterResets(t *testing.T) {
	api := &fakeRestAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	p := NewRestPoller(srv.URL)
	p.RemovalTicks = 2
	p.Watch(testAddr)
	ctx := context.Background()

	api.set(paymentTx("txA", 100, 100))
	_, err := p.diffAddress(ctx, testAddr)
	require.NoError(t, err)

	// One miss, then the output is back: counter must reset.
	api.set()
	_, err = p.diffAddress(ctx, testAddr)
	require.NoError(t, err)
	api.set(paymentTx("txA", 100, 100))
	_, err = p.diffAddress(ctx, testAddr)
	require.NoError(t, err)

	api.set()
	change, err := p.diffAddress(ctx, testAddr)
	require.NoError(t, err)
	assert.Empty(t, change.Removed)
}

func TestFetchUtxosFiltersForeignOutputs(t *testing.T) {
	api := &fakeRestAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	tx := paymentTx("txA", 100, 500)
	tx.Outputs = append(tx.Outputs, struct {
		Index                  uint32 `json:"index"`
		Amount                 uint64 `json:"amount"`
		ScriptPublicKeyAddress string `json:"script_public_key_address"`
	}{Index: 1, Amount: 999, ScriptPublicKeyAddress: "kaspa:qsomeoneelse"})
	api.set(tx)

	p := NewRestPoller(srv.URL)
	entries, err := p.FetchUtxos(context.Background(), testAddr)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(0), entries[0].Index)
}

func TestVirtualBlueScore(t *testing.T) {
	api := &fakeRestAPI{blueScore: 123456}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	p := NewRestPoller(srv.URL)
	score, err := p.VirtualBlueScore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(123456), score)
}

func TestRestErrorClassification(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := NewRestPoller(srv.URL)
	_, err := p.FetchUtxos(context.Background(), testAddr)
	assert.True(t, core.IsTransient(err))

	status = http.StatusNotFound
	_, err = p.FetchUtxos(context.Background(), testAddr)
	require.Error(t, err)
	assert.False(t, core.IsTransient(err))
}
