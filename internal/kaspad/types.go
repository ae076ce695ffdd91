// Package kaspad talks to the Kaspa node over its two read paths: the
// websocket JSON-RPC feed (primary) and the REST API (failover). Both
// surface UTXO changes for watched addresses in one shape.
package kaspad

import (
	"github.com/kasgate/kasgate/internal/kas"
)

// Outpoint identifies one transaction output.
type Outpoint struct {
	TxID  string
	Index uint32
}

// UtxoEntry is one output paying a watched address. BlueScore is the
// accepting block's blue score; zero while the tx is unaccepted.
type UtxoEntry struct {
	Outpoint
	Address     string
	AmountSompi kas.Amount
	BlueScore   uint64
}

// UtxoChange is a delta for one address: outputs that appeared and
// outpoints that disappeared (reorg).
type UtxoChange struct {
	Address string
	Added   []UtxoEntry
	Removed []Outpoint
}

// parseAmount decodes the node's decimal-string sompi amounts.
func parseAmount(s string) (kas.Amount, error) {
	return kas.ParseSompi(s)
}
