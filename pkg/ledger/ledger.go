// Package ledger defines the chain and rune-index collaborators and the
// HTTP clients that implement them.
package ledger

import (
	"context"

	"github.com/uhyunpark/runeswap/pkg/core"
)

// TxStatus is the confirmation state of a transaction.
type TxStatus struct {
	Confirmed   bool
	BlockHeight int64
}

// Outspend reports whether an output has been spent and by which transaction.
type Outspend struct {
	Spent bool
	TxID  string
}

// Ledger is the chain data provider.
type Ledger interface {
	TipHeight(ctx context.Context) (int64, error)
	// UTXOsFor returns the address's unspent outputs; IsSafeToSpend is set
	// for confirmed ones.
	UTXOsFor(ctx context.Context, address string) ([]core.UnspentOutput, error)
	TxStatus(ctx context.Context, txid string) (TxStatus, error)
	Outspend(ctx context.Context, txid string, vout uint32) (Outspend, error)
	Broadcast(ctx context.Context, rawTx []byte) (string, error)
	// FeeRate is the recommended rate in sats per vbyte.
	FeeRate(ctx context.Context) (int64, error)
}

// Assets is the rune balance indexer.
type Assets interface {
	TickerInfo(ctx context.Context, assetID string) (core.TickerInfo, error)
	// BalancesForOutputs maps "txid:vout" to the rune balances on it.
	BalancesForOutputs(ctx context.Context, locations []string) (map[string]map[string]int64, error)
	// BalancesForAddress returns the address's rune-bearing outputs.
	BalancesForAddress(ctx context.Context, address string) ([]core.UnspentOutput, error)
	// IndexedHeight is the last block the indexer has processed.
	IndexedHeight(ctx context.Context) (int64, error)
}
