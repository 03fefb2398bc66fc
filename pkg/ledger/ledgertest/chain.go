// Package ledgertest provides an in-memory chain implementing both the
// Ledger and Assets collaborators.
package ledgertest

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/ledger"
	"github.com/uhyunpark/runeswap/pkg/swaperr"
)

// Chain is a toy chain. Broadcast transactions spend their inputs
// immediately and confirm on the next Mine.
type Chain struct {
	mu sync.Mutex

	Tip     int64
	Indexed int64
	Rate    int64

	utxos    map[string]core.UnspentOutput // by location
	statuses map[string]ledger.TxStatus
	spends   map[string]ledger.Outspend
	mempool  []string
	tickers  map[string]core.TickerInfo

	Broadcasts   []*wire.MsgTx
	BroadcastErr error
}

func New() *Chain {
	return &Chain{
		Tip:      840_000,
		Indexed:  840_000,
		Rate:     2,
		utxos:    make(map[string]core.UnspentOutput),
		statuses: make(map[string]ledger.TxStatus),
		spends:   make(map[string]ledger.Outspend),
		tickers:  make(map[string]core.TickerInfo),
	}
}

// AddUTXO funds an address. The output counts as confirmed when safe.
func (c *Chain) AddUTXO(u core.UnspentOutput) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.utxos[u.Location()] = u
}

func (c *Chain) AddTicker(t core.TickerInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickers[t.AssetID] = t
}

func (c *Chain) SetOutspend(location string, o ledger.Outspend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spends[location] = o
}

func (c *Chain) SetTxStatus(txid string, s ledger.TxStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[txid] = s
}

// Mine confirms every broadcast transaction in a new block.
func (c *Chain) Mine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Tip++
	c.Indexed = c.Tip
	for _, txid := range c.mempool {
		c.statuses[txid] = ledger.TxStatus{Confirmed: true, BlockHeight: c.Tip}
	}
	c.mempool = nil
}

func (c *Chain) TipHeight(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Tip, nil
}

func (c *Chain) IndexedHeight(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Indexed, nil
}

func (c *Chain) FeeRate(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Rate, nil
}

func (c *Chain) UTXOsFor(_ context.Context, address string) ([]core.UnspentOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []core.UnspentOutput
	for _, u := range c.utxos {
		if u.OwnerAddress == address {
			u.AssetBalances = nil
			out = append(out, u)
		}
	}
	sortOutputs(out)
	return out, nil
}

func (c *Chain) BalancesForAddress(_ context.Context, address string) ([]core.UnspentOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []core.UnspentOutput
	for _, u := range c.utxos {
		if u.OwnerAddress == address && u.HasAssets() {
			out = append(out, u)
		}
	}
	sortOutputs(out)
	return out, nil
}

func (c *Chain) BalancesForOutputs(_ context.Context, locations []string) (map[string]map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]int64, len(locations))
	for _, loc := range locations {
		if u, ok := c.utxos[loc]; ok {
			out[loc] = u.AssetBalances
		}
	}
	return out, nil
}

func (c *Chain) TickerInfo(_ context.Context, assetID string) (core.TickerInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tickers[assetID]
	if !ok {
		return core.TickerInfo{AssetID: assetID, DisplayName: assetID}, nil
	}
	return t, nil
}

func (c *Chain) TxStatus(_ context.Context, txid string) (ledger.TxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[txid], nil
}

func (c *Chain) Outspend(_ context.Context, txid string, vout uint32) (ledger.Outspend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spends[fmt.Sprintf("%s:%d", txid, vout)], nil
}

// Broadcast accepts any well-formed transaction whose inputs are unspent.
func (c *Chain) Broadcast(_ context.Context, rawTx []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.BroadcastErr != nil {
		return "", swaperr.Wrap(swaperr.BroadcastFailure, c.BroadcastErr, "broadcast")
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return "", swaperr.Wrap(swaperr.BroadcastFailure, err, "decode tx")
	}
	for _, in := range tx.TxIn {
		if len(in.Witness) == 0 {
			return "", swaperr.New(swaperr.BroadcastFailure, "input %s has no witness", in.PreviousOutPoint)
		}
		loc := in.PreviousOutPoint.String()
		if s, ok := c.spends[loc]; ok && s.Spent {
			return "", swaperr.New(swaperr.BroadcastFailure, "input %s already spent", loc)
		}
	}
	txid := tx.TxHash().String()
	for _, in := range tx.TxIn {
		loc := in.PreviousOutPoint.String()
		c.spends[loc] = ledger.Outspend{Spent: true, TxID: txid}
		delete(c.utxos, loc)
	}
	c.statuses[txid] = ledger.TxStatus{}
	c.mempool = append(c.mempool, txid)
	c.Broadcasts = append(c.Broadcasts, tx)
	return txid, nil
}

func sortOutputs(us []core.UnspentOutput) {
	sort.Slice(us, func(i, j int) bool {
		if us[i].Value != us[j].Value {
			return us[i].Value > us[j].Value
		}
		return us[i].Location() < us[j].Location()
	})
}

var (
	_ ledger.Ledger = (*Chain)(nil)
	_ ledger.Assets = (*Chain)(nil)
)
