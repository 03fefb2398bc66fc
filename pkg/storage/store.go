package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/swaperr"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store persists orders, trades and rebalance settings.
//
// Reserve is the only operation that mutates FilledQuantity on the way up and
// must be atomic: either every referenced order is incremented and the trade
// written, or nothing changes.
type Store interface {
	SaveOrder(ctx context.Context, o core.Order) error
	SaveOrders(ctx context.Context, os []core.Order) error
	GetOrder(ctx context.Context, id string) (core.Order, error)
	// OrdersFor returns orders in price priority: asks ascending, bids
	// descending, ties by creation time.
	OrdersFor(ctx context.Context, assetID string, status core.OrderStatus, side core.Side) ([]core.Order, error)

	// Reserve checks filled+used <= quantity for every constituent order of
	// t, increments the fills and records t. A reservation for a trade that
	// already exists unsigned for the same maker is merged into it.
	Reserve(ctx context.Context, t core.Trade) (core.Trade, error)
	GetTrade(ctx context.Context, tradeID, makerKey string) (core.Trade, error)
	// MarkSigned records the funding outpoint and transaction of a pending
	// trade. It returns ErrNotFound when the trade is gone and a validation
	// error when it is no longer pending or was signed for another
	// transaction.
	MarkSigned(ctx context.Context, tradeID, makerKey, outpoint, txid string) (core.Trade, error)
	// OpenTrades returns pending and confirming trades of one maker.
	OpenTrades(ctx context.Context, makerKey string) ([]core.Trade, error)
	// Trades returns every trade of one maker, newest first.
	Trades(ctx context.Context, makerKey string, limit int) ([]core.Trade, error)

	RebalanceConfig(ctx context.Context, assetID string) (core.RebalanceConfig, error)
	SaveRebalanceConfig(ctx context.Context, c core.RebalanceConfig) error

	// CommitSweep applies one reconciliation pass in a single batch and
	// returns what it applied. A deleted trade whose stored funding outpoint
	// no longer matches the one the pass read was signed in the meantime; it
	// is kept along with its fills.
	CommitSweep(ctx context.Context, s Sweep) (Sweep, error)

	Close() error
}

// Sweep collects the mutations of one reconciliation pass. Deleting a trade
// gives back its fills; Released covers the fills of trades that are kept.
type Sweep struct {
	Updated   []core.Trade
	Deleted   []core.Trade
	Released  []core.OrderUse // floored at zero
	NewOrders []core.Order
}

func (s Sweep) Empty() bool {
	return len(s.Updated) == 0 && len(s.Deleted) == 0 && len(s.Released) == 0 && len(s.NewOrders) == 0
}

// SortByPriority orders a book side for matching.
func SortByPriority(orders []core.Order, side core.Side) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if a.Price != b.Price {
			if side == core.Bid {
				return a.Price > b.Price
			}
			return a.Price < b.Price
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// applyReservation validates and applies the fills of t against orders,
// merging into prev when a same-maker trade is already pending. orders is
// keyed by id and updated in place.
func applyReservation(orders map[string]*core.Order, t core.Trade, prev *core.Trade) (core.Trade, error) {
	if prev != nil && (prev.FundingOutpoint != "" || prev.Status != core.TradePending) {
		return core.Trade{}, reserveError("trade %s already signed", t.TradeID)
	}
	need := make(map[string]int64)
	for _, u := range t.ConstituentOrders {
		if u.UsedAmount <= 0 {
			return core.Trade{}, reserveError("order %s: non-positive amount %d", u.OrderID, u.UsedAmount)
		}
		need[u.OrderID] += u.UsedAmount
	}
	for id, amt := range need {
		o, ok := orders[id]
		if !ok {
			return core.Trade{}, reserveError("order %s not found", id)
		}
		if o.Status != core.OrderOpen {
			return core.Trade{}, reserveError("order %s is %s", id, o.Status)
		}
		if o.MakerChannelKey != t.MakerChannelKey {
			return core.Trade{}, reserveError("order %s not owned by maker", id)
		}
		if o.AssetID != t.AssetID || o.Side != t.Side {
			return core.Trade{}, reserveError("order %s is %s/%s, trade is %s/%s", id, o.AssetID, o.Side, t.AssetID, t.Side)
		}
		if o.FilledQuantity+amt > o.Quantity {
			return core.Trade{}, reserveError("order %s: filled %d + %d exceeds %d", id, o.FilledQuantity, amt, o.Quantity)
		}
	}
	for id, amt := range need {
		o := orders[id]
		o.FilledQuantity += amt
		if o.FilledQuantity == o.Quantity {
			o.Status = core.OrderClosed
		}
	}

	if prev == nil {
		t.Status = core.TradePending
		t.Amount = t.UsedTotal()
		t.Price = averagePrice(orders, t.ConstituentOrders)
		return t, nil
	}
	merged := *prev
	merged.ConstituentOrders = mergeUses(prev.ConstituentOrders, t.ConstituentOrders)
	merged.Amount = merged.UsedTotal()
	merged.Price = averagePrice(orders, merged.ConstituentOrders)
	return merged, nil
}

// markSigned sets the signing fields on t if it can still be signed.
func markSigned(t core.Trade, outpoint, txid string) (core.Trade, error) {
	if t.Status != core.TradePending {
		return core.Trade{}, swaperr.New(swaperr.Validation, "trade %s is %s", t.TradeID, t.Status)
	}
	if t.LedgerTxID != "" && t.LedgerTxID != txid {
		return core.Trade{}, swaperr.New(swaperr.Validation, "trade %s already signed transaction %s", t.TradeID, t.LedgerTxID)
	}
	t.FundingOutpoint, t.LedgerTxID = outpoint, txid
	return t, nil
}

// staleDelete reports whether the stored form of a trade has moved on from
// the one a sweep decided to delete.
func staleDelete(stored, read core.Trade) bool {
	return stored.FundingOutpoint != read.FundingOutpoint || stored.Status != read.Status
}

func reserveError(format string, args ...any) error {
	return swaperr.New(swaperr.Validation, "reserve rejected: "+format, args...)
}

// releaseFill gives back amount on o, never going below zero, and reopens
// an order closed by a fill.
func releaseFill(o *core.Order, amount int64) {
	o.FilledQuantity -= amount
	if o.FilledQuantity < 0 {
		o.FilledQuantity = 0
	}
	if o.Status == core.OrderClosed && o.FilledQuantity < o.Quantity {
		o.Status = core.OrderOpen
	}
}

func mergeUses(a, b []core.OrderUse) []core.OrderUse {
	out := append([]core.OrderUse(nil), a...)
	for _, u := range b {
		found := false
		for i := range out {
			if out[i].OrderID == u.OrderID {
				out[i].UsedAmount += u.UsedAmount
				found = true
				break
			}
		}
		if !found {
			out = append(out, u)
		}
	}
	return out
}

// averagePrice is the floor of the amount-weighted price.
func averagePrice(orders map[string]*core.Order, uses []core.OrderUse) int64 {
	var value, amount int64
	for _, u := range uses {
		o, ok := orders[u.OrderID]
		if !ok {
			continue
		}
		value += u.UsedAmount * o.Price
		amount += u.UsedAmount
	}
	if amount == 0 {
		return 0
	}
	return value / amount
}
