package core

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// DustLimit is the smallest output value the swap builder will create.
const DustLimit int64 = 546

// Side is the side of a resting maker order.
type Side string

const (
	Ask Side = "ask" // maker sells the asset
	Bid Side = "bid" // maker buys the asset
)

func (s Side) Valid() bool { return s == Ask || s == Bid }

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Ask {
		return Bid
	}
	return Ask
}

// Direction is what the taker wants to do.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

func (d Direction) Valid() bool { return d == Buy || d == Sell }

// CounterSide is the side of the book a taker direction matches against.
func (d Direction) CounterSide() Side {
	if d == Buy {
		return Ask
	}
	return Bid
}

type OrderStatus string

const (
	OrderOpen     OrderStatus = "open"
	OrderClosed   OrderStatus = "closed"
	OrderCanceled OrderStatus = "canceled"
)

// Order is a resting maker order. Quantity and FilledQuantity are asset units;
// Price is value units per asset unit.
type Order struct {
	ID              string      `json:"id"`
	AssetID         string      `json:"asset_id"`
	Quantity        int64       `json:"quantity"`
	FilledQuantity  int64       `json:"filled_quantity"`
	Price           int64       `json:"price"`
	Side            Side        `json:"side"`
	Status          OrderStatus `json:"status"`
	MakerChannelKey string      `json:"maker_channel_key"`
	MakerAddress    string      `json:"maker_address"`
	MakerPublicKey  string      `json:"maker_public_key"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() int64 {
	if o.FilledQuantity >= o.Quantity {
		return 0
	}
	return o.Quantity - o.FilledQuantity
}

func (o *Order) Validate() error {
	switch {
	case o.ID == "":
		return fmt.Errorf("order id is empty")
	case o.AssetID == "":
		return fmt.Errorf("order %s: asset id is empty", o.ID)
	case o.Quantity <= 0:
		return fmt.Errorf("order %s: quantity must be positive", o.ID)
	case o.Price <= 0:
		return fmt.Errorf("order %s: price must be positive", o.ID)
	case o.FilledQuantity < 0 || o.FilledQuantity > o.Quantity:
		return fmt.Errorf("order %s: filled %d outside [0,%d]", o.ID, o.FilledQuantity, o.Quantity)
	case !o.Side.Valid():
		return fmt.Errorf("order %s: bad side %q", o.ID, o.Side)
	}
	return nil
}

type TradeStatus string

const (
	TradePending    TradeStatus = "pending"
	TradeConfirming TradeStatus = "confirming"
	TradeConfirmed  TradeStatus = "confirmed"
	TradeErrored    TradeStatus = "errored"
)

// Open reports whether the reconciler still has work to do for this status.
func (s TradeStatus) Open() bool { return s == TradePending || s == TradeConfirming }

// OrderUse is one (order, amount) pair consumed by a trade.
type OrderUse struct {
	OrderID    string `json:"order_id"`
	UsedAmount int64  `json:"used_amount"`
}

// Trade is the maker-side record of a reservation and its settlement.
// TradeID is shared by every maker in one swap; (TradeID, MakerChannelKey)
// identifies the record and ID is its opaque surrogate.
type Trade struct {
	ID                string      `json:"id"`
	TradeID           string      `json:"trade_id"`
	MakerChannelKey   string      `json:"maker_channel_key"`
	AssetID           string      `json:"asset_id"`
	LedgerTxID        string      `json:"ledger_tx_id,omitempty"`
	FundingOutpoint   string      `json:"funding_outpoint,omitempty"`
	ConstituentOrders []OrderUse  `json:"constituent_orders"`
	Side              Side        `json:"side"`
	Amount            int64       `json:"amount"`
	Price             int64       `json:"price"`
	Status            TradeStatus `json:"status"`
	Confirmations     int64       `json:"confirmations"`
	CreatedAt         time.Time   `json:"created_at"`
}

// UsedTotal sums the asset units taken from constituent orders.
func (t *Trade) UsedTotal() int64 {
	var n int64
	for _, u := range t.ConstituentOrders {
		n += u.UsedAmount
	}
	return n
}

// SelectedOrder is a match produced for one fill request. UsedAmount is in
// asset units, ValueAmount in value units.
type SelectedOrder struct {
	Order          Order
	UsedAmount     int64
	ValueAmount    int64
	FundingOutputs []UnspentOutput
}

// UnspentOutput is a spendable output together with the asset balances it carries.
type UnspentOutput struct {
	TxID           string           `json:"txid"`
	Index          uint32           `json:"vout"`
	Value          int64            `json:"value"`
	ScriptPubKey   []byte           `json:"script_pubkey"`
	OwnerAddress   string           `json:"owner_address"`
	OwnerPublicKey []byte           `json:"owner_public_key,omitempty"`
	AssetBalances  map[string]int64 `json:"asset_balances,omitempty"`
	IsSafeToSpend  bool             `json:"safe"`
}

// Location returns "txid:vout".
func (u UnspentOutput) Location() string { return fmt.Sprintf("%s:%d", u.TxID, u.Index) }

// OutPoint converts to a wire outpoint.
func (u UnspentOutput) OutPoint() (wire.OutPoint, error) {
	h, err := chainhash.NewHashFromStr(u.TxID)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("outpoint %s: %w", u.Location(), err)
	}
	return *wire.NewOutPoint(h, u.Index), nil
}

// AssetAmount returns the balance of one asset on this output.
func (u UnspentOutput) AssetAmount(assetID string) int64 {
	return u.AssetBalances[assetID]
}

// HasAssets reports whether any asset balance is attached.
func (u UnspentOutput) HasAssets() bool {
	for _, v := range u.AssetBalances {
		if v > 0 {
			return true
		}
	}
	return false
}

// ParseOutpoint splits "txid:vout".
func ParseOutpoint(s string) (wire.OutPoint, error) {
	op, err := wire.NewOutPointFromString(s)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("parse outpoint %q: %w", s, err)
	}
	return *op, nil
}

// RebalanceConfig controls liquidity replenishment after confirmed trades.
type RebalanceConfig struct {
	AssetID       string `json:"asset_id"`
	Enabled       bool   `json:"enabled"`
	SpreadPercent int64  `json:"spread_percent"`
}

// TickerInfo describes how an asset is displayed.
type TickerInfo struct {
	AssetID     string `json:"asset_id"`
	Decimals    int32  `json:"decimals"`
	DisplayName string `json:"display_name"`
}
