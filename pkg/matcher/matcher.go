// Package matcher fills a taker request from resting maker orders in price
// priority, reserving capacity with each maker before using it.
package matcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/protocol"
	"github.com/uhyunpark/runeswap/pkg/swaperr"
)

// Request is a fill request. Amount is value units when buying and asset
// units when selling.
type Request struct {
	TradeID   string
	Direction core.Direction
	AssetID   string
	Amount    int64
}

func (r Request) Validate() error {
	switch {
	case r.TradeID == "":
		return swaperr.New(swaperr.Validation, "trade id is empty")
	case !r.Direction.Valid():
		return swaperr.New(swaperr.Validation, "bad direction %q", r.Direction)
	case r.AssetID == "":
		return swaperr.New(swaperr.Validation, "asset id is empty")
	case r.Amount <= 0:
		return swaperr.New(swaperr.Validation, "amount must be positive, got %d", r.Amount)
	}
	return nil
}

// OrderSource lists open orders in price priority.
type OrderSource interface {
	OrdersFor(ctx context.Context, assetID string, status core.OrderStatus, side core.Side) ([]core.Order, error)
}

// Negotiator reserves order capacity with the owning maker.
type Negotiator interface {
	Reserve(ctx context.Context, maker string, req protocol.ReserveRequest) error
	Ping(ctx context.Context, maker string) error
}

type Matcher struct {
	Orders     OrderSource
	Negotiator Negotiator
	Funds      FundsResolver
	// SelfKey is the taker's own channel key; its orders are never matched.
	SelfKey string
	// PingFirst pings each maker once before reserving with it.
	PingFirst bool
	Logger    *zap.SugaredLogger
}

func New(orders OrderSource, n Negotiator, funds FundsResolver, log *zap.SugaredLogger) *Matcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Matcher{Orders: orders, Negotiator: n, Funds: funds, Logger: log}
}

// matchContext caches per-maker lookups for one fill request.
type matchContext struct {
	funds  map[string]*Funds
	errs   map[string]error
	pinged map[string]error
}

func newMatchContext() *matchContext {
	return &matchContext{
		funds:  make(map[string]*Funds),
		errs:   make(map[string]error),
		pinged: make(map[string]error),
	}
}

func (mc *matchContext) fundsFor(ctx context.Context, r FundsResolver, o core.Order) (*Funds, error) {
	if f, ok := mc.funds[o.MakerAddress]; ok {
		return f, nil
	}
	if err, ok := mc.errs[o.MakerAddress]; ok {
		return nil, err
	}
	f, err := r.Funds(ctx, o)
	if err != nil {
		mc.errs[o.MakerAddress] = err
		return nil, err
	}
	mc.funds[o.MakerAddress] = &f
	return &f, nil
}

// capacity is how many asset units o can supply given available maker funds.
func capacity(o core.Order, available int64) int64 {
	c := o.Remaining()
	limit := available
	if o.Side == core.Bid {
		limit = available / o.Price
	}
	return min(c, max(limit, 0))
}

// take sizes the use of o for the remaining request amount.
func take(dir core.Direction, o core.Order, capAsset, remaining int64) (used, value int64, err error) {
	if dir == core.Buy {
		capValue, err := core.AssetToValue(capAsset, o.Price)
		if err != nil {
			return 0, 0, err
		}
		if capValue >= remaining {
			return core.ValueToAssetCeil(remaining, o.Price), remaining, nil
		}
		return capAsset, capValue, nil
	}
	used = min(capAsset, remaining)
	value, err = core.AssetToValue(used, o.Price)
	return used, value, err
}

// consumed is how much a use draws on the maker's funds.
func consumed(o core.Order, used, value int64) int64 {
	if o.Side == core.Bid {
		return value
	}
	return used
}

// Match reserves orders until the request is covered. Candidates whose maker
// declines or times out are skipped. Reservations already made are left in
// place when the request cannot be covered.
func (m *Matcher) Match(ctx context.Context, req Request) ([]core.SelectedOrder, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	side := req.Direction.CounterSide()
	orders, err := m.Orders.OrdersFor(ctx, req.AssetID, core.OrderOpen, side)
	if err != nil {
		return nil, swaperr.Wrap(swaperr.Storage, err, "orders for %s", req.AssetID)
	}
	mc := newMatchContext()

	var candidates []core.Order
	for _, o := range orders {
		if o.MakerChannelKey == m.SelfKey || o.Remaining() == 0 || o.Price <= 0 {
			continue
		}
		candidates = append(candidates, o)
	}
	if err := m.precheck(ctx, mc, req, candidates); err != nil {
		return nil, err
	}

	remaining := req.Amount
	var selected []core.SelectedOrder
	for _, o := range candidates {
		if remaining == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := mc.fundsFor(ctx, m.Funds, o)
		if err != nil {
			continue
		}
		c := capacity(o, f.Available)
		if c == 0 {
			continue
		}
		used, value, err := take(req.Direction, o, c, remaining)
		if err != nil || used == 0 {
			continue
		}
		if m.PingFirst && !m.reachable(ctx, mc, o.MakerChannelKey) {
			continue
		}

		rr := protocol.ReserveRequest{
			TradeID: req.TradeID,
			AssetID: req.AssetID,
			Orders:  []protocol.OrderAmount{{OrderID: o.ID, Amount: used}},
		}
		if err := m.Negotiator.Reserve(ctx, o.MakerChannelKey, rr); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.Logger.Infow("candidate_skipped", "trade_id", req.TradeID, "order_id", o.ID, "maker", o.MakerChannelKey, "err", err)
			continue
		}

		f.Available -= consumed(o, used, value)
		selected = append(selected, core.SelectedOrder{
			Order:          o,
			UsedAmount:     used,
			ValueAmount:    value,
			FundingOutputs: f.Outputs,
		})
		if req.Direction == core.Buy {
			remaining -= value
		} else {
			remaining -= used
		}
		m.Logger.Infow("order_reserved", "trade_id", req.TradeID, "order_id", o.ID, "used", used, "value", value, "remaining", remaining)
	}

	if remaining > 0 {
		return nil, swaperr.New(swaperr.InsufficientLiquidity,
			"%d of %d left uncovered after %d candidates", remaining, req.Amount, len(candidates))
	}
	return selected, nil
}

// precheck fails fast when the book cannot cover the request even if every
// maker accepts.
func (m *Matcher) precheck(ctx context.Context, mc *matchContext, req Request, candidates []core.Order) error {
	avail := make(map[string]int64)
	remaining := req.Amount
	for _, o := range candidates {
		if remaining == 0 {
			return nil
		}
		f, err := mc.fundsFor(ctx, m.Funds, o)
		if err != nil {
			m.Logger.Warnw("maker_funds_unavailable", "maker", o.MakerAddress, "err", err)
			continue
		}
		a, ok := avail[o.MakerAddress]
		if !ok {
			a = f.Available
		}
		c := capacity(o, a)
		if c == 0 {
			continue
		}
		used, value, err := take(req.Direction, o, c, remaining)
		if err != nil {
			continue
		}
		avail[o.MakerAddress] = a - consumed(o, used, value)
		if req.Direction == core.Buy {
			remaining -= value
		} else {
			remaining -= used
		}
	}
	if remaining > 0 {
		return swaperr.New(swaperr.InsufficientLiquidity, "book covers %d of %d", req.Amount-remaining, req.Amount)
	}
	return nil
}

func (m *Matcher) reachable(ctx context.Context, mc *matchContext, maker string) bool {
	err, ok := mc.pinged[maker]
	if !ok {
		err = m.Negotiator.Ping(ctx, maker)
		mc.pinged[maker] = err
	}
	return err == nil
}
