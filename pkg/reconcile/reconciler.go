// Package reconcile settles or unwinds a maker's in-flight trades against
// the chain.
package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/ledger"
	"github.com/uhyunpark/runeswap/pkg/storage"
	"github.com/uhyunpark/runeswap/pkg/util"
)

type Config struct {
	Interval time.Duration
	// Grace is how long a new trade is left alone so its transaction can
	// propagate.
	Grace                 time.Duration
	RequiredConfirmations int64
}

func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, Grace: 30 * time.Second, RequiredConfirmations: 1}
}

// Report counts what one sweep did.
type Report struct {
	Skipped    bool
	Checked    int
	Abandoned  int
	Errored    int
	Confirming int
	Confirmed  int
	NewOrders  int
}

type Reconciler struct {
	Store    storage.Store
	Ledger   ledger.Ledger
	MakerKey string
	Config   Config
	Clock    util.Clock
	Logger   *zap.SugaredLogger

	OnTradeUpdate  func(core.Trade)
	OnTradeRemoved func(core.Trade)

	running atomic.Bool
}

func New(store storage.Store, l ledger.Ledger, makerKey string, cfg Config, clock util.Clock, log *zap.SugaredLogger) *Reconciler {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reconciler{Store: store, Ledger: l, MakerKey: makerKey, Config: cfg, Clock: clock, Logger: log}
}

// Run sweeps every Interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.Clock.After(r.Config.Interval):
		}
		go func() {
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.Logger.Errorw("sweep_failed", "err", err)
			}
		}()
	}
}

// sweepState is the per-pass scratch: the batch being built and the tip,
// fetched at most once.
type sweepState struct {
	batch  storage.Sweep
	report Report
	tip    int64
	hasTip bool
}

// Sweep runs one reconciliation pass. A pass that starts while another is
// still running returns immediately with Skipped set.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Report{Skipped: true}, nil
	}
	defer r.running.Store(false)

	trades, err := r.Store.OpenTrades(ctx, r.MakerKey)
	if err != nil {
		return Report{}, err
	}
	now := r.Clock.Now()
	st := &sweepState{}
	for _, t := range trades {
		if now.Sub(t.CreatedAt) < r.Config.Grace {
			continue
		}
		st.report.Checked++
		if err := r.check(ctx, st, t, now); err != nil {
			r.Logger.Warnw("trade_check_failed", "trade_id", t.TradeID, "err", err)
		}
	}

	if st.batch.Empty() {
		return st.report, nil
	}
	applied, err := r.Store.CommitSweep(ctx, st.batch)
	if err != nil {
		return st.report, err
	}
	if kept := len(st.batch.Deleted) - len(applied.Deleted); kept > 0 {
		r.Logger.Infow("abandon_skipped", "trades", kept, "reason", "signed during sweep")
		st.report.Abandoned -= kept
	}
	for _, t := range applied.Updated {
		if r.OnTradeUpdate != nil {
			r.OnTradeUpdate(t)
		}
	}
	for _, t := range applied.Deleted {
		if r.OnTradeRemoved != nil {
			r.OnTradeRemoved(t)
		}
	}
	r.Logger.Infow("sweep_done",
		"checked", st.report.Checked, "abandoned", st.report.Abandoned, "errored", st.report.Errored,
		"confirming", st.report.Confirming, "confirmed", st.report.Confirmed, "new_orders", st.report.NewOrders)
	return st.report, nil
}

func (r *Reconciler) check(ctx context.Context, st *sweepState, t core.Trade, now time.Time) error {
	if t.FundingOutpoint == "" {
		r.abandon(st, t, "never signed")
		return nil
	}
	op, err := core.ParseOutpoint(t.FundingOutpoint)
	if err != nil {
		return err
	}
	spend, err := r.Ledger.Outspend(ctx, op.Hash.String(), op.Index)
	if err != nil {
		return err
	}
	if !spend.Spent {
		r.abandon(st, t, "funding outpoint unspent")
		return nil
	}
	if t.LedgerTxID != "" && spend.TxID != t.LedgerTxID {
		r.Logger.Warnw("trade_errored", "trade_id", t.TradeID, "expected_tx", t.LedgerTxID, "spent_by", spend.TxID)
		t.Status = core.TradeErrored
		st.batch.Updated = append(st.batch.Updated, t)
		st.batch.Released = append(st.batch.Released, t.ConstituentOrders...)
		st.report.Errored++
		return nil
	}

	status, err := r.Ledger.TxStatus(ctx, spend.TxID)
	if err != nil {
		return err
	}
	var confs int64
	if status.Confirmed {
		tip, err := r.tip(ctx, st)
		if err != nil {
			return err
		}
		confs = tip - status.BlockHeight + 1
	}
	required := max(r.Config.RequiredConfirmations, 1)
	if confs >= required {
		// a trade only closes together with its replacement orders
		fresh, err := r.rebalance(ctx, t, now)
		if err == nil {
			t.Status = core.TradeConfirmed
			t.Confirmations = confs
			t.LedgerTxID = spend.TxID
			st.batch.Updated = append(st.batch.Updated, t)
			st.batch.NewOrders = append(st.batch.NewOrders, fresh...)
			st.report.Confirmed++
			st.report.NewOrders += len(fresh)
			r.Logger.Infow("trade_confirmed", "trade_id", t.TradeID, "txid", spend.TxID, "confirmations", confs, "new_orders", len(fresh))
			return nil
		}
		r.confirming(st, t, spend.TxID, confs)
		return err
	}
	r.confirming(st, t, spend.TxID, confs)
	return nil
}

// confirming records t as seen on chain but not yet final, rewriting it only
// when something changed.
func (r *Reconciler) confirming(st *sweepState, t core.Trade, txid string, confs int64) {
	if t.Status != core.TradeConfirming || t.Confirmations != confs || t.LedgerTxID != txid {
		t.Status = core.TradeConfirming
		t.Confirmations = confs
		t.LedgerTxID = txid
		st.batch.Updated = append(st.batch.Updated, t)
	}
	st.report.Confirming++
}

func (r *Reconciler) tip(ctx context.Context, st *sweepState) (int64, error) {
	if st.hasTip {
		return st.tip, nil
	}
	tip, err := r.Ledger.TipHeight(ctx)
	if err != nil {
		return 0, err
	}
	st.tip, st.hasTip = tip, true
	return tip, nil
}

func (r *Reconciler) abandon(st *sweepState, t core.Trade, reason string) {
	r.Logger.Infow("trade_abandoned", "trade_id", t.TradeID, "reason", reason, "orders", len(t.ConstituentOrders))
	st.batch.Deleted = append(st.batch.Deleted, t)
	st.report.Abandoned++
}

// rebalance builds the orders that re-list the filled amount of each
// constituent order on the other side of the book, spread away from the fill
// price. Nothing is returned unless every order could be built.
func (r *Reconciler) rebalance(ctx context.Context, t core.Trade, now time.Time) ([]core.Order, error) {
	cfg, err := r.Store.RebalanceConfig(ctx, t.AssetID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, nil
	}
	var fresh []core.Order
	for _, u := range t.ConstituentOrders {
		o, err := r.Store.GetOrder(ctx, u.OrderID)
		if err != nil {
			return nil, err
		}
		side := o.Side.Opposite()
		price, err := spreadPrice(o.Price, cfg.SpreadPercent, side)
		if err != nil {
			return nil, err
		}
		if price <= 0 {
			continue
		}
		fresh = append(fresh, core.Order{
			ID:              uuid.NewString(),
			AssetID:         o.AssetID,
			Quantity:        u.UsedAmount,
			Price:           price,
			Side:            side,
			Status:          core.OrderOpen,
			MakerChannelKey: o.MakerChannelKey,
			MakerAddress:    o.MakerAddress,
			MakerPublicKey:  o.MakerPublicKey,
			CreatedAt:       now,
		})
	}
	return fresh, nil
}

// spreadPrice marks asks up and bids down by spread percent, rounding away
// from the fill price.
func spreadPrice(price, spread int64, side core.Side) (int64, error) {
	if side == core.Ask {
		return core.MulDivCeil(price, 100+spread, 100)
	}
	if spread >= 100 {
		return 0, nil
	}
	return core.MulDivFloor(price, 100-spread, 100)
}
