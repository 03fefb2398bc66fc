// Package taker runs a fill request end to end: match, build, collect
// maker signatures, sign and broadcast.
package taker

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/ledger"
	"github.com/uhyunpark/runeswap/pkg/matcher"
	"github.com/uhyunpark/runeswap/pkg/swap"
	"github.com/uhyunpark/runeswap/pkg/swaperr"
	"github.com/uhyunpark/runeswap/pkg/util"
	"github.com/uhyunpark/runeswap/pkg/wallet"
)

// SignCollector gathers maker signatures on a swap packet.
type SignCollector interface {
	CollectSignatures(ctx context.Context, tradeID string, p *psbt.Packet, signers map[string][]int) error
}

type Fill struct {
	Direction core.Direction
	AssetID   string
	// Amount is value units when buying and asset units when selling.
	Amount int64
}

// Result describes how far a fill got. A broadcast failure is reported
// through State BROADCASTING with an empty TxID rather than an error; the
// makers' reconcilers unwind the reservations.
type Result struct {
	TradeID  string
	State    core.TradeState
	TxID     string
	Fee      int64
	Selected []core.SelectedOrder
	// BroadcastErr is set when State is BROADCASTING.
	BroadcastErr error
}

type Taker struct {
	Ledger    ledger.Ledger
	Assets    ledger.Assets
	Matcher   *matcher.Matcher
	Builder   *swap.Builder
	Signers   SignCollector
	Wallet    wallet.Signer
	Clock     util.Clock
	SyncDelay time.Duration
	Logger    *zap.SugaredLogger
}

// Run executes f. Errors before broadcast are returned with the state the
// trade reached.
func (t *Taker) Run(ctx context.Context, f Fill) (Result, error) {
	log := t.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	clock := t.Clock
	if clock == nil {
		clock = util.RealClock{}
	}

	res := Result{TradeID: uuid.NewString(), State: core.StateReserving}
	log = log.With("trade_id", res.TradeID)

	if err := ledger.EnsureSynced(ctx, t.Ledger, t.Assets, clock, t.SyncDelay); err != nil {
		return res, err
	}
	info, err := t.Assets.TickerInfo(ctx, f.AssetID)
	if err != nil {
		return res, fmt.Errorf("ticker %s: %w", f.AssetID, err)
	}
	log.Infow("fill_started", "direction", f.Direction, "asset", info.DisplayName, "amount", f.Amount,
		"display_amount", displayAmount(f, info))

	selected, err := t.Matcher.Match(ctx, matcher.Request{
		TradeID: res.TradeID, Direction: f.Direction, AssetID: f.AssetID, Amount: f.Amount,
	})
	if err != nil {
		return res, err
	}
	res.Selected = selected
	res.State = advance(res.State, core.StateReserved)

	feeRate, err := t.Ledger.FeeRate(ctx)
	if err != nil {
		return res, fmt.Errorf("fee rate: %w", err)
	}
	outs, err := t.ownOutputs(ctx)
	if err != nil {
		return res, err
	}
	built, err := t.Builder.Build(swap.Request{
		Direction: f.Direction,
		AssetID:   f.AssetID,
		Selected:  selected,
		Taker:     swap.Taker{PkScript: t.Wallet.PkScript(), PublicKey: t.Wallet.PublicKey(), Outputs: outs},
		FeeRate:   feeRate,
	})
	if err != nil {
		return res, err
	}
	res.Fee = built.Fee

	res.State = advance(res.State, core.StateSigning)
	if err := t.Signers.CollectSignatures(ctx, res.TradeID, built.Packet, built.MakerInputs); err != nil {
		return res, err
	}
	if err := t.Wallet.Sign(built.Packet, built.TakerInputs); err != nil {
		return res, swaperr.Wrap(swaperr.Internal, err, "sign taker inputs")
	}
	res.State = advance(res.State, core.StateSigned)

	tx, err := psbt.Extract(built.Packet)
	if err != nil {
		return res, swaperr.Wrap(swaperr.Internal, err, "extract transaction")
	}
	var raw bytes.Buffer
	if err := tx.Serialize(&raw); err != nil {
		return res, swaperr.Wrap(swaperr.Internal, err, "serialize transaction")
	}

	res.State = advance(res.State, core.StateBroadcasting)
	txid, err := t.Ledger.Broadcast(ctx, raw.Bytes())
	if err != nil {
		res.BroadcastErr = err
		log.Errorw("broadcast_failed", "txid", tx.TxHash().String(), "err", err)
		return res, nil
	}
	res.TxID = txid
	res.State = advance(res.State, core.StatePending)
	log.Infow("fill_broadcast", "txid", txid, "fee", res.Fee, "makers", len(built.MakerInputs))
	return res, nil
}

// ownOutputs lists the taker's safe outputs with their rune balances.
func (t *Taker) ownOutputs(ctx context.Context) ([]core.UnspentOutput, error) {
	utxos, err := t.Ledger.UTXOsFor(ctx, t.Wallet.Address())
	if err != nil {
		return nil, fmt.Errorf("taker utxos: %w", err)
	}
	var safe []core.UnspentOutput
	locs := make([]string, 0, len(utxos))
	for _, u := range utxos {
		if u.IsSafeToSpend {
			safe = append(safe, u)
			locs = append(locs, u.Location())
		}
	}
	bals, err := t.Assets.BalancesForOutputs(ctx, locs)
	if err != nil {
		return nil, fmt.Errorf("taker balances: %w", err)
	}
	for i := range safe {
		safe[i].AssetBalances = bals[safe[i].Location()]
		safe[i].OwnerPublicKey = t.Wallet.PublicKey()
	}
	return safe, nil
}

func advance(from, to core.TradeState) core.TradeState {
	if !from.CanTransition(to) {
		panic(fmt.Sprintf("taker: illegal transition %s -> %s", from, to))
	}
	return to
}

func displayAmount(f Fill, info core.TickerInfo) string {
	if f.Direction == core.Sell {
		return core.FormatAmount(f.Amount, info.Decimals) + " " + info.DisplayName
	}
	return core.FormatAmount(f.Amount, 8) + " BTC"
}
