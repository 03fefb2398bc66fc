package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/uhyunpark/runeswap/pkg/coinselect"
	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/ledger"
	"github.com/uhyunpark/runeswap/pkg/p2p"
	"github.com/uhyunpark/runeswap/pkg/runestone"
	"github.com/uhyunpark/runeswap/pkg/storage"
	"github.com/uhyunpark/runeswap/pkg/util"
	"github.com/uhyunpark/runeswap/pkg/wallet"
)

// Publisher is the part of the bus a maker replies through.
type Publisher interface {
	Key() string
	Publish(ctx context.Context, to, msgType string, data []byte) error
}

// Maker answers reserve, sign and ping requests for the orders of one key.
// Install Handle as the bus handler.
type Maker struct {
	Bus    Publisher
	Store  storage.Store
	Wallet wallet.Signer
	// Assets, when set, is used to check that rune balances on the maker's
	// inputs are not given away beyond the reserved amount.
	Assets ledger.Assets
	Clock  util.Clock
	Logger *zap.SugaredLogger

	OnTradeUpdate func(core.Trade)
}

func NewMaker(bus Publisher, store storage.Store, w wallet.Signer, assets ledger.Assets, clock util.Clock, log *zap.SugaredLogger) *Maker {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Maker{Bus: bus, Store: store, Wallet: w, Assets: assets, Clock: clock, Logger: log}
}

// Handle dispatches one unsolicited envelope.
func (m *Maker) Handle(ctx context.Context, env p2p.Envelope) {
	msg, err := Decode(env)
	if err != nil {
		m.Logger.Warnw("message_dropped", "type", env.Type, "from", env.From, "err", err)
		return
	}
	switch req := msg.(type) {
	case ReserveRequest:
		resp := ReserveResponse{TradeID: req.TradeID, RequestID: req.RequestID, Status: StatusSuccess}
		if err := m.reserve(ctx, env.From, req); err != nil {
			m.Logger.Infow("reserve_declined", "trade_id", req.TradeID, "taker", env.From, "err", err)
			resp.Status, resp.Error = StatusError, err.Error()
		}
		m.reply(ctx, env.From, resp)
	case SignRequest:
		resp := SignResponse{TradeID: req.TradeID, Status: StatusSuccess}
		signed, err := m.sign(ctx, req)
		if err != nil {
			m.Logger.Warnw("sign_refused", "trade_id", req.TradeID, "taker", env.From, "err", err)
			resp.Status, resp.Error = StatusError, err.Error()
		} else {
			resp.SignedPSBT = signed
		}
		m.reply(ctx, env.From, resp)
	case Ping:
		m.reply(ctx, env.From, Pong{Nonce: req.Nonce})
	default:
		m.Logger.Debugw("message_ignored", "type", env.Type, "from", env.From)
	}
}

func (m *Maker) reply(ctx context.Context, to string, msg Message) {
	msgType, data, err := Encode(msg)
	if err == nil {
		err = m.Bus.Publish(ctx, to, msgType, data)
	}
	if err != nil {
		m.Logger.Errorw("reply_failed", "type", msg.Kind(), "to", to, "err", err)
	}
}

func (m *Maker) reserve(ctx context.Context, taker string, req ReserveRequest) error {
	if req.TradeID == "" || len(req.Orders) == 0 {
		return fmt.Errorf("empty reserve request")
	}
	first, err := m.Store.GetOrder(ctx, req.Orders[0].OrderID)
	if err != nil {
		return fmt.Errorf("order %s: %w", req.Orders[0].OrderID, err)
	}
	assetID := req.AssetID
	if assetID == "" {
		assetID = first.AssetID
	}
	uses := make([]core.OrderUse, len(req.Orders))
	for i, o := range req.Orders {
		uses[i] = core.OrderUse{OrderID: o.OrderID, UsedAmount: o.Amount}
	}
	t, err := m.Store.Reserve(ctx, core.Trade{
		TradeID:           req.TradeID,
		MakerChannelKey:   m.Bus.Key(),
		AssetID:           assetID,
		Side:              first.Side,
		ConstituentOrders: uses,
		CreatedAt:         m.Clock.Now(),
	})
	if err != nil {
		return err
	}
	m.Logger.Infow("reserve_accepted", "trade_id", t.TradeID, "taker", taker, "asset", t.AssetID, "amount", t.Amount, "price", t.Price)
	m.notify(t)
	return nil
}

func (m *Maker) sign(ctx context.Context, req SignRequest) ([]byte, error) {
	t, err := m.Store.GetTrade(ctx, req.TradeID, m.Bus.Key())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("no reservation for trade %s", req.TradeID)
	}
	if err != nil {
		return nil, err
	}
	if t.Status != core.TradePending {
		return nil, fmt.Errorf("trade %s is %s", t.TradeID, t.Status)
	}

	p, err := psbt.NewFromRawBytes(bytes.NewReader(req.PSBT), false)
	if err != nil {
		return nil, fmt.Errorf("parse psbt: %w", err)
	}
	txid := p.UnsignedTx.TxHash().String()
	if t.LedgerTxID != "" && t.LedgerTxID != txid {
		return nil, fmt.Errorf("trade %s already signed transaction %s", t.TradeID, t.LedgerTxID)
	}

	own := m.ownInputs(p, req.InputsToSign)
	if len(own) == 0 {
		return nil, fmt.Errorf("no inputs of %s among %v", m.Wallet.Address(), req.InputsToSign)
	}

	orders := make(map[string]core.Order, len(t.ConstituentOrders))
	for _, u := range t.ConstituentOrders {
		o, err := m.Store.GetOrder(ctx, u.OrderID)
		if err != nil {
			return nil, fmt.Errorf("order %s: %w", u.OrderID, err)
		}
		orders[u.OrderID] = o
	}
	if err := m.checkPayout(ctx, p, t, orders, own); err != nil {
		return nil, err
	}

	if err := m.Wallet.Sign(p, own); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return nil, err
	}

	// the reservation may have been abandoned while signing; the signature
	// only leaves if the trade is still pending
	t, err = m.Store.MarkSigned(ctx, t.TradeID, t.MakerChannelKey, p.UnsignedTx.TxIn[own[0]].PreviousOutPoint.String(), txid)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("reservation for trade %s was released", req.TradeID)
	}
	if err != nil {
		return nil, err
	}
	m.Logger.Infow("trade_signed", "trade_id", t.TradeID, "txid", txid, "inputs", own)
	m.notify(t)
	return buf.Bytes(), nil
}

// ownInputs keeps the requested indices that spend the wallet's script.
func (m *Maker) ownInputs(p *psbt.Packet, requested []int) []int {
	script := m.Wallet.PkScript()
	var own []int
	seen := make(map[int]bool)
	for _, i := range requested {
		if i < 0 || i >= len(p.Inputs) || seen[i] {
			continue
		}
		seen[i] = true
		if u := p.Inputs[i].WitnessUtxo; u != nil && bytes.Equal(u.PkScript, script) {
			own = append(own, i)
		}
	}
	return own
}

// checkPayout verifies the transaction pays for what was reserved. Ask
// trades must return at least the owed value plus the value of the signed
// inputs; bid trades must deliver the reserved asset amount and spend no
// more than its value plus the funding fee allowance.
func (m *Maker) checkPayout(ctx context.Context, p *psbt.Packet, t core.Trade, orders map[string]core.Order, own []int) error {
	tx := p.UnsignedTx
	script := m.Wallet.PkScript()

	var inValue int64
	for _, i := range own {
		inValue += p.Inputs[i].WitnessUtxo.Value
	}
	mine := make(map[uint32]bool)
	var outValue int64
	for j, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, script) {
			mine[uint32(j)] = true
			outValue += out.Value
		}
	}
	stone, err := findRunestone(tx)
	if err != nil {
		return err
	}
	edictsToMe := func(assetID string) int64 {
		var n int64
		for _, e := range stone.Edicts {
			if mine[e.Output] && e.ID.String() == assetID {
				n += int64(e.Amount)
			}
		}
		return n
	}

	switch t.Side {
	case core.Ask:
		var owed int64
		for _, u := range t.ConstituentOrders {
			// the taker sized the fill by ceiling division, so the last unit
			// may be only partly paid for
			v, err := core.AssetToValue(u.UsedAmount-1, orders[u.OrderID].Price)
			if err != nil {
				return err
			}
			owed += v + 1
		}
		if outValue < owed+inValue {
			return fmt.Errorf("payout %d below owed %d plus inputs %d", outValue, owed, inValue)
		}
		return m.checkRunesKept(ctx, p, own, t, edictsToMe)
	case core.Bid:
		if got := edictsToMe(t.AssetID); got < t.UsedTotal() {
			return fmt.Errorf("receives %d of %s, reserved %d", got, t.AssetID, t.UsedTotal())
		}
		var value int64
		for _, u := range t.ConstituentOrders {
			v, err := core.AssetToValue(u.UsedAmount, orders[u.OrderID].Price)
			if err != nil {
				return err
			}
			value += v
		}
		if spend := inValue - outValue; spend > value+coinselect.MaxFee {
			return fmt.Errorf("spends %d for %d worth of %s", spend, value, t.AssetID)
		}
		return nil
	}
	return fmt.Errorf("trade %s has bad side %q", t.TradeID, t.Side)
}

// checkRunesKept requires every rune on the signed inputs to come back to
// the maker except the reserved amount of the traded asset.
func (m *Maker) checkRunesKept(ctx context.Context, p *psbt.Packet, own []int, t core.Trade, edictsToMe func(string) int64) error {
	if m.Assets == nil {
		return nil
	}
	locs := make([]string, len(own))
	for i, idx := range own {
		locs[i] = p.UnsignedTx.TxIn[idx].PreviousOutPoint.String()
	}
	bals, err := m.Assets.BalancesForOutputs(ctx, locs)
	if err != nil {
		return fmt.Errorf("input balances: %w", err)
	}
	held := make(map[string]int64)
	for _, b := range bals {
		for id, amt := range b {
			held[id] += amt
		}
	}
	for id, amt := range held {
		keep := amt
		if id == t.AssetID {
			keep -= t.UsedTotal()
		}
		if keep > 0 && edictsToMe(id) < keep {
			return fmt.Errorf("gives away %d of %s, reserved %d", amt-edictsToMe(id), id, t.UsedTotal())
		}
	}
	return nil
}

func findRunestone(tx *wire.MsgTx) (runestone.Runestone, error) {
	for _, out := range tx.TxOut {
		if runestone.IsRunestone(out.PkScript) {
			return runestone.Decipher(out.PkScript)
		}
	}
	return runestone.Runestone{}, nil
}

func (m *Maker) notify(t core.Trade) {
	if m.OnTradeUpdate != nil {
		m.OnTradeUpdate(t)
	}
}
