// Package swap assembles the single transaction that settles a matched fill.
package swap

import (
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/uhyunpark/runeswap/pkg/coinselect"
	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/fee"
	"github.com/uhyunpark/runeswap/pkg/runestone"
	"github.com/uhyunpark/runeswap/pkg/swaperr"
	"github.com/uhyunpark/runeswap/pkg/wallet"
)

// Fees are flat basis-point cuts of the traded value.
type Fees struct {
	MakerBps    int64
	ProtocolBps int64
	// ProtocolScript receives the protocol fee. Empty disables it.
	ProtocolScript []byte
}

// Taker is the taker's side of the transaction.
type Taker struct {
	PkScript  []byte
	PublicKey []byte
	// Outputs are the taker's spendable outputs with rune balances filled in.
	Outputs []core.UnspentOutput
}

type Request struct {
	Direction core.Direction
	AssetID   string
	Selected  []core.SelectedOrder
	Taker     Taker
	FeeRate   int64
}

// Result is the unsigned swap. MakerInputs maps each maker channel key to
// the inputs only that maker may sign; TakerInputs are the taker's.
type Result struct {
	Packet      *psbt.Packet
	MakerInputs map[string][]int
	TakerInputs []int
	Fee         int64
}

type Builder struct {
	Net    *chaincfg.Params
	Fees   Fees
	Logger *zap.SugaredLogger
}

func NewBuilder(net *chaincfg.Params, fees Fees, log *zap.SugaredLogger) *Builder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Builder{Net: net, Fees: fees, Logger: log}
}

// makerGroup is every selected order of one maker.
type makerGroup struct {
	key      string
	address  string
	script   []byte
	outputs  []core.UnspentOutput
	owed     int64 // asset units
	value    int64 // value units
	makerFee int64
}

// draft tracks who owns which input while outputs and edicts accumulate.
type draft struct {
	tx     fee.Tx
	edicts []runestone.Edict
	owner  []string // maker key per input, "" for the taker
	rune   runestone.RuneID
	// payment is the taker proceeds output of a sell
	payment int
	// dustChange is maker change too small to return; it goes to the fee
	dustChange int64
}

func (d *draft) addInput(u core.UnspentOutput, owner string) int {
	d.owner = append(d.owner, owner)
	return d.tx.AddInput(u)
}

func (d *draft) edict(id runestone.RuneID, amount int64, output int) {
	d.edicts = append(d.edicts, runestone.Edict{ID: id, Amount: uint64(amount), Output: uint32(output)})
}

// Build lays out and funds the swap for req.
func (b *Builder) Build(req Request) (*Result, error) {
	if err := b.validate(req); err != nil {
		return nil, err
	}
	id, err := runestone.ParseRuneID(req.AssetID)
	if err != nil {
		return nil, err
	}
	groups, err := b.group(req.Selected)
	if err != nil {
		return nil, err
	}

	d := &draft{rune: id}
	d.tx.AddOutput(0, nil) // runestone, scripted once edicts are final
	pointer := uint32(d.tx.AddOutput(core.DustLimit, req.Taker.PkScript))

	if req.Direction == core.Buy {
		err = b.layoutBuy(d, req, groups)
	} else {
		err = b.layoutSell(d, req, groups)
	}
	if err != nil {
		return nil, err
	}

	stone := runestone.Runestone{Edicts: d.edicts, Pointer: &pointer}
	d.tx.Outputs[0].PkScript = stone.Encipher()

	cands := valueOutputs(req.Taker.Outputs)
	if req.Direction == core.Buy {
		_, err = fee.AppendFundingForFee(&d.tx, cands, req.Taker.PkScript, req.FeeRate, 0)
	} else {
		_, err = fee.AbsorbFeeIntoOutput(&d.tx, d.payment, cands, req.FeeRate, d.dustChange)
	}
	if err != nil {
		return nil, withParty(err, "taker")
	}
	// inputs added by the fee engine are the taker's
	for len(d.owner) < len(d.tx.Inputs) {
		d.owner = append(d.owner, "")
	}

	res, err := b.finish(d, req.Taker)
	if err != nil {
		return nil, err
	}
	b.Logger.Infow("swap_built",
		"direction", req.Direction, "asset", req.AssetID, "makers", len(groups),
		"inputs", len(d.tx.Inputs), "outputs", len(d.tx.Outputs), "vsize", d.tx.Size(), "fee", res.Fee)
	return res, nil
}

func (b *Builder) validate(req Request) error {
	switch {
	case !req.Direction.Valid():
		return swaperr.New(swaperr.Validation, "bad direction %q", req.Direction)
	case len(req.Selected) == 0:
		return swaperr.New(swaperr.Validation, "no matched orders")
	case req.FeeRate <= 0:
		return swaperr.New(swaperr.Validation, "fee rate must be positive, got %d", req.FeeRate)
	case len(req.Taker.PkScript) == 0:
		return swaperr.New(swaperr.Validation, "taker script is empty")
	}
	side := req.Direction.CounterSide()
	for _, s := range req.Selected {
		if s.Order.Side != side || s.Order.AssetID != req.AssetID {
			return swaperr.New(swaperr.Validation, "order %s is %s/%s, want %s/%s",
				s.Order.ID, s.Order.AssetID, s.Order.Side, req.AssetID, side)
		}
		if s.UsedAmount <= 0 || s.ValueAmount <= 0 {
			return swaperr.New(swaperr.Validation, "order %s: empty use", s.Order.ID)
		}
	}
	return nil
}

// group merges selected orders by maker, keeping match order.
func (b *Builder) group(selected []core.SelectedOrder) ([]*makerGroup, error) {
	var groups []*makerGroup
	byKey := make(map[string]*makerGroup)
	seen := make(map[string]bool)
	for _, s := range selected {
		g, ok := byKey[s.Order.MakerChannelKey]
		if !ok {
			addr, err := btcutil.DecodeAddress(s.Order.MakerAddress, b.Net)
			if err != nil {
				return nil, swaperr.Wrap(swaperr.Validation, err, "maker address %s", s.Order.MakerAddress)
			}
			script, err := txscript.PayToAddrScript(addr)
			if err != nil {
				return nil, swaperr.Wrap(swaperr.Validation, err, "maker address %s", s.Order.MakerAddress)
			}
			g = &makerGroup{key: s.Order.MakerChannelKey, address: s.Order.MakerAddress, script: script}
			byKey[g.key] = g
			groups = append(groups, g)
		}
		g.owed += s.UsedAmount
		g.value += s.ValueAmount
		for _, u := range s.FundingOutputs {
			if !u.IsSafeToSpend || seen[u.Location()] {
				continue
			}
			seen[u.Location()] = true
			g.outputs = append(g.outputs, u)
		}
	}
	for _, g := range groups {
		g.makerFee = core.Bps(g.value, b.Fees.MakerBps)
	}
	return groups, nil
}

// layoutBuy: makers give runes from their inputs and are paid in value.
func (b *Builder) layoutBuy(d *draft, req Request, groups []*makerGroup) error {
	var total int64
	for _, g := range groups {
		ins, err := pickAssetInputs(g.outputs, req.AssetID, g.owed)
		if err != nil {
			return withParty(err, "maker "+g.address)
		}
		var inValue int64
		held := make(map[string]int64)
		for _, u := range ins {
			d.addInput(u, g.key)
			inValue += u.Value
			for r, amt := range u.AssetBalances {
				held[r] += amt
			}
		}
		held[req.AssetID] -= g.owed

		var dustOut int64
		if hasPositive(held) {
			idx := d.tx.AddOutput(core.DustLimit, g.script)
			dustOut = core.DustLimit
			for _, r := range sortedKeys(held) {
				if held[r] <= 0 {
					continue
				}
				rid, err := runestone.ParseRuneID(r)
				if err != nil {
					return err
				}
				d.edict(rid, held[r], idx)
			}
		}
		payment := g.value + g.makerFee + inValue - dustOut
		d.tx.AddOutput(payment, g.script)
		total += g.value
	}
	b.addProtocolFee(d, total)
	return nil
}

// layoutSell: the taker gives runes and makers fund the payment.
func (b *Builder) layoutSell(d *draft, req Request, groups []*makerGroup) error {
	var owed, total, makerFees int64
	for _, g := range groups {
		owed += g.owed
		total += g.value
		makerFees += g.makerFee
	}
	ins, err := pickAssetInputs(req.Taker.Outputs, req.AssetID, owed)
	if err != nil {
		return withParty(err, "taker")
	}
	// leftover runes follow the pointer back to the taker
	for _, u := range ins {
		d.addInput(u, "")
	}

	for _, g := range groups {
		idx := d.tx.AddOutput(core.DustLimit, g.script)
		d.edict(d.rune, g.owed, idx)

		target := g.value - g.makerFee + core.DustLimit
		sel := coinselect.SelectUTXOs(valueOutputs(g.outputs), target, req.FeeRate)
		if len(sel.Selected) == 0 {
			return swaperr.New(swaperr.InsufficientFunds, "maker %s cannot fund %d", g.address, target)
		}
		for _, u := range sel.Selected {
			d.addInput(u, g.key)
		}
		if sel.Change > core.DustLimit {
			d.tx.AddOutput(sel.Change, g.script)
		} else {
			d.dustChange += sel.Change
		}
	}

	protocolFee := b.protocolFee(total)
	payment := total - makerFees - protocolFee
	if payment < core.DustLimit {
		return swaperr.New(swaperr.Validation, "taker proceeds %d below dust", payment)
	}
	d.payment = d.tx.AddOutput(payment, req.Taker.PkScript)
	b.addProtocolFee(d, total)
	return nil
}

func (b *Builder) protocolFee(total int64) int64 {
	if len(b.Fees.ProtocolScript) == 0 {
		return 0
	}
	f := core.Bps(total, b.Fees.ProtocolBps)
	if f < core.DustLimit {
		return 0
	}
	return f
}

func (b *Builder) addProtocolFee(d *draft, total int64) {
	if f := b.protocolFee(total); f > 0 {
		d.tx.AddOutput(f, b.Fees.ProtocolScript)
	}
}

// finish converts the draft into a PSBT.
func (b *Builder) finish(d *draft, taker Taker) (*Result, error) {
	ops := make([]*wire.OutPoint, len(d.tx.Inputs))
	seqs := make([]uint32, len(d.tx.Inputs))
	for i, in := range d.tx.Inputs {
		op, err := in.Utxo.OutPoint()
		if err != nil {
			return nil, swaperr.Wrap(swaperr.Validation, err, "input %d", i)
		}
		ops[i] = &op
		seqs[i] = wire.MaxTxInSequenceNum
	}
	p, err := psbt.New(ops, d.tx.Outputs, 2, 0, seqs)
	if err != nil {
		return nil, swaperr.Wrap(swaperr.Internal, err, "create psbt")
	}

	res := &Result{Packet: p, MakerInputs: make(map[string][]int), Fee: d.tx.Fee}
	for i, in := range d.tx.Inputs {
		u := in.Utxo
		p.Inputs[i].WitnessUtxo = wire.NewTxOut(u.Value, u.ScriptPubKey)
		pub := u.OwnerPublicKey
		if d.owner[i] == "" && len(pub) == 0 {
			pub = taker.PublicKey
		}
		if txscript.IsPayToTaproot(u.ScriptPubKey) && len(pub) > 0 {
			x, err := internalKey(pub)
			if err != nil {
				return nil, swaperr.Wrap(swaperr.Validation, err, "input %d owner key", i)
			}
			p.Inputs[i].TaprootInternalKey = x
		}
		if owner := d.owner[i]; owner != "" {
			res.MakerInputs[owner] = append(res.MakerInputs[owner], i)
		} else {
			res.TakerInputs = append(res.TakerInputs, i)
		}
	}
	return res, nil
}

func internalKey(pub []byte) ([]byte, error) {
	if len(pub) == 32 {
		return pub, nil
	}
	return wallet.XOnly(pub)
}

// pickAssetInputs takes rune outputs holding assetID until need is covered,
// preferring outputs that hold nothing else, largest first.
func pickAssetInputs(outs []core.UnspentOutput, assetID string, need int64) ([]core.UnspentOutput, error) {
	var cands []core.UnspentOutput
	var have int64
	for _, u := range outs {
		if u.IsSafeToSpend && u.AssetAmount(assetID) > 0 {
			cands = append(cands, u)
			have += u.AssetAmount(assetID)
		}
	}
	if len(cands) == 0 {
		return nil, swaperr.New(swaperr.NoAssetOutputsAvailable, "no outputs hold %s", assetID)
	}
	if have < need {
		return nil, swaperr.New(swaperr.InsufficientFunds, "holds %d of %s, needs %d", have, assetID, need)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		si, sj := len(cands[i].AssetBalances) == 1, len(cands[j].AssetBalances) == 1
		if si != sj {
			return si
		}
		ai, aj := cands[i].AssetAmount(assetID), cands[j].AssetAmount(assetID)
		if ai != aj {
			return ai > aj
		}
		return cands[i].Location() < cands[j].Location()
	})
	var picked []core.UnspentOutput
	var got int64
	for _, u := range cands {
		if got >= need {
			break
		}
		picked = append(picked, u)
		got += u.AssetAmount(assetID)
	}
	return picked, nil
}

// valueOutputs returns the safe outputs carrying no runes, largest first.
func valueOutputs(outs []core.UnspentOutput) []core.UnspentOutput {
	var vs []core.UnspentOutput
	for _, u := range outs {
		if u.IsSafeToSpend && !u.HasAssets() {
			vs = append(vs, u)
		}
	}
	sort.SliceStable(vs, func(i, j int) bool {
		if vs[i].Value != vs[j].Value {
			return vs[i].Value > vs[j].Value
		}
		return vs[i].Location() < vs[j].Location()
	})
	return vs
}

func hasPositive(m map[string]int64) bool {
	for _, v := range m {
		if v > 0 {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func withParty(err error, party string) error {
	if e, ok := err.(*swaperr.Error); ok {
		return swaperr.New(e.Code, "%s: %s", party, e.Message)
	}
	return err
}
