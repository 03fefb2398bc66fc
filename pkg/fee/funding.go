package fee

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/swaperr"
)

// Input is a transaction input under construction.
type Input struct {
	Utxo  core.UnspentOutput
	Spend Spend
}

// Tx is the mutable draft the builder and fee engine share. Fee is the
// network fee implied by the draft once funding has been fitted.
type Tx struct {
	Inputs  []Input
	Outputs []*wire.TxOut
	Fee     int64
}

// AddInput appends u, inferring its witness cost from its script.
func (t *Tx) AddInput(u core.UnspentOutput) int {
	t.Inputs = append(t.Inputs, Input{Utxo: u, Spend: SpendForScript(u.ScriptPubKey)})
	return len(t.Inputs) - 1
}

// AddOutput appends an output and returns its index.
func (t *Tx) AddOutput(value int64, pkScript []byte) int {
	t.Outputs = append(t.Outputs, wire.NewTxOut(value, pkScript))
	return len(t.Outputs) - 1
}

func (t *Tx) TotalIn() int64 {
	var n int64
	for _, in := range t.Inputs {
		n += in.Utxo.Value
	}
	return n
}

func (t *Tx) TotalOut() int64 {
	var n int64
	for _, o := range t.Outputs {
		n += o.Value
	}
	return n
}

// Size is the virtual size of the draft.
func (t *Tx) Size() int64 { return t.sizeWithExtra(-1) }

// sizeWithExtra sizes the draft plus one more output of the given script
// length; a negative length means no extra output.
func (t *Tx) sizeWithExtra(extraScriptLen int) int64 {
	spends := make([]Spend, len(t.Inputs))
	for i, in := range t.Inputs {
		spends[i] = in.Spend
	}
	lens := make([]int, 0, len(t.Outputs)+1)
	for _, o := range t.Outputs {
		lens = append(lens, len(o.PkScript))
	}
	if extraScriptLen >= 0 {
		lens = append(lens, extraScriptLen)
	}
	return TransactionSize(spends, lens)
}

// AppendFundingForFee pops candidates in order until the inputs cover all
// outputs plus fee, then adds a change output when the leftover exceeds dust
// and folds it into the fee otherwise. parentFee is added on top of the
// draft's own fee. It returns the number of candidates consumed.
func AppendFundingForFee(tx *Tx, candidates []core.UnspentOutput, changeScript []byte, feeRate, parentFee int64) (int, error) {
	used := 0
	fee := tx.Size()*feeRate + parentFee
	for tx.TotalIn() < tx.TotalOut()+fee {
		if used >= len(candidates) {
			return used, swaperr.New(swaperr.InsufficientFunds,
				"funding exhausted: in %d, out %d, fee %d", tx.TotalIn(), tx.TotalOut(), fee)
		}
		tx.AddInput(candidates[used])
		used++
		fee = tx.Size()*feeRate + parentFee
	}

	feeWithChange := tx.sizeWithExtra(len(changeScript))*feeRate + parentFee
	change := tx.TotalIn() - tx.TotalOut() - feeWithChange
	if change > core.DustLimit {
		tx.AddOutput(change, changeScript)
		tx.Fee = feeWithChange
		return used, nil
	}
	tx.Fee = tx.TotalIn() - tx.TotalOut()
	return used, nil
}

// AbsorbFeeIntoOutput pays the network fee out of the output at target.
// Surplus input value is credited to that output; a deficit is debited from
// it while it stays at or above dust, otherwise another candidate input is
// added and the fee recomputed. It returns the number of candidates consumed.
func AbsorbFeeIntoOutput(tx *Tx, target int, candidates []core.UnspentOutput, feeRate, parentFee int64) (int, error) {
	if target < 0 || target >= len(tx.Outputs) {
		return 0, swaperr.New(swaperr.Internal, "absorb target %d out of range", target)
	}
	used := 0
	for {
		fee := tx.Size()*feeRate + parentFee
		surplus := tx.TotalIn() - tx.TotalOut()
		out := tx.Outputs[target]
		if surplus >= fee {
			out.Value += surplus - fee
			tx.Fee = fee
			return used, nil
		}
		deficit := fee - surplus
		if out.Value-deficit >= core.DustLimit {
			out.Value -= deficit
			tx.Fee = fee
			return used, nil
		}
		if used >= len(candidates) {
			return used, swaperr.New(swaperr.InsufficientFunds,
				"cannot absorb fee %d into output %d worth %d", fee, target, out.Value)
		}
		tx.AddInput(candidates[used])
		used++
	}
}
