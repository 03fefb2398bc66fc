package fee

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/swaperr"
)

func p2tr(b byte) []byte {
	return append([]byte{0x51, 0x20}, bytes.Repeat([]byte{b}, 32)...)
}

func utxo(value int64) core.UnspentOutput {
	return core.UnspentOutput{
		TxID:          "aa00000000000000000000000000000000000000000000000000000000000000",
		Value:         value,
		ScriptPubKey:  p2tr(0x01),
		IsSafeToSpend: true,
	}
}

func TestTransactionSizeExact(t *testing.T) {
	// 4*(10+41+9+34) + 2 + 140 = 518 weight -> ceil(518/4)+1
	got := TransactionSize([]Spend{{Path: KeyPath, SigCount: 1}}, []int{34})
	assert.Equal(t, int64(131), got)

	// empty tx still pays overhead
	assert.Equal(t, int64(12), TransactionSize(nil, nil))
}

func TestWitnessBytesPerPath(t *testing.T) {
	assert.Equal(t, int64(140), Spend{Path: KeyPath, SigCount: 1}.WitnessBytes())
	assert.Equal(t, int64(1+2*64+70+33), Spend{Path: ScriptPath, SigCount: 2, ScriptLen: 70, ControlBlockLen: 33}.WitnessBytes())
	assert.Equal(t, int64(1+32+73+1+22), Spend{Path: Nested, SigCount: 1, ScriptLen: 22}.WitnessBytes())
}

func TestTransactionSizeMonotonic(t *testing.T) {
	spend := Spend{Path: KeyPath, SigCount: 1}
	prev := int64(0)
	for n := 0; n < 20; n++ {
		inputs := make([]Spend, n)
		for i := range inputs {
			inputs[i] = spend
		}
		got := TransactionSize(inputs, []int{34})
		assert.GreaterOrEqual(t, got, prev, "inputs=%d", n)
		prev = got
	}
	prev = 0
	for n := 0; n < 20; n++ {
		lens := make([]int, n)
		for i := range lens {
			lens[i] = 22
		}
		got := TransactionSize([]Spend{spend}, lens)
		assert.GreaterOrEqual(t, got, prev, "outputs=%d", n)
		prev = got
	}
}

func TestSpendForScript(t *testing.T) {
	assert.Equal(t, KeyPath, SpendForScript(p2tr(2)).Path)
	p2sh := append([]byte{0xa9, 0x14}, append(bytes.Repeat([]byte{3}, 20), 0x87)...)
	s := SpendForScript(p2sh)
	assert.Equal(t, Nested, s.Path)
	assert.Equal(t, 22, s.ScriptLen)
}

func TestAppendFundingForFee(t *testing.T) {
	t.Run("adds change", func(t *testing.T) {
		tx := &Tx{}
		tx.AddOutput(10_000, p2tr(9))
		used, err := AppendFundingForFee(tx, []core.UnspentOutput{utxo(50_000), utxo(1_000)}, p2tr(7), 2, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, used)
		require.Len(t, tx.Outputs, 2)
		assert.Equal(t, int64(348), tx.Fee)
		assert.Equal(t, int64(39_652), tx.Outputs[1].Value)
		assert.Equal(t, tx.TotalIn(), tx.TotalOut()+tx.Fee)
	})

	t.Run("folds dust change into fee", func(t *testing.T) {
		tx := &Tx{}
		tx.AddOutput(10_000, p2tr(9))
		_, err := AppendFundingForFee(tx, []core.UnspentOutput{utxo(10_700)}, p2tr(7), 2, 0)
		require.NoError(t, err)
		assert.Len(t, tx.Outputs, 1)
		assert.Equal(t, int64(700), tx.Fee)
	})

	t.Run("parent fee raises the bar", func(t *testing.T) {
		tx := &Tx{}
		tx.AddOutput(10_000, p2tr(9))
		used, err := AppendFundingForFee(tx, []core.UnspentOutput{utxo(10_300), utxo(5_000)}, p2tr(7), 2, 1_000)
		require.NoError(t, err)
		assert.Equal(t, 2, used)
		assert.GreaterOrEqual(t, tx.TotalIn(), tx.TotalOut()+tx.Fee)
	})

	t.Run("exhausted", func(t *testing.T) {
		tx := &Tx{}
		tx.AddOutput(10_000, p2tr(9))
		_, err := AppendFundingForFee(tx, []core.UnspentOutput{utxo(10_100)}, p2tr(7), 2, 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, swaperr.ErrInsufficientFunds))
	})
}

func TestAbsorbFeeIntoOutput(t *testing.T) {
	t.Run("surplus credited", func(t *testing.T) {
		tx := &Tx{}
		tx.AddInput(utxo(20_000))
		tx.AddOutput(15_000, p2tr(9))
		_, err := AbsorbFeeIntoOutput(tx, 0, nil, 2, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(19_738), tx.Outputs[0].Value)
		assert.Equal(t, int64(262), tx.Fee)
	})

	t.Run("deficit debited", func(t *testing.T) {
		tx := &Tx{}
		tx.AddInput(utxo(10_000))
		tx.AddOutput(10_000, p2tr(9))
		_, err := AbsorbFeeIntoOutput(tx, 0, nil, 2, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(9_738), tx.Outputs[0].Value)
	})

	t.Run("pulls funding when output would drop below dust", func(t *testing.T) {
		tx := &Tx{}
		tx.AddInput(utxo(800))
		tx.AddOutput(700, p2tr(9))
		used, err := AbsorbFeeIntoOutput(tx, 0, []core.UnspentOutput{utxo(5_000)}, 2, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, used)
		assert.Equal(t, int64(414), tx.Fee)
		assert.Equal(t, int64(5_386), tx.Outputs[0].Value)
		assert.Equal(t, tx.TotalIn(), tx.TotalOut()+tx.Fee)
	})

	t.Run("exhausted", func(t *testing.T) {
		tx := &Tx{}
		tx.AddInput(utxo(800))
		tx.AddOutput(700, p2tr(9))
		_, err := AbsorbFeeIntoOutput(tx, 0, nil, 2, 0)
		assert.True(t, errors.Is(err, swaperr.ErrInsufficientFunds))
	})
}
