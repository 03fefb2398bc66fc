package core

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulDivRounding(t *testing.T) {
	tests := []struct {
		a, b, d     int64
		floor, ceil int64
	}{
		{10, 3, 4, 7, 8},
		{12, 1, 4, 3, 3},
		{0, 5, 7, 0, 0},
		{math.MaxInt64, 2, 2, math.MaxInt64, math.MaxInt64},
	}
	for _, tt := range tests {
		f, err := MulDivFloor(tt.a, tt.b, tt.d)
		require.NoError(t, err)
		c, err := MulDivCeil(tt.a, tt.b, tt.d)
		require.NoError(t, err)
		assert.Equal(t, tt.floor, f, "floor(%d*%d/%d)", tt.a, tt.b, tt.d)
		assert.Equal(t, tt.ceil, c, "ceil(%d*%d/%d)", tt.a, tt.b, tt.d)
	}

	_, err := MulDivFloor(math.MaxInt64, 3, 1)
	assert.Error(t, err)
	_, err = MulDivFloor(1, 1, 0)
	assert.Error(t, err)
}

func TestValueToAssetCeil(t *testing.T) {
	assert.Equal(t, int64(10_000), ValueToAssetCeil(500_000_000, 50_000))
	assert.Equal(t, int64(10_001), ValueToAssetCeil(500_000_001, 50_000))
	assert.Equal(t, int64(0), ValueToAssetCeil(0, 50_000))
}

func TestBpsRoundsDown(t *testing.T) {
	assert.Equal(t, int64(49), Bps(9_999, 50))
	assert.Equal(t, int64(50), Bps(10_000, 50))
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "12.345", FormatAmount(12345, 3))
	assert.Equal(t, "0.01", FormatAmount(1, 2))
	assert.Equal(t, "7", FormatAmount(7, 0))
}

func TestOrderRemainingAndValidate(t *testing.T) {
	o := Order{ID: "o1", AssetID: "840000:1", Quantity: 100, FilledQuantity: 40, Price: 5, Side: Ask}
	require.NoError(t, o.Validate())
	assert.Equal(t, int64(60), o.Remaining())

	o.FilledQuantity = 101
	assert.Error(t, o.Validate())
	assert.Equal(t, int64(0), o.Remaining())
}

func TestSidesAndDirections(t *testing.T) {
	assert.Equal(t, Bid, Ask.Opposite())
	assert.Equal(t, Ask, Buy.CounterSide())
	assert.Equal(t, Bid, Sell.CounterSide())
}

func TestTradeStateTransitions(t *testing.T) {
	path := []TradeState{
		StateReserving, StateReserved, StateSigning, StateSigned,
		StateBroadcasting, StatePending, StateConfirming, StateConfirmed,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, path[i].CanTransition(path[i+1]), "%s -> %s", path[i], path[i+1])
	}
	assert.True(t, StatePending.CanTransition(StateConfirmed))
	assert.False(t, StateReserving.CanTransition(StateSigning))
	assert.False(t, StateConfirmed.CanTransition(StateErrored))
	assert.True(t, StateErrored.Terminal())
	assert.Equal(t, "BROADCASTING", StateBroadcasting.String())
}

func TestParseOutpoint(t *testing.T) {
	u := UnspentOutput{TxID: "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b", Index: 3}
	op, err := ParseOutpoint(u.Location())
	require.NoError(t, err)
	assert.Equal(t, uint32(3), op.Index)
	assert.Equal(t, u.TxID, op.Hash.String())

	_, err = ParseOutpoint("nope")
	assert.Error(t, err)
}
