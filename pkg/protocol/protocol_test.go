package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/crypto"
	"github.com/uhyunpark/runeswap/pkg/p2p"
	"github.com/uhyunpark/runeswap/pkg/runestone"
	"github.com/uhyunpark/runeswap/pkg/storage"
	"github.com/uhyunpark/runeswap/pkg/swaperr"
	"github.com/uhyunpark/runeswap/pkg/util"
	"github.com/uhyunpark/runeswap/pkg/wallet"
)

const asset = "840000:3"

type peer struct {
	bus    *p2p.Bus
	wallet *wallet.KeySigner
	store  *storage.PebbleStore
	maker  *Maker
}

func newPeer(t *testing.T, ctx context.Context, net *p2p.MemoryNetwork) *peer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	bus, err := p2p.NewBus(ctx, key, net.Transport(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	w, err := wallet.NewKeySigner(key.PrivateKeyBytes(), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return &peer{bus: bus, wallet: w}
}

func newMakerPeer(t *testing.T, ctx context.Context, net *p2p.MemoryNetwork) *peer {
	t.Helper()
	p := newPeer(t, ctx, net)
	st, err := storage.NewMemPebbleStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	p.store = st
	p.maker = NewMaker(p.bus, st, p.wallet, nil, util.NewManualClock(time.Unix(1_700_000_000, 0)), nil)
	p.bus.SetHandler(p.maker.Handle)
	return p
}

func (p *peer) addOrder(t *testing.T, id string, side core.Side, qty, price int64) core.Order {
	t.Helper()
	o := core.Order{
		ID: id, AssetID: asset, Quantity: qty, Price: price, Side: side, Status: core.OrderOpen,
		MakerChannelKey: p.bus.Key(), MakerAddress: p.wallet.Address(), CreatedAt: time.Unix(1_700_000_000, 0),
	}
	require.NoError(t, p.store.SaveOrder(context.Background(), o))
	return o
}

func fastOptions() Options {
	return Options{ReserveTimeout: time.Second, PingTimeout: 200 * time.Millisecond}
}

func TestDecodeRejectsUnknownAndMalformed(t *testing.T) {
	_, err := Decode(p2p.Envelope{Type: "cancel", Data: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, swaperr.ErrProtocolDecode)

	_, err = Decode(p2p.Envelope{Type: TypeReserveRequest, Data: json.RawMessage(`{"orders":7}`)})
	require.ErrorIs(t, err, swaperr.ErrProtocolDecode)

	typ, data, err := Encode(ReserveRequest{TradeID: "t1", Orders: []OrderAmount{{OrderID: "o1", Amount: 5}}})
	require.NoError(t, err)
	m, err := Decode(p2p.Envelope{Type: typ, Data: data})
	require.NoError(t, err)
	assert.Equal(t, ReserveRequest{TradeID: "t1", Orders: []OrderAmount{{OrderID: "o1", Amount: 5}}}, m)
}

func TestReserve(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := p2p.NewMemoryNetwork()
	maker := newMakerPeer(t, ctx, net)
	taker := newPeer(t, ctx, net)
	maker.addOrder(t, "o1", core.Ask, 100, 50)
	maker.addOrder(t, "o2", core.Ask, 40, 60)
	n := NewNegotiator(taker.bus, fastOptions(), nil, nil)

	err := n.Reserve(ctx, maker.bus.Key(), ReserveRequest{TradeID: "t1", AssetID: asset,
		Orders: []OrderAmount{{OrderID: "o1", Amount: 30}, {OrderID: "o2", Amount: 40}}})
	require.NoError(t, err)

	o1, _ := maker.store.GetOrder(ctx, "o1")
	o2, _ := maker.store.GetOrder(ctx, "o2")
	assert.Equal(t, int64(30), o1.FilledQuantity)
	assert.Equal(t, int64(40), o2.FilledQuantity)
	assert.Equal(t, core.OrderClosed, o2.Status)

	tr, err := maker.store.GetTrade(ctx, "t1", maker.bus.Key())
	require.NoError(t, err)
	assert.Equal(t, core.TradePending, tr.Status)
	assert.Equal(t, int64(70), tr.Amount)
	assert.Equal(t, core.Ask, tr.Side)

	// over capacity: declined and nothing moves
	err = n.Reserve(ctx, maker.bus.Key(), ReserveRequest{TradeID: "t2", AssetID: asset,
		Orders: []OrderAmount{{OrderID: "o1", Amount: 10}, {OrderID: "o2", Amount: 1}}})
	require.ErrorIs(t, err, swaperr.ErrRemoteReservation)
	o1, _ = maker.store.GetOrder(ctx, "o1")
	assert.Equal(t, int64(30), o1.FilledQuantity)
	_, err = maker.store.GetTrade(ctx, "t2", maker.bus.Key())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReserveTimesOutOnSilentMaker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := p2p.NewMemoryNetwork()
	silent := newPeer(t, ctx, net)
	taker := newPeer(t, ctx, net)

	opts := fastOptions()
	opts.ReserveTimeout = 50 * time.Millisecond
	n := NewNegotiator(taker.bus, opts, nil, nil)

	err := n.Reserve(ctx, silent.bus.Key(), ReserveRequest{TradeID: "t1", Orders: []OrderAmount{{OrderID: "o1", Amount: 1}}})
	require.ErrorIs(t, err, swaperr.ErrRemoteReservation)
	assert.ErrorIs(t, err, p2p.ErrTimeout)
}

func TestPing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := p2p.NewMemoryNetwork()
	maker := newMakerPeer(t, ctx, net)
	taker := newPeer(t, ctx, net)

	clock := util.NewHeldClock(time.Unix(0, 0))
	opts := fastOptions()
	opts.SubscribeDelay = time.Second
	n := NewNegotiator(taker.bus, opts, clock, nil)
	ping := func() chan error {
		done := make(chan error, 1)
		go func() { done <- n.Ping(ctx, maker.bus.Key()) }()
		return done
	}
	waitTimer := func() {
		require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)
	}

	done := ping()
	waitTimer()
	clock.Advance(time.Second)
	require.NoError(t, <-done)
	assert.Equal(t, []time.Duration{time.Second, opts.PingTimeout}, clock.Waited)
	// retire the answered ping's timeout timer
	clock.Advance(opts.PingTimeout)
	require.Zero(t, clock.Pending())

	net.Disconnect(maker.bus.Key())
	done = ping()
	waitTimer()
	clock.Advance(time.Second)
	waitTimer()
	select {
	case err := <-done:
		t.Fatalf("ping returned before its timeout: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	clock.Advance(opts.PingTimeout)
	err := <-done
	require.ErrorIs(t, err, swaperr.ErrRemoteReservation)
	assert.ErrorIs(t, err, p2p.ErrTimeout)
}

func TestLateReserveReplyIsNotCreditedToNextRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := p2p.NewMemoryNetwork()
	maker := newMakerPeer(t, ctx, net)
	taker := newPeer(t, ctx, net)
	maker.addOrder(t, "o1", core.Ask, 100, 50)
	maker.addOrder(t, "o2", core.Ask, 5, 50)

	// hold the maker on the first request until the taker has given up on it
	gate := make(chan struct{})
	var held sync.Once
	maker.bus.SetHandler(func(ctx context.Context, env p2p.Envelope) {
		if env.Type == TypeReserveRequest {
			held.Do(func() { <-gate })
		}
		maker.maker.Handle(ctx, env)
	})

	opts := fastOptions()
	opts.ReserveTimeout = 50 * time.Millisecond
	err := NewNegotiator(taker.bus, opts, nil, nil).Reserve(ctx, maker.bus.Key(), ReserveRequest{TradeID: "t1", AssetID: asset,
		Orders: []OrderAmount{{OrderID: "o1", Amount: 10}}})
	require.ErrorIs(t, err, p2p.ErrTimeout)

	done := make(chan error, 1)
	go func() {
		done <- NewNegotiator(taker.bus, fastOptions(), nil, nil).Reserve(ctx, maker.bus.Key(), ReserveRequest{TradeID: "t1", AssetID: asset,
			Orders: []OrderAmount{{OrderID: "o2", Amount: 10}}})
	}()
	time.AfterFunc(100*time.Millisecond, func() { close(gate) })

	// the success reply to o1 arrives first and must not answer o2
	err = <-done
	require.ErrorIs(t, err, swaperr.ErrRemoteReservation)
	assert.NotErrorIs(t, err, p2p.ErrTimeout)
	assert.Contains(t, err.Error(), "declined")

	o1, _ := maker.store.GetOrder(ctx, "o1")
	o2, _ := maker.store.GetOrder(ctx, "o2")
	assert.Equal(t, int64(10), o1.FilledQuantity)
	assert.Equal(t, int64(0), o2.FilledQuantity)
}

func TestReserveReplyEchoesRequestID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := p2p.NewMemoryNetwork()
	maker := newMakerPeer(t, ctx, net)
	taker := newPeer(t, ctx, net)
	maker.addOrder(t, "o1", core.Ask, 100, 50)

	sub := taker.bus.SubscribeOnce(func(env p2p.Envelope) bool { return env.Type == TypeReserveResponse })
	typ, data, err := Encode(ReserveRequest{TradeID: "t1", RequestID: "r-7", AssetID: asset,
		Orders: []OrderAmount{{OrderID: "o1", Amount: 1}}})
	require.NoError(t, err)
	require.NoError(t, taker.bus.Publish(ctx, maker.bus.Key(), typ, data))

	env, err := sub.Wait(ctx, nil, time.Second)
	require.NoError(t, err)
	m, err := Decode(env)
	require.NoError(t, err)
	assert.Equal(t, ReserveResponse{TradeID: "t1", RequestID: "r-7", Status: StatusSuccess}, m)
}

// askSwap spends one maker rune input and one taker input, paying the maker
// payout in output 2.
func askSwap(t *testing.T, maker, taker *peer, payout int64) *psbt.Packet {
	t.Helper()
	tx := wire.NewMsgTx(2)
	prevs := []*wire.TxOut{
		wire.NewTxOut(546, maker.wallet.PkScript()),
		wire.NewTxOut(20_000, taker.wallet.PkScript()),
	}
	for i := range prevs {
		h := chainhash.DoubleHashH([]byte{0xa0, byte(i)})
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&h, uint32(i)), nil, nil))
	}
	pointer := uint32(1)
	id, err := runestone.ParseRuneID(asset)
	require.NoError(t, err)
	stone := runestone.Runestone{Edicts: []runestone.Edict{{ID: id, Amount: 10, Output: 1}}, Pointer: &pointer}
	tx.AddTxOut(wire.NewTxOut(0, stone.Encipher()))
	tx.AddTxOut(wire.NewTxOut(546, taker.wallet.PkScript()))
	tx.AddTxOut(wire.NewTxOut(payout, maker.wallet.PkScript()))

	p, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)
	for i, prev := range prevs {
		p.Inputs[i].WitnessUtxo = prev
	}
	return p
}

func TestCollectSignatures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := p2p.NewMemoryNetwork()
	maker := newMakerPeer(t, ctx, net)
	taker := newPeer(t, ctx, net)
	maker.addOrder(t, "o1", core.Ask, 100, 100)
	n := NewNegotiator(taker.bus, fastOptions(), nil, nil)

	require.NoError(t, n.Reserve(ctx, maker.bus.Key(), ReserveRequest{TradeID: "t1", AssetID: asset,
		Orders: []OrderAmount{{OrderID: "o1", Amount: 10}}}))

	// owes at least 9*100+1 plus its 546 input back
	p := askSwap(t, maker, taker, 1000+546)
	require.NoError(t, n.CollectSignatures(ctx, "t1", p, map[string][]int{maker.bus.Key(): {0, 1}}))
	assert.NotEmpty(t, p.Inputs[0].FinalScriptWitness)
	assert.Empty(t, p.Inputs[1].FinalScriptWitness, "maker must not sign the taker input")

	require.NoError(t, taker.wallet.Sign(p, []int{1}))
	_, err := psbt.Extract(p)
	require.NoError(t, err)

	tr, err := maker.store.GetTrade(ctx, "t1", maker.bus.Key())
	require.NoError(t, err)
	assert.Equal(t, p.UnsignedTx.TxIn[0].PreviousOutPoint.String(), tr.FundingOutpoint)
	assert.Equal(t, p.UnsignedTx.TxHash().String(), tr.LedgerTxID)

	// a different transaction for the same trade is refused
	other := askSwap(t, maker, taker, 5000)
	err = n.CollectSignatures(ctx, "t1", other, map[string][]int{maker.bus.Key(): {0}})
	require.ErrorIs(t, err, swaperr.ErrRemoteSign)
}

func TestMakerRefusesShortPayout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := p2p.NewMemoryNetwork()
	maker := newMakerPeer(t, ctx, net)
	taker := newPeer(t, ctx, net)
	maker.addOrder(t, "o1", core.Ask, 100, 100)
	n := NewNegotiator(taker.bus, fastOptions(), nil, nil)

	require.NoError(t, n.Reserve(ctx, maker.bus.Key(), ReserveRequest{TradeID: "t1", AssetID: asset,
		Orders: []OrderAmount{{OrderID: "o1", Amount: 10}}}))

	p := askSwap(t, maker, taker, 900+546)
	err := n.CollectSignatures(ctx, "t1", p, map[string][]int{maker.bus.Key(): {0}})
	require.ErrorIs(t, err, swaperr.ErrRemoteSign)
	assert.Empty(t, p.Inputs[0].FinalScriptWitness)

	tr, err := maker.store.GetTrade(ctx, "t1", maker.bus.Key())
	require.NoError(t, err)
	assert.Empty(t, tr.FundingOutpoint)
}

// releasingSigner drops the trade's reservation while the maker is signing,
// the way an abandoning sweep would.
type releasingSigner struct {
	wallet.Signer
	release func()
}

func (s releasingSigner) Sign(p *psbt.Packet, indices []int) error {
	s.release()
	return s.Signer.Sign(p, indices)
}

func TestMakerWithholdsSignatureForReleasedTrade(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := p2p.NewMemoryNetwork()
	maker := newMakerPeer(t, ctx, net)
	taker := newPeer(t, ctx, net)
	maker.addOrder(t, "o1", core.Ask, 100, 100)
	n := NewNegotiator(taker.bus, fastOptions(), nil, nil)

	require.NoError(t, n.Reserve(ctx, maker.bus.Key(), ReserveRequest{TradeID: "t1", AssetID: asset,
		Orders: []OrderAmount{{OrderID: "o1", Amount: 10}}}))
	maker.maker.Wallet = releasingSigner{Signer: maker.wallet, release: func() {
		tr, err := maker.store.GetTrade(ctx, "t1", maker.bus.Key())
		if assert.NoError(t, err) {
			applied, err := maker.store.CommitSweep(ctx, storage.Sweep{Deleted: []core.Trade{tr}})
			assert.NoError(t, err)
			assert.Len(t, applied.Deleted, 1)
		}
	}}

	p := askSwap(t, maker, taker, 1000+546)
	err := n.CollectSignatures(ctx, "t1", p, map[string][]int{maker.bus.Key(): {0}})
	require.ErrorIs(t, err, swaperr.ErrRemoteSign)
	assert.Contains(t, err.Error(), "released")
	assert.Empty(t, p.Inputs[0].FinalScriptWitness)

	_, err = maker.store.GetTrade(ctx, "t1", maker.bus.Key())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	o1, _ := maker.store.GetOrder(ctx, "o1")
	assert.Equal(t, int64(0), o1.FilledQuantity)
}

func TestMakerRefusesUnknownTrade(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := p2p.NewMemoryNetwork()
	maker := newMakerPeer(t, ctx, net)
	taker := newPeer(t, ctx, net)
	n := NewNegotiator(taker.bus, fastOptions(), nil, nil)

	p := askSwap(t, maker, taker, 5000)
	err := n.CollectSignatures(ctx, "nope", p, map[string][]int{maker.bus.Key(): {0}})
	require.ErrorIs(t, err, swaperr.ErrRemoteSign)
}
