package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/ledger/ledgertest"
	"github.com/uhyunpark/runeswap/pkg/storage"
	"github.com/uhyunpark/runeswap/pkg/util"
)

const (
	asset  = "840000:3"
	origin = "http://localhost:3000"
)

var (
	self  = Identity{ChannelKey: "02aa", Address: "bcrt1pmaker", PublicKey: "02aa"}
	epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	srv   *Server
	http  *httptest.Server
	store *storage.PebbleStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewMemPebbleStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	chain := ledgertest.New()
	chain.AddTicker(core.TickerInfo{AssetID: asset, Decimals: 2, DisplayName: "DOG•GO•TO•THE•MOON"})

	s := NewServer(store, chain, self, []string{origin}, util.NewManualClock(epoch), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Hub().Run(ctx)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hs.Close()
		cancel()
	})
	return &fixture{srv: s, http: hs, store: store}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestOrderLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/orders", SubmitOrderRequest{AssetID: asset, Side: core.Ask, Quantity: 12345, Price: 700})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	placed := decode[SubmitOrderResponse](t, resp)
	require.NotEmpty(t, placed.OrderID)

	resp = f.do(t, http.MethodGet, "/api/v1/orders?asset="+asset, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	orders := decode[[]OrderInfo](t, resp)
	require.Len(t, orders, 1)
	assert.Equal(t, self.ChannelKey, orders[0].MakerChannelKey)
	assert.Equal(t, self.Address, orders[0].MakerAddress)
	assert.Equal(t, epoch, orders[0].CreatedAt.UTC())
	assert.Equal(t, "123.45", orders[0].DisplayQuantity)

	resp = f.do(t, http.MethodGet, "/api/v1/orders?asset="+asset+"&side=bid", nil)
	assert.Empty(t, decode[[]OrderInfo](t, resp))

	resp = f.do(t, http.MethodPost, "/api/v1/orders/"+placed.OrderID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	o, err := f.store.GetOrder(context.Background(), placed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderCanceled, o.Status)

	resp = f.do(t, http.MethodPost, "/api/v1/orders/"+placed.OrderID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestOrderValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  SubmitOrderRequest
	}{
		{"bad asset", SubmitOrderRequest{AssetID: "doge", Side: core.Ask, Quantity: 1, Price: 1}},
		{"bad side", SubmitOrderRequest{AssetID: asset, Side: "both", Quantity: 1, Price: 1}},
		{"zero quantity", SubmitOrderRequest{AssetID: asset, Side: core.Bid, Quantity: 0, Price: 1}},
		{"negative price", SubmitOrderRequest{AssetID: asset, Side: core.Bid, Quantity: 1, Price: -5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/v1/orders", tt.req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/orders?asset=nope", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/orders?asset="+asset+"&side=up", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/orders/missing", nil).StatusCode)
}

func TestCancelForeignOrder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveOrder(context.Background(), core.Order{
		ID: "theirs", AssetID: asset, Quantity: 5, Price: 5, Side: core.Bid, Status: core.OrderOpen,
		MakerChannelKey: "03bb", CreatedAt: epoch,
	}))
	resp := f.do(t, http.MethodPost, "/api/v1/orders/theirs/cancel", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveOrder(ctx, core.Order{
		ID: "o1", AssetID: asset, Quantity: 100, Price: 10, Side: core.Ask, Status: core.OrderOpen,
		MakerChannelKey: self.ChannelKey, CreatedAt: epoch,
	}))
	_, err := f.store.Reserve(ctx, core.Trade{
		TradeID: "t1", MakerChannelKey: self.ChannelKey, AssetID: asset, Side: core.Ask,
		ConstituentOrders: []core.OrderUse{{OrderID: "o1", UsedAmount: 40}}, CreatedAt: epoch,
	})
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/api/v1/trades", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	trades := decode[[]core.Trade](t, resp)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(40), trades[0].Amount)

	resp = f.do(t, http.MethodGet, "/api/v1/trades/t1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, core.TradePending, decode[core.Trade](t, resp).Status)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/trades/t2", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/trades?limit=-1", nil).StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, 1, decode[NodeStatus](t, resp).OpenTrades)
}

func TestRebalanceConfig(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/rebalance/"+asset, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[core.RebalanceConfig](t, resp).Enabled)

	resp = f.do(t, http.MethodPut, "/api/v1/rebalance/"+asset, core.RebalanceConfig{Enabled: true, SpreadPercent: 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	c, err := f.store.RebalanceConfig(context.Background(), asset)
	require.NoError(t, err)
	assert.Equal(t, core.RebalanceConfig{AssetID: asset, Enabled: true, SpreadPercent: 3}, c)

	resp = f.do(t, http.MethodPut, "/api/v1/rebalance/"+asset, core.RebalanceConfig{Enabled: true, SpreadPercent: 100})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/api/v1/trades", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, origin, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestTradeUpdatesOverWebsocket(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{ChannelTrades + ":" + asset}}))
	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "ack", ack["type"])

	f.srv.BroadcastTrade(core.Trade{TradeID: "t1", AssetID: "1:1", Status: core.TradeConfirmed})
	f.srv.BroadcastTrade(core.Trade{TradeID: "t2", AssetID: asset, Status: core.TradeConfirmed})

	var u TradeUpdate
	require.NoError(t, conn.ReadJSON(&u))
	assert.Equal(t, "trade", u.Type)
	assert.Equal(t, "t2", u.Trade.TradeID, "other assets are filtered out")

	f.srv.BroadcastTradeRemoved(core.Trade{TradeID: "t3", AssetID: asset})
	require.NoError(t, conn.ReadJSON(&u))
	assert.Equal(t, "trade_removed", u.Type)
	assert.Equal(t, "t3", u.Trade.TradeID)
}
