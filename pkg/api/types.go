package api

import "github.com/uhyunpark/runeswap/pkg/core"

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Types
// ==============================

// OrderInfo is an order as served to clients, with display amounts.
type OrderInfo struct {
	core.Order
	Remaining        int64  `json:"remaining"`
	DisplayQuantity  string `json:"display_quantity"`
	DisplayRemaining string `json:"display_remaining"`
}

// SubmitOrderRequest is the payload for POST /api/v1/orders. The order is
// placed for this node's maker identity.
type SubmitOrderRequest struct {
	AssetID  string    `json:"asset_id"`
	Side     core.Side `json:"side"`
	Quantity int64     `json:"quantity"`
	Price    int64     `json:"price"`
}

type SubmitOrderResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"order_id"`
}

// NodeStatus describes the maker node.
type NodeStatus struct {
	ChannelKey string `json:"channel_key"`
	Address    string `json:"address"`
	OpenTrades int    `json:"open_trades"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// TradeUpdate is pushed whenever the reconciler changes or removes a trade.
type TradeUpdate struct {
	Type    string     `json:"type"` // "trade" or "trade_removed"
	Trade   core.Trade `json:"trade"`
	Channel string     `json:"channel"`
}
