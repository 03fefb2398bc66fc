package storage

import (
	"fmt"
)

// Key schema for Pebble storage:
//
//   ord:<orderID>                    → Order
//   book:<asset>:<side>:<orderID>    → orderID (index of live orders)
//   trade:<makerKey>:<tradeID>       → Trade
//   rebal:<asset>                    → RebalanceConfig

const (
	prefixOrder     = "ord:"
	prefixBook      = "book:"
	prefixTrade     = "trade:"
	prefixRebalance = "rebal:"
)

// orderKey returns the key for an order
// Format: "ord:{orderID}"
func orderKey(orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixOrder, orderID))
}

// bookKey indexes an order under its asset and side
// Format: "book:{asset}:{side}:{orderID}"
func bookKey(assetID, side, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", prefixBook, assetID, side, orderID))
}

// bookPrefix returns the prefix for one side of one asset's book
func bookPrefix(assetID, side string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", prefixBook, assetID, side))
}

// tradeKey returns the key for a maker's trade
// Format: "trade:{makerKey}:{tradeID}"
func tradeKey(makerKey, tradeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixTrade, makerKey, tradeID))
}

// tradePrefix returns the prefix for all trades of a maker
func tradePrefix(makerKey string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, makerKey))
}

func rebalanceKey(assetID string) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixRebalance, assetID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
