package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Market Streams
// -----------------------------------------------------------------------------

// PriceData is a price snapshot for one asset.
type PriceData struct {
	Asset      string          `json:"asset"`
	Price      decimal.Decimal `json:"price"`
	MarkPrice  decimal.Decimal `json:"markPrice"`
	IndexPrice decimal.Decimal `json:"indexPrice"`
	Change24h  decimal.Decimal `json:"change24h"`
	Volume24h  decimal.Decimal `json:"volume24h"`
	Timestamp  int64           `json:"timestamp"`
}

// OrderBookLevel is a single aggregated price level.
type OrderBookLevel struct {
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
	Orders int             `json:"orders,omitempty"`
}

// OrderBook is a full order book for one asset. Bids are best-first
// descending, asks best-first ascending, as sent by the server.
type OrderBook struct {
	Asset     string           `json:"asset"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp int64            `json:"timestamp"`
}

// Trade is a public trade print.
type Trade struct {
	ID        string          `json:"id"`
	Asset     string          `json:"asset"`
	Side      string          `json:"side"` // "buy" or "sell" (taker side)
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Hash      string          `json:"hash,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// TradesUpdate carries a batch of trades for one asset.
type TradesUpdate struct {
	Asset  string  `json:"asset"`
	Trades []Trade `json:"trades"`
}

// Candle is one OHLCV bar.
type Candle struct {
	Coin     string          `json:"coin"`
	Interval string          `json:"interval"`
	OpenTime int64           `json:"openTime"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
	Trades   int64           `json:"trades,omitempty"`
}

// CandleSnapshot is the history sent once on candle subscription.
type CandleSnapshot struct {
	Coin     string   `json:"coin"`
	Interval string   `json:"interval"`
	Candles  []Candle `json:"candles"`
}

// -----------------------------------------------------------------------------
// Account Streams (require authentication)
// -----------------------------------------------------------------------------

// Position is an open perpetual position.
type Position struct {
	Asset            string          `json:"asset"`
	Side             string          `json:"side"` // "long" or "short"
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	MarkPrice        decimal.Decimal `json:"markPrice"`
	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
	UnrealizedPnl    decimal.Decimal `json:"unrealizedPnl"`
	MarginUsed       decimal.Decimal `json:"marginUsed"`
	Leverage         decimal.Decimal `json:"leverage"`
	Timestamp        int64           `json:"timestamp"`
}

// PositionClosed notifies that the position in Asset no longer exists.
type PositionClosed struct {
	Asset string `json:"asset"`
}

// OpenOrder is a resting order.
type OpenOrder struct {
	OrderID    OrderID         `json:"orderId"`
	Asset      string          `json:"asset"`
	Side       string          `json:"side"`
	Type       string          `json:"type"` // "limit", "stop", ...
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	FilledSize decimal.Decimal `json:"filledSize"`
	ReduceOnly bool            `json:"reduceOnly"`
	Timestamp  int64           `json:"timestamp"`
}

// OrderRemoved notifies that an open order was cancelled or fully filled.
// Only the identifier is sent.
type OrderRemoved struct {
	OrderID OrderID `json:"orderId"`
}

// OrderHistory is a historical fill.
type OrderHistory struct {
	OrderID   OrderID         `json:"orderId"`
	Asset     string          `json:"asset"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Fee       decimal.Decimal `json:"fee"`
	ClosedPnl decimal.Decimal `json:"closedPnl"`
	Hash      string          `json:"hash,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// UserFunding is a funding payment on a position.
type UserFunding struct {
	Asset        string          `json:"asset"`
	FundingRate  decimal.Decimal `json:"fundingRate"`
	Payment      decimal.Decimal `json:"payment"`
	PositionSize decimal.Decimal `json:"positionSize"`
	Timestamp    int64           `json:"timestamp"`
}

// BalanceUpdate is the payload of a pushed balance change.
type BalanceUpdate struct {
	Balance decimal.Decimal `json:"balance"`
}

// -----------------------------------------------------------------------------
// Room Control
// -----------------------------------------------------------------------------

// Subscribed confirms a room subscription.
type Subscribed struct {
	Type  string `json:"type"`
	Asset string `json:"asset,omitempty"`
}

// Unsubscribed confirms leaving a room.
type Unsubscribed struct {
	Room string `json:"room"`
}

// -----------------------------------------------------------------------------
// Identifiers
// -----------------------------------------------------------------------------

// OrderID is an order identifier. Servers send it either as a JSON number
// or as a string; both decode to the same textual form.
type OrderID string

// UnmarshalJSON accepts a JSON string or number.
func (id *OrderID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = OrderID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("order id: %w", err)
	}
	*id = OrderID(n.String())
	return nil
}

// String returns the identifier text.
func (id OrderID) String() string {
	return string(id)
}
