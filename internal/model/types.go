// Package model defines the canonical data types shared by every exchange session,
// the bar aggregator and the execution engine.
//
// Wire formats differ per exchange; everything that leaves an exchange adapter is
// expressed with the types in this package. Timestamps are epoch seconds as float64.
// Numeric fields that an exchange does not provide carry the NA sentinel (NaN) rather
// than zero, so that "not reported" can be told apart from a real zero.
package model

import (
	"math"

	"github.com/shopspring/decimal"
)

// Exchange represents a supported cryptocurrency exchange.
type Exchange int

const (
	// FTXExchange represents the FTX derivatives and spot exchange
	FTXExchange Exchange = iota

	// KrakenFuturesExchange represents the Kraken Futures (formerly Crypto Facilities) exchange
	KrakenFuturesExchange

	// KrakenSpotExchange represents the Kraken spot exchange
	KrakenSpotExchange
)

// String returns the configuration name of the exchange.
func (e Exchange) String() string {
	switch e {
	case FTXExchange:
		return "ftx"
	case KrakenFuturesExchange:
		return "kraken_futures"
	case KrakenSpotExchange:
		return "kraken_spot"
	default:
		return "unknown"
	}
}

// ParseExchange maps a configuration name back to an Exchange.
func ParseExchange(name string) (Exchange, bool) {
	for _, ex := range []Exchange{FTXExchange, KrakenFuturesExchange, KrakenSpotExchange} {
		if ex.String() == name {
			return ex, true
		}
	}
	return 0, false
}

// NA returns the "not available" numeric sentinel.
func NA() float64 {
	return math.NaN()
}

// IsNA reports whether v carries the "not available" sentinel.
func IsNA(v float64) bool {
	return math.IsNaN(v)
}

// Side is the direction of a trade, fill or order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	Market OrderType = "MKT"
	Limit  OrderType = "LMT"
)

// OrderStatus is the shared order-status taxonomy every exchange vocabulary maps onto.
type OrderStatus string

const (
	StatusCreated OrderStatus = "CREATED"
	StatusOpen    OrderStatus = "OPEN"
	StatusClosed  OrderStatus = "CLOSED"
	StatusError   OrderStatus = "ERROR"
)

// Instrument is a tradable symbol with its exchange-native id, tick size and lot size.
//
// Instruments are created once from the static registries in instruments.go and are
// shared read-only afterwards.
type Instrument struct {
	Name         string          // Logical name (e.g., "btc_usd_perp")
	InstrumentID string          // Exchange-native symbol (e.g., "BTC-PERP")
	TickSize     decimal.Decimal // Minimum price increment
	SizeUnit     decimal.Decimal // Minimum size increment (lot size)
}

// Equal compares two instruments by value.
func (i Instrument) Equal(o Instrument) bool {
	return i.Name == o.Name &&
		i.InstrumentID == o.InstrumentID &&
		i.TickSize.Equal(o.TickSize) &&
		i.SizeUnit.Equal(o.SizeUnit)
}

// Tick is a single public trade.
type Tick struct {
	Timestamp   float64    // Trade time in epoch seconds
	Instrument  Instrument // Traded instrument
	TradeID     string     // Exchange trade id, empty when not reported
	Price       float64    // Execution price
	Size        float64    // Executed size
	Side        Side       // Taker side
	Liquidation *bool      // Liquidation flag, nil when not reported
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Timestamp  float64
	Instrument Instrument
	Bid        float64
	BidSize    float64
	Ask        float64
	AskSize    float64
	Last       float64 // NA when the exchange does not send a last price
}

// Fill is one matched execution of an own order.
type Fill struct {
	Timestamp  float64
	Instrument Instrument
	OrderID    string
	FillID     string
	TradeID    string
	Side       Side
	Price      float64
	Size       float64
	FillType   string // "maker" or "taker"
	FeeRate    float64
	Fee        float64
}

// QuoteLevel is one price level of an order book side.
type QuoteLevel struct {
	Symbol string
	Side   Side
	Price  float64
	Size   float64
}
