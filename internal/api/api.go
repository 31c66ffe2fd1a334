// Package api provides the REST trading collaborators used by the execution engine.
//
// Each adapter owns an exchange REST client and implements TradingAPI by delegation.
// Placement calls return the exchange's answer as a model.OrderUpdate, so callers can
// tell a placed order from a rejected one by its status.
package api

import (
	"context"
	"errors"

	"tradecore/internal/model"
)

var (
	// ErrRequestFailed indicates a non-success HTTP status or exchange error envelope.
	ErrRequestFailed = errors.New("request failed")
)

// TradingAPI is the synchronous request/response contract the execution engine
// depends on. Instrument ids are exchange-native.
type TradingAPI interface {
	GetAccount(ctx context.Context) (Account, error)
	GetPositions(ctx context.Context) ([]Position, error)

	// GetQuotes returns up to depth levels per side, best first.
	GetQuotes(ctx context.Context, instrumentID string, depth int) (bids, asks []model.QuoteLevel, err error)

	BuyMarket(ctx context.Context, instrumentID string, size float64) (model.OrderUpdate, error)
	SellMarket(ctx context.Context, instrumentID string, size float64) (model.OrderUpdate, error)
	BuyLimit(ctx context.Context, instrumentID string, price, size float64) (model.OrderUpdate, error)
	SellLimit(ctx context.Context, instrumentID string, price, size float64) (model.OrderUpdate, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// Account is a summary of the trading account. Fields an exchange does not report
// are NA; Raw keeps the full exchange payload.
type Account struct {
	Collateral        float64
	FreeCollateral    float64
	TotalPositionSize float64
	Raw               []byte
}

// Position is one open position.
type Position struct {
	InstrumentID string
	Side         model.Side
	Size         float64
	EntryPrice   float64
}

// orderBook is the [price, size] pair layout shared by the exchanges' book endpoints.
type orderBook struct {
	Bids [][2]float64 `json:"bids"`
	Asks [][2]float64 `json:"asks"`
}

// levels converts [price, size] pairs into quote levels, keeping at most depth.
func levels(instrumentID string, side model.Side, rows [][2]float64, depth int) []model.QuoteLevel {
	if depth > 0 && len(rows) > depth {
		rows = rows[:depth]
	}
	out := make([]model.QuoteLevel, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.QuoteLevel{Symbol: instrumentID, Side: side, Price: r[0], Size: r[1]})
	}
	return out
}
