package model

import (
	"strconv"
)

// OrderUpdate is an immutable snapshot of one order's state as reported by the exchange.
//
// A Trade accumulates a sequence of these. The bid/ask fields carry the quote observed
// when the order was placed and are NA on updates received from the feed.
type OrderUpdate struct {
	Timestamp     float64
	OrderID       string
	Instrument    Instrument
	OrderType     OrderType
	Side          Side
	Status        OrderStatus
	Size          float64
	FilledSize    float64
	RemainingSize float64
	AvgFillPrice  float64
	CreatedAt     *float64
	Price         float64
	ClientID      string
	BidPrice      float64
	BidSize       float64
	AskPrice      float64
	AskSize       float64
}

// OrderUpdateFields lists the column names of OrderUpdate.Values, in order.
var OrderUpdateFields = []string{
	"timestamp",
	"order_id",
	"instrument",
	"order_type",
	"side",
	"status",
	"size",
	"filled_size",
	"remaining_size",
	"avg_fill_price",
	"created_at",
	"price",
	"client_id",
	"bid_price",
	"bid_size",
	"ask_price",
	"ask_size",
}

// Values flattens the update into one row matching OrderUpdateFields.
// NA values and absent fields become empty strings.
func (o OrderUpdate) Values() []string {
	createdAt := ""
	if o.CreatedAt != nil {
		createdAt = formatFloat(*o.CreatedAt)
	}

	return []string{
		formatFloat(o.Timestamp),
		o.OrderID,
		o.Instrument.Name,
		string(o.OrderType),
		string(o.Side),
		string(o.Status),
		formatFloat(o.Size),
		formatFloat(o.FilledSize),
		formatFloat(o.RemainingSize),
		formatFloat(o.AvgFillPrice),
		createdAt,
		formatFloat(o.Price),
		o.ClientID,
		formatFloat(o.BidPrice),
		formatFloat(o.BidSize),
		formatFloat(o.AskPrice),
		formatFloat(o.AskSize),
	}
}

// WithQuote returns a copy of the update carrying the given top-of-book snapshot.
func (o OrderUpdate) WithQuote(bid, ask QuoteLevel) OrderUpdate {
	o.BidPrice, o.BidSize = bid.Price, bid.Size
	o.AskPrice, o.AskSize = ask.Price, ask.Size
	return o
}

func formatFloat(v float64) string {
	if IsNA(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
