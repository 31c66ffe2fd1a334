// Package execution drives the order lifecycle of logical trades.
//
// A Trade places exactly one order through an api.TradingAPI and follows it to a
// terminal status using the order updates routed to it by the Engine. The Engine owns
// the set of in-flight trades keyed by exchange order id.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradecore/internal/api"
	"tradecore/internal/model"
	"tradecore/internal/utils"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StatusPending is the status of a trade whose order has not been placed yet.
const StatusPending model.OrderStatus = "PENDING"

const defaultRetryInterval = 500 * time.Millisecond

var (
	ErrZeroSize          = errors.New("trade size rounds to zero")
	ErrAlreadyPlaced     = errors.New("trade already placed")
	ErrPlacementRejected = errors.New("order placement rejected")
	ErrContractViolation = errors.New("order update violates trade contract")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrOrderMismatch     = errors.New("order update for another order")
)

// Callback receives the trade-executed event of a completed trade.
type Callback func(event model.Event)

// Trade is one logical order from placement intent to terminal status.
type Trade struct {
	id         string
	instrument model.Instrument
	orderType  model.OrderType
	side       model.Side
	size       float64
	price      float64
	api        api.TradingAPI
	callback   Callback
	logger     zerolog.Logger

	retryInterval time.Duration

	mu      sync.Mutex
	orderID string
	status  model.OrderStatus
	updates []model.OrderUpdate
}

// TradeOption customizes a Trade.
type TradeOption func(*Trade)

// WithLogger sets the parent logger of the trade.
func WithLogger(l *zerolog.Logger) TradeOption {
	return func(t *Trade) {
		if l != nil {
			t.logger = l.With().Str("trade", t.id).Logger()
		}
	}
}

// WithRetryInterval overrides the fixed wait between placement attempts.
func WithRetryInterval(d time.Duration) TradeOption {
	return func(t *Trade) {
		if d > 0 {
			t.retryInterval = d
		}
	}
}

// NewTrade creates a market trade. A positive size buys and a negative size sells;
// the absolute size is rounded to the instrument's size unit.
func NewTrade(inst model.Instrument, signedSize float64, tradingAPI api.TradingAPI, callback Callback, opts ...TradeOption) (*Trade, error) {
	return newTrade(inst, model.Market, model.NA(), signedSize, tradingAPI, callback, opts)
}

// NewLimitTrade creates a limit trade at price.
func NewLimitTrade(inst model.Instrument, signedSize, price float64, tradingAPI api.TradingAPI, callback Callback, opts ...TradeOption) (*Trade, error) {
	if !(price > 0) {
		return nil, fmt.Errorf("invalid limit price %v", price)
	}
	return newTrade(inst, model.Limit, price, signedSize, tradingAPI, callback, opts)
}

func newTrade(inst model.Instrument, orderType model.OrderType, price, signedSize float64, tradingAPI api.TradingAPI, callback Callback, opts []TradeOption) (*Trade, error) {
	if tradingAPI == nil {
		return nil, errors.New("trading api is required")
	}

	side := model.Buy
	if signedSize < 0 {
		side = model.Sell
		signedSize = -signedSize
	}
	size, err := utils.RoundSize(signedSize, inst.SizeUnit)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: %v %s", ErrZeroSize, signedSize, inst.Name)
	}

	t := &Trade{
		id:            uuid.NewString(),
		instrument:    inst,
		orderType:     orderType,
		side:          side,
		size:          size,
		price:         price,
		api:           tradingAPI,
		callback:      callback,
		retryInterval: defaultRetryInterval,
		status:        StatusPending,
	}
	t.logger = log.Logger.With().Str("trade", t.id).Logger()
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Place snapshots the best bid and ask and submits the order, retrying after a fixed
// interval until the exchange accepts it or ctx is cancelled.
//
// The trade's lock is held for the whole placement, so updates applied concurrently
// wait until the order id is known.
func (t *Trade) Place(ctx context.Context) error {
	bids, asks, err := t.api.GetQuotes(ctx, t.instrument.InstrumentID, 1)
	if err != nil {
		return fmt.Errorf("get quotes for %s: %w", t.instrument.InstrumentID, err)
	}
	bid := bestLevel(bids, t.instrument.InstrumentID, model.Buy)
	ask := bestLevel(asks, t.instrument.InstrumentID, model.Sell)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusPending {
		return fmt.Errorf("%w: %s", ErrAlreadyPlaced, t.orderID)
	}

	attempt := 0
	submit := func() (model.OrderUpdate, error) {
		attempt++
		update, err := t.submit(ctx)
		if err != nil {
			return update, err
		}
		if update.Status == model.StatusError || update.OrderID == "" {
			return update, fmt.Errorf("%w: status %s", ErrPlacementRejected, update.Status)
		}
		return update, nil
	}

	update, err := backoff.Retry(ctx, submit,
		backoff.WithBackOff(backoff.NewConstantBackOff(t.retryInterval)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			t.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("retry_in", next).
				Str("instrument", t.instrument.InstrumentID).
				Msg("order placement failed, retrying")
		}),
	)
	if err != nil {
		return fmt.Errorf("place %s %s order: %w", t.side, t.instrument.InstrumentID, err)
	}

	t.orderID = update.OrderID
	t.status = update.Status
	t.updates = append(t.updates, update.WithQuote(bid, ask))

	t.logger.Info().
		Str("order_id", t.orderID).
		Str("status", string(t.status)).
		Str("side", string(t.side)).
		Float64("size", t.size).
		Float64("bid", bid.Price).
		Float64("ask", ask.Price).
		Msg("order placed")
	return nil
}

func (t *Trade) submit(ctx context.Context) (model.OrderUpdate, error) {
	id := t.instrument.InstrumentID
	switch {
	case t.orderType == model.Limit && t.side == model.Buy:
		return t.api.BuyLimit(ctx, id, t.price, t.size)
	case t.orderType == model.Limit:
		return t.api.SellLimit(ctx, id, t.price, t.size)
	case t.side == model.Buy:
		return t.api.BuyMarket(ctx, id, t.size)
	default:
		return t.api.SellMarket(ctx, id, t.size)
	}
}

// bestLevel returns the first level or an NA level for an empty book side.
func bestLevel(levels []model.QuoteLevel, symbol string, side model.Side) model.QuoteLevel {
	if len(levels) > 0 {
		return levels[0]
	}
	return model.QuoteLevel{Symbol: symbol, Side: side, Price: model.NA(), Size: model.NA()}
}

// ApplyUpdate appends an order update to the trade's log and takes its status.
//
// A market order may only move straight to CLOSED with nothing remaining; anything
// else returns ErrContractViolation. A limit order stays live through CREATED and
// OPEN and accepts nothing after CLOSED or ERROR.
func (t *Trade) ApplyUpdate(update model.OrderUpdate) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.orderID != "" && update.OrderID != t.orderID {
		return fmt.Errorf("%w: %s is not %s", ErrOrderMismatch, update.OrderID, t.orderID)
	}
	if isTerminal(t.status) {
		return fmt.Errorf("%w: %s after %s", ErrInvalidTransition, update.Status, t.status)
	}

	t.updates = append(t.updates, update)
	t.status = update.Status

	if t.orderType == model.Market {
		if update.Status != model.StatusClosed {
			return fmt.Errorf("%w: unexpected market order status %s", ErrContractViolation, update.Status)
		}
		if update.RemainingSize != 0 {
			return fmt.Errorf("%w: market order closed with %v remaining", ErrContractViolation, update.RemainingSize)
		}
	}
	return nil
}

func isTerminal(s model.OrderStatus) bool {
	return s == model.StatusClosed || s == model.StatusError
}

// Events returns a copy of the trade's update log.
func (t *Trade) Events() []model.OrderUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.OrderUpdate, len(t.updates))
	copy(out, t.updates)
	return out
}

func (t *Trade) OrderID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.orderID
}

func (t *Trade) Status() model.OrderStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Trade) Instrument() model.Instrument { return t.instrument }
func (t *Trade) Side() model.Side { return t.side }
func (t *Trade) Size() float64 { return t.size }

// Report builds the execution report handed to the completion callback.
func (t *Trade) Report() model.ExecutionReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	updates := make([]model.OrderUpdate, len(t.updates))
	copy(updates, t.updates)
	return model.ExecutionReport{
		OrderID:    t.orderID,
		Instrument: t.instrument,
		OrderType:  t.orderType,
		Side:       t.side,
		Size:       t.size,
		Status:     t.status,
		Updates:    updates,
	}
}

func (t *Trade) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("Trade(%s %s %v %s order=%s status=%s updates=%d)",
		t.orderType, t.side, t.size, t.instrument.Name, t.orderID, t.status, len(t.updates))
}
