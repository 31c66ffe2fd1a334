package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradecore/internal/api"
	"tradecore/internal/model"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultEngineName  = "execution_engine"
	defaultQueueSize   = 256
	defaultErrorBuffer = 16
	persistTimeout     = 30 * time.Second
)

var (
	ErrEngineNotStarted = errors.New("execution engine not started")
	ErrEngineStarted    = errors.New("execution engine already started")
	ErrEngineClosed     = errors.New("execution engine closed")
	ErrTradeFailed      = errors.New("trade failed")
)

// EventSource delivers order updates and fills to a consumer. Sessions implement it.
type EventSource interface {
	SubscribeOrders(ctx context.Context, consumer model.Consumer) error
	UnsubscribeOrders(ctx context.Context, consumer model.Consumer) error
	SubscribeFills(ctx context.Context, consumer model.Consumer) error
	UnsubscribeFills(ctx context.Context, consumer model.Consumer) error
}

// EngineConfig holds the engine's collaborators and tuning.
type EngineConfig struct {
	Name          string          `validate:"omitempty"`
	Source        EventSource     `validate:"-"`
	API           api.TradingAPI  `validate:"-"`
	Store         Store           `validate:"-"` // optional
	Logger        *zerolog.Logger `validate:"-"`
	QueueSize     int             `validate:"gte=0"`
	RetryInterval time.Duration   `validate:"gte=0"`
}

// engineMsg is one unit of work for the engine goroutine. Exactly one field is set.
type engineMsg struct {
	event *model.Event
	trade *Trade
	query chan []string
}

// Engine routes order updates to the trades it placed.
//
// A single goroutine owns the active set; trade registrations and events reach it
// through one queue, so they are processed in the order they were submitted.
type Engine struct {
	cfg    EngineConfig
	logger zerolog.Logger

	inbox  chan engineMsg
	errs   chan error
	active map[string]*Trade // owned by the worker goroutine

	started    atomic.Bool
	done       chan struct{}
	cancel     context.CancelFunc
	workerDone chan struct{}
	persisting sync.WaitGroup
	closeOnce  sync.Once
}

// NewEngine creates an engine. Start must be called before trades are executed.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if cfg.Source == nil {
		return nil, errors.New("invalid engine config: event source is required")
	}
	if cfg.API == nil {
		return nil, errors.New("invalid engine config: trading api is required")
	}
	if cfg.Name == "" {
		cfg.Name = defaultEngineName
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	logger := &log.Logger
	if cfg.Logger != nil {
		logger = cfg.Logger
	}

	return &Engine{
		cfg:        cfg,
		logger:     logger.With().Str("component", cfg.Name).Logger(),
		inbox:      make(chan engineMsg, cfg.QueueSize),
		errs:       make(chan error, defaultErrorBuffer),
		active:     make(map[string]*Trade),
		done:       make(chan struct{}),
		workerDone: make(chan struct{}),
	}, nil
}

func (e *Engine) Name() string { return e.cfg.Name }

// Errors reports trades that ended in ERROR or broke their status contract.
// These are not recovered automatically.
func (e *Engine) Errors() <-chan error { return e.errs }

// Start subscribes to order updates and fills and starts the worker goroutine.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrEngineStarted
	}
	if err := e.cfg.Source.SubscribeOrders(ctx, e); err != nil {
		e.started.Store(false)
		return fmt.Errorf("subscribe orders: %w", err)
	}
	if err := e.cfg.Source.SubscribeFills(ctx, e); err != nil {
		_ = e.cfg.Source.UnsubscribeOrders(ctx, e)
		e.started.Store(false)
		return fmt.Errorf("subscribe fills: %w", err)
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	go e.run(workerCtx)

	e.logger.Info().Msg("execution engine started")
	return nil
}

// Close unsubscribes from the event source, stops the worker and waits for pending
// trade logs to be written or ctx to expire.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		if !e.started.Load() {
			return
		}

		err = errors.Join(
			e.cfg.Source.UnsubscribeOrders(ctx, e),
			e.cfg.Source.UnsubscribeFills(ctx, e),
		)
		e.cancel()
		<-e.workerDone

		flushed := make(chan struct{})
		go func() {
			e.persisting.Wait()
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-ctx.Done():
			err = errors.Join(err, fmt.Errorf("wait for trade logs: %w", ctx.Err()))
		}
		e.logger.Info().Msg("execution engine closed")
	})
	return err
}

// ExecuteTrade places a market order for signedSize and tracks it until it closes.
// Trades that fail to place are logged and not tracked.
func (e *Engine) ExecuteTrade(ctx context.Context, inst model.Instrument, signedSize float64, callback Callback) (*Trade, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	trade, err := NewTrade(inst, signedSize, e.cfg.API, callback, e.tradeOptions()...)
	if err != nil {
		return nil, err
	}
	return trade, e.execute(ctx, trade)
}

// ExecuteLimitTrade places a limit order at price and tracks it until it closes.
func (e *Engine) ExecuteLimitTrade(ctx context.Context, inst model.Instrument, signedSize, price float64, callback Callback) (*Trade, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	trade, err := NewLimitTrade(inst, signedSize, price, e.cfg.API, callback, e.tradeOptions()...)
	if err != nil {
		return nil, err
	}
	return trade, e.execute(ctx, trade)
}

func (e *Engine) tradeOptions() []TradeOption {
	return []TradeOption{WithLogger(&e.logger), WithRetryInterval(e.cfg.RetryInterval)}
}

func (e *Engine) ready() error {
	select {
	case <-e.done:
		return ErrEngineClosed
	default:
	}
	if !e.started.Load() {
		return ErrEngineNotStarted
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, trade *Trade) error {
	if err := trade.Place(ctx); err != nil {
		e.logger.Error().Err(err).Str("trade", trade.String()).Msg("trade not executed")
		return err
	}
	return e.enqueue(ctx, engineMsg{trade: trade})
}

func (e *Engine) enqueue(ctx context.Context, msg engineMsg) error {
	select {
	case <-e.done:
		return ErrEngineClosed
	default:
	}
	select {
	case e.inbox <- msg:
		return nil
	case <-e.done:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleEvent queues an event for the worker. It blocks while the queue is full.
func (e *Engine) HandleEvent(event model.Event) {
	if !e.started.Load() {
		return
	}
	if err := e.enqueue(context.Background(), engineMsg{event: &event}); err != nil {
		e.logger.Debug().Err(err).Str("kind", string(event.Kind)).Msg("event dropped")
	}
}

// ActiveOrders returns the order ids of tracked trades once every previously queued
// event has been processed.
func (e *Engine) ActiveOrders(ctx context.Context) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	reply := make(chan []string, 1)
	if err := e.enqueue(ctx, engineMsg{query: reply}); err != nil {
		return nil, err
	}
	select {
	case ids := <-reply:
		return ids, nil
	case <-e.done:
		return nil, ErrEngineClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.workerDone)
	for {
		select {
		case <-ctx.Done():
			if n := len(e.active); n > 0 {
				e.logger.Warn().Int("active", n).Msg("execution engine stopped with open trades")
			}
			return
		case msg := <-e.inbox:
			switch {
			case msg.trade != nil:
				e.register(msg.trade)
			case msg.event != nil:
				e.process(*msg.event)
			case msg.query != nil:
				ids := make([]string, 0, len(e.active))
				for id := range e.active {
					ids = append(ids, id)
				}
				msg.query <- ids
			}
		}
	}
}

func (e *Engine) register(trade *Trade) {
	id := trade.OrderID()
	if trade.Status() == model.StatusClosed {
		e.finalize(trade)
		return
	}
	if _, ok := e.active[id]; ok {
		e.logger.Warn().Str("order_id", id).Msg("order id already tracked, replacing trade")
	}
	e.active[id] = trade
}

func (e *Engine) process(event model.Event) {
	switch event.Kind {
	case model.EventOrderUpdated:
		e.processOrderUpdate(*event.OrderUpdate)
	case model.EventFill:
		e.logger.Debug().
			Str("order_id", event.Fill.OrderID).
			Float64("price", event.Fill.Price).
			Float64("size", event.Fill.Size).
			Msg("fill received")
	}
}

func (e *Engine) processOrderUpdate(update model.OrderUpdate) {
	trade, ok := e.active[update.OrderID]
	if !ok {
		return
	}

	if err := trade.ApplyUpdate(update); err != nil {
		delete(e.active, update.OrderID)
		e.fatal(fmt.Errorf("%w: order %s: %w", ErrTradeFailed, update.OrderID, err))
		return
	}

	switch trade.Status() {
	case model.StatusClosed:
		delete(e.active, update.OrderID)
		e.finalize(trade)
	case model.StatusError:
		delete(e.active, update.OrderID)
		e.fatal(fmt.Errorf("%w: order %s reported %s", ErrTradeFailed, update.OrderID, model.StatusError))
	}
}

// finalize runs the completion callback and persists the trade log in the background.
func (e *Engine) finalize(trade *Trade) {
	report := trade.Report()
	e.logger.Info().
		Str("order_id", report.OrderID).
		Str("instrument", report.Instrument.Name).
		Str("side", string(report.Side)).
		Float64("size", report.Size).
		Int("updates", len(report.Updates)).
		Msg("trade executed")

	if trade.callback != nil {
		trade.callback(model.NewTradeExecutedEvent(report, e.cfg.Name))
	}

	if e.cfg.Store == nil {
		return
	}
	e.persisting.Add(1)
	go func() {
		defer e.persisting.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := e.cfg.Store.Save(ctx, report); err != nil {
			e.logger.Error().Err(err).Str("order_id", report.OrderID).Msg("failed to persist trade log")
		}
	}()
}

func (e *Engine) fatal(err error) {
	e.logger.Error().Err(err).Msg("trade needs investigation")
	select {
	case e.errs <- err:
	default:
		e.logger.Error().Msg("engine error channel full, error only logged")
	}
}
