package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"tradecore/internal/model"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrServiceStarted    = errors.New("bar service has already started")
	ErrServiceNotStarted = errors.New("bar service not started")
)

// BarSource produces bar events for a consumer. Sessions implement it.
type BarSource interface {
	SubscribeBars(ctx context.Context, inst model.Instrument, freq string, consumer model.Consumer) error
	UnsubscribeBars(ctx context.Context, inst model.Instrument, freq string, consumer model.Consumer) error
}

// SubscriptionManager manages stream subscribers and receives the bars to distribute.
type SubscriptionManager interface {
	model.Consumer

	// Subscribe creates a new subscription for the given instrument names.
	Subscribe(names []string) (*Subscriber, error)

	// Unsubscribe removes a subscriber and closes its channel.
	Unsubscribe(sub *Subscriber) error

	// StartDispatching begins distribution until ctx is cancelled.
	StartDispatching(ctx context.Context) error
}

// BarService subscribes the configured bars on a source and serves them to gRPC
// stream clients through a SubscriptionManager.
type BarService struct {
	subscriptionManager SubscriptionManager
	source              BarSource
	exchange            model.Exchange
	logger              zerolog.Logger

	started atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	tracked []model.Instrument
	freq    string
}

var _ BarStreamer = (*BarService)(nil)

// NewBarService creates a stopped BarService.
func NewBarService(manager SubscriptionManager, source BarSource, exchange model.Exchange, logger *zerolog.Logger) *BarService {
	if logger == nil {
		logger = &log.Logger
	}
	return &BarService{
		subscriptionManager: manager,
		source:              source,
		exchange:            exchange,
		logger:              logger.With().Str("component", "bar_service").Logger(),
	}
}

// Start begins dispatching and subscribes freq bars of every instrument on the source.
func (bs *BarService) Start(ctx context.Context, instruments []model.Instrument, freq string) error {
	if !bs.started.CompareAndSwap(false, true) {
		return ErrServiceStarted
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	if err := bs.subscriptionManager.StartDispatching(dispatchCtx); err != nil {
		cancel()
		bs.started.Store(false)
		return fmt.Errorf("failed to start dispatching: %w", err)
	}

	for i, inst := range instruments {
		if err := bs.source.SubscribeBars(ctx, inst, freq, bs.subscriptionManager); err != nil {
			for _, done := range instruments[:i] {
				_ = bs.source.UnsubscribeBars(ctx, done, freq, bs.subscriptionManager)
			}
			cancel()
			bs.started.Store(false)
			return fmt.Errorf("failed to subscribe %s bars of %s: %w", freq, inst.Name, err)
		}
	}

	bs.mu.Lock()
	bs.cancel = cancel
	bs.tracked = instruments
	bs.freq = freq
	bs.mu.Unlock()

	bs.logger.Info().Int("instruments", len(instruments)).Str("freq", freq).Msg("bar service started")
	return nil
}

// Stop unsubscribes the bars and stops dispatching, which ends every open stream.
func (bs *BarService) Stop(ctx context.Context) error {
	if !bs.started.CompareAndSwap(true, false) {
		return ErrServiceNotStarted
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()

	var errs []error
	for _, inst := range bs.tracked {
		if err := bs.source.UnsubscribeBars(ctx, inst, bs.freq, bs.subscriptionManager); err != nil {
			errs = append(errs, err)
		}
	}
	if bs.cancel != nil {
		bs.cancel()
		bs.cancel = nil
	}
	bs.tracked = nil

	bs.logger.Info().Msg("bar service stopped")
	return errors.Join(errs...)
}

// StreamBars sends the requested instruments' bars until the client disconnects or
// the service stops.
func (bs *BarService) StreamBars(req *BarRequest, stream BarStream) error {
	if !bs.started.Load() {
		return ErrServiceNotStarted
	}
	if req == nil {
		return errors.New("request cannot be nil")
	}
	if len(req.Instruments) == 0 {
		return errors.New("no instruments provided")
	}

	sub, err := bs.subscriptionManager.Subscribe(req.Instruments)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer func() {
		if err := bs.subscriptionManager.Unsubscribe(sub); err != nil {
			bs.logger.Error().Err(err).Strs("instruments", req.Instruments).Msg("failed to unsubscribe")
		}
	}()

	bs.logger.Info().Strs("instruments", req.Instruments).Msg("new client subscription")

	for {
		select {
		case <-stream.Context().Done():
			bs.logger.Info().Strs("instruments", req.Instruments).Msg("client disconnected")
			return nil
		case bar, ok := <-sub.Bars():
			if !ok {
				bs.logger.Info().Strs("instruments", req.Instruments).Msg("subscription channel closed")
				return nil
			}
			if err := stream.Send(toBarMessage(bs.exchange, bar)); err != nil {
				bs.logger.Error().Err(err).Strs("instruments", req.Instruments).Msg("failed to send bar to client")
				return fmt.Errorf("failed to send bar: %w", err)
			}
		}
	}
}

func toBarMessage(ex model.Exchange, b model.Bar) *BarMessage {
	return &BarMessage{
		Exchange:   ex.String(),
		Instrument: b.Instrument.Name,
		Freq:       b.Freq,
		Timestamp:  decimalString(b.Timestamp),
		Open:       decimalString(b.Open),
		High:       decimalString(b.High),
		Low:        decimalString(b.Low),
		Close:      decimalString(b.Close),
		Volume:     decimal.NewFromFloat(b.Volume).String(),
		Complete:   b.Complete,
	}
}

func decimalString(v *float64) string {
	if v == nil {
		return ""
	}
	return decimal.NewFromFloat(*v).String()
}

// BarLogger logs completed bars.
type BarLogger struct {
	logger zerolog.Logger
}

func NewBarLogger(logger *zerolog.Logger) *BarLogger {
	if logger == nil {
		logger = &log.Logger
	}
	return &BarLogger{logger: logger.With().Str("component", "bar_logger").Logger()}
}

func (l *BarLogger) HandleEvent(event model.Event) {
	if event.Kind != model.EventBar || event.Bar == nil || !event.Bar.Complete {
		return
	}
	b := event.Bar
	l.logger.Info().
		Str("publisher", event.Publisher).
		Str("instrument", b.Instrument.Name).
		Str("freq", b.Freq).
		Str("timestamp", decimalString(b.Timestamp)).
		Str("open", decimalString(b.Open)).
		Str("high", decimalString(b.High)).
		Str("low", decimalString(b.Low)).
		Str("close", decimalString(b.Close)).
		Str("volume", strconv.FormatFloat(b.Volume, 'f', -1, 64)).
		Msg("bar complete")
}
