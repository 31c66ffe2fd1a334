// Package service wires sessions, the execution engine and the gRPC surface together.
//
// The dispatcher component fans bar events out to stream subscribers and handles slow
// clients by dropping their oldest buffered bar.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"tradecore/internal/model"
	"tradecore/internal/utils"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	subscriberBufferSize = 100
	barQueueSize         = 1024
)

var (
	ErrDispatcherNotStarted = errors.New("dispatcher not started")
	ErrDispatcherStarted    = errors.New("dispatcher already started")
)

// Subscriber is one stream client and the instruments it asked for.
type Subscriber struct {
	id                    int64
	ch                    chan model.Bar      // buffered bar delivery
	instrumentsSubscribed map[string]struct{} // logical instrument names
	registered            chan struct{}       // closed once the dispatch goroutine owns it
}

// Bars returns the subscriber's delivery channel. It is closed when the subscriber is
// removed or the dispatcher stops.
func (s *Subscriber) Bars() <-chan model.Bar {
	return s.ch
}

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	Exchange              model.Exchange
	MaxInstrumentsAllowed int // per subscription
	Logger                *zerolog.Logger
}

// Dispatcher distributes bar events to subscribers.
//
// A single goroutine owns the subscribers map; subscription changes and bars reach it
// through channels. Dispatcher is a model.Consumer so sessions deliver bars to it
// directly.
type Dispatcher struct {
	cfg              DispatcherConfig
	logger           zerolog.Logger
	subscribers      map[int64]*Subscriber // owned by the dispatch goroutine
	subscriptionCh   chan *Subscriber
	unsubscriptionCh chan *Subscriber
	barCh            chan model.Bar
	started          atomic.Bool
	dropped          atomic.Int64
	randIdGen        *rand.Rand
}

// NewDispatcher creates a new Dispatcher instance with the provided configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := &log.Logger
	if cfg.Logger != nil {
		logger = cfg.Logger
	}
	return &Dispatcher{
		cfg:              cfg,
		logger:           logger.With().Str("component", "dispatcher").Logger(),
		subscribers:      make(map[int64]*Subscriber),
		subscriptionCh:   make(chan *Subscriber, 10),
		unsubscriptionCh: make(chan *Subscriber, 10),
		barCh:            make(chan model.Bar, barQueueSize),
		randIdGen:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe creates a subscription for the given logical instrument names.
func (b *Dispatcher) Subscribe(names []string) (*Subscriber, error) {
	if !b.started.Load() {
		return nil, ErrDispatcherNotStarted
	}

	instruments, err := utils.ResolveInstruments(b.cfg.Exchange, names, b.cfg.MaxInstrumentsAllowed)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(instruments))
	for _, inst := range instruments {
		set[inst.Name] = struct{}{}
	}

	sub := &Subscriber{
		id:                    b.randIdGen.Int63(),
		ch:                    make(chan model.Bar, subscriberBufferSize),
		instrumentsSubscribed: set,
		registered:            make(chan struct{}),
	}

	select {
	case b.subscriptionCh <- sub:
	default:
		return nil, fmt.Errorf("subscription channel is full")
	}
	return sub, nil
}

func (b *Dispatcher) subscribe(sub *Subscriber) {
	b.subscribers[sub.id] = sub
	close(sub.registered)
}

// Unsubscribe removes a subscriber from the dispatcher.
func (b *Dispatcher) Unsubscribe(sub *Subscriber) error {
	select {
	case b.unsubscriptionCh <- sub:
		return nil
	default:
		return fmt.Errorf("unsubscription channel is full")
	}
}

func (b *Dispatcher) unsubscribe(sub *Subscriber) {
	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(sub.ch)
	}
}

// HandleEvent queues bar events for distribution; other kinds are ignored. A full
// queue drops the bar rather than blocking the session.
func (b *Dispatcher) HandleEvent(event model.Event) {
	if event.Kind != model.EventBar || event.Bar == nil {
		return
	}
	select {
	case b.barCh <- *event.Bar:
	default:
		if n := b.dropped.Add(1); n%100 == 1 {
			b.logger.Warn().Int64("dropped", n).Msg("bar queue full, dropping bars")
		}
	}
}

// StartDispatching starts the goroutine that owns the subscribers and distributes bars
// until ctx is cancelled.
func (b *Dispatcher) StartDispatching(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrDispatcherStarted
	}

	go func() {
		defer func() {
			b.started.Store(false)
			for _, sub := range b.subscribers {
				close(sub.ch)
			}
			b.subscribers = make(map[int64]*Subscriber)
		}()

		for {
			select {
			case <-ctx.Done():
				b.logger.Info().Msg("dispatcher stopped")
				return
			case sub := <-b.subscriptionCh:
				b.subscribe(sub)
			case sub := <-b.unsubscriptionCh:
				b.unsubscribe(sub)
			case bar := <-b.barCh:
				b.dispatch(bar)
			}
		}
	}()
	return nil
}

// dispatch delivers a bar to every subscriber of its instrument. A subscriber whose
// buffer is full loses its oldest bar.
func (b *Dispatcher) dispatch(bar model.Bar) {
	for _, sub := range b.subscribers {
		if _, ok := sub.instrumentsSubscribed[bar.Instrument.Name]; !ok {
			continue
		}
		select {
		case sub.ch <- bar:
		default:
			b.logger.Info().Int64("subscriber", sub.id).Msg("subscriber is too slow, dropping oldest buffered bar")
			<-sub.ch
			sub.ch <- bar
		}
	}
}
