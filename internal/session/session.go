// Package session implements the reconnecting, multiplexed WebSocket session shared by
// every exchange adapter.
//
// A Session owns one transport connection, a subscription registry and a bar
// aggregator. Exchange specifics (endpoint, command format, authentication, message
// parsing) come from a Dialect. One receive goroutine reads and dispatches messages in
// arrival order; one keepalive goroutine sends the dialect heartbeat independently.
//
// Consumers are invoked on the receive goroutine and must not block.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradecore/internal/candles"
	"tradecore/internal/model"
	"tradecore/internal/subscription"
	"tradecore/internal/websocket"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultAuthTimeout          = 10 * time.Second
	defaultMaxReconnectInterval = 30 * time.Second

	// barChannel prefixes the subscription keys of aggregated bars.
	barChannel = "bar"
)

var (
	ErrClosed       = errors.New("session closed")
	ErrAuthTimeout  = errors.New("authentication timed out")
	ErrAuthFailed   = errors.New("authentication failed")
	ErrUnsupported  = errors.New("channel not supported by exchange")
	ErrNilDialect   = errors.New("dialect is required")
	errNotConnected = errors.New("session not connected")
)

// State is the connection lifecycle state of a Session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Authenticating
	Running
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticating:
		return "authenticating"
	case Running:
		return "running"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config configures a Session.
type Config struct {
	Dialect Dialect

	// Logger is the parent logger. Nil falls back to the global zerolog logger.
	Logger *zerolog.Logger

	TLSInsecureSkip bool

	// PingPeriod is the transport ping interval; see websocket.Config.
	PingPeriod time.Duration

	// AuthTimeout bounds the wait for an authentication reply.
	AuthTimeout time.Duration

	// MaxReconnectInterval caps the exponential reconnect backoff.
	MaxReconnectInterval time.Duration
}

// Session is one exchange's live connection plus its subscription and authentication state.
type Session struct {
	dialect   Dialect
	transport *websocket.Client
	registry  *subscription.Registry
	bars      *candles.Aggregator
	logger    zerolog.Logger
	cfg       Config

	state atomic.Int32

	connMu sync.Mutex

	authMu        sync.Mutex
	authenticated atomic.Bool
	authResult    chan error

	// reconnectBackoff is only touched by the receive goroutine.
	reconnectBackoff *backoff.ExponentialBackOff

	keepaliveOnce sync.Once
	closeOnce     sync.Once
	done          chan struct{}
	wg            sync.WaitGroup
}

// New builds a disconnected session for cfg.Dialect.
func New(cfg Config) (*Session, error) {
	if cfg.Dialect == nil {
		return nil, ErrNilDialect
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.MaxReconnectInterval == 0 {
		cfg.MaxReconnectInterval = defaultMaxReconnectInterval
	}

	parent := cfg.Logger
	if parent == nil {
		parent = &log.Logger
	}
	logger := parent.With().Str("session", cfg.Dialect.Name()).Logger()

	transport, err := websocket.NewClient(websocket.Config{
		Endpoint:        cfg.Dialect.Endpoint(),
		TLSInsecureSkip: cfg.TLSInsecureSkip,
		PingPeriod:      cfg.PingPeriod,
		Logger:          &logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	s := &Session{
		dialect:    cfg.Dialect,
		transport:  transport,
		bars:       candles.NewAggregator(),
		logger:     logger.With().Str("component", "session").Logger(),
		cfg:        cfg,
		authResult: make(chan error, 1),
		done:       make(chan struct{}),
		reconnectBackoff: &backoff.ExponentialBackOff{
			InitialInterval:     cfg.Dialect.ReconnectInterval(),
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         cfg.MaxReconnectInterval,
		},
	}
	s.registry = subscription.NewRegistry(s, &logger)
	return s, nil
}

// Name returns the dialect name, used as publisher id of every event.
func (s *Session) Name() string {
	return s.dialect.Name()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Registry exposes the session's subscription registry.
func (s *Session) Registry() *subscription.Registry {
	return s.registry
}

// Authenticated reports whether the current connection is authenticated.
func (s *Session) Authenticated() bool {
	return s.authenticated.Load()
}

// setState moves to next unless the session is closed.
func (s *Session) setState(next State) {
	for {
		cur := s.state.Load()
		if State(cur) == Closed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Connect establishes the connection unless it is already up. After dialing it sends
// the dialect's on-connect commands and starts the keepalive loop.
func (s *Session) Connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.closed() {
		return ErrClosed
	}
	if s.transport.Connected() {
		return nil
	}

	s.setState(Connecting)
	if err := s.transport.Connect(ctx); err != nil {
		s.setState(Disconnected)
		return err
	}
	s.setState(Connected)

	for _, msg := range s.dialect.Keepalive().OnConnect {
		if err := s.transport.Send(msg); err != nil {
			s.logger.Error().Err(err).Msg("failed to send on-connect command")
		}
	}

	s.keepaliveOnce.Do(s.startKeepalive)
	s.setState(Running)
	s.logger.Info().Msg("connected")
	return nil
}

// Start connects and runs the receive loop until Close is called or ctx is cancelled.
//
// A dropped connection is re-established with exponential backoff starting at the
// dialect's reconnect interval; active subscriptions are replayed afterwards. Errors
// in a single iteration are logged and never end the loop.
func (s *Session) Start(ctx context.Context) error {
	if s.closed() {
		return ErrClosed
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	if err := s.Connect(ctx); err != nil {
		s.logger.Error().Err(err).Msg("initial connect failed")
	}

	for !s.closed() {
		s.iterate(ctx)
	}
	s.logger.Info().Msg("receive loop exiting")
	return nil
}

// iterate runs one receive loop step and recovers from panics in message handling.
func (s *Session) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Any("recover", r).Msg("panic in receive loop")
		}
	}()

	if !s.transport.Connected() {
		if err := s.reconnect(ctx); err != nil && !s.closed() {
			s.logger.Error().Err(err).Msg("reconnect failed")
		}
		return
	}

	raw, err := s.transport.ReadMessage()
	if err != nil {
		if !s.closed() {
			s.logger.Warn().Err(err).Msg("connection lost")
		}
		return
	}

	s.handle(raw)
}

// reconnect closes the transport, waits the backoff interval, reconnects and replays
// every active subscription.
func (s *Session) reconnect(ctx context.Context) error {
	s.setState(Reconnecting)
	s.transport.Disconnect()
	s.resetAuth()

	wait := s.reconnectBackoff.NextBackOff()
	s.logger.Info().Dur("wait", wait).Msg("reconnecting")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.Connect(ctx); err != nil {
		return err
	}
	s.reconnectBackoff.Reset()
	s.logger.Info().Msg("reopened connection")

	// Replay runs beside the receive loop so auth replies can still be read.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.resubscribe(ctx)
	}()
	return nil
}

func (s *Session) resubscribe(ctx context.Context) {
	for _, entry := range s.registry.Active() {
		if s.dialect.IsPrivate(entry.Channel) {
			s.ensureAuth(ctx)
			break
		}
	}
	if err := s.registry.Replay(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to replay subscriptions")
	}
}

// handle classifies one raw message and acts on it.
func (s *Session) handle(raw []byte) {
	in, err := s.dialect.Parse(raw)
	if err != nil {
		s.logger.Error().Err(err).Bytes("msg", raw).Msg("failed to parse message")
		return
	}

	switch in.Kind {
	case KindSubscription:
		s.logger.Info().Bytes("msg", raw).Msg("subscription message received")
	case KindAuth:
		err := s.dialect.CompleteAuth(in)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to complete authentication")
		}
		select {
		case s.authResult <- err:
		default:
		}
	case KindHeartbeat:
		s.logger.Trace().Msg("heartbeat")
	case KindInfo:
		s.logger.Info().Bytes("msg", raw).Msg("info message received")
	case KindReconnect:
		s.logger.Info().Bytes("msg", raw).Msg("server requested reconnect, resubscribing data streams")
		s.transport.Disconnect()
	case KindError:
		s.logger.Error().Bytes("msg", raw).Msg("error message received")
	case KindFeed:
		s.route(in)
	default:
		s.logger.Info().Bytes("msg", raw).Msg("message on unknown channel")
	}
}

// route delivers feed events to their consumers, followed by the bar snapshots the
// message's trades produced.
func (s *Session) route(in Inbound) {
	for _, r := range in.Events {
		s.registry.Dispatch(r.Key, r.Event)
	}

	ticks := in.Ticks()
	if len(ticks) == 0 {
		return
	}

	// Group by instrument, keeping first-seen order.
	var ids []string
	byID := make(map[string][]model.Tick)
	for _, t := range ticks {
		id := t.Instrument.InstrumentID
		if _, ok := byID[id]; !ok {
			ids = append(ids, id)
		}
		byID[id] = append(byID[id], t)
	}

	for _, id := range ids {
		for _, bar := range s.bars.Apply(id, byID[id]) {
			key := subscription.Key(barChannel, id, bar.Freq)
			s.registry.Dispatch(key, model.NewBarEvent(bar, s.Name()))
		}
	}
}

// Close stops the receive and keepalive loops and closes the connection. It can be
// called multiple times safely.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(Closed)
		close(s.done)
		s.transport.Close()
		s.wg.Wait()
		s.logger.Info().Msg("closed session")
	})
}

func (s *Session) startKeepalive() {
	ka := s.dialect.Keepalive()
	if ka.Interval <= 0 || len(ka.Message) == 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(ka.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if !s.transport.Connected() {
					continue
				}
				if err := s.transport.Send(ka.Message); err != nil {
					s.logger.Error().Err(err).Msg("failed to send keepalive")
				}
			case <-s.done:
				return
			}
		}
	}()
}

// SendSubscribe implements subscription.Wire.
func (s *Session) SendSubscribe(_ context.Context, channel string, inst *model.Instrument) error {
	msg, err := s.dialect.SubscribeCommand(channel, inst)
	if err != nil {
		return err
	}
	return s.send(msg)
}

// SendUnsubscribe implements subscription.Wire.
func (s *Session) SendUnsubscribe(_ context.Context, channel string, inst *model.Instrument) error {
	msg, err := s.dialect.UnsubscribeCommand(channel, inst)
	if err != nil {
		return err
	}
	return s.send(msg)
}

func (s *Session) send(msg []byte) error {
	if s.closed() {
		return ErrClosed
	}
	if !s.transport.Connected() {
		return errNotConnected
	}
	return s.transport.Send(msg)
}

// ensureAuth authenticates the current connection if needed. Failures are logged and
// leave the session unauthenticated.
func (s *Session) ensureAuth(ctx context.Context) {
	if s.authenticated.Load() {
		return
	}
	if err := s.authenticate(ctx); err != nil {
		s.logger.Error().Err(err).Msg("authentication failed")
	}
}

func (s *Session) authenticate(ctx context.Context) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	if s.authenticated.Load() {
		return nil
	}

	msg, awaitReply, err := s.dialect.AuthRequest()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	s.setState(Authenticating)
	defer s.state.CompareAndSwap(int32(Authenticating), int32(Running))

	// Drop a reply left over from an earlier attempt.
	select {
	case <-s.authResult:
	default:
	}

	if msg != nil {
		if err := s.send(msg); err != nil {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
	}

	if awaitReply {
		timer := time.NewTimer(s.cfg.AuthTimeout)
		defer timer.Stop()
		select {
		case err := <-s.authResult:
			if err != nil {
				return fmt.Errorf("%w: %v", ErrAuthFailed, err)
			}
		case <-timer.C:
			return ErrAuthTimeout
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrClosed
		}
	}

	s.authenticated.Store(true)
	s.logger.Info().Msg("authenticated")
	return nil
}

func (s *Session) resetAuth() {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	s.authenticated.Store(false)
	s.dialect.ResetAuth()
}

func (s *Session) subscribe(ctx context.Context, channel string, inst *model.Instrument, consumer model.Consumer) error {
	if channel == "" {
		return ErrUnsupported
	}
	if err := s.Connect(ctx); err != nil {
		return err
	}
	if s.dialect.IsPrivate(channel) {
		s.ensureAuth(ctx)
	}
	return s.registry.Subscribe(ctx, channel, inst, consumer, false)
}

func (s *Session) unsubscribe(ctx context.Context, channel string, inst *model.Instrument, consumer model.Consumer) error {
	if channel == "" {
		return ErrUnsupported
	}
	return s.registry.Unsubscribe(ctx, channel, inst, consumer)
}

// SubscribeTrades delivers TICK events of inst to consumer.
func (s *Session) SubscribeTrades(ctx context.Context, inst model.Instrument, consumer model.Consumer) error {
	return s.subscribe(ctx, s.dialect.Channels().Trades, &inst, consumer)
}

func (s *Session) UnsubscribeTrades(ctx context.Context, inst model.Instrument, consumer model.Consumer) error {
	return s.unsubscribe(ctx, s.dialect.Channels().Trades, &inst, consumer)
}

// SubscribeQuotes delivers QUOTE events of inst to consumer.
func (s *Session) SubscribeQuotes(ctx context.Context, inst model.Instrument, consumer model.Consumer) error {
	return s.subscribe(ctx, s.dialect.Channels().Quotes, &inst, consumer)
}

func (s *Session) UnsubscribeQuotes(ctx context.Context, inst model.Instrument, consumer model.Consumer) error {
	return s.unsubscribe(ctx, s.dialect.Channels().Quotes, &inst, consumer)
}

// SubscribeOrders delivers ORDER_UPDATED events of the account to consumer,
// authenticating first if needed.
func (s *Session) SubscribeOrders(ctx context.Context, consumer model.Consumer) error {
	return s.subscribe(ctx, s.dialect.Channels().Orders, nil, consumer)
}

func (s *Session) UnsubscribeOrders(ctx context.Context, consumer model.Consumer) error {
	return s.unsubscribe(ctx, s.dialect.Channels().Orders, nil, consumer)
}

// SubscribeFills delivers FILL events of the account to consumer,
// authenticating first if needed.
func (s *Session) SubscribeFills(ctx context.Context, consumer model.Consumer) error {
	return s.subscribe(ctx, s.dialect.Channels().Fills, nil, consumer)
}

func (s *Session) UnsubscribeFills(ctx context.Context, consumer model.Consumer) error {
	return s.unsubscribe(ctx, s.dialect.Channels().Fills, nil, consumer)
}

// SubscribeBars delivers BAR events of freq for inst to consumer. Bars are aggregated
// locally from the instrument's trade feed, which is subscribed without a consumer.
func (s *Session) SubscribeBars(ctx context.Context, inst model.Instrument, freq string, consumer model.Consumer) error {
	if err := s.bars.Track(inst, freq); err != nil {
		return err
	}
	if err := s.subscribe(ctx, s.dialect.Channels().Trades, &inst, nil); err != nil {
		return err
	}
	if consumer != nil {
		s.registry.AddConsumer(subscription.Key(barChannel, inst.InstrumentID, freq), consumer)
	}
	return nil
}

// UnsubscribeBars removes consumer from the bars of freq for inst. The bar stops being
// aggregated once it has no consumers, and the trade feed is unsubscribed once the
// instrument has no bars and no trade consumers left.
func (s *Session) UnsubscribeBars(ctx context.Context, inst model.Instrument, freq string, consumer model.Consumer) error {
	key := subscription.Key(barChannel, inst.InstrumentID, freq)

	var remaining int
	if consumer != nil {
		remaining = s.registry.RemoveConsumer(key, consumer)
	} else {
		remaining = len(s.registry.Consumers(key))
	}
	if remaining > 0 {
		return nil
	}

	s.bars.Untrack(inst.InstrumentID, freq)
	if len(s.bars.Tracked(inst.InstrumentID)) > 0 {
		return nil
	}
	return s.unsubscribe(ctx, s.dialect.Channels().Trades, &inst, nil)
}
