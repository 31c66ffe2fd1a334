package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"tradecore/internal/model"
	"tradecore/internal/session"
	"tradecore/internal/subscription"
	"tradecore/internal/utils"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

const (
	krakenFuturesTradeChannel  = "trade"
	krakenFuturesTickerChannel = "ticker"
	krakenFuturesOrdersChannel = "open_orders"
	krakenFuturesFillsChannel  = "fills"
	krakenFuturesHeartbeatFeed = "heartbeat"
)

var (
	// defaultKrakenFuturesConfig provides sensible defaults for Kraken Futures connections.
	defaultKrakenFuturesConfig = Config{
		Name:              "kraken_futures",
		Endpoint:          "wss://futures.kraken.com/ws/v1",
		ReconnectInterval: 500 * time.Millisecond,
	}

	krakenFuturesHeartbeat = []byte(`{"event":"subscribe","feed":"heartbeat"}`)
)

// KrakenFutures implements session.Dialect for Kraken Futures.
//
// Private feeds use a challenge handshake: the session sends the API key, the
// exchange answers with a challenge, and every later command carries the original
// and the signed challenge.
type KrakenFutures struct {
	config   Config
	validate *validator.Validate

	mu                sync.RWMutex
	originalChallenge string
	signedChallenge   string
}

var _ session.Dialect = (*KrakenFutures)(nil)

// krakenFuturesCommand is an outbound Kraken Futures command.
//
// Example JSON:
//
//	{"event": "subscribe", "feed": "trade", "product_ids": ["PI_XBTUSD"]}
type krakenFuturesCommand struct {
	Event             string   `json:"event"`
	Feed              string   `json:"feed,omitempty"`
	ProductIDs        []string `json:"product_ids,omitempty"`
	APIKey            string   `json:"api_key,omitempty"`
	OriginalChallenge string   `json:"original_challenge,omitempty"`
	SignedChallenge   string   `json:"signed_challenge,omitempty"`
}

type krakenFuturesEnvelope struct {
	Event     string            `json:"event"`
	Feed      string            `json:"feed"`
	Message   string            `json:"message"`
	ProductID string            `json:"product_id"`
	Reason    *string           `json:"reason"`
	Trades    []json.RawMessage `json:"trades"`
	Fills     []json.RawMessage `json:"fills"`
	Orders    []json.RawMessage `json:"orders"`
	Order     json.RawMessage   `json:"order"`
}

type krakenFuturesTrade struct {
	UID   string   `json:"uid"`
	Side  string   `json:"side" validate:"required,oneof=buy sell"`
	Type  string   `json:"type"`
	Time  *float64 `json:"time" validate:"required"`
	Qty   *float64 `json:"qty" validate:"required"`
	Price *float64 `json:"price" validate:"required"`
}

type krakenFuturesTicker struct {
	Time    *float64 `json:"time" validate:"required"`
	Bid     *float64 `json:"bid"`
	Ask     *float64 `json:"ask"`
	BidSize *float64 `json:"bid_size"`
	AskSize *float64 `json:"ask_size"`
	Last    *float64 `json:"last"`
}

type krakenFuturesFill struct {
	Instrument string   `json:"instrument" validate:"required"`
	Time       *float64 `json:"time" validate:"required"`
	Price      *float64 `json:"price" validate:"required"`
	Buy        bool     `json:"buy"`
	Qty        *float64 `json:"qty" validate:"required"`
	OrderID    string   `json:"order_id" validate:"required"`
	CliOrdID   string   `json:"cli_ord_id"`
	FillID     string   `json:"fill_id" validate:"required"`
	FillType   string   `json:"fill_type"`
	FeePaid    *float64 `json:"fee_paid"`
}

type krakenFuturesOrder struct {
	Instrument string   `json:"instrument" validate:"required"`
	Time       *float64 `json:"time" validate:"required"`
	Qty        *float64 `json:"qty" validate:"required"`
	Filled     *float64 `json:"filled" validate:"required"`
	LimitPrice *float64 `json:"limit_price"`
	Type       string   `json:"type"`
	OrderID    string   `json:"order_id" validate:"required"`
	CliOrdID   string   `json:"cli_ord_id"`
	Direction  int      `json:"direction" validate:"oneof=0 1"`
}

// NewKrakenFutures creates the Kraken Futures dialect. A nil config uses the defaults.
func NewKrakenFutures(cfg *Config) (*KrakenFutures, error) {
	if cfg == nil {
		c := defaultKrakenFuturesConfig
		cfg = &c
	}

	if err := validateConfig(cfg, &defaultKrakenFuturesConfig); err != nil {
		return nil, err
	}

	return &KrakenFutures{
		config:   *cfg,
		validate: validator.New(),
	}, nil
}

func (k *KrakenFutures) Name() string                     { return k.config.Name }
func (k *KrakenFutures) Endpoint() string                 { return k.config.Endpoint }
func (k *KrakenFutures) ReconnectInterval() time.Duration { return k.config.ReconnectInterval }

// Keepalive subscribes to the heartbeat feed once per connection; the exchange then
// pushes heartbeats on its own.
func (k *KrakenFutures) Keepalive() session.Keepalive {
	return session.Keepalive{OnConnect: [][]byte{krakenFuturesHeartbeat}}
}

func (k *KrakenFutures) Channels() session.Channels {
	return session.Channels{
		Trades: krakenFuturesTradeChannel,
		Quotes: krakenFuturesTickerChannel,
		Orders: krakenFuturesOrdersChannel,
		Fills:  krakenFuturesFillsChannel,
	}
}

func (k *KrakenFutures) IsPrivate(channel string) bool {
	return channel == krakenFuturesOrdersChannel || channel == krakenFuturesFillsChannel
}

func (k *KrakenFutures) SubscribeCommand(channel string, inst *model.Instrument) ([]byte, error) {
	return k.command("subscribe", channel, inst)
}

func (k *KrakenFutures) UnsubscribeCommand(channel string, inst *model.Instrument) ([]byte, error) {
	return k.command("unsubscribe", channel, inst)
}

func (k *KrakenFutures) command(event, channel string, inst *model.Instrument) ([]byte, error) {
	cmd := krakenFuturesCommand{Event: event, Feed: channel, APIKey: k.config.APIKey}
	if inst != nil {
		cmd.ProductIDs = []string{inst.InstrumentID}
	}

	k.mu.RLock()
	cmd.OriginalChallenge = k.originalChallenge
	cmd.SignedChallenge = k.signedChallenge
	k.mu.RUnlock()

	return json.Marshal(cmd)
}

// AuthRequest asks the exchange for a challenge.
func (k *KrakenFutures) AuthRequest() ([]byte, bool, error) {
	if k.config.APIKey == "" || k.config.APISecret == "" {
		return nil, false, ErrMissingCredentials
	}
	msg, err := json.Marshal(krakenFuturesCommand{Event: "challenge", APIKey: k.config.APIKey})
	return msg, true, err
}

// CompleteAuth signs the challenge carried by in.
func (k *KrakenFutures) CompleteAuth(in session.Inbound) error {
	if in.Challenge == "" {
		return fmt.Errorf("empty challenge")
	}
	signed, err := SignKrakenChallenge(k.config.APISecret, in.Challenge)
	if err != nil {
		return err
	}

	k.mu.Lock()
	k.originalChallenge = in.Challenge
	k.signedChallenge = signed
	k.mu.Unlock()
	return nil
}

func (k *KrakenFutures) ResetAuth() {
	k.mu.Lock()
	k.originalChallenge = ""
	k.signedChallenge = ""
	k.mu.Unlock()
}

// SignKrakenChallenge returns base64(HMAC-SHA512(base64dec(secret), sha256(challenge))).
func SignKrakenChallenge(secret, challenge string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode API secret: %w", err)
	}
	digest := sha256.Sum256([]byte(challenge))
	mac := hmac.New(sha512.New, key)
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Parse classifies one Kraken Futures message and translates feed data into
// canonical events.
func (k *KrakenFutures) Parse(raw []byte) (session.Inbound, error) {
	var env krakenFuturesEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return session.Inbound{}, fmt.Errorf("unmarshal Kraken Futures message: %w", err)
	}

	in := session.Inbound{Raw: raw}
	switch {
	case env.Event == "error" || env.Event == "subscribed_failed":
		in.Kind = session.KindError
	case env.Event == "challenge":
		in.Kind = session.KindAuth
		in.Challenge = env.Message
	case env.Event == "subscribed" || env.Event == "unsubscribed":
		in.Kind = session.KindSubscription
	case env.Feed == krakenFuturesHeartbeatFeed:
		in.Kind = session.KindHeartbeat
	case env.Event == "alert" || env.Event == "info":
		in.Kind = session.KindInfo
	case env.Feed != "":
		events, err := k.parseFeed(env, raw)
		if err != nil {
			return session.Inbound{}, err
		}
		if events == nil {
			in.Kind = session.KindUnknown
			return in, nil
		}
		in.Kind = session.KindFeed
		in.Events = events
	default:
		in.Kind = session.KindUnknown
	}
	return in, nil
}

func (k *KrakenFutures) parseFeed(env krakenFuturesEnvelope, raw []byte) ([]session.Routed, error) {
	switch env.Feed {
	case "trade", "trade_snapshot":
		return k.parseTrades(env, raw)
	case "ticker":
		return k.parseTicker(env, raw)
	case "fills", "fills_snapshot":
		return k.parseFills(env)
	case "open_orders", "open_orders_snapshot":
		return k.parseOrders(env)
	default:
		return nil, nil
	}
}

func (k *KrakenFutures) parseTrades(env krakenFuturesEnvelope, raw []byte) ([]session.Routed, error) {
	inst, err := instrumentByID(model.KrakenFuturesExchange, env.ProductID)
	if err != nil {
		return nil, err
	}

	rows := env.Trades
	if rows == nil {
		rows = []json.RawMessage{raw}
	}

	key := subscription.Key(krakenFuturesTradeChannel, inst.InstrumentID, "")
	events := make([]session.Routed, 0, len(rows))
	for _, row := range rows {
		var t krakenFuturesTrade
		if err := json.Unmarshal(row, &t); err != nil {
			return nil, fmt.Errorf("unmarshal Kraken Futures trade: %w", err)
		}
		if err := k.validate.Struct(&t); err != nil {
			return nil, fmt.Errorf("validate Kraken Futures trade: %w", err)
		}
		ts, err := utils.NormalizeTimestamp(*t.Time)
		if err != nil {
			return nil, err
		}
		side, err := parseSide(t.Side)
		if err != nil {
			return nil, err
		}
		liquidation := t.Type == "liquidation"
		tick := model.Tick{
			Timestamp:   ts,
			Instrument:  inst,
			TradeID:     t.UID,
			Price:       *t.Price,
			Size:        *t.Qty,
			Side:        side,
			Liquidation: &liquidation,
		}
		events = append(events, routed(key, model.NewTickEvent(tick, k.Name())))
	}
	return events, nil
}

func (k *KrakenFutures) parseTicker(env krakenFuturesEnvelope, raw []byte) ([]session.Routed, error) {
	inst, err := instrumentByID(model.KrakenFuturesExchange, env.ProductID)
	if err != nil {
		return nil, err
	}

	var t krakenFuturesTicker
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("unmarshal Kraken Futures ticker: %w", err)
	}
	if err := k.validate.Struct(&t); err != nil {
		return nil, fmt.Errorf("validate Kraken Futures ticker: %w", err)
	}
	ts, err := utils.NormalizeTimestamp(*t.Time)
	if err != nil {
		return nil, err
	}

	quote := model.Quote{
		Timestamp:  ts,
		Instrument: inst,
		Bid:        floatOrNA(t.Bid),
		BidSize:    floatOrNA(t.BidSize),
		Ask:        floatOrNA(t.Ask),
		AskSize:    floatOrNA(t.AskSize),
		Last:       floatOrNA(t.Last),
	}
	key := subscription.Key(krakenFuturesTickerChannel, inst.InstrumentID, "")
	return []session.Routed{routed(key, model.NewQuoteEvent(quote, k.Name()))}, nil
}

func (k *KrakenFutures) parseFills(env krakenFuturesEnvelope) ([]session.Routed, error) {
	key := subscription.Key(krakenFuturesFillsChannel, "", "")
	events := make([]session.Routed, 0, len(env.Fills))
	for _, row := range env.Fills {
		var f krakenFuturesFill
		if err := json.Unmarshal(row, &f); err != nil {
			return nil, fmt.Errorf("unmarshal Kraken Futures fill: %w", err)
		}
		if err := k.validate.Struct(&f); err != nil {
			return nil, fmt.Errorf("validate Kraken Futures fill: %w", err)
		}
		inst, err := instrumentByID(model.KrakenFuturesExchange, f.Instrument)
		if err != nil {
			return nil, err
		}
		ts, err := utils.NormalizeTimestamp(*f.Time)
		if err != nil {
			return nil, err
		}
		side := model.Sell
		if f.Buy {
			side = model.Buy
		}
		fill := model.Fill{
			Timestamp:  ts,
			Instrument: inst,
			OrderID:    f.OrderID,
			FillID:     f.FillID,
			TradeID:    f.CliOrdID,
			Side:       side,
			Price:      *f.Price,
			Size:       *f.Qty,
			FillType:   f.FillType,
			FeeRate:    model.NA(),
			Fee:        floatOrNA(f.FeePaid),
		}
		events = append(events, routed(key, model.NewFillEvent(fill, k.Name())))
	}
	return events, nil
}

func (k *KrakenFutures) parseOrders(env krakenFuturesEnvelope) ([]session.Routed, error) {
	rows := env.Orders
	if rows == nil && len(env.Order) > 0 {
		rows = []json.RawMessage{env.Order}
	}

	key := subscription.Key(krakenFuturesOrdersChannel, "", "")
	events := make([]session.Routed, 0, len(rows))
	for _, row := range rows {
		update, err := k.parseOrder(row, env.Reason)
		if err != nil {
			return nil, err
		}
		events = append(events, routed(key, model.NewOrderUpdateEvent(update, k.Name())))
	}
	return events, nil
}

func (k *KrakenFutures) parseOrder(row []byte, reason *string) (model.OrderUpdate, error) {
	var o krakenFuturesOrder
	if err := json.Unmarshal(row, &o); err != nil {
		return model.OrderUpdate{}, fmt.Errorf("unmarshal Kraken Futures order: %w", err)
	}
	if err := k.validate.Struct(&o); err != nil {
		return model.OrderUpdate{}, fmt.Errorf("validate Kraken Futures order: %w", err)
	}
	inst, err := instrumentByID(model.KrakenFuturesExchange, o.Instrument)
	if err != nil {
		return model.OrderUpdate{}, err
	}
	ts, err := utils.NormalizeTimestamp(*o.Time)
	if err != nil {
		return model.OrderUpdate{}, err
	}

	side := model.Buy
	if o.Direction != 0 {
		side = model.Sell
	}

	return model.OrderUpdate{
		Timestamp:     ts,
		OrderID:       o.OrderID,
		Instrument:    inst,
		OrderType:     parseOrderType(o.Type),
		Side:          side,
		Status:        krakenFuturesStatus(reason),
		Size:          *o.Qty,
		FilledSize:    *o.Filled,
		RemainingSize: *o.Qty - *o.Filled,
		AvgFillPrice:  model.NA(),
		Price:         floatOrNA(o.LimitPrice),
		ClientID:      o.CliOrdID,
		BidPrice:      model.NA(),
		BidSize:       model.NA(),
		AskPrice:      model.NA(),
		AskSize:       model.NA(),
	}, nil
}

// krakenFuturesStatus maps the update reason of an open_orders message. Snapshots
// carry no reason and only list live orders.
func krakenFuturesStatus(reason *string) model.OrderStatus {
	if reason == nil {
		return model.StatusOpen
	}
	switch *reason {
	case "new_placed_order_by_user", "new_order_placed_by_user":
		return model.StatusCreated
	case "partial_fill":
		return model.StatusOpen
	case "full_fill":
		return model.StatusClosed
	default:
		return model.StatusError
	}
}
