// Package exchange provides the exchange dialects plugged into session.Session.
//
// This file implements the FTX dialect: JSON commands keyed by "op", login signed with
// HMAC-SHA256 and feed messages on the trades, ticker, orders and fills channels.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"tradecore/internal/model"
	"tradecore/internal/session"
	"tradecore/internal/subscription"
	"tradecore/internal/utils"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

const (
	ftxTradesChannel = "trades"
	ftxTickerChannel = "ticker"
	ftxOrdersChannel = "orders"
	ftxFillsChannel  = "fills"

	// ftxServerRestartCode is the info code FTX sends before restarting a server.
	ftxServerRestartCode = 20001
)

var (
	// defaultFTXConfig provides sensible defaults for FTX connections.
	defaultFTXConfig = Config{
		Name:              "ftx",
		Endpoint:          "wss://ftx.com/ws/",
		ReconnectInterval: 500 * time.Millisecond,
		KeepaliveInterval: 30 * time.Second,
	}

	ftxPing = []byte(`{"op":"ping"}`)
)

// FTX implements session.Dialect for FTX.
type FTX struct {
	// config stores the validated exchange configuration.
	config Config

	// validate provides field validation for incoming FTX messages.
	validate *validator.Validate

	// now is the clock used for login timestamps and order update times.
	now func() time.Time
}

var _ session.Dialect = (*FTX)(nil)

// ftxCommand is an outbound FTX WebSocket command.
//
// Example JSON:
//
//	{"op": "subscribe", "channel": "trades", "market": "BTC-PERP"}
type ftxCommand struct {
	Op      string    `json:"op"`
	Channel string    `json:"channel,omitempty"`
	Market  string    `json:"market,omitempty"`
	Args    *ftxLogin `json:"args,omitempty"`
}

type ftxLogin struct {
	Key        string  `json:"key"`
	Sign       string  `json:"sign"`
	Time       int64   `json:"time"`
	Subaccount *string `json:"subaccount"`
}

// ftxEnvelope holds the fields shared by every inbound FTX message.
type ftxEnvelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Market  string          `json:"market"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

type ftxTrade struct {
	ID          wireID   `json:"id"`
	Price       *float64 `json:"price" validate:"required"`
	Size        *float64 `json:"size" validate:"required"`
	Side        string   `json:"side" validate:"required,oneof=buy sell"`
	Liquidation *bool    `json:"liquidation"`
	Time        string   `json:"time" validate:"required"`
}

type ftxTicker struct {
	Bid     *float64 `json:"bid"`
	Ask     *float64 `json:"ask"`
	BidSize *float64 `json:"bidSize"`
	AskSize *float64 `json:"askSize"`
	Last    *float64 `json:"last"`
	Time    any      `json:"time" validate:"required"`
}

type ftxFill struct {
	ID        wireID   `json:"id" validate:"required"`
	Market    string   `json:"market" validate:"required"`
	Side      string   `json:"side" validate:"required,oneof=buy sell"`
	Price     *float64 `json:"price" validate:"required"`
	Size      *float64 `json:"size" validate:"required"`
	OrderID   wireID   `json:"orderId" validate:"required"`
	TradeID   wireID   `json:"tradeId"`
	Time      string   `json:"time" validate:"required"`
	FeeRate   *float64 `json:"feeRate"`
	Fee       *float64 `json:"fee"`
	Liquidity string   `json:"liquidity"`
}

type ftxOrder struct {
	ID            wireID   `json:"id" validate:"required"`
	ClientID      wireID   `json:"clientId"`
	Market        string   `json:"market" validate:"required"`
	Type          string   `json:"type" validate:"required"`
	Side          string   `json:"side" validate:"required,oneof=buy sell"`
	Price         *float64 `json:"price"`
	Size          *float64 `json:"size" validate:"required"`
	Status        string   `json:"status" validate:"required"`
	FilledSize    *float64 `json:"filledSize"`
	RemainingSize *float64 `json:"remainingSize"`
	AvgFillPrice  *float64 `json:"avgFillPrice"`
	CreatedAt     string   `json:"createdAt"`
}

// NewFTX creates the FTX dialect. A nil config uses the defaults.
func NewFTX(cfg *Config) (*FTX, error) {
	// Apply default configuration if none provided
	if cfg == nil {
		c := defaultFTXConfig
		cfg = &c
	}

	if err := validateConfig(cfg, &defaultFTXConfig); err != nil {
		return nil, err
	}

	return &FTX{
		config:   *cfg,
		validate: validator.New(),
		now:      time.Now,
	}, nil
}

func (f *FTX) Name() string                     { return f.config.Name }
func (f *FTX) Endpoint() string                 { return f.config.Endpoint }
func (f *FTX) ReconnectInterval() time.Duration { return f.config.ReconnectInterval }

func (f *FTX) Keepalive() session.Keepalive {
	return session.Keepalive{Interval: f.config.KeepaliveInterval, Message: ftxPing}
}

func (f *FTX) Channels() session.Channels {
	return session.Channels{
		Trades: ftxTradesChannel,
		Quotes: ftxTickerChannel,
		Orders: ftxOrdersChannel,
		Fills:  ftxFillsChannel,
	}
}

func (f *FTX) IsPrivate(channel string) bool {
	return channel == ftxOrdersChannel || channel == ftxFillsChannel
}

func (f *FTX) SubscribeCommand(channel string, inst *model.Instrument) ([]byte, error) {
	return f.command("subscribe", channel, inst)
}

func (f *FTX) UnsubscribeCommand(channel string, inst *model.Instrument) ([]byte, error) {
	return f.command("unsubscribe", channel, inst)
}

func (f *FTX) command(op, channel string, inst *model.Instrument) ([]byte, error) {
	cmd := ftxCommand{Op: op, Channel: channel}
	if inst != nil {
		cmd.Market = inst.InstrumentID
	}
	return json.Marshal(cmd)
}

// AuthRequest builds the login command. FTX does not acknowledge a successful login.
func (f *FTX) AuthRequest() ([]byte, bool, error) {
	if f.config.APIKey == "" || f.config.APISecret == "" {
		return nil, false, ErrMissingCredentials
	}

	ts := f.now().UnixMilli()
	login := &ftxLogin{
		Key:  f.config.APIKey,
		Sign: SignFTXLogin(f.config.APISecret, ts),
		Time: ts,
	}
	if f.config.Subaccount != "" {
		sub := f.config.Subaccount
		login.Subaccount = &sub
	}

	msg, err := json.Marshal(ftxCommand{Op: "login", Args: login})
	return msg, false, err
}

func (f *FTX) CompleteAuth(session.Inbound) error { return nil }

func (f *FTX) ResetAuth() {}

// SignFTXLogin returns hex(HMAC-SHA256(secret, "<ts>websocket_login")).
func SignFTXLogin(secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%dwebsocket_login", ts)
	return hex.EncodeToString(mac.Sum(nil))
}

// Parse classifies one FTX message and translates feed data into canonical events.
func (f *FTX) Parse(raw []byte) (session.Inbound, error) {
	var env ftxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return session.Inbound{}, fmt.Errorf("unmarshal FTX message: %w", err)
	}

	in := session.Inbound{Raw: raw}
	switch env.Type {
	case "subscribed", "unsubscribed":
		in.Kind = session.KindSubscription
	case "info":
		in.Kind = session.KindInfo
		if env.Code == ftxServerRestartCode {
			in.Kind = session.KindReconnect
		}
	case "pong":
		in.Kind = session.KindHeartbeat
	case "error":
		in.Kind = session.KindError
	case "update", "partial":
		events, err := f.parseFeed(env)
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

// parseFeed returns nil events for channels FTX has but this dialect does not serve.
func (f *FTX) parseFeed(env ftxEnvelope) ([]session.Routed, error) {
	switch env.Channel {
	case ftxTradesChannel:
		return f.parseTrades(env)
	case ftxTickerChannel:
		return f.parseTicker(env)
	case ftxOrdersChannel:
		update, err := f.parseOrder(env.Data)
		if err != nil {
			return nil, err
		}
		key := subscription.Key(ftxOrdersChannel, "", "")
		return []session.Routed{routed(key, model.NewOrderUpdateEvent(update, f.Name()))}, nil
	case ftxFillsChannel:
		fill, err := f.parseFill(env.Data)
		if err != nil {
			return nil, err
		}
		key := subscription.Key(ftxFillsChannel, "", "")
		return []session.Routed{routed(key, model.NewFillEvent(fill, f.Name()))}, nil
	default:
		return nil, nil
	}
}

func (f *FTX) parseTrades(env ftxEnvelope) ([]session.Routed, error) {
	inst, err := instrumentByID(model.FTXExchange, env.Market)
	if err != nil {
		return nil, err
	}

	var trades []ftxTrade
	if err := json.Unmarshal(env.Data, &trades); err != nil {
		return nil, fmt.Errorf("unmarshal FTX trades: %w", err)
	}

	key := subscription.Key(ftxTradesChannel, inst.InstrumentID, "")
	events := make([]session.Routed, 0, len(trades))
	for _, t := range trades {
		if err := f.validate.Struct(&t); err != nil {
			return nil, fmt.Errorf("validate FTX trade: %w", err)
		}
		ts, err := utils.ParseTimestampString(t.Time)
		if err != nil {
			return nil, err
		}
		side, err := parseSide(t.Side)
		if err != nil {
			return nil, err
		}
		tick := model.Tick{
			Timestamp:   ts,
			Instrument:  inst,
			TradeID:     string(t.ID),
			Price:       *t.Price,
			Size:        *t.Size,
			Side:        side,
			Liquidation: t.Liquidation,
		}
		events = append(events, routed(key, model.NewTickEvent(tick, f.Name())))
	}
	return events, nil
}

func (f *FTX) parseTicker(env ftxEnvelope) ([]session.Routed, error) {
	inst, err := instrumentByID(model.FTXExchange, env.Market)
	if err != nil {
		return nil, err
	}

	var t ftxTicker
	if err := json.Unmarshal(env.Data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal FTX ticker: %w", err)
	}
	if err := f.validate.Struct(&t); err != nil {
		return nil, fmt.Errorf("validate FTX ticker: %w", err)
	}
	ts, err := utils.NormalizeTimestamp(t.Time)
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
	key := subscription.Key(ftxTickerChannel, inst.InstrumentID, "")
	return []session.Routed{routed(key, model.NewQuoteEvent(quote, f.Name()))}, nil
}

func (f *FTX) parseFill(data []byte) (model.Fill, error) {
	var m ftxFill
	if err := json.Unmarshal(data, &m); err != nil {
		return model.Fill{}, fmt.Errorf("unmarshal FTX fill: %w", err)
	}
	if err := f.validate.Struct(&m); err != nil {
		return model.Fill{}, fmt.Errorf("validate FTX fill: %w", err)
	}
	inst, err := instrumentByID(model.FTXExchange, m.Market)
	if err != nil {
		return model.Fill{}, err
	}
	ts, err := utils.ParseTimestampString(m.Time)
	if err != nil {
		return model.Fill{}, err
	}
	side, err := parseSide(m.Side)
	if err != nil {
		return model.Fill{}, err
	}

	return model.Fill{
		Timestamp:  ts,
		Instrument: inst,
		OrderID:    string(m.OrderID),
		FillID:     string(m.ID),
		TradeID:    string(m.TradeID),
		Side:       side,
		Price:      *m.Price,
		Size:       *m.Size,
		FillType:   m.Liquidity,
		FeeRate:    floatOrNA(m.FeeRate),
		Fee:        floatOrNA(m.Fee),
	}, nil
}

func (f *FTX) parseOrder(data []byte) (model.OrderUpdate, error) {
	return ParseFTXOrder(data, f.now(), f.validate)
}

// ParseFTXOrder translates an FTX order object, as found in the orders channel and in
// REST order responses, into an OrderUpdate stamped with now.
func ParseFTXOrder(data []byte, now time.Time, validate *validator.Validate) (model.OrderUpdate, error) {
	var m ftxOrder
	if err := json.Unmarshal(data, &m); err != nil {
		return model.OrderUpdate{}, fmt.Errorf("unmarshal FTX order: %w", err)
	}
	if validate == nil {
		validate = validator.New()
	}
	if err := validate.Struct(&m); err != nil {
		return model.OrderUpdate{}, fmt.Errorf("validate FTX order: %w", err)
	}
	inst, err := instrumentByID(model.FTXExchange, m.Market)
	if err != nil {
		return model.OrderUpdate{}, err
	}
	side, err := parseSide(m.Side)
	if err != nil {
		return model.OrderUpdate{}, err
	}

	var createdAt *float64
	if m.CreatedAt != "" {
		ts, err := utils.ParseTimestampString(m.CreatedAt)
		if err != nil {
			return model.OrderUpdate{}, err
		}
		createdAt = &ts
	}

	return model.OrderUpdate{
		Timestamp:     utils.TimeToSeconds(now),
		OrderID:       string(m.ID),
		Instrument:    inst,
		OrderType:     parseOrderType(m.Type),
		Side:          side,
		Status:        ftxStatus(m.Status),
		Size:          *m.Size,
		FilledSize:    floatOrNA(m.FilledSize),
		RemainingSize: floatOrNA(m.RemainingSize),
		AvgFillPrice:  floatOrNA(m.AvgFillPrice),
		CreatedAt:     createdAt,
		Price:         floatOrNA(m.Price),
		ClientID:      string(m.ClientID),
		BidPrice:      model.NA(),
		BidSize:       model.NA(),
		AskPrice:      model.NA(),
		AskSize:       model.NA(),
	}, nil
}

// ftxStatus maps FTX order statuses: new, open and closed; anything else is an error.
func ftxStatus(s string) model.OrderStatus {
	switch s {
	case "new":
		return model.StatusCreated
	case "open":
		return model.StatusOpen
	case "closed":
		return model.StatusClosed
	default:
		return model.StatusError
	}
}
