package exchange

import (
	"bytes"
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
	krakenSpotTradeChannel  = "trade"
	krakenSpotSpreadChannel = "spread"
	krakenSpotOrdersChannel = "openOrders"
)

var (
	// defaultKrakenSpotConfig provides sensible defaults for Kraken spot connections.
	defaultKrakenSpotConfig = Config{
		Name:              "kraken_spot",
		Endpoint:          "wss://ws.kraken.com",
		ReconnectInterval: 10 * time.Second,
		KeepaliveInterval: 30 * time.Second,
	}

	krakenSpotPing = []byte(`{"event":"ping"}`)
)

// KrakenSpot implements session.Dialect for the Kraken spot WebSocket API.
//
// Public feeds arrive as JSON arrays [channelID, data, channelName, pair]. Private
// feeds use a pre-issued websockets token, so authentication needs no wire exchange.
type KrakenSpot struct {
	config   Config
	validate *validator.Validate
	now      func() time.Time
}

var _ session.Dialect = (*KrakenSpot)(nil)

// krakenSpotCommand is an outbound Kraken spot command.
//
// Example JSON:
//
//	{"event": "subscribe", "subscription": {"name": "trade"}, "pair": ["XBT/USD"]}
type krakenSpotCommand struct {
	Event        string                 `json:"event"`
	Subscription krakenSpotSubscription `json:"subscription"`
	Pair         []string               `json:"pair,omitempty"`
}

type krakenSpotSubscription struct {
	Name  string `json:"name"`
	Token string `json:"token,omitempty"`
}

type krakenSpotEvent struct {
	Event  string `json:"event"`
	Status string `json:"status"`
}

type krakenSpotOrder struct {
	Status   string                `json:"status"`
	Vol      string                `json:"vol"`
	VolExec  string                `json:"vol_exec"`
	AvgPrice string                `json:"avg_price"`
	OpenTm   string                `json:"opentm"`
	UserRef  *int64                `json:"userref"`
	Descr    *krakenSpotOrderDescr `json:"descr"`
}

type krakenSpotOrderDescr struct {
	Pair      string `json:"pair"`
	Type      string `json:"type" validate:"omitempty,oneof=buy sell"`
	OrderType string `json:"ordertype"`
	Price     string `json:"price"`
}

// NewKrakenSpot creates the Kraken spot dialect. A nil config uses the defaults.
func NewKrakenSpot(cfg *Config) (*KrakenSpot, error) {
	if cfg == nil {
		c := defaultKrakenSpotConfig
		cfg = &c
	}

	if err := validateConfig(cfg, &defaultKrakenSpotConfig); err != nil {
		return nil, err
	}

	return &KrakenSpot{
		config:   *cfg,
		validate: validator.New(),
		now:      time.Now,
	}, nil
}

func (k *KrakenSpot) Name() string                     { return k.config.Name }
func (k *KrakenSpot) Endpoint() string                 { return k.config.Endpoint }
func (k *KrakenSpot) ReconnectInterval() time.Duration { return k.config.ReconnectInterval }

func (k *KrakenSpot) Keepalive() session.Keepalive {
	return session.Keepalive{Interval: k.config.KeepaliveInterval, Message: krakenSpotPing}
}

// Channels reports no fills channel: Kraken spot has no fills feed over WebSocket.
func (k *KrakenSpot) Channels() session.Channels {
	return session.Channels{
		Trades: krakenSpotTradeChannel,
		Quotes: krakenSpotSpreadChannel,
		Orders: krakenSpotOrdersChannel,
	}
}

func (k *KrakenSpot) IsPrivate(channel string) bool {
	return channel == krakenSpotOrdersChannel
}

func (k *KrakenSpot) SubscribeCommand(channel string, inst *model.Instrument) ([]byte, error) {
	return k.command("subscribe", channel, inst)
}

func (k *KrakenSpot) UnsubscribeCommand(channel string, inst *model.Instrument) ([]byte, error) {
	return k.command("unsubscribe", channel, inst)
}

func (k *KrakenSpot) command(event, channel string, inst *model.Instrument) ([]byte, error) {
	cmd := krakenSpotCommand{Event: event, Subscription: krakenSpotSubscription{Name: channel}}
	if inst != nil {
		cmd.Pair = []string{inst.InstrumentID}
	}
	if k.IsPrivate(channel) {
		cmd.Subscription.Token = k.config.Token
	}
	return json.Marshal(cmd)
}

// AuthRequest succeeds without a wire exchange when a token is configured.
func (k *KrakenSpot) AuthRequest() ([]byte, bool, error) {
	if k.config.Token == "" {
		return nil, false, ErrMissingCredentials
	}
	return nil, false, nil
}

func (k *KrakenSpot) CompleteAuth(session.Inbound) error { return nil }

func (k *KrakenSpot) ResetAuth() {}

// Parse classifies one Kraken spot message and translates feed data into canonical
// events.
func (k *KrakenSpot) Parse(raw []byte) (session.Inbound, error) {
	in := session.Inbound{Raw: raw}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		events, err := k.parseFeed(trimmed)
		if err != nil {
			return session.Inbound{}, err
		}
		if events == nil {
			in.Kind = session.KindUnknown
			return in, nil
		}
		in.Kind = session.KindFeed
		in.Events = events
		return in, nil
	}

	var ev krakenSpotEvent
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return session.Inbound{}, fmt.Errorf("unmarshal Kraken spot message: %w", err)
	}

	switch ev.Event {
	case "subscriptionStatus":
		in.Kind = session.KindSubscription
		if ev.Status == "error" {
			in.Kind = session.KindError
		}
	case "pong", "heartbeat":
		in.Kind = session.KindHeartbeat
	case "systemStatus":
		in.Kind = session.KindInfo
	case "error":
		in.Kind = session.KindError
	default:
		in.Kind = session.KindUnknown
	}
	return in, nil
}

// parseFeed dispatches on the channel name, the second to last array element.
func (k *KrakenSpot) parseFeed(raw []byte) ([]session.Routed, error) {
	var msg []json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal Kraken spot feed: %w", err)
	}
	if len(msg) < 3 {
		return nil, fmt.Errorf("short Kraken spot feed message: %d elements", len(msg))
	}

	var channel string
	if err := json.Unmarshal(msg[len(msg)-2], &channel); err != nil {
		return nil, fmt.Errorf("unmarshal Kraken spot channel name: %w", err)
	}

	switch channel {
	case krakenSpotTradeChannel:
		return k.parseTrades(msg)
	case krakenSpotSpreadChannel:
		return k.parseSpread(msg)
	case krakenSpotOrdersChannel:
		return k.parseOrders(msg)
	default:
		return nil, nil
	}
}

func (k *KrakenSpot) pairInstrument(msg []json.RawMessage) (model.Instrument, error) {
	var pair string
	if err := json.Unmarshal(msg[len(msg)-1], &pair); err != nil {
		return model.Instrument{}, fmt.Errorf("unmarshal Kraken spot pair: %w", err)
	}
	return instrumentByID(model.KrakenSpotExchange, pair)
}

func (k *KrakenSpot) parseTrades(msg []json.RawMessage) ([]session.Routed, error) {
	inst, err := k.pairInstrument(msg)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	if err := json.Unmarshal(msg[1], &rows); err != nil {
		return nil, fmt.Errorf("unmarshal Kraken spot trades: %w", err)
	}

	key := subscription.Key(krakenSpotTradeChannel, inst.InstrumentID, "")
	events := make([]session.Routed, 0, len(rows))
	for _, row := range rows {
		tick, err := parseKrakenSpotTrade(inst, row)
		if err != nil {
			return nil, err
		}
		events = append(events, routed(key, model.NewTickEvent(tick, k.Name())))
	}
	return events, nil
}

// parseKrakenSpotTrade reads a trade row [price, volume, time, side, orderType, misc].
func parseKrakenSpotTrade(inst model.Instrument, row []string) (model.Tick, error) {
	if len(row) < 4 {
		return model.Tick{}, fmt.Errorf("short Kraken spot trade row: %d fields", len(row))
	}
	nums, err := parseFloats(row[0], row[1])
	if err != nil {
		return model.Tick{}, fmt.Errorf("parse Kraken spot trade: %w", err)
	}
	ts, err := utils.ParseTimestampString(row[2])
	if err != nil {
		return model.Tick{}, err
	}
	side, err := parseSide(row[3])
	if err != nil {
		return model.Tick{}, err
	}

	return model.Tick{
		Timestamp:  ts,
		Instrument: inst,
		Price:      nums[0],
		Size:       nums[1],
		Side:       side,
	}, nil
}

// parseSpread reads a spread row [bid, ask, time, bidVolume, askVolume].
func (k *KrakenSpot) parseSpread(msg []json.RawMessage) ([]session.Routed, error) {
	inst, err := k.pairInstrument(msg)
	if err != nil {
		return nil, err
	}

	var row []string
	if err := json.Unmarshal(msg[1], &row); err != nil {
		return nil, fmt.Errorf("unmarshal Kraken spot spread: %w", err)
	}
	if len(row) < 5 {
		return nil, fmt.Errorf("short Kraken spot spread row: %d fields", len(row))
	}
	nums, err := parseFloats(row[0], row[1], row[3], row[4])
	if err != nil {
		return nil, fmt.Errorf("parse Kraken spot spread: %w", err)
	}
	ts, err := utils.ParseTimestampString(row[2])
	if err != nil {
		return nil, err
	}

	quote := model.Quote{
		Timestamp:  ts,
		Instrument: inst,
		Bid:        nums[0],
		Ask:        nums[1],
		BidSize:    nums[2],
		AskSize:    nums[3],
		Last:       model.NA(),
	}
	key := subscription.Key(krakenSpotSpreadChannel, inst.InstrumentID, "")
	return []session.Routed{routed(key, model.NewQuoteEvent(quote, k.Name()))}, nil
}

// parseOrders reads [[{orderID: order}, ...], "openOrders", {"sequence": n}]. Updates
// after the first snapshot only carry the changed fields; missing numbers become NA.
func (k *KrakenSpot) parseOrders(msg []json.RawMessage) ([]session.Routed, error) {
	var batches []map[string]krakenSpotOrder
	if err := json.Unmarshal(msg[0], &batches); err != nil {
		return nil, fmt.Errorf("unmarshal Kraken spot open orders: %w", err)
	}

	key := subscription.Key(krakenSpotOrdersChannel, "", "")
	now := utils.TimeToSeconds(k.now())

	var events []session.Routed
	for _, batch := range batches {
		for _, id := range sortedKeys(batch) {
			update, err := k.parseOrder(id, batch[id], now)
			if err != nil {
				return nil, err
			}
			events = append(events, routed(key, model.NewOrderUpdateEvent(update, k.Name())))
		}
	}
	if events == nil {
		events = []session.Routed{}
	}
	return events, nil
}

func (k *KrakenSpot) parseOrder(id string, o krakenSpotOrder, now float64) (model.OrderUpdate, error) {
	if err := k.validate.Struct(&o); err != nil {
		return model.OrderUpdate{}, fmt.Errorf("validate Kraken spot order: %w", err)
	}

	update := model.OrderUpdate{
		Timestamp:    now,
		OrderID:      id,
		Status:       krakenSpotStatus(o.Status),
		OrderType:    model.Limit,
		BidPrice:     model.NA(),
		BidSize:      model.NA(),
		AskPrice:     model.NA(),
		AskSize:      model.NA(),
		Price:        model.NA(),
		AvgFillPrice: model.NA(),
	}
	if o.UserRef != nil {
		update.ClientID = fmt.Sprint(*o.UserRef)
	}

	nums, err := parseFloatsOrNA(o.Vol, o.VolExec, o.AvgPrice)
	if err != nil {
		return model.OrderUpdate{}, fmt.Errorf("parse Kraken spot order %s: %w", id, err)
	}
	update.Size, update.FilledSize, update.AvgFillPrice = nums[0], nums[1], nums[2]
	update.RemainingSize = model.NA()
	if !model.IsNA(update.Size) && !model.IsNA(update.FilledSize) {
		update.RemainingSize = update.Size - update.FilledSize
	}

	if o.OpenTm != "" {
		ts, err := utils.ParseTimestampString(o.OpenTm)
		if err != nil {
			return model.OrderUpdate{}, err
		}
		update.CreatedAt = &ts
	}

	if d := o.Descr; d != nil {
		if inst, ok := model.InstrumentByID(model.KrakenSpotExchange, d.Pair); ok {
			update.Instrument = inst
		}
		if d.Type != "" {
			side, err := parseSide(d.Type)
			if err != nil {
				return model.OrderUpdate{}, err
			}
			update.Side = side
		}
		update.OrderType = parseOrderType(d.OrderType)
		price, err := parseFloatOrNA(d.Price)
		if err != nil {
			return model.OrderUpdate{}, fmt.Errorf("parse Kraken spot order %s price: %w", id, err)
		}
		// Kraken reports market orders with a zero limit price.
		if price == 0 && update.OrderType == model.Market {
			price = model.NA()
		}
		update.Price = price
	}

	return update, nil
}

// krakenSpotStatus maps Kraken spot order statuses. Canceled and expired orders
// become ERROR like every status outside the taxonomy.
func krakenSpotStatus(s string) model.OrderStatus {
	switch s {
	case "pending":
		return model.StatusCreated
	case "open", "":
		return model.StatusOpen
	case "closed":
		return model.StatusClosed
	default:
		return model.StatusError
	}
}
