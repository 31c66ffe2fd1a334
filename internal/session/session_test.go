package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tradecore/internal/model"
	"tradecore/internal/subscription"
	"tradecore/internal/utils"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExchange is a minimal exchange endpoint speaking the fakeDialect protocol.
type fakeExchange struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	writeMu     sync.Mutex
	conns       []*websocket.Conn
	received    []string
	connects    int
	challengeOK bool
}

func newFakeExchange(t *testing.T) *fakeExchange {
	fx := &fakeExchange{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	fx.server = httptest.NewServer(http.HandlerFunc(fx.handle))
	t.Cleanup(fx.close)
	return fx
}

func (fx *fakeExchange) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fx.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fx.mu.Lock()
	fx.conns = append(fx.conns, conn)
	fx.connects++
	fx.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		fx.mu.Lock()
		fx.received = append(fx.received, string(data))
		answer := fx.challengeOK && strings.Contains(string(data), `"op":"challenge"`)
		fx.mu.Unlock()

		if answer {
			fx.write(conn, `{"type":"challenge","message":"c0ffee"}`)
		}
	}
}

func (fx *fakeExchange) write(conn *websocket.Conn, msg string) {
	fx.writeMu.Lock()
	defer fx.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (fx *fakeExchange) push(msg string) {
	fx.mu.Lock()
	conns := append([]*websocket.Conn(nil), fx.conns...)
	fx.mu.Unlock()
	for _, conn := range conns {
		fx.write(conn, msg)
	}
}

func (fx *fakeExchange) drop() {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	for _, conn := range fx.conns {
		_ = conn.Close()
	}
	fx.conns = nil
}

func (fx *fakeExchange) close() {
	fx.drop()
	fx.server.Close()
}

func (fx *fakeExchange) url() string {
	return "ws" + strings.TrimPrefix(fx.server.URL, "http")
}

func (fx *fakeExchange) messages() []string {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]string(nil), fx.received...)
}

func (fx *fakeExchange) count(substr string) int {
	n := 0
	for _, m := range fx.messages() {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

func (fx *fakeExchange) connectCount() int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.connects
}

func (fx *fakeExchange) liveConns() int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return len(fx.conns)
}

// fakeDialect speaks a small FTX-like JSON protocol.
type fakeDialect struct {
	endpoint  string
	keepalive Keepalive
	needsAuth bool

	mu        sync.Mutex
	challenge string
}

type fakeCommand struct {
	Op      string `json:"op"`
	Channel string `json:"channel,omitempty"`
	Market  string `json:"market,omitempty"`
}

type fakeMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Market  string `json:"market"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Data    []struct {
		Price float64 `json:"price"`
		Size  float64 `json:"size"`
		Time  string  `json:"time"`
	} `json:"data"`
}

func (d *fakeDialect) Name() string                     { return "fake" }
func (d *fakeDialect) Endpoint() string                 { return d.endpoint }
func (d *fakeDialect) ReconnectInterval() time.Duration { return 10 * time.Millisecond }
func (d *fakeDialect) Keepalive() Keepalive             { return d.keepalive }
func (d *fakeDialect) IsPrivate(channel string) bool    { return channel == "orders" }

func (d *fakeDialect) Channels() Channels {
	return Channels{Trades: "trades", Quotes: "ticker", Orders: "orders"}
}

func (d *fakeDialect) SubscribeCommand(channel string, inst *model.Instrument) ([]byte, error) {
	return d.command("subscribe", channel, inst)
}

func (d *fakeDialect) UnsubscribeCommand(channel string, inst *model.Instrument) ([]byte, error) {
	return d.command("unsubscribe", channel, inst)
}

func (d *fakeDialect) command(op, channel string, inst *model.Instrument) ([]byte, error) {
	cmd := fakeCommand{Op: op, Channel: channel}
	if inst != nil {
		cmd.Market = inst.InstrumentID
	}
	return json.Marshal(cmd)
}

func (d *fakeDialect) AuthRequest() ([]byte, bool, error) {
	msg, err := json.Marshal(fakeCommand{Op: "challenge"})
	return msg, d.needsAuth, err
}

func (d *fakeDialect) CompleteAuth(in Inbound) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if in.Challenge == "" {
		return errors.New("empty challenge")
	}
	d.challenge = in.Challenge
	return nil
}

func (d *fakeDialect) ResetAuth() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.challenge = ""
}

func (d *fakeDialect) Parse(raw []byte) (Inbound, error) {
	var msg fakeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Inbound{}, err
	}

	switch msg.Type {
	case "subscribed", "unsubscribed":
		return Inbound{Kind: KindSubscription, Raw: raw}, nil
	case "challenge":
		return Inbound{Kind: KindAuth, Challenge: msg.Message, Raw: raw}, nil
	case "pong":
		return Inbound{Kind: KindHeartbeat, Raw: raw}, nil
	case "info":
		if msg.Code == 20001 {
			return Inbound{Kind: KindReconnect, Raw: raw}, nil
		}
		return Inbound{Kind: KindInfo, Raw: raw}, nil
	case "error":
		return Inbound{Kind: KindError, Raw: raw}, nil
	case "update":
	default:
		return Inbound{Kind: KindUnknown, Raw: raw}, nil
	}

	inst, ok := model.InstrumentByID(model.FTXExchange, msg.Market)
	if !ok {
		return Inbound{}, errors.New("unknown market " + msg.Market)
	}

	in := Inbound{Kind: KindFeed, Raw: raw}
	key := subscription.Key(msg.Channel, msg.Market, "")
	for _, row := range msg.Data {
		ts, err := utils.ParseTimestampString(row.Time)
		if err != nil {
			return Inbound{}, err
		}
		tick := model.Tick{Timestamp: ts, Instrument: inst, Price: row.Price, Size: row.Size, Side: model.Buy}
		in.Events = append(in.Events, Routed{Key: key, Event: model.NewTickEvent(tick, d.Name())})
	}
	return in, nil
}

// recorder collects events in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) HandleEvent(event model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) snapshot() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

type panickingConsumer struct{}

func (panickingConsumer) HandleEvent(model.Event) { panic("consumer bug") }

const twoTradesAcrossMinute = `{"type":"update","channel":"trades","market":"BTC-PERP","data":[
	{"price":31708.0,"size":0.0786,"time":"2021-07-21T20:49:12.908392+00:00"},
	{"price":31710.0,"size":0.0536,"time":"2021-07-21T20:50:12.908392+00:00"}]}`

func btcPerp(t *testing.T) model.Instrument {
	inst, ok := model.InstrumentByID(model.FTXExchange, "BTC-PERP")
	require.True(t, ok)
	return inst
}

func startSession(t *testing.T, d *fakeDialect, cfg Config) *Session {
	t.Helper()
	cfg.Dialect = d
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = time.Second
	}
	s, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		s.Close()
		<-done
	})

	require.Eventually(t, func() bool { return s.State() == Running }, 2*time.Second, 5*time.Millisecond)
	return s
}

func TestNew_RequiresDialect(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, errors.Is(err, ErrNilDialect))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "reconnecting", Reconnecting.String())
	assert.Equal(t, "closed", Closed.String())
}

func TestSession_SubscribeAndRouteTrades(t *testing.T) {
	fx := newFakeExchange(t)
	s := startSession(t, &fakeDialect{endpoint: fx.url()}, Config{})
	ctx := context.Background()
	rec := &recorder{}

	require.NoError(t, s.SubscribeTrades(ctx, btcPerp(t), rec))
	require.NoError(t, s.SubscribeTrades(ctx, btcPerp(t), rec))
	require.Eventually(t, func() bool { return fx.count(`"op":"subscribe"`) == 1 }, time.Second, 5*time.Millisecond)

	fx.push(twoTradesAcrossMinute)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	events := rec.snapshot()
	assert.Equal(t, model.EventTick, events[0].Kind)
	assert.Equal(t, "fake", events[0].Publisher)
	assert.Equal(t, 31708.0, events[0].Tick.Price)
	assert.Equal(t, 31710.0, events[1].Tick.Price)
}

func TestSession_BarsFollowTicks(t *testing.T) {
	fx := newFakeExchange(t)
	s := startSession(t, &fakeDialect{endpoint: fx.url()}, Config{})
	ctx := context.Background()
	rec := &recorder{}
	inst := btcPerp(t)

	require.NoError(t, s.SubscribeTrades(ctx, inst, rec))
	require.NoError(t, s.SubscribeBars(ctx, inst, "1m", rec))
	require.Eventually(t, func() bool { return fx.count(`"op":"subscribe"`) == 1 }, time.Second, 5*time.Millisecond,
		"Bars reuse the trade feed")

	fx.push(twoTradesAcrossMinute)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 4 }, time.Second, 5*time.Millisecond)
	events := rec.snapshot()
	assert.Equal(t, model.EventTick, events[0].Kind)
	assert.Equal(t, model.EventTick, events[1].Kind)

	require.Equal(t, model.EventBar, events[2].Kind)
	assert.True(t, events[2].Bar.Complete)
	assert.Equal(t, 1626900540.0, *events[2].Bar.Timestamp)

	require.Equal(t, model.EventBar, events[3].Kind)
	assert.False(t, events[3].Bar.Complete)
	assert.Equal(t, 1626900600.0, *events[3].Bar.Timestamp)
}

func TestSession_UnsubscribeBars(t *testing.T) {
	fx := newFakeExchange(t)
	s := startSession(t, &fakeDialect{endpoint: fx.url()}, Config{})
	ctx := context.Background()
	inst := btcPerp(t)
	a, b := &recorder{}, &recorder{}

	require.NoError(t, s.SubscribeBars(ctx, inst, "1m", a))
	require.NoError(t, s.SubscribeBars(ctx, inst, "5m", b))

	require.NoError(t, s.UnsubscribeBars(ctx, inst, "1m", a))
	assert.True(t, s.Registry().IsActive("trades.BTC-PERP"), "The 5m bar still needs trades")

	require.NoError(t, s.UnsubscribeBars(ctx, inst, "5m", b))
	assert.False(t, s.Registry().IsActive("trades.BTC-PERP"))
	require.Eventually(t, func() bool { return fx.count(`"op":"unsubscribe"`) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSession_UnsubscribeBarsKeepsTradeConsumers(t *testing.T) {
	fx := newFakeExchange(t)
	s := startSession(t, &fakeDialect{endpoint: fx.url()}, Config{})
	ctx := context.Background()
	inst := btcPerp(t)
	rec := &recorder{}

	require.NoError(t, s.SubscribeTrades(ctx, inst, rec))
	require.NoError(t, s.SubscribeBars(ctx, inst, "1m", rec))
	require.NoError(t, s.UnsubscribeBars(ctx, inst, "1m", rec))

	assert.True(t, s.Registry().IsActive("trades.BTC-PERP"))
	assert.Zero(t, fx.count(`"op":"unsubscribe"`))
}

func TestSession_ReconnectReplaysSubscriptions(t *testing.T) {
	fx := newFakeExchange(t)
	s := startSession(t, &fakeDialect{endpoint: fx.url()}, Config{})
	ctx := context.Background()
	rec := &recorder{}

	require.NoError(t, s.SubscribeTrades(ctx, btcPerp(t), rec))
	require.Eventually(t, func() bool { return fx.count(`"op":"subscribe"`) == 1 }, time.Second, 5*time.Millisecond)

	fx.drop()

	require.Eventually(t, func() bool { return fx.count(`"op":"subscribe"`) == 2 }, 2*time.Second, 5*time.Millisecond,
		"Active subscriptions are replayed after reconnect")
	assert.Equal(t, 2, fx.connectCount())
	require.Eventually(t, func() bool { return s.State() == Running }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return fx.liveConns() == 1 }, time.Second, 5*time.Millisecond)
	fx.push(twoTradesAcrossMinute)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond,
		"Consumers survive the reconnect")
}

func TestSession_ServerRequestedReconnect(t *testing.T) {
	fx := newFakeExchange(t)
	s := startSession(t, &fakeDialect{endpoint: fx.url()}, Config{})

	require.NoError(t, s.SubscribeTrades(context.Background(), btcPerp(t), &recorder{}))
	require.Eventually(t, func() bool { return fx.count(`"op":"subscribe"`) == 1 }, time.Second, 5*time.Millisecond)

	fx.push(`{"type":"info","code":20001}`)

	require.Eventually(t, func() bool { return fx.connectCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return fx.count(`"op":"subscribe"`) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_LazyAuthentication(t *testing.T) {
	fx := newFakeExchange(t)
	fx.challengeOK = true
	d := &fakeDialect{endpoint: fx.url(), needsAuth: true}
	s := startSession(t, d, Config{})
	ctx := context.Background()

	require.NoError(t, s.SubscribeTrades(ctx, btcPerp(t), &recorder{}))
	assert.False(t, s.Authenticated(), "Public channels never authenticate")

	require.NoError(t, s.SubscribeOrders(ctx, &recorder{}))
	assert.True(t, s.Authenticated())

	require.Eventually(t, func() bool { return len(fx.messages()) == 3 }, time.Second, 5*time.Millisecond)
	msgs := fx.messages()
	assert.Contains(t, msgs[1], `"op":"challenge"`)
	assert.Contains(t, msgs[2], `"channel":"orders"`, "The private subscribe follows authentication")

	require.NoError(t, s.SubscribeOrders(ctx, &recorder{}))
	assert.Equal(t, 1, fx.count(`"op":"challenge"`), "An authenticated session does not authenticate again")
}

func TestSession_AuthTimeoutStillSubscribes(t *testing.T) {
	fx := newFakeExchange(t)
	d := &fakeDialect{endpoint: fx.url(), needsAuth: true}
	s := startSession(t, d, Config{AuthTimeout: 50 * time.Millisecond})

	require.NoError(t, s.SubscribeOrders(context.Background(), &recorder{}))

	assert.False(t, s.Authenticated())
	assert.True(t, s.Registry().IsActive("orders"))
	require.Eventually(t, func() bool { return fx.count(`"channel":"orders"`) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSession_ReconnectResetsAuthentication(t *testing.T) {
	fx := newFakeExchange(t)
	fx.challengeOK = true
	d := &fakeDialect{endpoint: fx.url(), needsAuth: true}
	s := startSession(t, d, Config{})

	require.NoError(t, s.SubscribeOrders(context.Background(), &recorder{}))
	require.True(t, s.Authenticated())

	fx.drop()

	require.Eventually(t, func() bool { return fx.count(`"op":"challenge"`) == 2 }, 2*time.Second, 5*time.Millisecond,
		"Private subscriptions re-authenticate before replay")
	require.Eventually(t, func() bool { return fx.count(`"channel":"orders"`) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.Authenticated())
}

func TestSession_Keepalive(t *testing.T) {
	fx := newFakeExchange(t)
	d := &fakeDialect{
		endpoint: fx.url(),
		keepalive: Keepalive{
			Interval:  20 * time.Millisecond,
			Message:   []byte(`{"op":"ping"}`),
			OnConnect: [][]byte{[]byte(`{"op":"subscribe","channel":"heartbeat"}`)},
		},
	}
	startSession(t, d, Config{})

	require.Eventually(t, func() bool { return fx.count(`"op":"ping"`) >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, fx.count(`"channel":"heartbeat"`))
}

func TestSession_RecoversFromConsumerPanic(t *testing.T) {
	fx := newFakeExchange(t)
	s := startSession(t, &fakeDialect{endpoint: fx.url()}, Config{})
	ctx := context.Background()
	inst := btcPerp(t)
	rec := &recorder{}

	require.NoError(t, s.SubscribeTrades(ctx, inst, panickingConsumer{}))
	require.NoError(t, s.SubscribeQuotes(ctx, inst, rec))
	require.Eventually(t, func() bool { return fx.count(`"op":"subscribe"`) == 2 }, time.Second, 5*time.Millisecond)

	fx.push(twoTradesAcrossMinute)
	fx.push(`{"type":"error"}`)
	fx.push(`not json`)
	fx.push(`{"type":"update","channel":"ticker","market":"BTC-PERP","data":[{"price":1,"size":1,"time":"1626900552"}]}`)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond,
		"The receive loop keeps running after a panic")
	assert.Equal(t, Running, s.State())
}

func TestSession_Close(t *testing.T) {
	fx := newFakeExchange(t)
	s, err := New(Config{Dialect: &fakeDialect{endpoint: fx.url()}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()
	require.Eventually(t, func() bool { return s.State() == Running }, 2*time.Second, 5*time.Millisecond)

	s.Close()
	s.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Close")
	}
	assert.Equal(t, Closed, s.State())
	assert.True(t, errors.Is(s.SubscribeTrades(context.Background(), btcPerp(t), &recorder{}), ErrClosed))
	assert.True(t, errors.Is(s.Start(context.Background()), ErrClosed))
}

func TestSession_ContextCancelStops(t *testing.T) {
	fx := newFakeExchange(t)
	s, err := New(Config{Dialect: &fakeDialect{endpoint: fx.url()}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Start(ctx)
	}()
	require.Eventually(t, func() bool { return s.State() == Running }, 2*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancel")
	}
	assert.Equal(t, Closed, s.State())
}

func TestSession_UnsupportedChannel(t *testing.T) {
	fx := newFakeExchange(t)
	s := startSession(t, &fakeDialect{endpoint: fx.url()}, Config{})

	err := s.SubscribeFills(context.Background(), &recorder{})
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestInbound_Ticks(t *testing.T) {
	inst := btcPerp(t)
	in := Inbound{Events: []Routed{
		{Key: "trades.BTC-PERP", Event: model.NewTickEvent(model.Tick{Instrument: inst, Price: 1}, "x")},
		{Key: "ticker.BTC-PERP", Event: model.NewQuoteEvent(model.Quote{Instrument: inst}, "x")},
		{Key: "trades.BTC-PERP", Event: model.NewTickEvent(model.Tick{Instrument: inst, Price: 2}, "x")},
	}}

	ticks := in.Ticks()
	require.Len(t, ticks, 2)
	assert.Equal(t, 1.0, ticks[0].Price)
	assert.Equal(t, 2.0, ticks[1].Price)
}
