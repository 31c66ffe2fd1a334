package session

import (
	"time"

	"tradecore/internal/model"
)

// MessageKind classifies one inbound wire message.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindSubscription
	KindAuth
	KindHeartbeat
	KindInfo
	KindError
	KindFeed
	KindReconnect
)

func (k MessageKind) String() string {
	switch k {
	case KindSubscription:
		return "subscription"
	case KindAuth:
		return "auth"
	case KindHeartbeat:
		return "heartbeat"
	case KindInfo:
		return "info"
	case KindError:
		return "error"
	case KindFeed:
		return "feed"
	case KindReconnect:
		return "reconnect"
	default:
		return "unknown"
	}
}

// Routed is a canonical event paired with the subscription key it is delivered under.
type Routed struct {
	Key   string
	Event model.Event
}

// Inbound is the classified form of one wire message.
type Inbound struct {
	Kind MessageKind

	// Events holds the canonical events of a feed message in wire order.
	Events []Routed

	// Challenge carries the payload of an auth reply for Dialect.CompleteAuth.
	Challenge string

	// Raw is the original payload, kept for logging.
	Raw []byte
}

// Ticks returns the tick payloads of the message's events, in order.
func (in Inbound) Ticks() []model.Tick {
	var ticks []model.Tick
	for _, r := range in.Events {
		if r.Event.Kind == model.EventTick && r.Event.Tick != nil {
			ticks = append(ticks, *r.Event.Tick)
		}
	}
	return ticks
}

// Channels names the exchange-native channels behind the session's public operations.
type Channels struct {
	Trades string
	Quotes string
	Orders string
	Fills  string // empty when the exchange has no fills feed
}

// Keepalive describes the application-level heartbeat of a dialect.
type Keepalive struct {
	// Interval between Message sends. Zero disables the keepalive loop.
	Interval time.Duration

	// Message is sent every Interval.
	Message []byte

	// OnConnect is sent once after every successful connect.
	OnConnect [][]byte
}

// Dialect specializes a Session for one exchange's wire protocol.
//
// Parse is called from the receive goroutine only. Command builders may be called
// from any goroutine, so dialects holding auth state must guard it.
type Dialect interface {
	// Name identifies the session as event publisher and in logs.
	Name() string
	Endpoint() string
	ReconnectInterval() time.Duration
	Keepalive() Keepalive
	Channels() Channels

	// IsPrivate reports whether channel requires authentication.
	IsPrivate(channel string) bool

	SubscribeCommand(channel string, inst *model.Instrument) ([]byte, error)
	UnsubscribeCommand(channel string, inst *model.Instrument) ([]byte, error)

	// AuthRequest returns the message that starts authentication and whether the
	// exchange answers it with a KindAuth message. A nil message with a nil error
	// means the dialect authenticates without a wire exchange.
	AuthRequest() (msg []byte, awaitReply bool, err error)

	// CompleteAuth consumes a KindAuth reply.
	CompleteAuth(in Inbound) error

	// ResetAuth drops any authentication state tied to the previous connection.
	ResetAuth()

	Parse(raw []byte) (Inbound, error)
}
