package model

// EventKind discriminates the payload carried by an Event.
type EventKind string

const (
	EventTick          EventKind = "TICK"
	EventQuote         EventKind = "QUOTE"
	EventBar           EventKind = "BAR"
	EventFill          EventKind = "FILL"
	EventOrderUpdated  EventKind = "ORDER_UPDATED"
	EventTradeExecuted EventKind = "TRADE_EXECUTED"
)

// Event is a tagged union over the canonical payloads.
//
// Exactly one payload pointer is set and Kind names which one. Publisher identifies
// the session or engine that produced the event.
type Event struct {
	Kind        EventKind
	Publisher   string
	Tick        *Tick
	Quote       *Quote
	Bar         *Bar
	Fill        *Fill
	OrderUpdate *OrderUpdate
	Execution   *ExecutionReport
}

// ExecutionReport summarizes a finished trade for its completion callback.
type ExecutionReport struct {
	OrderID    string
	Instrument Instrument
	OrderType  OrderType
	Side       Side
	Size       float64
	Status     OrderStatus
	Updates    []OrderUpdate
}

// Consumer receives events for the subscription keys it registered for.
//
// HandleEvent runs on the session's receive goroutine and must return quickly.
// Consumers are compared by identity, so implementations should be pointer types.
type Consumer interface {
	HandleEvent(event Event)
}

func NewTickEvent(t Tick, publisher string) Event {
	return Event{Kind: EventTick, Publisher: publisher, Tick: &t}
}

func NewQuoteEvent(q Quote, publisher string) Event {
	return Event{Kind: EventQuote, Publisher: publisher, Quote: &q}
}

func NewBarEvent(b Bar, publisher string) Event {
	return Event{Kind: EventBar, Publisher: publisher, Bar: &b}
}

func NewFillEvent(f Fill, publisher string) Event {
	return Event{Kind: EventFill, Publisher: publisher, Fill: &f}
}

func NewOrderUpdateEvent(o OrderUpdate, publisher string) Event {
	return Event{Kind: EventOrderUpdated, Publisher: publisher, OrderUpdate: &o}
}

func NewTradeExecutedEvent(r ExecutionReport, publisher string) Event {
	return Event{Kind: EventTradeExecuted, Publisher: publisher, Execution: &r}
}
