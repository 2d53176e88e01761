package connection

import (
	"github.com/shopspring/decimal"

	"github.com/rickgao/marketfeed/pkg/model"
)

// Event names a logical event and fixes its payload type.
type Event[T any] struct {
	name string
}

// Name returns the logical event name.
func (e Event[T]) Name() string {
	return e.name
}

// Lifecycle events.
var (
	EventConnected     = Event[ConnectedEvent]{"connected"}
	EventDisconnected  = Event[DisconnectedEvent]{"disconnected"}
	EventReconnecting  = Event[ReconnectingEvent]{"reconnecting"}
	EventError         = Event[ErrorEvent]{"error"}
	EventAuthenticated = Event[AuthenticatedEvent]{"authenticated"}
	EventStateChange   = Event[State]{"stateChange"}
)

// Market events.
var (
	EventPrices    = Event[[]model.PriceData]{"prices"}
	EventPrice     = Event[model.PriceData]{"price"}
	EventOrderBook = Event[model.OrderBook]{"orderbook"}
	EventTrades    = Event[model.TradesUpdate]{"trades"}
	EventCandles   = Event[model.CandleSnapshot]{"candles"}
	EventCandle    = Event[model.Candle]{"candle"}
)

// Account events. The server only sends these after Authenticate.
var (
	EventPositions      = Event[[]model.Position]{"positions"}
	EventPosition       = Event[model.Position]{"position"}
	EventPositionClosed = Event[model.PositionClosed]{"positionClosed"}
	EventOpenOrders     = Event[[]model.OpenOrder]{"openOrders"}
	EventOpenOrder      = Event[model.OpenOrder]{"openOrder"}
	EventOrderRemoved   = Event[model.OrderRemoved]{"orderRemoved"}
	EventOrderHistory   = Event[[]model.OrderHistory]{"orderHistory"}
	EventOrderFill      = Event[model.OrderHistory]{"orderFill"}
	EventFundings       = Event[[]model.UserFunding]{"fundings"}
	EventFunding        = Event[model.UserFunding]{"funding"}
	EventBalance        = Event[decimal.Decimal]{"balance"}
)

// Room control events.
var (
	EventSubscribed   = Event[model.Subscribed]{"subscribed"}
	EventUnsubscribed = Event[model.Unsubscribed]{"unsubscribed"}
)

// Listener identifies a registered handler. Pass it to Manager.Off.
type Listener struct {
	event string
	id    uint64
}

// Event returns the name of the event the handler is registered for.
func (l Listener) Event() string {
	return l.event
}

// On registers fn for ev. Handlers run synchronously, in registration
// order, on the goroutine that delivers the event. A panicking handler is
// recovered and logged; the remaining handlers still run.
//
// Server events are delivered on the connection's read goroutine. A
// handler that blocks there stalls every later frame, including pings,
// and a long enough stall trips the heartbeat watchdog; hand slow work to
// another goroutine. For the same reason such handlers must not wait on
// Authenticate or GetBalance, whose replies arrive on that goroutine.
// EventConnected handlers run on the connecting goroutine while the read
// goroutine is already serving replies, so they may make requests; server
// events that arrive meanwhile are delivered after them.
func On[T any](m *Manager, ev Event[T], fn func(T)) Listener {
	return m.registry.add(ev.name, func(payload any) {
		fn(payload.(T))
	})
}

// emit delivers payload to the handlers of ev.
func emit[T any](m *Manager, ev Event[T], payload T) {
	m.registry.emit(ev.name, payload)
}
