package connection

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/rickgao/marketfeed/pkg/model"
)

// route maps one inbound server message onto a logical event.
type route struct {
	event  string
	decode func(json.RawMessage) (any, error)
}

// routeTo decodes the payload straight into the event's payload type.
func routeTo[T any](ev Event[T]) route {
	return route{
		event: ev.name,
		decode: func(raw json.RawMessage) (any, error) {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// routeVia decodes the payload as W and converts it to the event's type.
func routeVia[T, W any](ev Event[T], conv func(W) T) route {
	return route{
		event: ev.name,
		decode: func(raw json.RawMessage) (any, error) {
			var w W
			if err := json.Unmarshal(raw, &w); err != nil {
				return nil, err
			}
			return conv(w), nil
		},
	}
}

// inboundRoutes collapses snapshot/update pairs whose payloads share a
// shape. Removal notifications keep their own events.
var inboundRoutes = map[string]route{
	"prices:snapshot": routeTo(EventPrices),
	"prices:update":   routeTo(EventPrices),
	"price:snapshot":  routeTo(EventPrice),
	"price:update":    routeTo(EventPrice),

	"orderbook:snapshot": routeTo(EventOrderBook),
	"orderbook:update":   routeTo(EventOrderBook),

	"trades:snapshot": routeTo(EventTrades),
	"trades:update":   routeTo(EventTrades),

	"candle:snapshot": routeTo(EventCandles),
	"candle:update":   routeTo(EventCandle),

	"position:snapshot": routeTo(EventPositions),
	"position:update":   routeTo(EventPosition),
	"position:closed":   routeTo(EventPositionClosed),

	"openOrder:snapshot": routeTo(EventOpenOrders),
	"openOrder:update":   routeTo(EventOpenOrder),
	"openOrder:removed":  routeTo(EventOrderRemoved),

	"orderHistory:snapshot": routeTo(EventOrderHistory),
	"orderHistory:update":   routeTo(EventOrderFill),

	"funding:snapshot": routeTo(EventFundings),
	"funding:update":   routeTo(EventFunding),

	"balance:update": routeVia(EventBalance, func(u model.BalanceUpdate) decimal.Decimal {
		return u.Balance
	}),

	"subscribed":   routeTo(EventSubscribed),
	"unsubscribed": routeTo(EventUnsubscribed),
}

// Control messages handled by the manager itself.
const (
	msgAuthenticated = "authenticated"
	msgAuthError     = "auth:error"
	msgServerError   = "error"
)

// dispatch handles one inbound server event.
func (m *Manager) dispatch(sess *session, name string, args []json.RawMessage) {
	raw := firstArg(args)

	switch name {
	case msgAuthenticated:
		var resp authResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			m.parseFailed(name, err)
			return
		}
		m.resolveAuth(sess, resp.Wallet, nil)
		return

	case msgAuthError:
		var resp authResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			m.parseFailed(name, err)
			return
		}
		m.resolveAuth(sess, "", &AuthError{Message: resp.Message})
		return

	case msgServerError:
		var ev ErrorEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			m.parseFailed(name, err)
			return
		}
		m.logger.Warn("server error", "code", ev.Code, "message", ev.Message)
		emit(m, EventError, ev)
		return
	}

	r, ok := inboundRoutes[name]
	if !ok {
		m.unknown.Add(1)
		m.logger.Debug("unknown server event", "event", name)
		return
	}

	payload, err := r.decode(raw)
	if err != nil {
		m.parseFailed(name, err)
		return
	}
	m.registry.emit(r.event, payload)
}

func (m *Manager) parseFailed(name string, err error) {
	m.parseErrors.Add(1)
	m.logger.Warn("failed to decode server event",
		"event", name,
		"error", err,
	)
}

// firstArg returns the event payload, or JSON null when the server sent none.
func firstArg(args []json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("null")
	}
	return args[0]
}
