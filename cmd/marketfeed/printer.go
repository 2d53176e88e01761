package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rickgao/marketfeed/internal/queue"
	"github.com/rickgao/marketfeed/pkg/connection"
	"github.com/rickgao/marketfeed/pkg/model"
)

// printer formats one line per event. Handlers run on the manager's
// goroutines; lines are queued and written by a single goroutine so a slow
// writer never stalls the read loop.
type printer struct {
	w     io.Writer
	p     *message.Printer
	json  bool
	lines *queue.Queue[[]byte]
	done  chan struct{}
}

func newPrinter(w io.Writer, asJSON bool) *printer {
	pr := &printer{
		w:     w,
		p:     message.NewPrinter(language.English),
		json:  asJSON,
		lines: queue.New[[]byte](256),
		done:  make(chan struct{}),
	}
	go pr.run()
	return pr
}

func (pr *printer) run() {
	defer close(pr.done)
	for {
		line, ok := pr.lines.Pop()
		if !ok {
			return
		}
		pr.w.Write(line)
	}
}

// close flushes queued lines and stops the writer.
func (pr *printer) close() {
	pr.lines.Close()
	<-pr.done
}

// line queues a tagged text line or a JSON record for event.
func (pr *printer) line(event string, payload any, text string) {
	if !pr.json {
		pr.lines.Push([]byte(fmt.Sprintf("[%s] %s\n", strings.ToUpper(event), text)))
		return
	}

	data, err := json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{event, payload})
	if err != nil {
		data = []byte(fmt.Sprintf(`{"event":%q,"error":%q}`, event, err.Error()))
	}
	pr.lines.Push(append(data, '\n'))
}

func show[T any](pr *printer, m *connection.Manager, ev connection.Event[T], format func(T) string) {
	connection.On(m, ev, func(v T) {
		pr.line(ev.Name(), v, format(v))
	})
}

// attach registers a handler for every event the manager emits.
func (pr *printer) attach(m *connection.Manager) {
	// Lifecycle
	show(pr, m, connection.EventStateChange, func(s connection.State) string {
		return "state=" + s.String()
	})
	show(pr, m, connection.EventConnected, func(e connection.ConnectedEvent) string {
		return fmt.Sprintf("client_id=%s at=%s", e.ClientID, e.Timestamp.Format("15:04:05.000"))
	})
	show(pr, m, connection.EventDisconnected, func(e connection.DisconnectedEvent) string {
		return "reason=" + e.Reason
	})
	show(pr, m, connection.EventReconnecting, func(e connection.ReconnectingEvent) string {
		return fmt.Sprintf("attempt=%d/%d", e.Attempt, e.MaxAttempts)
	})
	show(pr, m, connection.EventError, func(e connection.ErrorEvent) string {
		return fmt.Sprintf("code=%s message=%q", e.Code, e.Message)
	})
	show(pr, m, connection.EventAuthenticated, func(e connection.AuthenticatedEvent) string {
		return "wallet=" + e.Wallet
	})

	// Market
	show(pr, m, connection.EventPrices, func(ps []model.PriceData) string {
		assets := make([]string, len(ps))
		for i, p := range ps {
			assets[i] = p.Asset
		}
		return pr.p.Sprintf("count=%d assets=%s", len(ps), strings.Join(assets, ","))
	})
	show(pr, m, connection.EventPrice, formatPrice)
	show(pr, m, connection.EventOrderBook, func(b model.OrderBook) string {
		return fmt.Sprintf("asset=%s bid=%s ask=%s levels=%d/%d",
			b.Asset, bestPrice(b.Bids), bestPrice(b.Asks), len(b.Bids), len(b.Asks))
	})
	show(pr, m, connection.EventTrades, func(u model.TradesUpdate) string {
		return formatTrades(pr.p, u)
	})
	show(pr, m, connection.EventCandles, func(s model.CandleSnapshot) string {
		return fmt.Sprintf("coin=%s interval=%s count=%d", s.Coin, s.Interval, len(s.Candles))
	})
	show(pr, m, connection.EventCandle, func(c model.Candle) string {
		return fmt.Sprintf("coin=%s interval=%s o=%s h=%s l=%s c=%s v=%s",
			c.Coin, c.Interval, c.Open, c.High, c.Low, c.Close, c.Volume)
	})

	// Account
	show(pr, m, connection.EventPositions, func(ps []model.Position) string {
		return fmt.Sprintf("count=%d", len(ps))
	})
	show(pr, m, connection.EventPosition, func(p model.Position) string {
		return fmt.Sprintf("asset=%s side=%s size=%s entry=%s upnl=%s",
			p.Asset, p.Side, p.Size, p.EntryPrice, p.UnrealizedPnl)
	})
	show(pr, m, connection.EventPositionClosed, func(p model.PositionClosed) string {
		return "asset=" + p.Asset
	})
	show(pr, m, connection.EventOpenOrders, func(orders []model.OpenOrder) string {
		return fmt.Sprintf("count=%d", len(orders))
	})
	show(pr, m, connection.EventOpenOrder, func(o model.OpenOrder) string {
		return fmt.Sprintf("id=%s asset=%s side=%s type=%s price=%s size=%s",
			o.OrderID, o.Asset, o.Side, o.Type, o.Price, o.Size)
	})
	show(pr, m, connection.EventOrderRemoved, func(o model.OrderRemoved) string {
		return "id=" + o.OrderID.String()
	})
	show(pr, m, connection.EventOrderHistory, func(hs []model.OrderHistory) string {
		return fmt.Sprintf("count=%d", len(hs))
	})
	show(pr, m, connection.EventOrderFill, func(h model.OrderHistory) string {
		return fmt.Sprintf("id=%s asset=%s side=%s price=%s size=%s fee=%s",
			h.OrderID, h.Asset, h.Side, h.Price, h.Size, h.Fee)
	})
	show(pr, m, connection.EventFundings, func(fs []model.UserFunding) string {
		return fmt.Sprintf("count=%d", len(fs))
	})
	show(pr, m, connection.EventFunding, func(f model.UserFunding) string {
		return fmt.Sprintf("asset=%s rate=%s payment=%s", f.Asset, f.FundingRate, f.Payment)
	})
	show(pr, m, connection.EventBalance, func(b decimal.Decimal) string {
		return "balance=" + b.String()
	})

	// Room control
	show(pr, m, connection.EventSubscribed, func(s model.Subscribed) string {
		if s.Asset == "" {
			return "room=" + s.Type
		}
		return fmt.Sprintf("room=%s asset=%s", s.Type, s.Asset)
	})
	show(pr, m, connection.EventUnsubscribed, func(u model.Unsubscribed) string {
		return "room=" + u.Room
	})
}

// balance prints the result of a GetBalance request.
func (pr *printer) balance(b decimal.Decimal) {
	pr.line("balance", b, "balance="+b.String()+" (requested)")
}

// summary prints end-of-run counters.
func (pr *printer) summary(s connection.Stats) {
	pr.line("stats", s, pr.p.Sprintf(
		"state=%s messages=%d events=%d parse_errors=%d unknown=%d reconnects=%d",
		s.State, s.MessagesReceived, s.EventsEmitted, s.ParseErrors, s.UnknownMessages, s.ReconnectAttempts))
	if n := pr.lines.Stats().Grows; n > 0 {
		pr.line("stats", nil, pr.p.Sprintf("output queue grew %d times", n))
	}
}

func formatPrice(p model.PriceData) string {
	if p.MarkPrice.IsZero() {
		return fmt.Sprintf("asset=%s price=%s", p.Asset, p.Price)
	}
	return fmt.Sprintf("asset=%s price=%s mark=%s", p.Asset, p.Price, p.MarkPrice)
}

func formatTrades(p *message.Printer, u model.TradesUpdate) string {
	notional := decimal.Zero
	for _, t := range u.Trades {
		notional = notional.Add(t.Price.Mul(t.Size))
	}
	return p.Sprintf("asset=%s count=%d notional=%s", u.Asset, len(u.Trades), notional.StringFixed(2))
}

func bestPrice(levels []model.OrderBookLevel) string {
	if len(levels) == 0 {
		return "-"
	}
	return levels[0].Price.String()
}
