package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"

	"github.com/rickgao/marketfeed/internal/wire"
	"github.com/rickgao/marketfeed/pkg/model"
)

// Outbound request names.
const (
	reqSubscribePrice     = "subscribe:price"
	reqGetPrices          = "get:prices"
	reqSubscribeOrderBook = "subscribe:orderbook"
	reqSubscribeTrades    = "subscribe:trades"
	reqSubscribeCandle    = "subscribe:candle"
	reqUnsubscribe        = "unsubscribe"
	reqAuthenticate       = "authenticate"
	reqGetUserBalance     = "get:userBalance"
)

type authWait struct {
	wallet string
	done   chan authResult
}

type authResult struct {
	err error
}

// SubscribePrices joins the price room for asset, or for every asset when
// asset is empty.
func (m *Manager) SubscribePrices(asset string) error {
	return m.emitRequest(reqSubscribePrice, priceSubscription{Asset: asset})
}

// GetPrices asks for a one-off prices snapshot, delivered as EventPrices.
func (m *Manager) GetPrices(assets ...string) error {
	if assets == nil {
		assets = []string{}
	}
	return m.emitRequest(reqGetPrices, pricesRequest{Assets: assets})
}

// SubscribeOrderBook joins the order book room for asset.
func (m *Manager) SubscribeOrderBook(asset string) error {
	return m.emitRequest(reqSubscribeOrderBook, assetSubscription{Asset: asset})
}

// SubscribeTrades joins the trades room for asset.
func (m *Manager) SubscribeTrades(asset string) error {
	return m.emitRequest(reqSubscribeTrades, assetSubscription{Asset: asset})
}

// SubscribeCandles joins the candle room for coin at interval, e.g. "1m".
func (m *Manager) SubscribeCandles(coin, interval string) error {
	return m.emitRequest(reqSubscribeCandle, candleSubscription{Coin: coin, Interval: interval})
}

// Unsubscribe leaves room.
func (m *Manager) Unsubscribe(room string) error {
	return m.emitRequest(reqUnsubscribe, unsubscribeRequest{Room: room})
}

// Authenticate binds wallet to the current connection. It fails with
// ErrNotConnected unless connected, ErrAuthInProgress while another call
// is outstanding, an *AuthError when the server refuses, and
// ErrAuthTimeout when no answer arrives within Config.AuthTimeout. Only
// success changes AuthenticatedWallet.
func (m *Manager) Authenticate(ctx context.Context, wallet string) error {
	m.mu.Lock()
	if m.state != StateConnected || m.sess == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.auth != nil {
		m.mu.Unlock()
		return ErrAuthInProgress
	}
	wait := &authWait{wallet: wallet, done: make(chan authResult, 1)}
	m.auth = wait
	sess := m.sess
	m.mu.Unlock()

	if err := m.send(sess, reqAuthenticate, wire.NoAck, authRequest{Wallet: wallet}); err != nil {
		if m.abandonAuth(wait) {
			return err
		}
		return (<-wait.done).err
	}

	timer := time.NewTimer(m.cfg.AuthTimeout)
	defer timer.Stop()

	select {
	case res := <-wait.done:
		return res.err
	case <-timer.C:
		if m.abandonAuth(wait) {
			m.logger.Warn("authentication timed out", "wallet", wallet, "timeout", m.cfg.AuthTimeout)
			return ErrAuthTimeout
		}
	case <-ctx.Done():
		if m.abandonAuth(wait) {
			return ctx.Err()
		}
	}

	// A response won the race with the timeout.
	return (<-wait.done).err
}

// abandonAuth withdraws wait. It reports false when a result has already
// been claimed for it.
func (m *Manager) abandonAuth(wait *authWait) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.auth != wait {
		return false
	}
	m.auth = nil
	return true
}

// resolveAuth completes the outstanding Authenticate call. err is nil on
// success.
func (m *Manager) resolveAuth(sess *session, wallet string, err error) {
	m.mu.Lock()
	wait := m.auth
	if wait == nil || m.sess != sess {
		m.mu.Unlock()
		m.logger.Debug("authentication response without a pending request")
		return
	}
	m.auth = nil
	if err == nil {
		if wallet == "" {
			wallet = wait.wallet
		}
		m.wallet = optional.Some(wallet)
	}
	m.mu.Unlock()

	wait.done <- authResult{err: err}

	if err != nil {
		m.logger.Warn("authentication rejected", "wallet", wait.wallet, "error", err)
		return
	}
	m.logger.Info("authenticated", "wallet", wallet)
	emit(m, EventAuthenticated, AuthenticatedEvent{Wallet: wallet})
}

// GetBalance returns the authenticated wallet's balance. It fails with
// ErrNotConnected unless connected and ErrNotAuthenticated unless
// Authenticate succeeded on this connection.
func (m *Manager) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	if m.state != StateConnected || m.sess == nil {
		m.mu.Unlock()
		return decimal.Zero, ErrNotConnected
	}
	if m.wallet.IsNone() {
		m.mu.Unlock()
		return decimal.Zero, ErrNotAuthenticated
	}
	sess := m.sess
	m.mu.Unlock()

	args, err := m.request(ctx, sess, reqGetUserBalance)
	if err != nil {
		return decimal.Zero, err
	}
	if len(args) == 0 {
		return decimal.Zero, fmt.Errorf("%w: empty balance", ErrBadResponse)
	}
	return parseBalance(args[0])
}

// parseBalance accepts a bare number or a {"balance": ...} object.
func parseBalance(raw json.RawMessage) (decimal.Decimal, error) {
	var bal decimal.Decimal
	if err := json.Unmarshal(raw, &bal); err == nil {
		return bal, nil
	}

	var u model.BalanceUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return decimal.Zero, fmt.Errorf("%w: balance: %v", ErrBadResponse, err)
	}
	return u.Balance, nil
}

// request sends a callback-style event and waits for the server's ack.
func (m *Manager) request(ctx context.Context, sess *session, name string, args ...any) ([]json.RawMessage, error) {
	id, ch := sess.register()
	defer sess.unregister(id)

	if err := m.send(sess, name, id, args...); err != nil {
		return nil, err
	}

	timer := time.NewTimer(m.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return res, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// emitRequest sends a fire-and-forget request on the live connection.
func (m *Manager) emitRequest(name string, payload any) error {
	m.mu.Lock()
	if m.state != StateConnected || m.sess == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	sess := m.sess
	m.mu.Unlock()

	return m.send(sess, name, wire.NoAck, payload)
}

func (m *Manager) send(sess *session, name string, ackID int64, args ...any) error {
	frame, err := wire.EncodeEvent(name, ackID, args...)
	if err != nil {
		return err
	}
	if m.cfg.Debug {
		m.logger.Debug("frame sent", "frame", string(frame))
	}
	if err := sess.send(frame); err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}
	return nil
}
