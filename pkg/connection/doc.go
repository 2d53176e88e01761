// Package connection implements the market-data Connection Manager.
//
// A Manager owns at most one live transport, drives the connection state
// machine (disconnected, connecting, connected, reconnecting, error),
// reconnects with geometric backoff, gates identity-scoped requests behind
// an authentication handshake, and fans normalized server messages out to
// typed event handlers:
//
//	m, err := connection.New(connection.DefaultConfig(), connection.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	connection.On(m, connection.EventPrices, func(prices []model.PriceData) {
//		...
//	})
//	if err := m.Connect(ctx); err != nil {
//		return err
//	}
//	defer m.Disconnect()
//	m.SubscribePrices("")
//
// Several Managers may coexist; they share no state.
package connection
