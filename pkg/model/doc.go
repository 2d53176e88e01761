// Package model defines the market data records relayed by the connection
// manager.
//
// The records are passive: they mirror the server payloads and carry no
// behavior. Conventions:
//   - Prices, sizes, rates and balances: decimal.Decimal, decoded from either
//     JSON numbers or numeric strings without float rounding
//   - Timestamps: int64 milliseconds since Unix epoch
//   - Assets: server symbols such as "BTC" or "ETH"
package model
