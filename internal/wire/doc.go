// Package wire encodes and decodes the framing spoken on the market data
// WebSocket: Engine.IO v4 packets carrying Socket.IO v5 packets.
//
// Only the websocket transport is supported; there is no long-polling
// fallback and no binary attachment support.
//
// Frame layout:
//
//	<engine type>[<socket type>[/<namespace>,][<ack id>][<json>]]
//
// Examples:
//
//	0{"sid":"x","pingInterval":25000,"pingTimeout":20000}   engine open
//	2                                                        engine ping
//	40{"sid":"abc"}                                          socket connect ack
//	42["prices:update",[...]]                                socket event
//	4212["get:userBalance"]                                  event expecting ack 12
//	4312[1042.5]                                             ack 12
package wire
