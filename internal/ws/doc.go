// Package ws is the WebSocket transport adapter over the broadcaster: it
// turns an upgraded connection into a subscription whose sink writes JSON
// envelopes, and into an unsubscribe on disconnect. The core has no
// knowledge of the framing here.
package ws
