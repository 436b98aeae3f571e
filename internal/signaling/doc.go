// Package signaling exposes the relay router over WebSocket.
//
// Each accepted upgrade becomes one relay channel. The adapter in this package
// owns the transport concerns the router does not care about: keepalive
// pings, the idle timeout, read limits, write deadlines, the per-channel
// inbound rate limit and the browser Origin check.
package signaling
