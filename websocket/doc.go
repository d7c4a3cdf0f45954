// Package websocket implements the core of RFC 6455: frame codec and
// message assembly, the post-handshake connection state machine, and the
// opening handshake on both the server (net/http upgrade) and client
// (dial) sides.
//
// It handles:
//   - Text and binary data frames, fragmented or not
//   - Control frames (close, ping, pong) and the close handshake
//   - Client-to-server masking with a CSPRNG mask key per frame
//   - Payload length encoding (7-bit, 16-bit, 64-bit)
//   - Server-side upgrade via net/http's Hijacker and client-side dial
//     over plain TCP or TLS
//
// Out of scope: permessage-deflate and other extension negotiation beyond
// recording the negotiated value verbatim, subprotocol semantics beyond
// simple matching, connection multiplexing, and message broadcast beyond
// the flat Registry in registry.go.
//
// RFC Reference: https://datatracker.ietf.org/doc/html/rfc6455
package websocket
