// Package socks implements the client side of SOCKS4, SOCKS4a, SOCKS5 and
// HTTP CONNECT negotiation used by socksify, plus the small set of server-side
// helpers needed by the gateway listener and tests.
//
// SOCKS5 framing is delegated to the low-level protocol types in
// github.com/txthinking/socks5; this package adds the negotiation state
// machine, SOCKS4/4a and HTTP CONNECT encoding, and a normalized error
// taxonomy so callers never need to look at protocol status codes.
//
// A Negotiator drives exactly one proxy connection. It never buffers past the
// end of a reply, so once Negotiate returns the connection carries the relayed
// byte stream unchanged.
package socks
