// Package dialer provides the outbound dialers used by socksify's gateway
// listeners and its resolver.
//
// Dialers implement a small interface (DialContext). A Router consults the
// routing table for every destination and dials it directly, through one of
// the configured proxies (SOCKS4, SOCKS4a, SOCKS5 or HTTP CONNECT), or refuses
// it.
package dialer
