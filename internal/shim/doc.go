// Package shim provides drop-in replacements for the socket and name
// resolution calls of a program, operating on raw descriptors.
//
// Ops is the call surface. Native forwards every call to the operating
// system. Shim consults the routing table on connect, bind and the first
// datagram send, and for descriptors that route through a proxy it connects
// the program's own descriptor to the proxy and negotiates, so that afterwards
// the descriptor carries the relayed stream and ordinary reads and writes need
// no translation. Datagram sockets routed through a SOCKS5 proxy use UDP
// ASSOCIATE, with every datagram wrapped in the SOCKS5 UDP header.
//
// The package is Linux only.
package shim
