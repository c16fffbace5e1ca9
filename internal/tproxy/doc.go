// Package tproxy implements transparent proxy listeners for Linux, FreeBSD,
// and OpenBSD. Accepted connections are relayed to their original
// destination through the routing dialer.
//
// On Linux, it listens with IP_TRANSPARENT and recovers the original
// destination via SO_ORIGINAL_DST for REDIRECT rules, or from the local
// address for TPROXY rules.
//
// On FreeBSD, it listens with IP_BINDANY (protocol-level) and retrieves the
// original destination from the socket's local address (which IPFW fwd and
// PF rdr-to preserve).
//
// On OpenBSD, it listens with SO_BINDANY (socket-level) and retrieves the
// original destination from the socket's local address (which PF rdr-to
// preserves).
//
// On other platforms, the listener and original-destination lookup are stubbed
// out and return errors.
package tproxy
