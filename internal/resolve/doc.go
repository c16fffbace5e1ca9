// Package resolve answers the name-lookup calls an intercepted program makes
// (gethostbyname, getaddrinfo and friends) according to the routing table.
//
// Names that route directly are resolved with the local resolver. Names that
// route through a proxy are either given a placeholder ("fake") address that
// is turned back into the hostname when the program connects, or resolved by
// sending DNS queries over TCP through the proxy, so that no query for them
// leaves the local host.
package resolve
