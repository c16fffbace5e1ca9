// Package route holds the routing policy: an ordered rule list mapping
// destinations to direct, proxied or blocked handling.
//
// A Table is immutable once built and safe for concurrent lookups without
// locking.
package route
