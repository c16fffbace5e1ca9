// Package proxy implements socksify's gateway listeners: an HTTP forward
// proxy (CONNECT and plain requests) and a SOCKS5 server. Both dial their
// destinations through a rule-routing dialer, so the same routing table
// that drives the socket shim decides where gateway traffic goes.
//
// It also holds the connection plumbing shared with the transparent proxy
// listener: keepalive listeners and bidirectional copy.
package proxy
