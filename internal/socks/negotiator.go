package socks

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Protocol selects the proxy protocol a Negotiator speaks.
type Protocol int

const (
	ProtocolSOCKS5 Protocol = iota
	ProtocolSOCKS4
	ProtocolSOCKS4a
	ProtocolHTTPConnect
)

// ParseProtocol accepts the names used in configuration files and upstream
// URL schemes.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "socks5", "socks5h", "socks_v5", "":
		return ProtocolSOCKS5, nil
	case "socks4", "socks_v4":
		return ProtocolSOCKS4, nil
	case "socks4a":
		return ProtocolSOCKS4a, nil
	case "http", "https", "http_v1.0", "connect":
		return ProtocolHTTPConnect, nil
	default:
		return 0, fmt.Errorf("unknown proxy protocol %q", s)
	}
}

func (p Protocol) String() string {
	switch p {
	case ProtocolSOCKS5:
		return "socks5"
	case ProtocolSOCKS4:
		return "socks4"
	case ProtocolSOCKS4a:
		return "socks4a"
	case ProtocolHTTPConnect:
		return "http"
	default:
		return "unknown"
	}
}

// RemoteResolve reports whether the protocol can carry a hostname.
func (p Protocol) RemoteResolve() bool {
	return p != ProtocolSOCKS4
}

// Supports reports whether the protocol implements cmd.
func (p Protocol) Supports(cmd Command) bool {
	switch p {
	case ProtocolSOCKS5:
		return true
	case ProtocolSOCKS4, ProtocolSOCKS4a:
		return cmd == CmdConnect || cmd == CmdBind
	default:
		return cmd == CmdConnect
	}
}

// Auth configures optional credentials. For SOCKS5 and HTTP they are a
// username/password pair; SOCKS4 sends Username as the user id.
type Auth struct {
	Username string
	Password string
}

// Result is what a successful negotiation reports back.
type Result struct {
	// Bound is BND.ADDR/BND.PORT from the reply: the proxy-side address of
	// the connection, the listening address for BIND, or the UDP relay for
	// UDP ASSOCIATE.
	Bound Addr
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Negotiator runs the client handshake on one proxy connection.
type Negotiator struct {
	Protocol Protocol
	Auth     Auth

	// Timeout bounds the handshake if the connection supports deadlines.
	// Zero means the connection's own blocking behavior applies.
	Timeout time.Duration

	// OnState, if set, observes every state transition.
	OnState func(State)

	state State
}

// State returns the current negotiation state.
func (n *Negotiator) State() State {
	return n.state
}

func (n *Negotiator) enter(s State) {
	n.state = s
	if n.OnState != nil {
		n.OnState(s)
	}
}

// Negotiate performs the handshake for cmd toward target over rw, which must
// already be connected to the proxy. On failure the state machine moves to
// StateClosed and the error is a *StateError naming the failed state.
//
// Closing rw is left to the caller.
func (n *Negotiator) Negotiate(rw io.ReadWriter, cmd Command, target Addr) (*Result, error) {
	n.enter(StateInit)

	if n.Timeout > 0 {
		if d, ok := rw.(deadliner); ok {
			_ = d.SetDeadline(time.Now().Add(n.Timeout))
			defer func() { _ = d.SetDeadline(time.Time{}) }()
		}
	}

	var (
		res *Result
		err error
	)
	if !n.Protocol.Supports(cmd) {
		err = fmt.Errorf("%w: %s over %s", ErrCommandNotSupported, cmd, n.Protocol)
	} else {
		switch n.Protocol {
		case ProtocolSOCKS5:
			res, err = n.socks5(rw, cmd, target)
		case ProtocolSOCKS4, ProtocolSOCKS4a:
			res, err = n.socks4(rw, cmd, target)
		case ProtocolHTTPConnect:
			res, err = n.httpConnect(rw, target)
		default:
			err = fmt.Errorf("unknown proxy protocol %d", n.Protocol)
		}
	}
	if err != nil {
		return nil, n.fail(err)
	}

	n.enter(StateEstablished)
	return res, nil
}

// AwaitBind reads the second BIND reply, which the proxy sends once the
// remote peer has connected to the bound address. It returns the peer.
func (n *Negotiator) AwaitBind(r io.Reader) (Addr, error) {
	if n.state != StateEstablished {
		return Addr{}, fmt.Errorf("await bind in state %s", n.state)
	}

	var (
		peer Addr
		err  error
	)
	switch n.Protocol {
	case ProtocolSOCKS5:
		peer, err = readSOCKS5Reply(r)
	case ProtocolSOCKS4, ProtocolSOCKS4a:
		peer, err = readSOCKS4Reply(r)
	default:
		err = ErrCommandNotSupported
	}
	if err != nil {
		return Addr{}, n.fail(err)
	}
	return peer, nil
}

// Close marks the connection's state machine terminal.
func (n *Negotiator) Close() {
	if n.state != StateClosed {
		n.enter(StateClosed)
	}
}

func (n *Negotiator) fail(err error) error {
	failed := n.state
	n.enter(StateClosed)
	return &StateError{State: failed, Err: err}
}
