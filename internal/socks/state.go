package socks

// State is a position in the per-connection negotiation state machine.
type State int

const (
	StateInit State = iota
	StateAuthNegotiate
	StateAuthExchange
	StateRequestSent
	StateReplyReceived
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAuthNegotiate:
		return "auth-negotiate"
	case StateAuthExchange:
		return "auth-exchange"
	case StateRequestSent:
		return "request-sent"
	case StateReplyReceived:
		return "reply-received"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Command is a proxy request command, using the SOCKS wire values.
type Command uint8

const (
	CmdConnect      Command = 0x01
	CmdBind         Command = 0x02
	CmdUDPAssociate Command = 0x03
)

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "connect"
	case CmdBind:
		return "bind"
	case CmdUDPAssociate:
		return "udpassociate"
	default:
		return "unknown"
	}
}
