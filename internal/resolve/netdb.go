package resolve

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// HErrno is a gethostbyname-family error code.
type HErrno int

const (
	NetDBInternal HErrno = -1
	HostNotFound  HErrno = 1
	TryAgain      HErrno = 2
	NoRecovery    HErrno = 3
	NoData        HErrno = 4
)

func (h HErrno) String() string {
	switch h {
	case NetDBInternal:
		return "resolver internal error"
	case HostNotFound:
		return "unknown host"
	case TryAgain:
		return "host name lookup failure"
	case NoRecovery:
		return "unknown server error"
	case NoData:
		return "no address associated with name"
	default:
		return fmt.Sprintf("resolver error %d", int(h))
	}
}

// HostError is returned by the gethostbyname-family lookups.
type HostError struct {
	Name string
	Code HErrno
	Err  error
}

func (e *HostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lookup %s: %s: %v", e.Name, e.Code, e.Err)
	}
	return fmt.Sprintf("lookup %s: %s", e.Name, e.Code)
}

func (e *HostError) Unwrap() error {
	return e.Err
}

// EAI is a getaddrinfo error code, using the glibc values.
type EAI int

const (
	EAIBadFlags   EAI = -1
	EAINoName     EAI = -2
	EAIAgain      EAI = -3
	EAIFail       EAI = -4
	EAIFamily     EAI = -6
	EAISockType   EAI = -7
	EAIService    EAI = -8
	EAIAddrFamily EAI = -9
	EAIMemory     EAI = -10
	EAISystem     EAI = -11
)

func (e EAI) String() string {
	switch e {
	case EAIBadFlags:
		return "Bad value for ai_flags"
	case EAINoName:
		return "Name or service not known"
	case EAIAgain:
		return "Temporary failure in name resolution"
	case EAIFail:
		return "Non-recoverable failure in name resolution"
	case EAIFamily:
		return "ai_family not supported"
	case EAISockType:
		return "ai_socktype not supported"
	case EAIService:
		return "Servname not supported for ai_socktype"
	case EAIAddrFamily:
		return "Address family for hostname not supported"
	case EAIMemory:
		return "Memory allocation failure"
	case EAISystem:
		return "System error"
	default:
		return fmt.Sprintf("Unknown error %d", int(e))
	}
}

// AddrInfoError is returned by GetAddrInfo.
type AddrInfoError struct {
	Code EAI
	Err  error
}

func (e *AddrInfoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("getaddrinfo: %s: %v", e.Code, e.Err)
	}
	return "getaddrinfo: " + e.Code.String()
}

func (e *AddrInfoError) Unwrap() error {
	return e.Err
}

func eai(code EAI, err error) error {
	return &AddrInfoError{Code: code, Err: err}
}

// getaddrinfo flags, glibc values.
const (
	AIPassive     = 0x0001
	AICanonName   = 0x0002
	AINumericHost = 0x0004
	AIV4Mapped    = 0x0008
	AIAll         = 0x0010
	AIAddrConfig  = 0x0020
	AINumericServ = 0x0400

	aiKnown = AIPassive | AICanonName | AINumericHost | AIV4Mapped | AIAll | AIAddrConfig | AINumericServ
)

// HostEnt is the result of a gethostbyname-family lookup.
type HostEnt struct {
	Name    string
	Aliases []string
	Family  int
	Addrs   []netip.Addr
}

// Hints narrows GetAddrInfo results like struct addrinfo hints.
type Hints struct {
	Flags    int
	Family   int
	SockType int
	Protocol int
}

// AddrInfo is one getaddrinfo result entry.
type AddrInfo struct {
	Flags     int
	Family    int
	SockType  int
	Protocol  int
	Addr      netip.AddrPort
	CanonName string
}

func familyOf(a netip.Addr) int {
	if a.Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func lookupNetwork(family int) string {
	switch family {
	case unix.AF_INET:
		return "ip4"
	case unix.AF_INET6:
		return "ip6"
	default:
		return "ip"
	}
}
