package socks

import (
	"errors"
	"fmt"
)

// Proxy-protocol errors. Every SOCKS4, SOCKS5 and HTTP CONNECT failure status
// is mapped onto one of these.
var (
	ErrNoAcceptableAuth    = errors.New("no acceptable authentication method")
	ErrAuthRejected        = errors.New("authentication rejected")
	ErrGeneralFailure      = errors.New("general proxy server failure")
	ErrNotAllowed          = errors.New("connection not allowed by ruleset")
	ErrNetworkUnreachable  = errors.New("network unreachable")
	ErrHostUnreachable     = errors.New("host unreachable")
	ErrConnectionRefused   = errors.New("connection refused")
	ErrTTLExpired          = errors.New("ttl expired")
	ErrCommandNotSupported = errors.New("command not supported")
	ErrAddressNotSupported = errors.New("address type not supported")
	ErrMalformedReply      = errors.New("malformed proxy reply")
)

// ErrRemoteResolveUnsupported is returned when a hostname must be sent to a
// proxy whose protocol cannot carry one (plain SOCKS4).
var ErrRemoteResolveUnsupported = errors.New("remote name resolution not supported by proxy protocol")

// SOCKS5 reply codes (RFC 1928 section 6).
const (
	RepSucceeded uint8 = iota
	RepGeneralFailure
	RepNotAllowed
	RepNetworkUnreachable
	RepHostUnreachable
	RepConnectionRefused
	RepTTLExpired
	RepCommandNotSupported
	RepAddressNotSupported
)

// SOCKS4 reply codes.
const (
	Socks4Granted           uint8 = 0x5a
	Socks4Rejected          uint8 = 0x5b
	Socks4IdentUnreachable  uint8 = 0x5c
	Socks4IdentUserMismatch uint8 = 0x5d
)

// ReplyError maps a non-success SOCKS5 reply code to its taxonomy error.
func ReplyError(rep uint8) error {
	switch rep {
	case RepGeneralFailure:
		return ErrGeneralFailure
	case RepNotAllowed:
		return ErrNotAllowed
	case RepNetworkUnreachable:
		return ErrNetworkUnreachable
	case RepHostUnreachable:
		return ErrHostUnreachable
	case RepConnectionRefused:
		return ErrConnectionRefused
	case RepTTLExpired:
		return ErrTTLExpired
	case RepCommandNotSupported:
		return ErrCommandNotSupported
	case RepAddressNotSupported:
		return ErrAddressNotSupported
	default:
		return fmt.Errorf("%w: unknown reply code %#x", ErrGeneralFailure, rep)
	}
}

// ReplyCode is the inverse of ReplyError, used when a gateway has to report a
// dial failure back to its own SOCKS5 client.
func ReplyCode(err error) uint8 {
	switch {
	case err == nil:
		return RepSucceeded
	case errors.Is(err, ErrNotAllowed):
		return RepNotAllowed
	case errors.Is(err, ErrNetworkUnreachable):
		return RepNetworkUnreachable
	case errors.Is(err, ErrHostUnreachable):
		return RepHostUnreachable
	case errors.Is(err, ErrConnectionRefused):
		return RepConnectionRefused
	case errors.Is(err, ErrTTLExpired):
		return RepTTLExpired
	case errors.Is(err, ErrCommandNotSupported):
		return RepCommandNotSupported
	case errors.Is(err, ErrAddressNotSupported), errors.Is(err, ErrRemoteResolveUnsupported):
		return RepAddressNotSupported
	default:
		return RepGeneralFailure
	}
}

func socks4ReplyError(cd uint8) error {
	switch cd {
	case Socks4Rejected:
		return ErrGeneralFailure
	case Socks4IdentUnreachable, Socks4IdentUserMismatch:
		return ErrAuthRejected
	default:
		return fmt.Errorf("%w: unknown socks4 reply code %#x", ErrMalformedReply, cd)
	}
}

// StateError records the negotiation state in which a failure happened.
type StateError struct {
	State State
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("socks %s: %v", e.State, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}
