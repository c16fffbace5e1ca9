package shim

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/die-net/socksify/internal/route"
	"github.com/die-net/socksify/internal/socks"
)

// Error is returned by Shim calls that fail for a reason other than a plain
// system call error. It unwraps to both the errno the native call would have
// produced and the underlying cause.
type Error struct {
	Op    string
	Fd    int
	Errno unix.Errno
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s fd %d: %v", e.Op, e.Fd, e.Errno)
	}
	return fmt.Sprintf("%s fd %d: %v: %v", e.Op, e.Fd, e.Errno, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Errno}
	}
	return []error{e.Errno, e.Err}
}

func newError(op string, fd int, err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return &Error{Op: op, Fd: fd, Errno: se.Errno, Err: se.Err}
	}
	return &Error{Op: op, Fd: fd, Errno: errnoFor(err), Err: err}
}

// errnoFor maps a proxy, policy or system error onto the errno a program
// would see from the native call.
func errnoFor(err error) unix.Errno {
	switch {
	case errors.Is(err, socks.ErrAuthRejected), errors.Is(err, socks.ErrNoAcceptableAuth):
		return unix.EACCES
	case errors.Is(err, socks.ErrNotAllowed), errors.Is(err, route.ErrBlocked):
		return unix.ECONNREFUSED
	case errors.Is(err, socks.ErrHostUnreachable), errors.Is(err, errDirectSocket):
		return unix.EHOSTUNREACH
	case errors.Is(err, socks.ErrNetworkUnreachable), errors.Is(err, route.ErrNoRoute):
		return unix.ENETUNREACH
	case errors.Is(err, socks.ErrConnectionRefused):
		return unix.ECONNREFUSED
	case errors.Is(err, socks.ErrTTLExpired), errors.Is(err, os.ErrDeadlineExceeded):
		return unix.ETIMEDOUT
	case errors.Is(err, socks.ErrCommandNotSupported):
		return unix.EOPNOTSUPP
	case errors.Is(err, socks.ErrAddressNotSupported), errors.Is(err, socks.ErrRemoteResolveUnsupported):
		return unix.EAFNOSUPPORT
	case errors.Is(err, errTLSProxy):
		return unix.EPROTONOSUPPORT
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return unix.ECONNRESET
	}
	return unix.ECONNREFUSED
}
