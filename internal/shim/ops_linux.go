package shim

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Ops mirrors the intercepted socket calls.
type Ops interface {
	Socket(domain, typ, proto int) (int, error)
	Connect(fd int, sa unix.Sockaddr) error
	Bind(fd int, sa unix.Sockaddr) error
	Bindresvport(fd int, sa unix.Sockaddr) error
	Listen(fd, backlog int) error
	Accept(fd int) (int, unix.Sockaddr, error)
	Getsockname(fd int) (unix.Sockaddr, error)
	Getpeername(fd int) (unix.Sockaddr, error)
	GetsockoptInt(fd, level, opt int) (int, error)
	Read(fd int, p []byte) (int, error)
	Readv(fd int, iovs [][]byte) (int, error)
	Recv(fd int, p []byte, flags int) (int, error)
	Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error)
	Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error)
	Rresvport(port *int) (int, error)
	Write(fd int, p []byte) (int, error)
	Writev(fd int, iovs [][]byte) (int, error)
	Send(fd int, p []byte, flags int) (int, error)
	Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error)
	Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error)
	Select(nfd int, r, w, e *unix.FdSet, timeout *unix.Timeval) (int, error)
	Close(fd int) error
}

// Native passes every call straight to the kernel.
type Native struct{}

var _ Ops = Native{}

func (Native) Socket(domain, typ, proto int) (int, error) {
	return unix.Socket(domain, typ, proto)
}

func (Native) Connect(fd int, sa unix.Sockaddr) error {
	return unix.Connect(fd, sa)
}

func (Native) Bind(fd int, sa unix.Sockaddr) error {
	return unix.Bind(fd, sa)
}

// Reserved ports handed out by Bindresvport and Rresvport.
const (
	resvPortLo = 512
	resvPortHi = 1023
)

// Bindresvport binds fd to a free port in 512-1023 at the address in sa, or
// the wildcard address of fd's family if sa is nil.
func (n Native) Bindresvport(fd int, sa unix.Sockaddr) error {
	if sa == nil {
		domain, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN)
		if err != nil {
			return err
		}
		switch domain {
		case unix.AF_INET:
			sa = &unix.SockaddrInet4{}
		case unix.AF_INET6:
			sa = &unix.SockaddrInet6{}
		default:
			return unix.EPFNOSUPPORT
		}
	}

	for port := resvPortHi; port >= resvPortLo; port-- {
		switch v := sa.(type) {
		case *unix.SockaddrInet4:
			v.Port = port
		case *unix.SockaddrInet6:
			v.Port = port
		default:
			return unix.EPFNOSUPPORT
		}
		err := unix.Bind(fd, sa)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EADDRINUSE) && !errors.Is(err, unix.EACCES) {
			return err
		}
	}
	return unix.EADDRINUSE
}

func (Native) Listen(fd, backlog int) error {
	return unix.Listen(fd, backlog)
}

func (Native) Accept(fd int) (int, unix.Sockaddr, error) {
	return unix.Accept(fd)
}

func (Native) Getsockname(fd int) (unix.Sockaddr, error) {
	return unix.Getsockname(fd)
}

func (Native) Getpeername(fd int) (unix.Sockaddr, error) {
	return unix.Getpeername(fd)
}

func (Native) GetsockoptInt(fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}

func (Native) Read(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func (Native) Readv(fd int, iovs [][]byte) (int, error) {
	return unix.Readv(fd, iovs)
}

func (Native) Recv(fd int, p []byte, flags int) (int, error) {
	n, _, err := unix.Recvfrom(fd, p, flags)
	return n, err
}

func (Native) Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	return unix.Recvfrom(fd, p, flags)
}

func (Native) Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	return unix.Recvmsg(fd, p, oob, flags)
}

// Rresvport creates a TCP socket bound to a reserved port, trying *port
// first and walking down to 512. On success *port holds the bound port.
func (Native) Rresvport(port *int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}

	start := *port
	if start > resvPortHi || start < resvPortLo {
		start = resvPortHi
	}
	for p := start; p >= resvPortLo; p-- {
		err := unix.Bind(fd, &unix.SockaddrInet4{Port: p})
		if err == nil {
			*port = p
			return fd, nil
		}
		if !errors.Is(err, unix.EADDRINUSE) && !errors.Is(err, unix.EACCES) {
			_ = unix.Close(fd)
			return -1, err
		}
	}
	_ = unix.Close(fd)
	return -1, unix.EAGAIN
}

func (Native) Write(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}

func (Native) Writev(fd int, iovs [][]byte) (int, error) {
	return unix.Writev(fd, iovs)
}

func (Native) Send(fd int, p []byte, flags int) (int, error) {
	return unix.SendmsgN(fd, p, nil, nil, flags)
}

func (Native) Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return unix.SendmsgN(fd, p, nil, to, flags)
}

func (Native) Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return unix.SendmsgN(fd, p, oob, to, flags)
}

func (Native) Select(nfd int, r, w, e *unix.FdSet, timeout *unix.Timeval) (int, error) {
	return unix.Select(nfd, r, w, e, timeout)
}

func (Native) Close(fd int) error {
	return unix.Close(fd)
}
