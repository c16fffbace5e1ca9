package shim

import (
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// fdStream adapts a blocking stream descriptor to io.ReadWriter for the
// negotiator. Deadlines are implemented with SO_RCVTIMEO and SO_SNDTIMEO;
// the program's own timeouts are saved by the first deadline and put back
// when it is cleared.
type fdStream struct {
	ops Ops
	fd  int

	saved    bool
	rcv, snd unix.Timeval
}

func (s *fdStream) Read(p []byte) (int, error) {
	for {
		n, err := s.ops.Read(s.fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, os.ErrDeadlineExceeded
		case err != nil:
			return 0, err
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (s *fdStream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := s.ops.Write(s.fd, p[written:])
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return written, os.ErrDeadlineExceeded
		case err != nil:
			return written, err
		}
		written += n
	}
	return written, nil
}

// SetDeadline sets both socket timeouts. The zero time restores the values
// the descriptor had before the first deadline.
func (s *fdStream) SetDeadline(t time.Time) error {
	if t.IsZero() {
		if !s.saved {
			return nil
		}
		s.saved = false
		return s.setTimeouts(&s.rcv, &s.snd)
	}

	if !s.saved {
		rcv, err := unix.GetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO)
		if err != nil {
			return err
		}
		snd, err := unix.GetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO)
		if err != nil {
			return err
		}
		s.rcv, s.snd, s.saved = *rcv, *snd, true
	}

	d := time.Until(t)
	if d < time.Microsecond {
		d = time.Microsecond
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return s.setTimeouts(&tv, &tv)
}

func (s *fdStream) setTimeouts(rcv, snd *unix.Timeval) error {
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, rcv); err != nil {
		return err
	}
	return unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, snd)
}

// setBlocking clears O_NONBLOCK on fd and returns a function restoring the
// previous flags.
func setBlocking(fd int) (restore func(), err error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return nil, err
	}
	if flags&unix.O_NONBLOCK == 0 {
		return func() {}, nil
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags&^unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	return func() { _, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags) }, nil
}
