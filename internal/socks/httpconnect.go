package socks

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// maxHeaderBytes bounds the CONNECT response header block.
const maxHeaderBytes = 16 << 10

var errHeaderTooLarge = errors.New("http connect response header too large")

func (n *Negotiator) httpConnect(rw io.ReadWriter, target Addr) (*Result, error) {
	address := target.String()
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if n.Auth.Username != "" {
		req.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(n.Auth.Username+":"+n.Auth.Password)))
	}

	n.enter(StateRequestSent)
	if err := req.Write(rw); err != nil {
		return nil, fmt.Errorf("http connect write: %w", err)
	}

	hdr, err := readHeaderBlock(rw)
	n.enter(StateReplyReceived)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(hdr)), req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: %s", httpStatusError(resp.StatusCode), resp.Status)
	}
	return &Result{}, nil
}

// readHeaderBlock reads up to and including the blank line ending the
// response header. It reads one byte at a time so nothing after the header is
// consumed from the connection.
func readHeaderBlock(r io.Reader) ([]byte, error) {
	var (
		buf []byte
		b   [1]byte
	)
	for len(buf) < maxHeaderBytes {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		buf = append(buf, b[0])
		if bytes.HasSuffix(buf, []byte("\r\n\r\n")) || bytes.HasSuffix(buf, []byte("\n\n")) {
			return buf, nil
		}
	}
	return nil, errHeaderTooLarge
}

func httpStatusError(code int) error {
	switch code {
	case http.StatusProxyAuthRequired, http.StatusUnauthorized:
		return ErrAuthRejected
	case http.StatusForbidden:
		return ErrNotAllowed
	case http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusServiceUnavailable:
		return ErrHostUnreachable
	case http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return ErrCommandNotSupported
	default:
		return ErrGeneralFailure
	}
}
