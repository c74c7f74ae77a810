package socks5

import "errors"

var (
	// ErrVersion is returned when a frame carries a version other than 5.
	ErrVersion = errors.New("socks5: unsupported version")

	// ErrTruncated is returned when the stream ends inside a frame.
	ErrTruncated = errors.New("socks5: truncated frame")

	// ErrNoAcceptableMethods is returned when the client does not offer
	// the no-authentication method.
	ErrNoAcceptableMethods = errors.New("socks5: no acceptable methods")

	// ErrCommandNotSupported is returned for any command but CONNECT.
	ErrCommandNotSupported = errors.New("socks5: command not supported")

	// ErrAddressTypeNotSupported is returned for any address type but
	// IPv4 or domain name.
	ErrAddressTypeNotSupported = errors.New("socks5: address type not supported")

	// ErrMalformed is returned for a structurally invalid frame.
	ErrMalformed = errors.New("socks5: malformed frame")
)
