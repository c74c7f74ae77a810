package socks5

import (
	"errors"
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

// Auth configures optional username/password authentication for client-side
// negotiation.
type Auth struct {
	Username string
	Password string
}

// ReplyError is a non-success REP code received from a SOCKS5 server.
type ReplyError struct {
	Code byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks5: connect failed: %s", replyText(e.Code))
}

// ErrAuthFailed is returned when the server rejects the offered credentials
// or methods.
var ErrAuthFailed = errors.New("socks5: authentication failed")

// ClientDial negotiates and issues CONNECT for address over rw.
func ClientDial(rw io.ReadWriter, auth Auth, address string) error {
	if err := ClientNegotiate(rw, auth); err != nil {
		return err
	}
	return ClientConnect(rw, address)
}

func ClientNegotiate(rw io.ReadWriter, auth Auth) error {
	methods := []byte{MethodNoAuth}
	if auth.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}

	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(rw); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}

	switch neg.Method {
	case MethodNoAuth:
		return nil
	case txsocks5.MethodUsernamePassword:
		if auth.Username == "" {
			return fmt.Errorf("%w: server requires username/password", ErrAuthFailed)
		}

		if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(rw); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(rw)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return ErrAuthFailed
		}
		return nil
	case MethodNoAcceptable:
		return fmt.Errorf("%w: no acceptable methods", ErrAuthFailed)
	default:
		return fmt.Errorf("unsupported negotiation method: %d", neg.Method)
	}
}

func ClientConnect(rw io.ReadWriter, address string) error {
	atyp, dstAddr, dstPort, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	if atyp == ATYPDomain {
		dstAddr = dstAddr[1:]
	}

	if _, err := txsocks5.NewRequest(CmdConnect, atyp, dstAddr, dstPort).WriteTo(rw); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != RepSuccess {
		return &ReplyError{Code: rep.Rep}
	}
	return nil
}

func replyText(code byte) string {
	switch code {
	case RepGeneralFailure:
		return "general failure"
	case 0x02:
		return "connection not allowed by ruleset"
	case 0x03:
		return "network unreachable"
	case 0x04:
		return "host unreachable"
	case 0x05:
		return "connection refused"
	case 0x06:
		return "TTL expired"
	case 0x07:
		return "command not supported"
	case 0x08:
		return "address type not supported"
	default:
		return fmt.Sprintf("reply code 0x%02x", code)
	}
}
