package socks5

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

// Version is the only protocol version spoken.
const Version byte = 0x05

const (
	// MethodNoAuth selects "no authentication required".
	MethodNoAuth = txsocks5.MethodNone
	// MethodNoAcceptable rejects every offered method (RFC 1928).
	MethodNoAcceptable byte = 0xff
)

const (
	CmdConnect = txsocks5.CmdConnect

	ATYPIPv4   = txsocks5.ATYPIPv4
	ATYPDomain = txsocks5.ATYPDomain
	ATYPIPv6   = txsocks5.ATYPIPv6

	RepSuccess        = txsocks5.RepSuccess
	RepGeneralFailure = byte(0x01)
)

// NegotiationRequest is the client's method-selection greeting.
type NegotiationRequest struct {
	Version byte
	Methods []byte
}

// HasMethod reports whether m was offered.
func (n *NegotiationRequest) HasMethod(m byte) bool {
	for _, x := range n.Methods {
		if x == m {
			return true
		}
	}
	return false
}

// ReadNegotiationRequest reads VER NMETHODS METHODS from r.
//
// io.EOF is returned unchanged if the stream ended before the first byte.
// Once the version byte has been consumed, short reads are reported as
// ErrTruncated.
func ReadNegotiationRequest(r io.Reader) (*NegotiationRequest, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, frameErr("negotiation header", err)
	}
	if hdr[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, hdr[0])
	}

	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(r, methods); err != nil {
		return nil, truncated("negotiation methods", err)
	}

	return &NegotiationRequest{Version: hdr[0], Methods: methods}, nil
}

// ConnectRequest is a decoded CONNECT request.
type ConnectRequest struct {
	Version     byte
	Command     byte
	AddressType byte
	Host        string
	Port        uint16
}

// Address returns the target as host:port.
func (r *ConnectRequest) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// ReadConnectRequest reads VER CMD RSV ATYP DST.ADDR DST.PORT from r.
//
// Only CONNECT with an IPv4 or domain-name target is accepted. For domain
// names exactly LEN bytes are consumed before the trailing port.
func ReadConnectRequest(r io.Reader) (*ConnectRequest, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, frameErr("request header", err)
	}
	if hdr[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, hdr[0])
	}
	if hdr[1] != CmdConnect {
		return nil, fmt.Errorf("%w: 0x%02x", ErrCommandNotSupported, hdr[1])
	}

	req := &ConnectRequest{Version: hdr[0], Command: hdr[1], AddressType: hdr[3]}

	switch req.AddressType {
	case ATYPIPv4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, truncated("ipv4 address", err)
		}
		req.Host = netip.AddrFrom4(b).String()
	case ATYPDomain:
		var n [1]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return nil, truncated("domain length", err)
		}
		if n[0] == 0 {
			return nil, fmt.Errorf("%w: empty domain name", ErrMalformed)
		}
		name := make([]byte, int(n[0]))
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, truncated("domain name", err)
		}
		req.Host = string(name)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrAddressTypeNotSupported, req.AddressType)
	}

	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return nil, truncated("port", err)
	}
	req.Port = uint16(port[0])<<8 | uint16(port[1])

	return req, nil
}

// WriteMethod writes the VER METHOD selection reply.
func WriteMethod(w io.Writer, method byte) error {
	if _, err := txsocks5.NewNegotiationReply(method).WriteTo(w); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// ConnectReply is a CONNECT reply. The bound address is always IPv4.
type ConnectReply struct {
	Status    byte
	BoundAddr [4]byte
	BoundPort uint16
}

// NewConnectReply builds a reply carrying bound as BND.ADDR/BND.PORT.
// Addresses that are not IPv4 host:port pairs are sent as zeros.
func NewConnectReply(status byte, bound net.Addr) ConnectReply {
	rep := ConnectReply{Status: status}
	if bound == nil {
		return rep
	}
	ap, err := netip.ParseAddrPort(bound.String())
	if err != nil {
		return rep
	}
	if a := ap.Addr().Unmap(); a.Is4() {
		rep.BoundAddr = a.As4()
		rep.BoundPort = ap.Port()
	}
	return rep
}

// WriteTo writes VER REP RSV ATYP BND.ADDR BND.PORT to w.
func (r ConnectReply) WriteTo(w io.Writer) (int64, error) {
	port := []byte{byte(r.BoundPort >> 8), byte(r.BoundPort)}
	return txsocks5.NewReply(r.Status, ATYPIPv4, r.BoundAddr[:], port).WriteTo(w)
}

// WriteSuccessReply writes a success reply using bound as the bound address.
func WriteSuccessReply(w io.Writer, bound net.Addr) error {
	if _, err := NewConnectReply(RepSuccess, bound).WriteTo(w); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

// WriteGeneralFailureReply writes a general failure reply with a zero bound
// address.
func WriteGeneralFailureReply(w io.Writer) error {
	if _, err := NewConnectReply(RepGeneralFailure, nil).WriteTo(w); err != nil {
		return fmt.Errorf("failure reply: %w", err)
	}
	return nil
}

// frameErr maps a read error at the start of a frame. A clean EOF passes
// through so callers can tell a silent peer from a broken one.
func frameErr(what string, err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return truncated(what, err)
}

func truncated(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s", ErrTruncated, what)
	}
	return fmt.Errorf("read %s: %w", what, err)
}
