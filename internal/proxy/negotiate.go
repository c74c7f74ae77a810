package proxy

import (
	"fmt"
	"io"

	"github.com/die-net/tether/internal/socks5"
)

// negotiate runs method selection. Only "no authentication" is accepted; a
// client that does not offer it gets VER FF and nothing more is read.
func (s *session) negotiate() error {
	neg, err := socks5.ReadNegotiationRequest(s.transport)
	if err != nil {
		return fmt.Errorf("negotiation: %w", err)
	}

	if !neg.HasMethod(socks5.MethodNoAuth) {
		_ = s.reply(func(w io.Writer) error {
			return socks5.WriteMethod(w, socks5.MethodNoAcceptable)
		})
		return socks5.ErrNoAcceptableMethods
	}

	return socks5.WriteMethod(s.transport, socks5.MethodNoAuth)
}

func (s *session) readRequest() (*socks5.ConnectRequest, error) {
	req, err := socks5.ReadConnectRequest(s.transport)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}
