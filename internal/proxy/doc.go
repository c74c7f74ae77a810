// Package proxy implements tether's SOCKS5 relay core.
//
// A Handler runs one session per transport: method negotiation, the CONNECT
// request, a single outbound connect, the reply, and then a bidirectional
// relay until either side terminates. SOCKS5Server feeds it accepted TCP
// connections directly; the rendezvous agent feeds it attached channels.
//
// The package also holds shared connection plumbing: keepalive listeners and
// the relay engine used by the rendezvous hub to splice channels.
package proxy
