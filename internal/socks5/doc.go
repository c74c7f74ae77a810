// Package socks5 is the SOCKS5 wire codec shared by tether's relay core and
// its upstream dialer.
//
// The server side is deliberately minimal: it reads a method negotiation and
// a CONNECT request for IPv4 or domain-name targets and writes the matching
// replies. Decoding reads exactly the bytes a frame declares, so the
// underlying transport can be handed to the relay without any buffered
// over-read. Encoding and the client side are built on the protocol types in
// github.com/txthinking/socks5.
package socks5
