// Package dialer provides the outbound dialers used by tether's connector.
//
// Dialers implement a small interface (DialContext) and open the destination
// connection for a relay session either directly or through an upstream proxy
// (HTTP CONNECT or SOCKS5).
package dialer
