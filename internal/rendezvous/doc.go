// Package rendezvous pairs parked client connections with channels opened
// by a remote agent.
//
// A Hub accepts SOCKS5 clients and parks each under a fresh ChannelID. The
// id is announced to the agent on a control stream. The agent dials the
// hub's channel listener, sends the id and, once the hub answers
// StatusAttached, runs a SOCKS5 session on that same connection while the
// hub splices it to the parked client.
//
// Channel wire format: the requester writes a 4-byte big-endian id and the
// hub replies with one status byte. The control stream carries only 4-byte
// ids, hub to agent.
package rendezvous
