// Package netio provides the link transports of the ND host.
//
// UDPPort tunnels IPv6 datagrams to a test harness over UDP; ICMPPort
// exchanges ICMPv6 messages on a real interface through golang.org/x/net.
// Both implement nd.Port for the outbound direction and PacketSource for
// the Receiver, which decodes inbound datagrams and feeds the node loop.
package netio
