// Package netio implements the Frame I/O Adapter (spec.md §4.1): the
// transport-polymorphic capability set {send_action, set_channel,
// subscribe} behind RadioConn, realized as Loopback (an in-process Bus
// for the loopback simulation scenario), RawPacket (an AF_PACKET tap
// for test rigs without a real 802.11 driver), Nl80211Conn (the real
// nl80211 generic-netlink transport), and TcpTunnel (the Relay TCP
// Framing transport, spec.md §4.7).
package netio
