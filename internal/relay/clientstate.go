// Package relay implements the Relay TCP Framing component (spec.md
// §4.7): the tunnel between over-the-air DPP peers and a wired
// controller, and the per-connection client-state bookkeeping that
// correlates inbound air frames with the right TCP connection.
package relay

import (
	"time"

	"github.com/google/uuid"

	"github.com/ekmixon/dpp/internal/gas"
	"github.com/ekmixon/dpp/internal/netio"
	"github.com/ekmixon/dpp/internal/wire"
)

// GASHeader is the state a Relay must remember between the GAS Initial
// Request that triggers fragmentation and the Comeback Requests that
// drain it (spec.md §4.5, §3 "gas_header").
type GASHeader struct {
	DialogToken  uint8
	Status       uint16
	AdvProtocol  byte
}

// ClientState is the per-connection record from spec.md §3: "(tcp_fd,
// peer_mac, my_mac, bkhash, gas_header, frag_buf, frag_sent, frag_left)".
//
// PeerMAC starts as wire.Broadcast for a Controller-initiated session
// until the first unicast reply correlates it (spec.md §4.7); BKHash is
// set once the first TLV carrying the peer's bootstrapping SPKI hash is
// observed and is the fallback correlation key while PeerMAC is still
// broadcast.
type ClientState struct {
	// ID uniquely identifies this connection's lifetime for log
	// correlation; it has no wire meaning and never crosses the TCP
	// framing boundary.
	ID uuid.UUID

	Tunnel *netio.TcpTunnel

	MyMAC   wire.MAC
	PeerMAC wire.MAC

	HasBKHash bool
	BKHash    [32]byte

	GAS  *GASHeader
	Frag *gas.Fragmenter

	lastActivity time.Time
}

func newClientState(tunnel *netio.TcpTunnel, myMAC wire.MAC, now time.Time) *ClientState {
	return &ClientState{
		ID:           uuid.New(),
		Tunnel:       tunnel,
		MyMAC:        myMAC,
		PeerMAC:      wire.Broadcast,
		lastActivity: now,
	}
}

// touch marks activity, resetting the idle timer (spec.md §3: "destroyed
// on... timeout (10s default)").
func (cs *ClientState) touch(now time.Time) { cs.lastActivity = now }
