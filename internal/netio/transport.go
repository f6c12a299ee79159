// Package netio implements the Frame I/O Adapter (spec.md §4.1): delivery
// and transmission of 802.11 management frames over loopback, a real
// radio (nl80211 or an AF_PACKET raw socket, both Linux only), or a TCP
// tunnel to a relay peer.
package netio

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ekmixon/dpp/internal/regdb"
	"github.com/ekmixon/dpp/internal/wire"
)

// ErrClosed is returned by operations on a closed RadioConn.
var ErrClosed = errors.New("netio: connection closed")

// Frame is what a RadioConn surfaces to the demultiplexer on receive: the
// raw Public Action body plus the 802.11 header fields the adapter
// parsed out, after the two universal filters in spec.md §4.1 have
// already been applied (source-is-us, destination neither us nor
// broadcast).
//
// Control is non-nil only for frames arriving over a TcpTunnel that carry
// the out-of-band wired_control preamble (spec.md §4.7) instead of an
// ordinary action-frame body; Body is empty in that case.
type Frame struct {
	Src     wire.MAC
	Dst     wire.MAC
	Body    []byte
	Control *WiredControl
}

// WiredControl is the Relay TCP Framing preamble (spec.md §4.7):
// "wired_control{peer_mac[6], opclass, channel}", sent by the controller
// to tell the relay which peer and channel a tunnelled session concerns.
type WiredControl struct {
	PeerMAC wire.MAC
	OpClass uint8
	Channel uint8
}

// RadioConn is the capability set from spec.md §9 ("Transport
// polymorphism"): {send_action, set_channel, subscribe}. The
// Demultiplexer and Endpoint are written against this interface, never
// against a concrete transport variant.
type RadioConn interface {
	// SendActionFrame transmits a Public Action frame body from src to
	// dst, returning the number of payload bytes written.
	SendActionFrame(ctx context.Context, src, dst wire.MAC, body []byte) (int, error)

	// SetChannel resolves (opclass, channel) via regdb and applies it.
	// Loopback implementations report success without side effect
	// (spec.md §4.1).
	SetChannel(opclass, channel uint8) error

	// Subscribe registers a callback invoked for each inbound frame
	// after adapter-level filtering. It is called from whatever
	// goroutine owns the connection's read loop; callers that need to
	// touch event-loop-owned state must hop through Loop.Post (package
	// endpoint) rather than acting directly in the callback.
	Subscribe(cb func(Frame))

	// Close releases the underlying descriptor.
	Close() error

	// LocalMAC returns the link-layer address frames are sent from.
	LocalMAC() wire.MAC
}

// applyReceiveFilters implements spec.md §4.1's two universal filters:
// drop frames whose src equals any local interface MAC, and drop unicast
// frames whose dst matches neither the interface MAC nor broadcast.
func applyReceiveFilters(localMAC wire.MAC, f Frame) bool {
	if f.Src == localMAC {
		return false
	}
	if f.Dst != localMAC && !f.Dst.IsBroadcast() {
		return false
	}
	return true
}

// resolveFrequency is a small shared helper so every RadioConn variant
// reports set-channel failures the same way.
func resolveFrequency(logger *slog.Logger, opclass, channel uint8) (uint32, error) {
	freq, err := regdb.Frequency(opclass, channel)
	if err != nil {
		if logger != nil {
			logger.Warn("channel change failed to resolve frequency", "opclass", opclass, "channel", channel, "err", err)
		}
		return 0, err
	}
	return freq, nil
}
