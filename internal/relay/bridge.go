package relay

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/ekmixon/dpp/internal/gas"
	"github.com/ekmixon/dpp/internal/metrics"
	"github.com/ekmixon/dpp/internal/netio"
	"github.com/ekmixon/dpp/internal/wire"
)

// airMTU reports the over-the-air MTU budget (spec.md §4.5) for the
// transport a Bridge's air interface is backed by, used to decide
// whether a controller-sourced Configuration response needs fragmenting.
func airMTU(conn netio.RadioConn) int {
	if _, ok := conn.(*netio.RawPacket); ok {
		return gas.MTUBpf
	}
	return gas.MTUNl80211
}

// Bridge implements the Relay role's half of spec.md §4.7: it never runs
// the DPP/PKEX engine locally. Every over-the-air frame from a
// not-yet-tunnelled peer opens (or reuses) a TCP connection to the
// controller, and every frame arriving on a tunnel is forwarded back out
// over the air to that client state's current peer MAC.
type Bridge struct {
	logger   *slog.Logger
	air      netio.RadioConn
	mgr      *Manager
	localMAC wire.MAC
	dialAddr string
	metrics  *metrics.Collector
}

// SetMetrics attaches the Collector the bridge records GAS fragment
// traffic against (spec.md §4.5). Safe to leave unset.
func (b *Bridge) SetMetrics(c *metrics.Collector) { b.metrics = c }

// NewBridge wires a Bridge around an already-open air interface and a
// Manager holding the relay's client-state table. dialAddr is the
// controller's TCP address dialed on gratuitous creation.
func NewBridge(logger *slog.Logger, air netio.RadioConn, mgr *Manager, dialAddr string) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		logger:   logger,
		air:      air,
		mgr:      mgr,
		localMAC: air.LocalMAC(),
		dialAddr: dialAddr,
	}
	air.Subscribe(b.handleAirFrame)
	return b
}

// handleAirFrame implements the two correlation rules of spec.md §4.7 for
// frames received over the air from a DPP peer. GAS frames are routed by
// Field alone before any vendor-specific FrameType switch runs, mirroring
// internal/dpp/demux.go's Route — af.FrameType is only meaningful when
// Field == FieldVendorSpecific, and is left at its Go zero value (which
// numerically equals DPPAuthRequest) for every GAS frame.
func (b *Bridge) handleAirFrame(f netio.Frame) {
	if f.Control != nil {
		return
	}
	af, err := wire.Decode(f.Src, f.Dst, f.Body)
	if err != nil {
		b.logger.Debug("relay dropping malformed air frame", "src", f.Src, "err", err)
		return
	}

	if af.Field != wire.FieldGASComebackRequest {
		if cs, ok := b.mgr.ByPeerMAC(af.Src); ok && b.mgr.RejectDuringFragmentation(cs) {
			b.logger.Debug("relay dropping air frame during fragmentation", "peer_mac", af.Src, "field", af.Field)
			return
		}
	}

	if af.Field.IsGAS() {
		b.handleAirGAS(af)
		return
	}

	brHash, hasHash := brTLVHash(af)

	switch af.FrameType {
	case wire.DPPAuthRequest, wire.DPPPKEXExchangeReq, wire.DPPPKEXv1Request:
		if cs, ok := b.mgr.ByPeerMAC(af.Src); ok {
			b.forwardToTunnel(cs, f.Body)
			return
		}
		cs, err := b.gratuitousConnect(af.Src)
		if err != nil {
			b.logger.Warn("relay gratuitous connect failed", "peer_mac", af.Src, "err", err)
			return
		}
		if hasHash {
			b.mgr.SetBKHash(cs, brHash)
		}
		b.forwardToTunnel(cs, f.Body)

	default:
		cs, ok := b.mgr.CorrelateResponse(af.Src, brHash, hasHash)
		if !ok {
			b.logger.Debug("relay found no client state for air frame", "src", af.Src, "frame_type", af.FrameType)
			return
		}
		b.forwardToTunnel(cs, f.Body)
	}
}

// handleAirGAS implements the air side of the relay's GAS fragmentation
// duty (spec.md §4.5): while a client state has a buffered, not-yet-drained
// Configuration response (set up by handleTunnelFrame below), an inbound
// Comeback Request is served locally from that buffer instead of
// round-tripping to the controller. Any other frame from that peer is
// dropped by handleAirFrame while the buffer is non-empty (spec.md §4.5),
// so other GAS frames, and a Comeback Request arriving with nothing
// buffered, forward to the controller unchanged like any other air frame.
func (b *Bridge) handleAirGAS(af wire.ActionFrame) {
	cs, ok := b.mgr.ByPeerMAC(af.Src)
	if !ok {
		b.logger.Debug("relay found no client state for gas frame", "src", af.Src, "field", af.Field)
		return
	}

	if af.Field != wire.FieldGASComebackRequest || !b.mgr.RejectDuringFragmentation(cs) {
		b.forwardToTunnel(cs, wire.Encode(af))
		return
	}
	if b.metrics != nil {
		b.metrics.IncFragmentsReceived()
	}

	chunk, fragmentID, err := b.mgr.NextComebackFragment(cs)
	if err != nil {
		b.logger.Warn("relay next comeback fragment failed", "peer_mac", cs.PeerMAC, "err", err)
		return
	}
	resp := wire.ActionFrame{
		Field:       wire.FieldGASComebackResp,
		DialogToken: af.DialogToken,
		Body:        append([]byte{fragmentID}, chunk...),
	}
	b.mgr.Touch(cs, timeNow())
	if _, err := b.air.SendActionFrame(context.Background(), b.localMAC, cs.PeerMAC, wire.Encode(resp)); err != nil {
		b.logger.Warn("relay send comeback fragment failed", "peer_mac", cs.PeerMAC, "err", err)
		return
	}
	if b.metrics != nil {
		b.metrics.IncFragmentsSent()
	}
}

func (b *Bridge) forwardToTunnel(cs *ClientState, body []byte) {
	b.mgr.Touch(cs, timeNow())
	if _, err := cs.Tunnel.SendActionFrame(context.Background(), cs.MyMAC, cs.PeerMAC, body); err != nil {
		b.logger.Warn("relay forward to controller failed", "peer_mac", cs.PeerMAC, "err", err)
	}
}

// gratuitousConnect dials the controller and registers a new client
// state for a not-yet-tunnelled peer (spec.md §4.7: "else fall through
// to gratuitous creation").
func (b *Bridge) gratuitousConnect(peerMAC wire.MAC) (*ClientState, error) {
	tunnel, err := netio.DialTcpTunnel(context.Background(), b.dialAddr, b.localMAC, b.logger)
	if err != nil {
		return nil, fmt.Errorf("dial controller %s: %w", b.dialAddr, err)
	}
	cs := b.mgr.Add(tunnel, b.localMAC, timeNow())
	cs.PeerMAC = peerMAC

	tunnel.Subscribe(func(f netio.Frame) { b.handleTunnelFrame(cs, f) })
	go func() {
		_ = tunnel.ReadLoop(context.Background())
		b.mgr.Remove(cs)
	}()
	return cs, nil
}

// handleTunnelFrame forwards a controller-originated frame back out over
// the air to cs's current peer, and applies a wired_control preamble's
// channel change directly to the air interface (spec.md §4.7,
// §9 supplemented feature 3).
//
// A GAS Initial Response whose query_resp payload exceeds the air MTU is
// the trigger for the GAS Fragmentation Engine (spec.md §4.5): only
// Relay/Controller fragment, and the wired side never needs to because
// the TCP tunnel has no frame-size limit, so fragmentation is purely a
// relay-local concern applied here before anything reaches the air.
func (b *Bridge) handleTunnelFrame(cs *ClientState, f netio.Frame) {
	b.mgr.Touch(cs, timeNow())
	if f.Control != nil {
		if err := b.air.SetChannel(f.Control.OpClass, f.Control.Channel); err != nil {
			b.logger.Warn("relay wired_control channel change failed", "err", err)
		}
		cs.PeerMAC = f.Control.PeerMAC
		return
	}

	af, err := wire.Decode(b.localMAC, cs.PeerMAC, f.Body)
	if err != nil {
		b.logger.Debug("relay dropping malformed tunnel frame", "peer_mac", cs.PeerMAC, "err", err)
		return
	}

	if !af.Field.IsGAS() && b.mgr.RejectDuringFragmentation(cs) {
		b.logger.Debug("relay dropping non-gas tunnel frame during fragmentation", "peer_mac", cs.PeerMAC, "field", af.Field)
		return
	}

	if af.Field == wire.FieldGASInitialResponse {
		mtu := airMTU(b.air)
		if len(af.Body) > mtu {
			b.beginFragmentedConfig(cs, af, mtu)
			return
		}
	}

	if _, err := b.air.SendActionFrame(context.Background(), b.localMAC, cs.PeerMAC, f.Body); err != nil {
		b.logger.Warn("relay forward to air failed", "peer_mac", cs.PeerMAC, "err", err)
	}
}

// beginFragmentedConfig starts the GAS Fragmentation Engine for an
// oversized Configuration response and sends the air-side Initial
// Response (comeback_delay=1, query_resplen=0, spec.md §4.5 step 1); the
// buffered payload then drains one MTU-sized chunk per Comeback Request
// via handleAirGAS/NextComebackFragment.
func (b *Bridge) beginFragmentedConfig(cs *ClientState, af wire.ActionFrame, mtu int) {
	hdr := GASHeader{DialogToken: af.DialogToken}
	delay, err := b.mgr.BeginFragmentedConfig(cs, hdr, af.Body, mtu)
	if err != nil {
		b.logger.Warn("relay begin fragmented config failed", "peer_mac", cs.PeerMAC, "err", err)
		return
	}

	var delayBuf [2]byte
	binary.LittleEndian.PutUint16(delayBuf[:], delay)
	resp := wire.ActionFrame{
		Field:       wire.FieldGASInitialResponse,
		DialogToken: af.DialogToken,
		Body:        delayBuf[:],
	}
	if _, err := b.air.SendActionFrame(context.Background(), b.localMAC, cs.PeerMAC, wire.Encode(resp)); err != nil {
		b.logger.Warn("relay send initial gas response failed", "peer_mac", cs.PeerMAC, "err", err)
	}
}

// brTLVHash extracts the Bootstrapping-Key hash TLV (Responder- or
// Initiator-side depending on which frame carries it) used as the
// fallback correlation key while a client state's PeerMAC is still
// broadcast.
func brTLVHash(af wire.ActionFrame) (hash [32]byte, ok bool) {
	tlvs := wire.DecodeTLVs(af.Body)
	v := wire.FindTLV(tlvs, wire.TLVResponderBootHash)
	if v == nil {
		v = wire.FindTLV(tlvs, wire.TLVInitiatorBootHash)
	}
	if len(v) != sha256.Size {
		return hash, false
	}
	copy(hash[:], v)
	return hash, true
}

// timeNow is a package-level indirection so tests can observe relative
// ordering without depending on wall-clock precision; production callers
// always see real time.
var timeNow = time.Now
