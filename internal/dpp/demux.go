package dpp

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ekmixon/dpp/internal/bootstrap"
	"github.com/ekmixon/dpp/internal/dppengine"
	"github.com/ekmixon/dpp/internal/metrics"
	"github.com/ekmixon/dpp/internal/wire"
)

// ErrNoRoute is logged (never fatal, spec.md §4.4) when an inbound frame
// matches no entry in the demux table and is not one of the frame types
// allowed to gratuitously create a session.
var ErrNoRoute = errors.New("dpp: no route for frame")

// gratuitous lists the frame types permitted to create a session on a
// routing miss (spec.md §7c): AUTH_REQ, CHIRP, PKEX_EXCH_REQ.
func isGratuitous(ft wire.FrameType) bool {
	switch ft {
	case wire.DPPAuthRequest, wire.DPPChirp, wire.DPPPKEXExchangeReq:
		return true
	default:
		return false
	}
}

// Demuxer implements the Frame Demultiplexer (spec.md §4.4): it classifies
// an inbound ActionFrame by (field, frame_type) and routes it to the
// Registry/Engine, or to the Chirp Resolver (package bootstrap).
type Demuxer struct {
	logger   *slog.Logger
	registry *Registry
	engine   dppengine.Engine
	store    *bootstrap.Store
	metrics  *metrics.Collector

	// OurSSID is compared against beacon-carried SSIDs to trigger
	// discovery on not-yet-discovered peers (spec.md §4.4 last row).
	OurSSID string
	// discoveredBeacon tracks which peer MACs we have already started
	// discovery against via a beacon match, so repeated beacons don't
	// spawn duplicate discovery attempts.
	discoveredBeacon map[wire.MAC]bool
}

// NewDemuxer constructs a Demuxer bound to one role's registry, engine,
// and bootstrap store.
func NewDemuxer(logger *slog.Logger, registry *Registry, engine dppengine.Engine, store *bootstrap.Store) *Demuxer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Demuxer{
		logger:           logger,
		registry:         registry,
		engine:           engine,
		store:            store,
		discoveredBeacon: make(map[wire.MAC]bool),
	}
}

// SetMetrics attaches the Collector the Chirp Resolver records lookup
// hit/miss outcomes against (spec.md §4.6). Safe to leave unset.
func (d *Demuxer) SetMetrics(c *metrics.Collector) { d.metrics = c }

// Route implements the demux table in spec.md §4.4. It never returns an
// error that should be treated as fatal to the daemon (spec.md §4.4:
// "Demultiplex errors are logged but never fatal"); callers should log
// and continue on any returned error.
func (d *Demuxer) Route(myMAC wire.MAC, af wire.ActionFrame) error {
	if af.Field.IsGAS() {
		return d.routeGAS(myMAC, af)
	}
	if af.Field != wire.FieldVendorSpecific {
		return fmt.Errorf("route: %w: field %#x", ErrNoRoute, af.Field)
	}
	return d.routeVendor(myMAC, af)
}

func (d *Demuxer) routeVendor(myMAC wire.MAC, af wire.ActionFrame) error {
	switch af.FrameType {
	case wire.DPPAuthRequest, wire.DPPAuthResponse, wire.DPPAuthConfirm:
		sess, err := d.registry.DPPByMAC(myMAC, af.Src)
		if err != nil {
			if af.FrameType == wire.DPPAuthRequest {
				return d.createResponderSession(myMAC, af)
			}
			return fmt.Errorf("route auth: %w", err)
		}
		return d.engine.ProcessAuthFrame(sess.Handle, af.Body)

	case wire.DPPPeerDiscoverReq:
		sess, tid, err := d.registry.CreateDiscoverySession(d.engine, myMAC, af.Src, "")
		if err != nil {
			return fmt.Errorf("route discover req: %w", err)
		}
		_, _, err = d.engine.ProcessDiscoveryFrame(sess.Handle, af.Body, tid)
		return err

	case wire.DPPPeerDiscoverResp:
		sess, err := d.registry.DPPByMAC(myMAC, af.Src)
		if err != nil {
			return fmt.Errorf("route discover resp: %w", err)
		}
		_, _, err = d.engine.ProcessDiscoveryFrame(sess.Handle, af.Body, sess.TID)
		return err

	case wire.DPPConfigResult:
		sess, err := d.registry.DPPByMAC(myMAC, af.Src)
		if err != nil {
			return fmt.Errorf("route config result: %w", err)
		}
		return d.engine.ProcessConfigFrame(sess.Handle, af.Field, af.Body)

	case wire.DPPPKEXv1Request:
		sess, err := d.registry.CreatePKEXSession(d.engine, myMAC, af.Src, 1)
		if err != nil {
			return fmt.Errorf("route pkex v1 req: %w", err)
		}
		d.engine.PKEXUpdateMACs(sess.Handle, myMAC, af.Src)
		return d.engine.ProcessPKEXFrame(sess.Handle, af.Body)

	case wire.DPPPKEXExchangeReq:
		sess, err := d.registry.PKEXByMAC(myMAC, af.Src)
		if err != nil {
			sess, err = d.registry.CreatePKEXSession(d.engine, myMAC, af.Src, 2)
			if err != nil {
				return fmt.Errorf("route pkex exch req: %w", err)
			}
		}
		return d.engine.ProcessPKEXFrame(sess.Handle, af.Body)

	case wire.DPPPKEXExchangeResp, wire.DPPPKEXRevealReq, wire.DPPPKEXRevealResp:
		sess, err := d.registry.PKEXByMAC(myMAC, af.Src)
		if err != nil {
			return fmt.Errorf("route pkex: %w", err)
		}
		return d.engine.ProcessPKEXFrame(sess.Handle, af.Body)

	case wire.DPPChirp:
		return d.routeChirp(myMAC, af)

	default:
		return fmt.Errorf("route: %w: frame_type %d", ErrNoRoute, af.FrameType)
	}
}

func (d *Demuxer) routeGAS(myMAC wire.MAC, af wire.ActionFrame) error {
	sess, err := d.registry.DPPByMAC(myMAC, af.Src)
	if err != nil {
		return fmt.Errorf("route gas: %w", err)
	}
	return d.engine.ProcessConfigFrame(sess.Handle, af.Field, af.Body)
}

// createResponderSession handles a routing-miss AUTH_REQ, one of the
// frame types allowed to gratuitously create a session (spec.md §7c).
func (d *Demuxer) createResponderSession(myMAC wire.MAC, af wire.ActionFrame) error {
	sess, err := d.registry.CreateDPPSession(d.engine, myMAC, af.Src, "", RoleResponder, false, 0)
	if err != nil {
		return fmt.Errorf("create responder session: %w", err)
	}
	return d.engine.ProcessAuthFrame(sess.Handle, af.Body)
}

// routeChirp implements spec.md §4.6, the Chirp Resolver: on match it
// creates an initiator DPP session against the chirping peer.
func (d *Demuxer) routeChirp(myMAC wire.MAC, af wire.ActionFrame) error {
	tlvs := wire.DecodeTLVs(af.Body)
	h := wire.FindTLV(tlvs, wire.TLVResponderBootHash)
	if h == nil || len(h) != 32 {
		return fmt.Errorf("route chirp: %w", wire.ErrMalformed)
	}
	var target [32]byte
	copy(target[:], h)

	entry, err := d.store.ByChirpHash(target)
	if d.metrics != nil {
		d.metrics.RecordBootstrapLookup(err == nil)
	}
	if err != nil {
		d.logger.Info("chirp hash matched no bootstrap entry", "peer_mac", af.Src)
		return nil
	}

	sess, err := d.registry.CreateDPPSession(d.engine, myMAC, af.Src, entry.SPKIB64, RoleInitiator, false, 0)
	if err != nil {
		return fmt.Errorf("route chirp: %w", err)
	}
	d.logger.Info("chirp matched bootstrap entry, initiating", "peer_mac", af.Src, "bootstrap_index", entry.Index)
	return d.engine.ProcessAuthFrame(sess.Handle, nil)
}

// RouteBeacon implements the last row of spec.md §4.4's demux table:
// beacons are matched against OurSSID for not-yet-discovered peers.
func (d *Demuxer) RouteBeacon(myMAC wire.MAC, src wire.MAC, ssid string) error {
	if d.OurSSID == "" || ssid != d.OurSSID {
		return nil
	}
	if d.discoveredBeacon[src] {
		return nil
	}
	sess, tid, err := d.registry.CreateDiscoverySession(d.engine, myMAC, src, "")
	if err != nil {
		return fmt.Errorf("route beacon: %w", err)
	}
	d.discoveredBeacon[src] = true
	if !d.engine.BeginDiscovery(tid) {
		return fmt.Errorf("route beacon: engine declined discovery for tid %d", tid)
	}
	_ = sess
	return nil
}
