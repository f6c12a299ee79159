package endpoint

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"github.com/ekmixon/dpp/internal/bootstrap"
	"github.com/ekmixon/dpp/internal/dpp"
	"github.com/ekmixon/dpp/internal/dppengine"
	"github.com/ekmixon/dpp/internal/metrics"
	"github.com/ekmixon/dpp/internal/netio"
	"github.com/ekmixon/dpp/internal/relay"
	"github.com/ekmixon/dpp/internal/wire"
)

// errChirpNotEnabled is returned by TriggerChirp when chirping was never
// enabled via EnableChirp.
var errChirpNotEnabled = errors.New("endpoint: chirp not enabled")

// Role selects which of the three interchangeable daemon personalities
// an Endpoint runs as (spec.md §1).
type Role int

const (
	RoleSSS Role = iota
	RoleRelay
	RoleController
)

// chirpInterval is the period between chirp transmissions for a
// responder configured with chirping enabled (spec.md §9 supplemented
// feature 1: "periodically chirps on a small set of frequencies").
const chirpInterval = 2 * time.Second

// Endpoint replaces the reference daemon's global mutable state
// (`srvctx`, `our_ssid`, `discovered`, `bootstrapfile`, `opclass`,
// `channel`, spec.md §9) with one record owned exclusively by the Loop
// goroutine. Every field here is touched only from inside a callback
// dispatched by Loop — there are no mutexes because there is only ever
// one goroutine mutating this state.
type Endpoint struct {
	Role   Role
	Logger *slog.Logger
	Loop   *Loop

	Registry *dpp.Registry
	Demux    *dpp.Demuxer
	Engine   dppengine.Engine
	Store    *bootstrap.Store

	Conn    netio.RadioConn
	LocalMAC wire.MAC

	Metrics *metrics.Collector

	OurSSID string
	OpClass uint8
	Channel uint8

	ChirpEnabled    bool
	chirpTimerID    TimerID
	chirpFreqs      []uint32

	// Relay/Controller only.
	Relay *relay.Manager
}

// New wires an Endpoint for the sss role around an already-open
// RadioConn, building its own Registry. AttachRelay adds a
// relay.Manager; cmd/dppd does not call it (its relay role runs a
// relay.Bridge without an Endpoint). Production
// wiring that needs the Registry before the Engine exists (so a
// Callbacks implementation can resolve Handle to MAC, see NewCallbacks)
// should use NewWithRegistry instead.
func New(role Role, logger *slog.Logger, conn netio.RadioConn, engine dppengine.Engine, store *bootstrap.Store) *Endpoint {
	return NewWithRegistry(role, logger, conn, engine, store, dpp.NewRegistry(logger))
}

// NewWithRegistry is New, but takes a Registry built ahead of time. This
// is the production path (cmd/dppd): the Registry is constructed first,
// handed to a Callbacks so it can translate engine Handles back to MAC
// addresses and Conn sends, and only then is the Engine (and this
// Endpoint) built around it.
func NewWithRegistry(role Role, logger *slog.Logger, conn netio.RadioConn, engine dppengine.Engine, store *bootstrap.Store, reg *dpp.Registry) *Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	ep := &Endpoint{
		Role:     role,
		Logger:   logger,
		Loop:     NewLoop(logger),
		Registry: reg,
		Engine:   engine,
		Store:    store,
		Conn:     conn,
		LocalMAC: conn.LocalMAC(),
	}
	ep.Demux = dpp.NewDemuxer(logger, reg, engine, store)
	reg.AddInterface(&dpp.Interface{Name: "primary", MAC: ep.LocalMAC})

	conn.Subscribe(func(f netio.Frame) {
		ep.Loop.Post(func() { ep.handleFrame(f) })
	})
	return ep
}

// AttachRelay wires a relay.Manager into the Endpoint and starts its
// idle-timeout sweep on the event loop (spec.md §9 supplemented
// feature 2).
func (ep *Endpoint) AttachRelay(mgr *relay.Manager) {
	ep.Relay = mgr
	ep.Loop.AddTimer(time.Second, time.Second, func(now time.Time) {
		for range mgr.ExpireIdle(now) {
			// client states are logged by Manager.ExpireIdle on eviction
		}
	})
}

func (ep *Endpoint) handleFrame(f netio.Frame) {
	if f.Control != nil {
		ep.handleWiredControl(*f.Control)
		return
	}

	af, err := wire.Decode(f.Src, f.Dst, f.Body)
	if err != nil {
		ep.Logger.Debug("dropping malformed frame", "src", f.Src, "err", err)
		if ep.Metrics != nil {
			ep.Metrics.IncFramesDropped("malformed")
		}
		return
	}
	if ep.Metrics != nil {
		ep.Metrics.IncFramesReceived()
	}
	if err := ep.Demux.Route(ep.LocalMAC, af); err != nil {
		ep.Logger.Debug("demux route failed", "frame_type", af.FrameType, "err", err)
		if ep.Metrics != nil {
			reason := "route_error"
			if errors.Is(err, dpp.ErrNoRoute) {
				reason = "no_route"
			}
			ep.Metrics.IncFramesDropped(reason)
		}
	}
}

// handleWiredControl applies a relay-side channel change and records the
// new opclass/channel, mirroring the original's side effect on the
// relay's local radio interface (spec.md §9 supplemented feature 3). The
// preamble's peer MAC is not recorded.
func (ep *Endpoint) handleWiredControl(c netio.WiredControl) {
	if err := ep.Conn.SetChannel(c.OpClass, c.Channel); err != nil {
		ep.Logger.Warn("wired_control channel change failed", "opclass", c.OpClass, "channel", c.Channel, "err", err)
		return
	}
	ep.OpClass, ep.Channel = c.OpClass, c.Channel
}

// EnableChirp starts periodic chirping (spec.md §9 supplemented feature
// 1). freqs is recorded but not used: every chirp goes out on the
// radio's current channel. Calling it again replaces the previous
// schedule.
func (ep *Endpoint) EnableChirp(freqs []uint32) {
	if ep.chirpTimerID != 0 {
		ep.Loop.CancelTimer(ep.chirpTimerID)
	}
	ep.ChirpEnabled = true
	ep.chirpFreqs = freqs
	ep.chirpTimerID = ep.Loop.AddTimer(chirpInterval, chirpInterval, func(time.Time) {
		ep.transmitChirp()
	})
}

// TriggerChirp posts an immediate, out-of-schedule chirp transmission
// onto the Loop, for use by an operator-facing trigger (cmd/dppctl via
// internal/adminapi's /api/v1/chirp) without requiring the caller to be
// the Loop goroutine itself.
func (ep *Endpoint) TriggerChirp() error {
	if !ep.ChirpEnabled {
		return errChirpNotEnabled
	}
	ep.Loop.Post(ep.transmitChirp)
	return nil
}

func (ep *Endpoint) transmitChirp() {
	entries, err := ep.Store.All()
	if err != nil || len(entries) == 0 {
		return
	}
	entry := entries[0]
	der, err := bootstrapDER(entry.SPKIB64)
	if err != nil {
		return
	}
	hash := bootstrap.ChirpHash(der)
	body := wire.EncodeTLVs([]wire.TLV{{Type: wire.TLVResponderBootHash, Value: hash[:]}})
	af := wire.ActionFrame{
		Src:       ep.LocalMAC,
		Dst:       wire.Broadcast,
		Field:     wire.FieldVendorSpecific,
		FrameType: wire.DPPChirp,
		Body:      body,
	}
	_, _ = ep.Conn.SendActionFrame(context.Background(), ep.LocalMAC, wire.Broadcast, wire.Encode(af))
}

func bootstrapDER(spkiB64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(spkiB64)
}
