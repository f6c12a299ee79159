package dpp_test

import (
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/ekmixon/dpp/internal/bootstrap"
	"github.com/ekmixon/dpp/internal/dpp"
	"github.com/ekmixon/dpp/internal/dppengine"
	"github.com/ekmixon/dpp/internal/wire"
)

type noopCallbacks struct{}

func (noopCallbacks) TransmitAuthFrame(dppengine.Handle, []byte) error                  { return nil }
func (noopCallbacks) TransmitConfigFrame(dppengine.Handle, wire.PublicActionField, []byte) error { return nil }
func (noopCallbacks) TransmitDiscoveryFrame(dppengine.Handle, []byte, uint8) error       { return nil }
func (noopCallbacks) TransmitPKEXFrame(dppengine.Handle, []byte) error                  { return nil }
func (noopCallbacks) ChangeChannel(uint8, uint8) error                                  { return nil }
func (noopCallbacks) ChangeFreq(uint32) error                                           { return nil }
func (noopCallbacks) ProvisionConnector(dppengine.Handle, []byte) error                 { return nil }
func (noopCallbacks) SaveBootstrapKey(dppengine.Handle, wire.MAC, []byte) error         { return nil }
func (noopCallbacks) Term(dppengine.Handle, int)                                       {}

func newTestDemuxer(t *testing.T, myMAC wire.MAC) (*dpp.Demuxer, *dpp.Registry, dppengine.Engine) {
	t.Helper()
	reg := dpp.NewRegistry(nil)
	reg.AddInterface(&dpp.Interface{Name: "wlan0", MAC: myMAC})
	engine := dppengine.NewStubEngine(noopCallbacks{})
	store := bootstrap.New(filepath.Join(t.TempDir(), "bootstrap.txt"))
	return dpp.NewDemuxer(nil, reg, engine, store), reg, engine
}

func TestRouteAuthRequestCreatesResponderSession(t *testing.T) {
	myMAC := wire.MAC{0x02, 0, 0, 0, 0, 1}
	peerMAC := wire.MAC{0x02, 0, 0, 0, 0, 2}
	dmx, reg, _ := newTestDemuxer(t, myMAC)

	af := wire.ActionFrame{Src: peerMAC, Dst: wire.Broadcast, Field: wire.FieldVendorSpecific, FrameType: wire.DPPAuthRequest}
	if err := dmx.Route(myMAC, af); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if _, err := reg.DPPByMAC(myMAC, peerMAC); err != nil {
		t.Fatalf("expected session to exist after AUTH_REQ: %v", err)
	}
}

func TestRouteUnknownFieldDropped(t *testing.T) {
	myMAC := wire.MAC{0x02, 0, 0, 0, 0, 1}
	dmx, reg, _ := newTestDemuxer(t, myMAC)

	before := len(reg.DPPSessions())
	af := wire.ActionFrame{Src: wire.MAC{0x02, 0, 0, 0, 0, 9}, Field: 0x42}
	if err := dmx.Route(myMAC, af); err == nil {
		t.Fatal("expected error for unsupported field")
	}
	if len(reg.DPPSessions()) != before {
		t.Fatalf("session tables changed on unknown-field drop")
	}
}

// TestLateBindingRewritesBroadcastPeer is the testable property from
// spec.md §8: a PKEX session created with peer=broadcast and later
// receiving a unicast PKEX_EXCH_RESP from M mutates its peer_mac to M
// exactly once.
func TestLateBindingRewritesBroadcastPeer(t *testing.T) {
	myMAC := wire.MAC{0x02, 0, 0, 0, 0, 1}
	peerMAC := wire.MAC{0x02, 0, 0, 0, 0, 0x10}
	dmx, reg, engine := newTestDemuxer(t, myMAC)

	sess, err := reg.CreatePKEXSession(engine, myMAC, wire.Broadcast, 2)
	if err != nil {
		t.Fatalf("CreatePKEXSession: %v", err)
	}
	if sess.PeerMAC() != wire.Broadcast {
		t.Fatalf("expected initial broadcast peer, got %s", sess.PeerMAC())
	}

	af := wire.ActionFrame{Src: peerMAC, Field: wire.FieldVendorSpecific, FrameType: wire.DPPPKEXExchangeResp}
	if err := dmx.Route(myMAC, af); err != nil {
		t.Fatalf("Route: %v", err)
	}

	got, err := reg.PKEXByMAC(myMAC, peerMAC)
	if err != nil {
		t.Fatalf("PKEXByMAC after late binding: %v", err)
	}
	if got != sess {
		t.Fatalf("late binding created a new session instead of rebinding")
	}
	if got.PeerMAC() != peerMAC {
		t.Fatalf("peer not rewritten: got %s want %s", got.PeerMAC(), peerMAC)
	}
}

func TestChirpResolverCreatesInitiatorSession(t *testing.T) {
	myMAC := wire.MAC{0x02, 0, 0, 0, 0, 1}
	peerMAC := wire.MAC{0x02, 0, 0, 0, 0, 2}
	dmx, reg, _ := newTestDemuxer(t, myMAC)

	store := bootstrap.New(filepath.Join(t.TempDir(), "bs.txt"))
	der := []byte{0x30, 0x10, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	spkiB64 := base64.StdEncoding.EncodeToString(der)
	if _, err := store.Append(81, 6, peerMAC, spkiB64); err != nil {
		t.Fatalf("Append: %v", err)
	}
	dmx2 := dpp.NewDemuxer(nil, reg, dppengine.NewStubEngine(noopCallbacks{}), store)

	hash := bootstrap.ChirpHash(der)
	af := wire.ActionFrame{
		Src:       peerMAC,
		Field:     wire.FieldVendorSpecific,
		FrameType: wire.DPPChirp,
		Body:      wire.EncodeTLVs([]wire.TLV{{Type: wire.TLVResponderBootHash, Value: hash[:]}}),
	}
	if err := dmx2.Route(myMAC, af); err != nil {
		t.Fatalf("Route chirp: %v", err)
	}
	if _, err := reg.DPPByMAC(myMAC, peerMAC); err != nil {
		t.Fatalf("expected initiator session created on chirp match: %v", err)
	}
	_ = dmx
}
