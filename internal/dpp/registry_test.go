package dpp_test

import (
	"errors"
	"testing"

	"github.com/ekmixon/dpp/internal/dpp"
	"github.com/ekmixon/dpp/internal/dppengine"
	"github.com/ekmixon/dpp/internal/wire"
)

func TestCreateDPPSessionRejectsUnknownInterface(t *testing.T) {
	reg := dpp.NewRegistry(nil)
	engine := dppengine.NewStubEngine(noopCallbacks{})

	_, err := reg.CreateDPPSession(engine, wire.MAC{0x02, 0, 0, 0, 0, 9}, wire.Broadcast, "", dpp.RoleResponder, false, 0)
	if !errors.Is(err, dpp.ErrUnknownInterface) {
		t.Fatalf("expected ErrUnknownInterface, got %v", err)
	}
}

func TestDPPByHandleAndByTID(t *testing.T) {
	myMAC := wire.MAC{0x02, 0, 0, 0, 0, 1}
	peerMAC := wire.MAC{0x02, 0, 0, 0, 0, 2}
	reg := dpp.NewRegistry(nil)
	reg.AddInterface(&dpp.Interface{Name: "wlan0", MAC: myMAC})
	engine := dppengine.NewStubEngine(noopCallbacks{})

	sess, tid, err := reg.CreateDiscoverySession(engine, myMAC, peerMAC, "")
	if err != nil {
		t.Fatalf("CreateDiscoverySession: %v", err)
	}

	byHandle, err := reg.DPPByHandle(sess.Handle)
	if err != nil || byHandle != sess {
		t.Fatalf("DPPByHandle mismatch: %v %v", byHandle, err)
	}
	byTID, err := reg.DPPByTID(tid)
	if err != nil || byTID != sess {
		t.Fatalf("DPPByTID mismatch: %v %v", byTID, err)
	}
}

func TestCreateDiscoverySessionReusesExisting(t *testing.T) {
	myMAC := wire.MAC{0x02, 0, 0, 0, 0, 1}
	peerMAC := wire.MAC{0x02, 0, 0, 0, 0, 2}
	reg := dpp.NewRegistry(nil)
	reg.AddInterface(&dpp.Interface{Name: "wlan0", MAC: myMAC})
	engine := dppengine.NewStubEngine(noopCallbacks{})

	first, _, err := reg.CreateDiscoverySession(engine, myMAC, peerMAC, "")
	if err != nil {
		t.Fatalf("first CreateDiscoverySession: %v", err)
	}
	second, _, err := reg.CreateDiscoverySession(engine, myMAC, peerMAC, "")
	if err != nil {
		t.Fatalf("second CreateDiscoverySession: %v", err)
	}
	if first != second {
		t.Fatal("expected discovery session reuse (Linux-canonical behavior), got a new session")
	}
	if len(reg.DPPSessions()) != 1 {
		t.Fatalf("expected exactly one session, got %d", len(reg.DPPSessions()))
	}
}

func TestDestroyDPPSessionRemovesFromAllIndexes(t *testing.T) {
	myMAC := wire.MAC{0x02, 0, 0, 0, 0, 1}
	peerMAC := wire.MAC{0x02, 0, 0, 0, 0, 2}
	reg := dpp.NewRegistry(nil)
	reg.AddInterface(&dpp.Interface{Name: "wlan0", MAC: myMAC})
	engine := dppengine.NewStubEngine(noopCallbacks{})

	sess, err := reg.CreateDPPSession(engine, myMAC, peerMAC, "", dpp.RoleResponder, false, 0)
	if err != nil {
		t.Fatalf("CreateDPPSession: %v", err)
	}
	reg.DestroyDPPSession(engine, sess)

	if _, err := reg.DPPByHandle(sess.Handle); !errors.Is(err, dpp.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after destroy, got %v", err)
	}
	if len(reg.DPPSessions()) != 0 {
		t.Fatalf("expected no sessions after destroy, got %d", len(reg.DPPSessions()))
	}
}
