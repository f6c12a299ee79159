package relay_test

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ekmixon/dpp/internal/netio"
	"github.com/ekmixon/dpp/internal/relay"
	"github.com/ekmixon/dpp/internal/wire"
)

// fakeController accepts exactly one TCP connection and gives the test
// read/write access to its frames, standing in for the controller side
// of a gratuitous relay connect.
type fakeController struct {
	ln       net.Listener
	conn     net.Conn
	accepted chan net.Conn
}

func startFakeController(t *testing.T) *fakeController {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fc := &fakeController{ln: ln}
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })

	// Accept happens asynchronously with the relay's dial; callers grab
	// fc.conn after triggering the dial via waitAccept.
	fc.accepted = accepted
	return fc
}

func (fc *fakeController) waitAccept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-fc.accepted:
		fc.conn = c
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay to dial controller")
		return nil
	}
}

func readFrameBody(t *testing.T, r net.Conn) []byte {
	t.Helper()
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		t.Fatalf("read length: %v", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return body
}

func writeFrameBody(t *testing.T, w net.Conn, body []byte) {
	t.Helper()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		t.Fatalf("write length: %v", err)
	}
	if _, err := w.Write(body); err != nil {
		t.Fatalf("write body: %v", err)
	}
}

// TestBridgeForwardsAirAuthRequestToController exercises the gratuitous
// creation path (spec.md §4.7): an AUTH_REQ from a new peer over the air
// dials the controller and forwards the raw frame body unchanged.
func TestBridgeForwardsAirAuthRequestToController(t *testing.T) {
	fc := startFakeController(t)

	bus := netio.NewBus()
	peerMAC := wire.MAC{0x02, 0, 0, 0, 0, 1}
	relayMAC := wire.MAC{0x02, 0, 0, 0, 0, 2}

	peerConn := netio.NewLoopback(bus, peerMAC, nil)
	airConn := netio.NewLoopback(bus, relayMAC, nil)

	mgr := relay.NewManager(nil, relay.DefaultIdleTimeout)
	relay.NewBridge(nil, airConn, mgr, fc.ln.Addr().String())

	af := wire.ActionFrame{
		Src:       peerMAC,
		Dst:       wire.Broadcast,
		Field:     wire.FieldVendorSpecific,
		FrameType: wire.DPPAuthRequest,
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := peerConn.SendActionFrame(ctx, peerMAC, wire.Broadcast, wire.Encode(af)); err != nil {
		t.Fatalf("SendActionFrame: %v", err)
	}

	conn := fc.waitAccept(t)
	got := readFrameBody(t, conn)
	want := wire.Encode(af)
	if string(got) != string(want) {
		t.Fatalf("controller got %x, want %x", got, want)
	}

	if cs, ok := mgr.ByPeerMAC(peerMAC); !ok || cs == nil {
		t.Fatal("expected a client state registered for the peer")
	}
}

// TestBridgeForwardsControllerFrameToAir exercises the reverse direction:
// a controller-originated frame on an already-tunnelled client state is
// forwarded back out over the air to that peer.
func TestBridgeForwardsControllerFrameToAir(t *testing.T) {
	fc := startFakeController(t)

	bus := netio.NewBus()
	peerMAC := wire.MAC{0x02, 0, 0, 0, 0, 1}
	relayMAC := wire.MAC{0x02, 0, 0, 0, 0, 2}

	peerConn := netio.NewLoopback(bus, peerMAC, nil)
	airConn := netio.NewLoopback(bus, relayMAC, nil)

	var gotOnAir netio.Frame
	received := make(chan struct{}, 1)
	peerConn.Subscribe(func(f netio.Frame) {
		gotOnAir = f
		received <- struct{}{}
	})

	mgr := relay.NewManager(nil, relay.DefaultIdleTimeout)
	relay.NewBridge(nil, airConn, mgr, fc.ln.Addr().String())

	af := wire.ActionFrame{
		Src:       peerMAC,
		Dst:       wire.Broadcast,
		Field:     wire.FieldVendorSpecific,
		FrameType: wire.DPPAuthRequest,
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := peerConn.SendActionFrame(ctx, peerMAC, wire.Broadcast, wire.Encode(af)); err != nil {
		t.Fatalf("SendActionFrame: %v", err)
	}
	conn := fc.waitAccept(t)
	_ = readFrameBody(t, conn)

	resp := wire.ActionFrame{
		Src:       wire.MAC{},
		Dst:       wire.MAC{},
		Field:     wire.FieldVendorSpecific,
		FrameType: wire.DPPAuthResponse,
	}
	writeFrameBody(t, conn, wire.Encode(resp))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay to forward controller frame to air")
	}

	if gotOnAir.Src != relayMAC {
		t.Fatalf("forwarded frame src = %v, want %v", gotOnAir.Src, relayMAC)
	}
	if string(gotOnAir.Body) != string(wire.Encode(resp)) {
		t.Fatalf("forwarded body mismatch")
	}
}
