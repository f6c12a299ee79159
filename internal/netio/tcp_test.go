package netio_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ekmixon/dpp/internal/netio"
	"github.com/ekmixon/dpp/internal/wire"
)

func pipeTunnels(t *testing.T) (*netio.TcpTunnel, *netio.TcpTunnel) {
	t.Helper()
	a, b := net.Pipe()
	macA := wire.MAC{0x02, 0, 0, 0, 0, 1}
	macB := wire.MAC{0x02, 0, 0, 0, 0, 2}
	return netio.NewTcpTunnel(a, macA, nil), netio.NewTcpTunnel(b, macB, nil)
}

func TestTcpTunnelActionFrameRoundTrip(t *testing.T) {
	left, right := pipeTunnels(t)
	defer left.Close()
	defer right.Close()

	received := make(chan netio.Frame, 1)
	right.Subscribe(func(f netio.Frame) { received <- f })
	go right.ReadLoop(context.Background())

	body := []byte{0x0a, 0x01, 0x02, 0x03}
	if _, err := left.SendActionFrame(context.Background(), wire.MAC{}, wire.MAC{}, body); err != nil {
		t.Fatalf("SendActionFrame: %v", err)
	}

	select {
	case f := <-received:
		if f.Control != nil {
			t.Fatalf("expected ordinary frame, got control %+v", f.Control)
		}
		if string(f.Body) != string(body) {
			t.Fatalf("body mismatch: got %v want %v", f.Body, body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestTcpTunnelControlPreamble(t *testing.T) {
	left, right := pipeTunnels(t)
	defer left.Close()
	defer right.Close()

	received := make(chan netio.Frame, 1)
	right.Subscribe(func(f netio.Frame) { received <- f })
	go right.ReadLoop(context.Background())

	ctrl := netio.WiredControl{PeerMAC: wire.MAC{0x02, 0, 0, 0, 0, 0x20}, OpClass: 81, Channel: 6}
	if err := left.SendControl(ctrl); err != nil {
		t.Fatalf("SendControl: %v", err)
	}

	select {
	case f := <-received:
		if f.Control == nil {
			t.Fatal("expected control preamble, got ordinary frame")
		}
		if *f.Control != ctrl {
			t.Fatalf("control mismatch: got %+v want %+v", *f.Control, ctrl)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control preamble")
	}
}
