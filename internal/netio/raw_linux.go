//go:build linux

package netio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ekmixon/dpp/internal/wire"
)

// etherTypeDPP is a private EtherType used to wrap DPP Public Action
// bodies over AF_PACKET on interfaces without a real nl80211 driver
// underneath (test rigs, CI, containers). Hostapd-driven deployments use
// Nl80211Conn instead (nl80211_linux.go); RawPacket is the fallback
// spec.md §9 calls "transport polymorphism" across platforms.
const etherTypeDPP = 0x88b7

// htons converts a host-order uint16 to the network order AF_PACKET
// expects in SockaddrLinklayer.Protocol.
func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.LittleEndian.Uint16(b[:])
}

// RawPacket implements RadioConn over an AF_PACKET raw socket bound to a
// single interface, framing each action-frame body in a minimal Ethernet
// header (dst[6] src[6] ethertype[2]) so ordinary switches/taps pass it
// through unmolested.
type RawPacket struct {
	fd      int
	ifIndex int
	local   wire.MAC
	logger  *slog.Logger

	mu     sync.Mutex
	cb     func(Frame)
	closed bool

	stopCh chan struct{}
}

// NewRawPacket opens and binds an AF_PACKET socket on ifaceName.
func NewRawPacket(ifaceName string, logger *slog.Logger) (*RawPacket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("netio: interface %s not found: %w", ifaceName, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(etherTypeDPP)))
	if err != nil {
		return nil, fmt.Errorf("netio: open raw socket: %w", err)
	}

	addr := unix.SockaddrLinklayer{
		Protocol: htons(etherTypeDPP),
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netio: bind raw socket to %s: %w", ifaceName, err)
	}

	if err := attachEtherTypeFilter(fd, etherTypeDPP); err != nil {
		if logger != nil {
			logger.Warn("bpf pre-filter not installed, falling back to userspace filtering", "err", err)
		}
	}

	var local wire.MAC
	copy(local[:], ifi.HardwareAddr)

	r := &RawPacket{
		fd:      fd,
		ifIndex: ifi.Index,
		local:   local,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

// SendActionFrame implements RadioConn.
func (r *RawPacket) SendActionFrame(_ context.Context, src, dst wire.MAC, body []byte) (int, error) {
	pkt := make([]byte, 6+6+2+len(body))
	copy(pkt[0:6], dst[:])
	copy(pkt[6:12], src[:])
	binary.BigEndian.PutUint16(pkt[12:14], etherTypeDPP)
	copy(pkt[14:], body)

	ll := unix.SockaddrLinklayer{Ifindex: r.ifIndex}
	if err := unix.Sendto(r.fd, pkt, 0, &ll); err != nil {
		return 0, fmt.Errorf("netio: sendto raw socket: %w", err)
	}
	return len(body), nil
}

// SetChannel implements RadioConn. Real channel switching requires an
// nl80211 driver handle (see Nl80211Conn); on a plain AF_PACKET tap we
// only validate the (opclass, channel) pair against regdb.
func (r *RawPacket) SetChannel(opclass, channel uint8) error {
	_, err := resolveFrequency(r.logger, opclass, channel)
	return err
}

// Subscribe implements RadioConn.
func (r *RawPacket) Subscribe(cb func(Frame)) {
	r.mu.Lock()
	r.cb = cb
	r.mu.Unlock()
}

func (r *RawPacket) readLoop() {
	buf := make([]byte, 2048)
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		n, _, err := unix.Recvfrom(r.fd, buf, 0)
		if err != nil {
			r.logger.Warn("raw socket recvfrom failed", "err", err)
			return
		}
		if n < 14 {
			continue
		}

		var dst, src wire.MAC
		copy(dst[:], buf[0:6])
		copy(src[:], buf[6:12])
		ethertype := binary.BigEndian.Uint16(buf[12:14])
		if ethertype != etherTypeDPP {
			continue
		}

		f := Frame{Src: src, Dst: dst, Body: append([]byte(nil), buf[14:n]...)}
		if !applyReceiveFilters(r.local, f) {
			continue
		}

		r.mu.Lock()
		cb := r.cb
		r.mu.Unlock()
		if cb != nil {
			cb(f)
		}
	}
}

// Close implements RadioConn.
func (r *RawPacket) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stopCh)
	return unix.Close(r.fd)
}

// LocalMAC implements RadioConn.
func (r *RawPacket) LocalMAC() wire.MAC { return r.local }
