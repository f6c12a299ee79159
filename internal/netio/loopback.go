package netio

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ekmixon/dpp/internal/wire"
)

// pseudoHeaderLen is the size of the 4-byte pseudo-AF header that a
// loopback device puts ahead of the 802.11 header (spec.md §4.1). The
// in-process Loopback below does not use it: it hands frame bodies to
// other Bus members as-is, with no pseudo-AF or 802.11 header.
const pseudoHeaderLen = 4

// Loopback is an in-process RadioConn used for local testing and for the
// loopback echo scenario in spec.md §8, run as two endpoints in one
// process. Frames written by one Loopback are delivered to every other
// Loopback sharing the same Bus; a Bus does not reach other processes.
type Loopback struct {
	mu       sync.Mutex
	bus      *Bus
	localMAC wire.MAC
	cb       func(Frame)
	closed   bool
	logger   *slog.Logger
}

// Bus fans out frames between every Loopback registered on it, modeling a
// shared medium the way two daemons on the same `lo` interface would see
// each other's transmissions.
type Bus struct {
	mu      sync.Mutex
	members []*Loopback
}

// NewBus creates an empty shared medium.
func NewBus() *Bus { return &Bus{} }

func (b *Bus) join(l *Loopback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members = append(b.members, l)
}

func (b *Bus) leave(l *Loopback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, m := range b.members {
		if m == l {
			b.members = append(b.members[:i], b.members[i+1:]...)
			return
		}
	}
}

func (b *Bus) deliver(from *Loopback, f Frame) {
	b.mu.Lock()
	members := make([]*Loopback, len(b.members))
	copy(members, b.members)
	b.mu.Unlock()

	for _, m := range members {
		if m == from {
			continue
		}
		m.receive(f)
	}
}

// RandomMAC generates 6 random bytes with the locally-administered bit
// set, matching spec.md §3's "for loopback simulation, 6 random bytes".
func RandomMAC() (wire.MAC, error) {
	var m wire.MAC
	if _, err := rand.Read(m[:]); err != nil {
		return m, fmt.Errorf("netio: generate random mac: %w", err)
	}
	m[0] |= 0x02
	m[0] &^= 0x01
	return m, nil
}

// NewLoopback joins bus with the given local MAC.
func NewLoopback(bus *Bus, localMAC wire.MAC, logger *slog.Logger) *Loopback {
	l := &Loopback{bus: bus, localMAC: localMAC, logger: logger}
	bus.join(l)
	return l
}

// SendActionFrame implements RadioConn.
func (l *Loopback) SendActionFrame(_ context.Context, src, dst wire.MAC, body []byte) (int, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	l.bus.deliver(l, Frame{Src: src, Dst: dst, Body: append([]byte(nil), body...)})
	return len(body), nil
}

// SetChannel implements RadioConn: loopback reports success without side
// effect (spec.md §4.1).
func (l *Loopback) SetChannel(opclass, channel uint8) error {
	_, err := resolveFrequency(l.logger, opclass, channel)
	return err
}

// Subscribe implements RadioConn.
func (l *Loopback) Subscribe(cb func(Frame)) {
	l.mu.Lock()
	l.cb = cb
	l.mu.Unlock()
}

func (l *Loopback) receive(f Frame) {
	l.mu.Lock()
	cb := l.cb
	closed := l.closed
	l.mu.Unlock()
	if closed || cb == nil {
		return
	}
	if !applyReceiveFilters(l.localMAC, f) {
		return
	}
	cb(f)
}

// Close implements RadioConn.
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.bus.leave(l)
	return nil
}

// LocalMAC implements RadioConn.
func (l *Loopback) LocalMAC() wire.MAC { return l.localMAC }
