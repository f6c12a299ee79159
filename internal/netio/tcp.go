package netio

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/ekmixon/dpp/internal/wire"
)

// ControlSentinel is the first-byte value marking an out-of-band
// wired_control preamble instead of an ordinary action-frame body
// (spec.md §4.7: "the sentinel 0xFF").
const ControlSentinel = 0xff

// DefaultControllerPort is the default inbound port on the relay, i.e.
// the port the controller dials (spec.md §6: "port 8741 inbound
// (controller→relay)").
const DefaultControllerPort = 8741

// DefaultRelayPort is the default outbound port the relay dials on the
// controller (spec.md §6: "8908 outbound (relay→controller)").
const DefaultRelayPort = 8908

// TcpTunnel implements RadioConn over a length-prefixed TCP stream
// (spec.md §4.7): "u32 big-endian length" followed by the body, whose
// first byte is either an action-frame field or ControlSentinel.
//
// TcpTunnel carries one peer's worth of traffic per connection; the
// relay's client-state bookkeeping and broadcast/bkhash correlation
// (spec.md §4.7) live in package relay, layered on top of this transport.
type TcpTunnel struct {
	conn     net.Conn
	r        *bufio.Reader
	localMAC wire.MAC
	logger   *slog.Logger

	writeMu sync.Mutex

	cbMu sync.Mutex
	cb   func(Frame)

	closeOnce sync.Once
}

// NewTcpTunnel wraps an already-connected/accepted net.Conn.
func NewTcpTunnel(conn net.Conn, localMAC wire.MAC, logger *slog.Logger) *TcpTunnel {
	if logger == nil {
		logger = slog.Default()
	}
	return &TcpTunnel{
		conn:     conn,
		r:        bufio.NewReader(conn),
		localMAC: localMAC,
		logger:   logger,
	}
}

// DialTcpTunnel connects to addr (host:port) and wraps the connection.
func DialTcpTunnel(ctx context.Context, addr string, localMAC wire.MAC, logger *slog.Logger) (*TcpTunnel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: dial tcp tunnel %s: %w", addr, err)
	}
	return NewTcpTunnel(conn, localMAC, logger), nil
}

// SendActionFrame implements RadioConn by writing a length-prefixed frame
// whose body is [field byte][payload], as spec.md §4.7 describes for
// ordinary DPP/GAS messages (src/dst are not carried on the wire here;
// the daemon's wired_control preamble conveys the relevant peer MAC
// separately).
func (t *TcpTunnel) SendActionFrame(_ context.Context, _, _ wire.MAC, body []byte) (int, error) {
	if err := t.writeFrame(body); err != nil {
		return 0, err
	}
	return len(body), nil
}

// SendControl writes the wired_control preamble (spec.md §4.7).
func (t *TcpTunnel) SendControl(c WiredControl) error {
	body := make([]byte, 1+wire.MACLen+2)
	body[0] = ControlSentinel
	copy(body[1:1+wire.MACLen], c.PeerMAC[:])
	body[1+wire.MACLen] = c.OpClass
	body[1+wire.MACLen+1] = c.Channel
	return t.writeFrame(body)
}

func (t *TcpTunnel) writeFrame(body []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := t.conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("netio: write tcp tunnel length: %w", err)
	}
	if _, err := t.conn.Write(body); err != nil {
		return fmt.Errorf("netio: write tcp tunnel body: %w", err)
	}
	return nil
}

// SetChannel implements RadioConn as a no-op success: channel changes on
// the relay's wire side apply to its local radio interface, not the TCP
// tunnel itself.
func (t *TcpTunnel) SetChannel(_, _ uint8) error { return nil }

// Subscribe implements RadioConn.
func (t *TcpTunnel) Subscribe(cb func(Frame)) {
	t.cbMu.Lock()
	t.cb = cb
	t.cbMu.Unlock()
}

// Close implements RadioConn.
func (t *TcpTunnel) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.conn.Close() })
	return err
}

// LocalMAC implements RadioConn.
func (t *TcpTunnel) LocalMAC() wire.MAC { return t.localMAC }

// ReadLoop reads frames until the connection closes or ctx is cancelled,
// invoking the subscribed callback for each. It is meant to run on its
// own goroutine; callbacks must not block (spec.md §4.8) and must hand
// off to the event loop via Loop.Post (package endpoint) rather than
// mutating loop-owned state directly.
func (t *TcpTunnel) ReadLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame, err := t.readFrame()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("netio: tcp tunnel read: %w", err)
		}
		t.cbMu.Lock()
		cb := t.cb
		t.cbMu.Unlock()
		if cb != nil {
			cb(frame)
		}
	}
}

func (t *TcpTunnel) readFrame() (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(t.r, hdr[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	body := make([]byte, length)
	if _, err := io.ReadFull(t.r, body); err != nil {
		return Frame{}, err
	}
	if len(body) == 0 {
		return Frame{}, fmt.Errorf("netio: tcp tunnel empty frame: %w", wire.ErrMalformed)
	}

	if body[0] == ControlSentinel {
		if len(body) < 1+wire.MACLen+2 {
			return Frame{}, fmt.Errorf("netio: tcp tunnel malformed wired_control: %w", wire.ErrMalformed)
		}
		var peer wire.MAC
		copy(peer[:], body[1:1+wire.MACLen])
		return Frame{Control: &WiredControl{
			PeerMAC: peer,
			OpClass: body[1+wire.MACLen],
			Channel: body[1+wire.MACLen+1],
		}}, nil
	}

	return Frame{Body: body}, nil
}
