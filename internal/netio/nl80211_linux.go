//go:build linux

package netio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ekmixon/dpp/internal/wire"
)

// nl80211 generic netlink constants this adapter needs (spec.md §4.1:
// "submits an NL80211_CMD_FRAME netlink message"). Only the subset the
// Frame I/O Adapter exercises is defined; the rest of the nl80211 family
// (scanning, station management, ...) is out of scope (spec.md §1).
const (
	genlIDCtrl      = 0x10
	ctrlCmdGetFamily = 3
	ctrlAttrFamilyID = 1
	ctrlAttrFamilyName = 2
	ctrlAttrMcastGroups = 7
	ctrlAttrMcastGrpName = 1
	ctrlAttrMcastGrpID   = 2

	nl80211FamilyName = "nl80211"
	nl80211MlmeGroup  = "mlme"

	nl80211CmdFrame        = 56
	nl80211CmdSetChannel   = 65
	nl80211CmdFrameRxAuto  = 33 // NL80211_CMD_FRAME (rx) reuses CMD_FRAME=56 too; kept for clarity in comments

	nl80211AttrIfindex       = 3
	nl80211AttrFrame         = 51
	nl80211AttrFrameRxFreq   = 66 // NL80211_ATTR_WIPHY_FREQ reused on rx events
	nl80211AttrDuration      = 57
	nl80211AttrOffchannelOK  = 109
	nl80211AttrWiphyFreq     = 38
	nl80211AttrChannelWidth  = 159

	publicActionMaxROC = 500 // milliseconds, per spec.md §4.1 for public-action frames
)

// nlAttr encodes one netlink attribute (type, value) pair with the
// standard 4-byte-aligned TLV framing every nl80211 message attribute
// uses.
func nlAttr(attrType uint16, value []byte) []byte {
	l := 4 + len(value)
	buf := make([]byte, align4(l))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(l))
	binary.LittleEndian.PutUint16(buf[2:4], attrType)
	copy(buf[4:], value)
	return buf
}

func nlAttrU32(attrType uint16, v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return nlAttr(attrType, b)
}

func nlAttrFlag(attrType uint16) []byte {
	return nlAttr(attrType, nil)
}

func align4(n int) int { return (n + 3) &^ 3 }

// Nl80211Conn implements RadioConn by submitting NL80211_CMD_FRAME
// generic-netlink messages for transmit (spec.md §4.1) and decoding
// inbound CMD_FRAME multicast notifications on the "mlme" group for
// receive. Off-channel transmit duration is fixed at 500ms for Public
// Action frames per spec.md §4.1. GAS frames go through the same
// SendActionFrame with the same 500ms duration; the adapter does not
// query or apply the driver's maximum remain-on-channel time.
type Nl80211Conn struct {
	fd       int
	familyID uint16
	ifIndex  uint32
	local    wire.MAC
	logger   *slog.Logger

	offchannelOK bool

	seq    atomic.Uint32
	portID uint32

	mu     sync.Mutex
	cb     func(Frame)
	closed bool
	stopCh chan struct{}
}

// NewNl80211Conn opens a generic netlink socket, resolves the nl80211
// family id and "mlme" multicast group, joins that group for frame
// receive notifications, and binds operations to ifIndex.
func NewNl80211Conn(ifIndex uint32, local wire.MAC, offchannelOK bool, logger *slog.Logger) (*Nl80211Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_GENERIC)
	if err != nil {
		return nil, fmt.Errorf("netio: open genl socket: %w", err)
	}

	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netio: bind genl socket: %w", err)
	}

	n := &Nl80211Conn{fd: fd, ifIndex: ifIndex, local: local, logger: logger, offchannelOK: offchannelOK, stopCh: make(chan struct{})}
	n.portID = uint32(unix.Getpid())

	familyID, mlmeGroup, err := n.resolveFamily()
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netio: resolve nl80211 family: %w", err)
	}
	n.familyID = familyID

	if mlmeGroup != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_NETLINK, unix.NETLINK_ADD_MEMBERSHIP, int(mlmeGroup)); err != nil {
			logger.Warn("nl80211 mlme multicast join failed, inbound frames will not be delivered", "err", err)
		}
	}

	go n.readLoop()
	return n, nil
}

// resolveFamily asks GENL_ID_CTRL/CTRL_CMD_GETFAMILY for the nl80211
// family id and its "mlme" multicast group id, the two pieces of dynamic
// numbering generic netlink requires before any nl80211 command can be
// sent (genetlink family/command ids are not fixed constants).
func (n *Nl80211Conn) resolveFamily() (familyID uint16, mlmeGroupID uint32, err error) {
	payload := []byte{ctrlCmdGetFamily, 1, 0, 0} // cmd, version, pad(2)
	payload = append(payload, nlAttr(ctrlAttrFamilyName, append([]byte(nl80211FamilyName), 0))...)

	resp, err := n.request(genlIDCtrl, payload)
	if err != nil {
		return 0, 0, err
	}

	attrs := parseAttrs(resp[4:]) // skip cmd/version/pad header written by the kernel
	for t, v := range attrs {
		switch t {
		case ctrlAttrFamilyID:
			familyID = binary.LittleEndian.Uint16(v)
		case ctrlAttrMcastGroups:
			mlmeGroupID = findMcastGroup(v, nl80211MlmeGroup)
		}
	}
	if familyID == 0 {
		return 0, 0, fmt.Errorf("netio: nl80211 family not found")
	}
	return familyID, mlmeGroupID, nil
}

// findMcastGroup walks the nested CTRL_ATTR_MCAST_GROUPS array looking
// for one named name, returning its group id.
func findMcastGroup(nested []byte, name string) uint32 {
	for _, group := range parseNestedArray(nested) {
		attrs := parseAttrs(group)
		if string(attrs[ctrlAttrMcastGrpName]) == name+"\x00" {
			if id, ok := attrs[ctrlAttrMcastGrpID]; ok && len(id) >= 4 {
				return binary.LittleEndian.Uint32(id)
			}
		}
	}
	return 0
}

// request sends a generic netlink message and returns the genl payload
// of the first response message, the one synchronous round trip spec.md
// §5 permits inside a callback. It reads a single message: an ACK or
// DONE yields a nil payload, an ERROR with a non-zero errno an error,
// and a data reply is returned at once, without reading on to the ACK
// that follows it.
func (n *Nl80211Conn) request(family uint16, genlPayload []byte) ([]byte, error) {
	seq := n.seq.Add(1)
	msg := buildNlMsg(family, unix.NLM_F_REQUEST|unix.NLM_F_ACK, seq, genlPayload)

	if err := unix.Sendto(n.fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return nil, fmt.Errorf("netio: sendto genl socket: %w", err)
	}

	buf := make([]byte, 8192)
	for {
		nRead, _, err := unix.Recvfrom(n.fd, buf, 0)
		if err != nil {
			return nil, fmt.Errorf("netio: recvmsgs: %w", err)
		}
		hdr, body, rest := splitNlMsg(buf[:nRead])
		_ = rest
		if hdr.Type == unix.NLMSG_ERROR {
			errno := int32(binary.LittleEndian.Uint32(body[0:4]))
			if errno == 0 {
				return nil, nil
			}
			return nil, fmt.Errorf("netio: netlink error %d", -errno)
		}
		if hdr.Type == unix.NLMSG_DONE {
			return nil, nil
		}
		return body, nil
	}
}

// SendActionFrame implements RadioConn, submitting NL80211_CMD_FRAME
// with duration 500ms for Public Action frames and the
// OFFCHANNEL_TX_OK flag when the connection was opened with
// offchannelOK set (spec.md §4.1). The driver's capabilities are not
// queried; cmd/dppd always sets offchannelOK.
func (n *Nl80211Conn) SendActionFrame(_ context.Context, src, dst wire.MAC, body []byte) (int, error) {
	frame := build80211ActionFrame(src, dst, body)

	payload := []byte{nl80211CmdFrame, 1, 0, 0}
	payload = append(payload, nlAttrU32(nl80211AttrIfindex, n.ifIndex)...)
	payload = append(payload, nlAttr(nl80211AttrFrame, frame)...)
	payload = append(payload, nlAttrU32(nl80211AttrDuration, publicActionMaxROC)...)
	if n.offchannelOK {
		payload = append(payload, nlAttrFlag(nl80211AttrOffchannelOK)...)
	}

	if _, err := n.request(n.familyID, payload); err != nil {
		return 0, fmt.Errorf("netio: nl80211 CMD_FRAME: %w", err)
	}
	return len(body), nil
}

// SetChannel implements RadioConn, resolving (opclass, channel) via
// regdb and submitting NL80211_CMD_SET_CHANNEL (spec.md §4.1).
func (n *Nl80211Conn) SetChannel(opclass, channel uint8) error {
	freq, err := resolveFrequency(n.logger, opclass, channel)
	if err != nil {
		return err
	}

	payload := []byte{nl80211CmdSetChannel, 1, 0, 0}
	payload = append(payload, nlAttrU32(nl80211AttrIfindex, n.ifIndex)...)
	payload = append(payload, nlAttrU32(nl80211AttrWiphyFreq, freq)...)
	payload = append(payload, nlAttrU32(nl80211AttrChannelWidth, 0)...) // NL80211_CHAN_WIDTH_20_NOHT

	if _, err := n.request(n.familyID, payload); err != nil {
		return fmt.Errorf("netio: nl80211 CMD_SET_CHANNEL: %w", err)
	}
	return nil
}

// Subscribe implements RadioConn.
func (n *Nl80211Conn) Subscribe(cb func(Frame)) {
	n.mu.Lock()
	n.cb = cb
	n.mu.Unlock()
}

// Close implements RadioConn.
func (n *Nl80211Conn) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	close(n.stopCh)
	return unix.Close(n.fd)
}

// LocalMAC implements RadioConn.
func (n *Nl80211Conn) LocalMAC() wire.MAC { return n.local }

// readLoop drains the "mlme" multicast group for CMD_FRAME receive
// notifications, decoding the embedded 802.11 management frame and
// handing it to the Demultiplexer via the registered callback after
// applying the universal receive filters (spec.md §4.1).
func (n *Nl80211Conn) readLoop() {
	buf := make([]byte, 8192)
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		nRead, _, err := unix.Recvfrom(n.fd, buf, 0)
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
			}
			n.logger.Warn("nl80211 recvfrom failed", "err", err)
			return
		}

		msgs := buf[:nRead]
		for len(msgs) >= unix.NLMSG_HDRLEN {
			hdr, body, rest := splitNlMsg(msgs)
			msgs = rest
			if hdr.Type != n.familyID || len(body) < 4 {
				continue
			}
			cmd := body[0]
			if cmd != nl80211CmdFrame {
				continue
			}
			attrs := parseAttrs(body[4:])
			frameBytes, ok := attrs[nl80211AttrFrame]
			if !ok {
				continue
			}
			n.deliverFrame(frameBytes)
		}
	}
}

func (n *Nl80211Conn) deliverFrame(raw []byte) {
	src, dst, body, ok := parse80211ActionFrame(raw)
	if !ok {
		return
	}
	f := Frame{Src: src, Dst: dst, Body: body}
	if !applyReceiveFilters(n.local, f) {
		return
	}

	n.mu.Lock()
	cb := n.cb
	n.mu.Unlock()
	if cb != nil {
		cb(f)
	}
}

// -------------------------------------------------------------------------
// Raw netlink message framing helpers
// -------------------------------------------------------------------------

func buildNlMsg(msgType uint16, flags uint16, seq uint32, payload []byte) []byte {
	total := unix.NLMSG_HDRLEN + align4(len(payload))
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], msgType)
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], seq)
	binary.LittleEndian.PutUint32(buf[12:16], 0) // pid assigned by kernel on bind
	copy(buf[unix.NLMSG_HDRLEN:], payload)
	return buf
}

func splitNlMsg(buf []byte) (unix.NlMsghdr, []byte, []byte) {
	var hdr unix.NlMsghdr
	hdr.Len = binary.LittleEndian.Uint32(buf[0:4])
	hdr.Type = binary.LittleEndian.Uint16(buf[4:6])
	hdr.Flags = binary.LittleEndian.Uint16(buf[6:8])
	hdr.Seq = binary.LittleEndian.Uint32(buf[8:12])
	hdr.Pid = binary.LittleEndian.Uint32(buf[12:16])

	msgLen := int(hdr.Len)
	if msgLen < unix.NLMSG_HDRLEN || msgLen > len(buf) {
		msgLen = len(buf)
	}
	body := buf[unix.NLMSG_HDRLEN:msgLen]
	rest := buf[align4(msgLen):]
	return hdr, body, rest
}

// parseAttrs decodes a flat sequence of top-level nlattr TLVs into a
// type->value map; nested attribute arrays (e.g. CTRL_ATTR_MCAST_GROUPS)
// are returned as their raw bytes for parseNestedArray to walk.
func parseAttrs(buf []byte) map[uint16][]byte {
	out := make(map[uint16][]byte)
	for len(buf) >= 4 {
		l := int(binary.LittleEndian.Uint16(buf[0:2]))
		t := binary.LittleEndian.Uint16(buf[2:4]) &^ 0x8000 // strip NLA_F_NESTED
		if l < 4 || l > len(buf) {
			break
		}
		out[t] = buf[4:l]
		buf = buf[align4(l):]
	}
	return out
}

// parseNestedArray walks an array of nested attributes, each itself a
// TLV whose value is a further attribute list (used for
// CTRL_ATTR_MCAST_GROUPS, one element per supported multicast group).
func parseNestedArray(buf []byte) [][]byte {
	var out [][]byte
	for len(buf) >= 4 {
		l := int(binary.LittleEndian.Uint16(buf[0:2]))
		if l < 4 || l > len(buf) {
			break
		}
		out = append(out, buf[4:l])
		buf = buf[align4(l):]
	}
	return out
}

// -------------------------------------------------------------------------
// 802.11 management-frame header assembly/parsing (spec.md §6: "On-the-
// wire (bit-exact): IEEE 802.11 management frames, frame_control
// little-endian with type=MGMT(0), subtype=ACTION(13)").
// -------------------------------------------------------------------------

const (
	frameControlAction = 0x00d0 // type=MGMT(0b00), subtype=ACTION(0b1101), already little-endian byte order
)

func build80211ActionFrame(src, dst wire.MAC, body []byte) []byte {
	// frame_control(2) duration(2) addr1=dst(6) addr2=src(6) addr3=bssid(6) seq_ctrl(2)
	hdr := make([]byte, 24)
	binary.LittleEndian.PutUint16(hdr[0:2], frameControlAction)
	copy(hdr[4:10], dst[:])
	copy(hdr[10:16], src[:])
	copy(hdr[16:22], wire.Broadcast[:]) // BSSID=broadcast for unassociated public action (spec.md §4.1)
	hdr = append(hdr, byte(wire.CategoryPublic)) // action category octet; body starts after it
	return append(hdr, body...)
}

func parse80211ActionFrame(raw []byte) (src, dst wire.MAC, body []byte, ok bool) {
	if len(raw) < 25 || raw[24] != byte(wire.CategoryPublic) {
		return wire.MAC{}, wire.MAC{}, nil, false
	}
	copy(dst[:], raw[4:10])
	copy(src[:], raw[10:16])
	return src, dst, raw[25:], true
}
