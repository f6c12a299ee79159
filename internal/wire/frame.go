// Package wire implements the on-the-wire IEEE 802.11 management frame and
// DPP TLV encoding used by every role of the endpoint daemon.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MACLen is the length of an 802.11 link-layer address.
const MACLen = 6

// MAC is a six-octet link-layer address.
type MAC [MACLen]byte

// Broadcast is the all-ones destination address used before a DPP peer's
// unicast address is known (late binding, see package dpp).
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IsBroadcast reports whether m is the broadcast address.
func (m MAC) IsBroadcast() bool { return m == Broadcast }

// String renders the MAC in colon-hex notation.
func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// ParseMAC parses hex-with-no-separators (as stored in the bootstrap file)
// into a MAC.
func ParseMAC(hex string) (MAC, error) {
	var m MAC
	if len(hex) != MACLen*2 {
		return m, fmt.Errorf("parse mac %q: %w", hex, ErrMalformed)
	}
	n, err := fmt.Sscanf(hex, "%02x%02x%02x%02x%02x%02x", &m[0], &m[1], &m[2], &m[3], &m[4], &m[5])
	if err != nil || n != MACLen {
		return m, fmt.Errorf("parse mac %q: %w", hex, ErrMalformed)
	}
	return m, nil
}

// HexString renders the MAC as lowercase hex with no separators, the form
// used by the bootstrap file.
func (m MAC) HexString() string {
	return fmt.Sprintf("%02x%02x%02x%02x%02x%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// ErrMalformed is returned by parsers when input is truncated or otherwise
// does not match the expected wire shape.
var ErrMalformed = errors.New("malformed frame")

// 802.11 frame_control type/subtype values relevant to DPP (frame_control
// is little-endian on the wire). Type and Subtype below are the plain
// field values, not shifted into their frame_control bit positions.
const (
	TypeManagement uint8 = 0
)

const (
	SubtypeBeacon uint8 = 8
	SubtypeAction uint8 = 13
)

// ActionCategory identifies the 802.11 action frame category.
type ActionCategory uint8

// CategoryPublic is the Public Action category (802.11-2020 9.6.8),
// which carries all DPP and GAS traffic.
const CategoryPublic ActionCategory = 4

// PublicActionField is the first octet of a Public Action frame body.
type PublicActionField uint8

const (
	FieldVendorSpecific     PublicActionField = 0x09
	FieldGASInitialRequest  PublicActionField = 0x0a
	FieldGASInitialResponse PublicActionField = 0x0b
	FieldGASComebackRequest PublicActionField = 0x0c
	FieldGASComebackResp    PublicActionField = 0x0d
)

// IsGAS reports whether the field names a GAS action, i.e. the Frame
// Demultiplexer (spec.md §4.4) routes it by MAC straight to the
// Configuration engine rather than inspecting a DPP frame_type byte.
func (f PublicActionField) IsGAS() bool {
	switch f {
	case FieldGASInitialRequest, FieldGASInitialResponse, FieldGASComebackRequest, FieldGASComebackResp:
		return true
	default:
		return false
	}
}

// DPPOUI is the Wi-Fi Alliance organizationally unique identifier tagging
// a DPP vendor-specific public action frame.
var DPPOUI = [3]byte{0x50, 0x6f, 0x9a}

// DPPOUIType is the OUI Type octet identifying DPP within the WFA OUI.
const DPPOUIType uint8 = 0x1a

// FrameType is the one-byte DPP frame type enum following the OUI/OUI-type
// (AUTH_REQ=0 ... CHIRP=13, spec.md §6).
type FrameType uint8

const (
	DPPAuthRequest      FrameType = 0
	DPPAuthResponse     FrameType = 1
	DPPAuthConfirm      FrameType = 2
	DPPPeerDiscoverReq  FrameType = 3
	DPPPeerDiscoverResp FrameType = 4
	DPPConfigResult     FrameType = 5
	DPPConnStatusResult FrameType = 6
	DPPPresenceAnnounce FrameType = 7
	DPPPKEXv1Request    FrameType = 8
	DPPPKEXExchangeReq  FrameType = 9
	DPPPKEXExchangeResp FrameType = 10
	DPPPKEXRevealReq    FrameType = 11
	DPPPKEXRevealResp   FrameType = 12
	DPPChirp            FrameType = 13
)

// TLV is a single Type-Length-Value attribute as carried in a DPP frame
// body: u16le type, u16le length, value.
type TLV struct {
	Type  uint16
	Value []byte
}

// EncodeTLVs serializes a sequence of TLVs back-to-back.
func EncodeTLVs(tlvs []TLV) []byte {
	var n int
	for _, t := range tlvs {
		n += 4 + len(t.Value)
	}
	buf := make([]byte, 0, n)
	for _, t := range tlvs {
		var hdr [4]byte
		binary.LittleEndian.PutUint16(hdr[0:2], t.Type)
		binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(t.Value)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, t.Value...)
	}
	return buf
}

// DecodeTLVs parses a back-to-back TLV sequence, stopping (without error)
// at the first byte offset that cannot hold a full TLV header, matching
// the demultiplexer's drop-truncated-frame policy (spec.md §7b).
func DecodeTLVs(buf []byte) []TLV {
	var out []TLV
	off := 0
	for off+4 <= len(buf) {
		typ := binary.LittleEndian.Uint16(buf[off : off+2])
		length := int(binary.LittleEndian.Uint16(buf[off+2 : off+4]))
		off += 4
		if off+length > len(buf) {
			break
		}
		out = append(out, TLV{Type: typ, Value: buf[off : off+length]})
		off += length
	}
	return out
}

// FindTLV returns the value of the first TLV of the given type, or nil.
func FindTLV(tlvs []TLV, typ uint16) []byte {
	for _, t := range tlvs {
		if t.Type == typ {
			return t.Value
		}
	}
	return nil
}

// Well-known DPP TLV types used by the components this daemon implements
// directly (routing and the chirp resolver); the rest are opaque payload
// handed to the external DPP engine (package dppengine).
const (
	TLVResponderBootHash uint16 = 0x0002
	TLVInitiatorBootHash uint16 = 0x0003
	TLVStatus            uint16 = 0x0004
	TLVWrappedData       uint16 = 0x0005
)

// ActionFrame is a parsed Public Action frame as handed from the Frame I/O
// Adapter (package netio) to the Demultiplexer (package dpp).
type ActionFrame struct {
	Src     MAC
	Dst     MAC
	Field   PublicActionField
	// FrameType is only meaningful when Field == FieldVendorSpecific and the
	// OUI/OUI-type match DPPOUI/DPPOUIType.
	FrameType FrameType
	// DialogToken is present on GAS frames (the octet following Field).
	DialogToken uint8
	// Body is the frame_type/dialog-token-stripped remainder: TLVs for DPP
	// frames, the GAS query payload for GAS frames.
	Body []byte
}

// Decode parses the body of a Public Action frame (the bytes following the
// category octet) into an ActionFrame. src/dst come from the 802.11 header,
// supplied by the caller since they are transport-specific.
func Decode(src, dst MAC, raw []byte) (ActionFrame, error) {
	if len(raw) < 1 {
		return ActionFrame{}, fmt.Errorf("decode action frame: %w", ErrMalformed)
	}
	field := PublicActionField(raw[0])
	af := ActionFrame{Src: src, Dst: dst, Field: field}

	if field.IsGAS() {
		if len(raw) < 2 {
			return ActionFrame{}, fmt.Errorf("decode gas frame: %w", ErrMalformed)
		}
		af.DialogToken = raw[1]
		af.Body = raw[2:]
		return af, nil
	}

	if field != FieldVendorSpecific {
		return af, nil
	}
	if len(raw) < 1+3+1+1 {
		return ActionFrame{}, fmt.Errorf("decode vendor frame: %w", ErrMalformed)
	}
	// raw[1:4] OUI, raw[4] OUI type, raw[5] frame_type, raw[6:] body
	oui := raw[1:4]
	if oui[0] != DPPOUI[0] || oui[1] != DPPOUI[1] || oui[2] != DPPOUI[2] {
		return ActionFrame{}, fmt.Errorf("decode vendor frame: unrecognized OUI: %w", ErrMalformed)
	}
	if raw[4] != DPPOUIType {
		return ActionFrame{}, fmt.Errorf("decode vendor frame: unrecognized OUI type: %w", ErrMalformed)
	}
	af.FrameType = FrameType(raw[5])
	af.Body = raw[6:]
	return af, nil
}

// Encode serializes an ActionFrame body (the part after the 802.11 header
// and action category octet) ready to hand to the Frame I/O Adapter.
func Encode(af ActionFrame) []byte {
	if af.Field.IsGAS() {
		buf := make([]byte, 2, 2+len(af.Body))
		buf[0] = byte(af.Field)
		buf[1] = af.DialogToken
		return append(buf, af.Body...)
	}
	if af.Field != FieldVendorSpecific {
		return []byte{byte(af.Field)}
	}
	buf := make([]byte, 0, 6+len(af.Body))
	buf = append(buf, byte(af.Field))
	buf = append(buf, DPPOUI[:]...)
	buf = append(buf, DPPOUIType, byte(af.FrameType))
	return append(buf, af.Body...)
}
