package wire_test

import (
	"bytes"
	"testing"

	"github.com/ekmixon/dpp/internal/wire"
)

func TestMACHexRoundTrip(t *testing.T) {
	m := wire.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	got, err := wire.ParseMAC(m.HexString())
	if err != nil {
		t.Fatalf("ParseMAC: %v", err)
	}
	if got != m {
		t.Fatalf("round trip mismatch: got %v want %v", got, m)
	}
}

func TestParseMACMalformed(t *testing.T) {
	if _, err := wire.ParseMAC("not-hex"); err == nil {
		t.Fatal("expected error for malformed hex")
	}
}

func TestTLVRoundTrip(t *testing.T) {
	tlvs := []wire.TLV{
		{Type: wire.TLVResponderBootHash, Value: []byte{1, 2, 3, 4}},
		{Type: wire.TLVStatus, Value: []byte{0}},
	}
	buf := wire.EncodeTLVs(tlvs)
	got := wire.DecodeTLVs(buf)
	if len(got) != len(tlvs) {
		t.Fatalf("got %d tlvs, want %d", len(got), len(tlvs))
	}
	for i := range tlvs {
		if got[i].Type != tlvs[i].Type || !bytes.Equal(got[i].Value, tlvs[i].Value) {
			t.Fatalf("tlv %d mismatch: got %+v want %+v", i, got[i], tlvs[i])
		}
	}
}

func TestDecodeTLVsTruncated(t *testing.T) {
	buf := wire.EncodeTLVs([]wire.TLV{{Type: 1, Value: []byte{1, 2, 3}}})
	got := wire.DecodeTLVs(buf[:len(buf)-1])
	if len(got) != 0 {
		t.Fatalf("expected truncated TLV to be dropped, got %d", len(got))
	}
}

// TestActionFrameRoundTrip covers the framing round-trip testable property
// from spec.md §8: encoding then decoding a vendor-specific DPP frame body
// reproduces the same (field, frame_type, body) tuple.
func TestActionFrameRoundTrip(t *testing.T) {
	src := wire.MAC{0x02, 0, 0, 0, 0, 1}
	dst := wire.Broadcast
	body := wire.EncodeTLVs([]wire.TLV{{Type: wire.TLVStatus, Value: []byte{0x01}}})

	af := wire.ActionFrame{
		Src:       src,
		Dst:       dst,
		Field:     wire.FieldVendorSpecific,
		FrameType: wire.DPPAuthRequest,
		Body:      body,
	}
	raw := wire.Encode(af)

	got, err := wire.Decode(src, dst, raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Field != af.Field || got.FrameType != af.FrameType || !bytes.Equal(got.Body, af.Body) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, af)
	}
}

func TestActionFrameGASRoundTrip(t *testing.T) {
	src := wire.MAC{0x02, 0, 0, 0, 0, 1}
	dst := wire.MAC{0x02, 0, 0, 0, 0, 2}
	af := wire.ActionFrame{
		Src:         src,
		Dst:         dst,
		Field:       wire.FieldGASInitialResponse,
		DialogToken: 7,
		Body:        []byte{0xde, 0xad, 0xbe, 0xef},
	}
	raw := wire.Encode(af)
	got, err := wire.Decode(src, dst, raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.DialogToken != af.DialogToken || !bytes.Equal(got.Body, af.Body) {
		t.Fatalf("gas round trip mismatch: got %+v want %+v", got, af)
	}
}

func TestDecodeUnrecognizedOUIDropped(t *testing.T) {
	raw := []byte{byte(wire.FieldVendorSpecific), 0x00, 0x00, 0x00, 0x1a, 0x00}
	_, err := wire.Decode(wire.MAC{}, wire.MAC{}, raw)
	if err == nil {
		t.Fatal("expected error for unrecognized OUI")
	}
}
