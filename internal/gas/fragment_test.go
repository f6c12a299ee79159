package gas_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/ekmixon/dpp/internal/gas"
)

// TestFragmentationLaw is the testable property from spec.md §8:
// concatenating the query_resp fields of the Comeback responses in
// fragment_id order reproduces the original payload exactly.
func TestFragmentationLaw(t *testing.T) {
	payload := make([]byte, 4096)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	f, err := gas.NewFragmenter(gas.MTUNl80211, payload)
	if err != nil {
		t.Fatalf("NewFragmenter: %v", err)
	}

	type frag struct {
		id   uint8
		body []byte
	}
	var frags []frag
	for !f.Done() {
		body, id, err := f.NextFragment()
		if err != nil {
			t.Fatalf("NextFragment: %v", err)
		}
		frags = append(frags, frag{id: id, body: append([]byte(nil), body...)})
	}

	r := gas.NewReassembler()
	for _, fr := range frags {
		more := fr.id&0x80 != 0
		r.AddFragment(fr.body, more)
	}
	if !r.Done() {
		t.Fatal("reassembler never saw a final fragment")
	}
	if !bytes.Equal(r.Payload(), payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(r.Payload()), len(payload))
	}
}

func TestFragmentIDSequenceScenario3(t *testing.T) {
	// Mirrors spec.md §8 scenario 3: a 4096-byte payload over MTU=1400
	// yields fragment_id sequence 2|0x80, 1|0x80, 0.
	payload := make([]byte, 4096)
	f, err := gas.NewFragmenter(gas.MTUNl80211, payload)
	if err != nil {
		t.Fatalf("NewFragmenter: %v", err)
	}

	var ids []uint8
	for !f.Done() {
		_, id, err := f.NextFragment()
		if err != nil {
			t.Fatalf("NextFragment: %v", err)
		}
		ids = append(ids, id)
	}

	want := []uint8{2 | 0x80, 1 | 0x80, 0}
	if len(ids) != len(want) {
		t.Fatalf("got %d fragments, want %d: %v", len(ids), len(want), ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("fragment %d: got id %#x, want %#x", i, ids[i], want[i])
		}
	}
}

func TestPayloadTooLargeRejected(t *testing.T) {
	payload := make([]byte, gas.MaxPayload(gas.MTUBpf)+1)
	_, err := gas.NewFragmenter(gas.MTUBpf, payload)
	if err == nil {
		t.Fatal("expected ErrPayloadTooLarge")
	}
}
