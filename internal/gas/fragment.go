// Package gas implements the GAS fragmentation/reassembly engine
// (spec.md §4.5): splitting oversized Configuration payloads into an
// initial response plus a chain of comeback responses, bounded by the
// 127-fragment wraparound limit on the wire's fragment_id field.
package gas

import (
	"errors"
	"fmt"
)

// MTU budgets per transport (spec.md §4.5).
const (
	MTUBpf    = 1300
	MTUNl80211 = 1400
)

// MaxFragments is the largest fragment_id the 7-bit field (bit 0x80
// reserved for the more-fragments flag) can carry.
const MaxFragments = 127

// MaxPayload is the hard cap on a Configuration payload enforced before
// fragmentation begins (spec.md §4.5: "the implementation MUST cap
// Configuration payloads at 127 * MTU bytes").
func MaxPayload(mtu int) int { return MaxFragments * mtu }

// ErrPayloadTooLarge is returned when a payload would need more than
// MaxFragments fragments at the given MTU.
var ErrPayloadTooLarge = errors.New("gas: payload exceeds 127*MTU fragment cap")

// ErrUnexpectedFrame is returned when a non-Comeback-Request frame
// arrives while a fragmentation session still has data queued
// (spec.md §4.5: "receiving a non-Comeback-Request while frag_left > 0
// is logged and the incoming frame is dropped; state is retained").
var ErrUnexpectedFrame = errors.New("gas: unexpected frame during fragmentation")

// Fragmenter holds the per-client fragmentation state described by
// spec.md §3's ClientState: {gas_header, frag_buf, frag_sent, frag_left}.
// Only the Relay and Controller roles fragment Configuration messages
// (spec.md §4.5); a Fragmenter is created per client connection/session
// only when a payload actually exceeds MTU.
type Fragmenter struct {
	mtu      int
	buf      []byte
	sent     int
	comeback int // delay advertised on the initial response, 1 per spec
}

// NewFragmenter begins fragmenting payload at the given MTU. It returns
// ErrPayloadTooLarge if payload would require more than MaxFragments
// fragments.
func NewFragmenter(mtu int, payload []byte) (*Fragmenter, error) {
	if len(payload) > MaxPayload(mtu) {
		return nil, fmt.Errorf("%w: %d bytes at mtu %d", ErrPayloadTooLarge, len(payload), mtu)
	}
	return &Fragmenter{mtu: mtu, buf: payload, comeback: 1}, nil
}

// Left reports how many payload bytes remain unsent.
func (f *Fragmenter) Left() int { return len(f.buf) - f.sent }

// Done reports whether every fragment has been consumed.
func (f *Fragmenter) Done() bool { return f.Left() == 0 }

// InitialResponse returns the GAS Initial Response body for the start of
// fragmentation: comeback_delay=1, query_resplen=0, per spec.md §4.5 step 1.
// The caller is responsible for wrapping this with the GAS header fields
// (dialog token, status, advertisement protocol) recorded when the
// request first arrived.
func (f *Fragmenter) InitialResponse() (comebackDelay uint16, queryResp []byte) {
	return uint16(f.comeback), nil
}

// NextFragment implements spec.md §4.5 step 2: produces the body and
// fragment_id for the next Comeback Response, consuming min(MTU,
// frag_left) bytes. The high bit of fragmentID is set iff more fragments
// remain after this one.
func (f *Fragmenter) NextFragment() (queryResp []byte, fragmentID uint8, err error) {
	if f.Done() {
		return nil, 0, fmt.Errorf("gas: no fragments remain")
	}
	left := f.Left()
	n := left
	if n > f.mtu {
		n = f.mtu
	}
	chunk := f.buf[f.sent : f.sent+n]
	f.sent += n

	id := uint8((left / f.mtu) & 0x7f)
	more := f.Left() > 0
	if more {
		id |= 0x80
	}
	return chunk, id, nil
}

// Reassembler accumulates Comeback Response query_resp fields in
// fragment_id order to reproduce the original Configuration payload
// (spec.md §8, "Fragmentation law"). It expects fragments already in
// order, as a client pulling them with its own Comeback Requests receives
// them. Only this package's tests use it; no daemon role reassembles.
type Reassembler struct {
	chunks [][]byte
	done   bool
}

// NewReassembler starts a fresh reassembly.
func NewReassembler() *Reassembler { return &Reassembler{} }

// AddFragment appends the next fragment's payload. more reports whether
// additional fragments are expected (the 0x80 bit of fragment_id).
func (r *Reassembler) AddFragment(body []byte, more bool) {
	r.chunks = append(r.chunks, body)
	if !more {
		r.done = true
	}
}

// Done reports whether the final fragment (more=false) has been seen.
func (r *Reassembler) Done() bool { return r.done }

// Payload concatenates every fragment received so far, in arrival order.
// Callers only treat this as the complete payload once Done() is true.
func (r *Reassembler) Payload() []byte {
	var total int
	for _, c := range r.chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	return out
}
