// Package dppengine declares the interface to the DPP/PKEX cryptographic
// state machines (spec.md §6). The protocol itself -- key agreement,
// authentication, configuration object signing -- is an explicit
// Non-goal (spec.md §1); this package only specifies the surface the
// session registry, demultiplexer, and GAS engine call into and are
// called back from, plus a StubEngine that exercises that surface well
// enough for this module's own tests without doing any real DPP crypto.
package dppengine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ekmixon/dpp/internal/wire"
)

// Handle is the opaque, engine-issued session identifier threaded through
// the session registry (spec.md §9: "represent as an integer indirection
// ... never a shared pointer").
type Handle uint32

// ErrNoSuchHandle is returned when an operation names a handle the engine
// does not recognize, e.g. after it has already been freed.
var ErrNoSuchHandle = errors.New("dppengine: no such handle")

// Engine is the DPP/PKEX engine interface consumed by the core
// (spec.md §6, "DPP/PKEX engine interface (consumed by core)").
type Engine interface {
	CreatePeer(bskeyB64 string, isInitiator, mutual bool, mtu int) (Handle, error)
	FreePeer(h Handle)

	ProcessAuthFrame(h Handle, body []byte) error
	ProcessConfigFrame(h Handle, field wire.PublicActionField, body []byte) error
	ProcessDiscoveryFrame(h Handle, body []byte, tid uint8) (pmk [32]byte, pmkid [16]byte, err error)

	BeginDiscovery(tid uint8) bool
	NextDiscoveryTID() uint8
	AddChirpFreq(ifaceMAC wire.MAC, freqMHz uint32)

	PKEXCreatePeer(version uint8) (Handle, error)
	PKEXDestroyPeer(h Handle)
	ProcessPKEXFrame(h Handle, body []byte) error
	PKEXUpdateMACs(h Handle, my, peer wire.MAC)
	PKEXInitiate(h Handle) error
}

// Callbacks is the engine-to-core callback surface (spec.md §6, "the
// engine calls back: ..."). An Engine implementation holds a Callbacks
// and invokes it synchronously from within the call that triggered it,
// consistent with the cooperative event loop's no-reentrancy rule
// (spec.md §5): the engine must not itself block waiting on the loop.
type Callbacks interface {
	TransmitAuthFrame(h Handle, body []byte) error
	TransmitConfigFrame(h Handle, field wire.PublicActionField, body []byte) error
	TransmitDiscoveryFrame(h Handle, body []byte, tid uint8) error
	TransmitPKEXFrame(h Handle, body []byte) error
	ChangeChannel(opclass, channel uint8) error
	ChangeFreq(freqMHz uint32) error
	ProvisionConnector(h Handle, connector []byte) error
	SaveBootstrapKey(h Handle, peerMAC wire.MAC, spkiDER []byte) error
	Term(h Handle, reason int)
}

// StubEngine is a minimal Engine realization used by this module's own
// tests and by the sss/relay/controller binaries until a real DPP
// implementation is linked in. It allocates handles, tracks which are
// live, and forwards "process" calls back to the configured Callbacks as
// a same-shaped echo so the routing and fragmentation machinery around it
// can be exercised end to end.
type StubEngine struct {
	mu      sync.Mutex
	next    Handle
	live    map[Handle]struct{}
	cb      Callbacks
	tidNext uint8
}

// NewStubEngine constructs a StubEngine that calls back into cb.
func NewStubEngine(cb Callbacks) *StubEngine {
	return &StubEngine{
		next: 1,
		live: make(map[Handle]struct{}),
		cb:   cb,
	}
}

func (e *StubEngine) alloc() Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.next
	e.next++
	e.live[h] = struct{}{}
	return h
}

func (e *StubEngine) isLive(h Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.live[h]
	return ok
}

func (e *StubEngine) free(h Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.live, h)
}

// CreatePeer implements Engine.
func (e *StubEngine) CreatePeer(_ string, _, _ bool, _ int) (Handle, error) {
	return e.alloc(), nil
}

// FreePeer implements Engine.
func (e *StubEngine) FreePeer(h Handle) { e.free(h) }

// ProcessAuthFrame implements Engine by round-tripping the body back to
// the peer, standing in for real Authentication protocol message
// construction.
func (e *StubEngine) ProcessAuthFrame(h Handle, body []byte) error {
	if !e.isLive(h) {
		return fmt.Errorf("process auth frame: %w", ErrNoSuchHandle)
	}
	return e.cb.TransmitAuthFrame(h, body)
}

// ProcessConfigFrame implements Engine.
func (e *StubEngine) ProcessConfigFrame(h Handle, field wire.PublicActionField, body []byte) error {
	if !e.isLive(h) {
		return fmt.Errorf("process config frame: %w", ErrNoSuchHandle)
	}
	return e.cb.TransmitConfigFrame(h, field, body)
}

// ProcessDiscoveryFrame implements Engine, returning a zeroed PMK/PMKID
// pair: real derivation requires the DPP connector's signed key material.
func (e *StubEngine) ProcessDiscoveryFrame(h Handle, _ []byte, _ uint8) ([32]byte, [16]byte, error) {
	if !e.isLive(h) {
		return [32]byte{}, [16]byte{}, fmt.Errorf("process discovery frame: %w", ErrNoSuchHandle)
	}
	return [32]byte{}, [16]byte{}, nil
}

// BeginDiscovery implements Engine.
func (e *StubEngine) BeginDiscovery(_ uint8) bool { return true }

// NextDiscoveryTID implements Engine, handing out small ascending ids.
func (e *StubEngine) NextDiscoveryTID() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tidNext++
	return e.tidNext
}

// AddChirpFreq implements Engine as a no-op recorder; a production engine
// would remember the frequency to scan on a later chirp transmission.
func (e *StubEngine) AddChirpFreq(_ wire.MAC, _ uint32) {}

// PKEXCreatePeer implements Engine.
func (e *StubEngine) PKEXCreatePeer(_ uint8) (Handle, error) { return e.alloc(), nil }

// PKEXDestroyPeer implements Engine.
func (e *StubEngine) PKEXDestroyPeer(h Handle) { e.free(h) }

// ProcessPKEXFrame implements Engine.
func (e *StubEngine) ProcessPKEXFrame(h Handle, body []byte) error {
	if !e.isLive(h) {
		return fmt.Errorf("process pkex frame: %w", ErrNoSuchHandle)
	}
	return e.cb.TransmitPKEXFrame(h, body)
}

// PKEXUpdateMACs implements Engine as a no-op: MAC bookkeeping for PKEX
// sessions lives in the session registry (package dpp), not the engine.
func (e *StubEngine) PKEXUpdateMACs(_ Handle, _, _ wire.MAC) {}

// PKEXInitiate implements Engine by transmitting an empty PKEX Exchange
// Request, the same echo convention ProcessPKEXFrame/ProcessAuthFrame use:
// a real engine would build the first PKEX message from the configured
// password/identifier, but the stub has none to build, so an empty body
// stands in for it.
func (e *StubEngine) PKEXInitiate(h Handle) error {
	if !e.isLive(h) {
		return fmt.Errorf("pkex initiate: %w", ErrNoSuchHandle)
	}
	return e.cb.TransmitPKEXFrame(h, nil)
}
