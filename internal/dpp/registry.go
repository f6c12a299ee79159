// Package dpp implements the per-role Session Registry (spec.md §4.3) and
// Frame Demultiplexer (spec.md §4.4): the 70%-of-budget core that
// demultiplexes inbound 802.11 action frames to DPP and PKEX sessions
// keyed by (local MAC, peer MAC), opaque handle, and transaction id.
package dpp

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ekmixon/dpp/internal/dppengine"
	"github.com/ekmixon/dpp/internal/metrics"
	"github.com/ekmixon/dpp/internal/wire"
)

// Sentinel errors, mirroring the taxonomy the registry's callers rely on
// to decide whether a miss is fatal or just droppable (spec.md §7).
var (
	ErrUnknownInterface = errors.New("dpp: local MAC does not belong to a registered interface")
	ErrSessionNotFound   = errors.New("dpp: no session matches")
	ErrHandleExists      = errors.New("dpp: handle already registered")
)

// Role distinguishes initiator/responder, carried on DPPSession per the
// data model in spec.md §3.
type Role uint8

const (
	RoleResponder Role = iota
	RoleInitiator
)

// String renders the role as the label value recorded against the
// Sessions gauge (package metrics).
func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// peerState is the broadcast-late-binding tagged value from spec.md §9:
// {Unknown, Bound(mac)}. Unknown is represented by mac=wire.Broadcast
// paired with bound=false; mutation from Unknown to Bound happens only inside
// ByMAC, as a precondition of returning the session, so that the rewrite
// itself can never race a concurrent lookup under the single-threaded
// event loop (spec.md §5).
type peerState struct {
	mac   wire.MAC
	bound bool
}

// DPPSession is the core's view of a DPP session (spec.md §3). The actual
// cryptographic state lives behind Handle in the external engine
// (package dppengine); this struct only carries the identifiers and
// bookkeeping the registry/demultiplexer need.
type DPPSession struct {
	Handle     dppengine.Handle
	TID        uint8
	MyMAC      wire.MAC
	peer       peerState
	Role       Role
	MutualAuth bool
}

// PeerMAC returns the session's current peer address. Before the first
// unicast reply it is wire.Broadcast.
func (s *DPPSession) PeerMAC() wire.MAC { return s.peer.mac }

// PKEXSession is the core's view of a PKEX session (spec.md §3). Version
// 0 marks a "degenerate" PKEX session used only to remember MACs through
// a bootstrap-peer-from-file initiation (spec.md §3).
type PKEXSession struct {
	Handle  dppengine.Handle
	MyMAC   wire.MAC
	peer    peerState
	Version uint8
}

// PeerMAC returns the session's current peer address.
func (s *PKEXSession) PeerMAC() wire.MAC { return s.peer.mac }

// Interface is the subset of spec.md §3's Interface record the registry
// needs to validate session-creation MACs against.
type Interface struct {
	Name      string
	MAC       wire.MAC
	Loopback  bool
}

// Registry holds one role's DPP and PKEX session sets plus the
// interfaces that may own a session's local MAC. It is created once per
// Endpoint (package endpoint) and is mutated only from the event loop
// goroutine -- no locking, per spec.md §5.
type Registry struct {
	logger  *slog.Logger
	metrics *metrics.Collector

	ifaces map[wire.MAC]*Interface

	dppSessions  []*DPPSession
	pkexSessions []*PKEXSession

	dppByHandle  map[dppengine.Handle]*DPPSession
	pkexByHandle map[dppengine.Handle]*PKEXSession
	dppByTID     map[uint8]*DPPSession
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:       logger,
		ifaces:       make(map[wire.MAC]*Interface),
		dppByHandle:  make(map[dppengine.Handle]*DPPSession),
		pkexByHandle: make(map[dppengine.Handle]*PKEXSession),
		dppByTID:     make(map[uint8]*DPPSession),
	}
}

// SetMetrics attaches the Collector the registry records live DPP/PKEX
// session counts against (spec.md §3 session lifecycle). Safe to leave
// unset: a nil metrics pointer means session create/destroy is simply not
// counted.
func (r *Registry) SetMetrics(c *metrics.Collector) { r.metrics = c }

// AddInterface registers an Interface as a valid owner of session local
// MACs (spec.md §4.3: "local MAC must belong to a registered interface").
func (r *Registry) AddInterface(iface *Interface) {
	r.ifaces[iface.MAC] = iface
}

func (r *Registry) ownsMAC(mac wire.MAC) bool {
	_, ok := r.ifaces[mac]
	return ok
}

// CreateDPPSession validates myMAC against the registered interfaces,
// asks engine for a handle, and registers the session. On handle
// allocation failure no storage is retained (spec.md §4.3: "failure to
// allocate a handle aborts session creation without leaking storage").
func (r *Registry) CreateDPPSession(
	engine dppengine.Engine,
	myMAC, peerMAC wire.MAC,
	bskeyB64 string,
	role Role,
	mutual bool,
	mtu int,
) (*DPPSession, error) {
	if !r.ownsMAC(myMAC) {
		return nil, fmt.Errorf("create dpp session: %w", ErrUnknownInterface)
	}

	h, err := engine.CreatePeer(bskeyB64, role == RoleInitiator, mutual, mtu)
	if err != nil {
		return nil, fmt.Errorf("create dpp session: engine.CreatePeer: %w", err)
	}

	sess := &DPPSession{
		Handle:     h,
		MyMAC:      myMAC,
		peer:       peerState{mac: peerMAC, bound: !peerMAC.IsBroadcast()},
		Role:       role,
		MutualAuth: mutual,
	}
	r.dppSessions = append(r.dppSessions, sess)
	r.dppByHandle[h] = sess
	r.logger.Debug("dpp session created", "my_mac", myMAC, "peer_mac", peerMAC, "handle", h)
	if r.metrics != nil {
		r.metrics.RegisterSession(role.String())
	}
	return sess, nil
}

// CreateDiscoverySession implements the Linux-canonical behavior decided
// in SPEC_FULL.md §4.3 (spec.md §9 Open Question 2): reuse an existing
// session for the same peer if one exists, instead of always creating a
// new one as the FreeBSD reference does.
func (r *Registry) CreateDiscoverySession(
	engine dppengine.Engine,
	myMAC, peerMAC wire.MAC,
	bskeyB64 string,
) (*DPPSession, uint8, error) {
	if sess, err := r.DPPByMAC(myMAC, peerMAC); err == nil {
		return sess, sess.TID, nil
	}

	sess, err := r.CreateDPPSession(engine, myMAC, peerMAC, bskeyB64, RoleResponder, false, 0)
	if err != nil {
		return nil, 0, err
	}
	tid := engine.NextDiscoveryTID()
	sess.TID = tid
	r.dppByTID[tid] = sess
	return sess, tid, nil
}

// DestroyDPPSession frees the engine handle and removes the session from
// every index.
func (r *Registry) DestroyDPPSession(engine dppengine.Engine, sess *DPPSession) {
	engine.FreePeer(sess.Handle)
	delete(r.dppByHandle, sess.Handle)
	delete(r.dppByTID, sess.TID)
	for i, s := range r.dppSessions {
		if s == sess {
			r.dppSessions = append(r.dppSessions[:i], r.dppSessions[i+1:]...)
			break
		}
	}
	if r.metrics != nil {
		r.metrics.UnregisterSession(sess.Role.String())
	}
}

// DPPByMAC implements spec.md §4.3's by_mac lookup for DPP sessions,
// including the broadcast late-binding rewrite: if the first session
// whose local MAC matches my currently has an Unknown (broadcast) peer,
// it is rewritten to peer before being returned.
func (r *Registry) DPPByMAC(my, peer wire.MAC) (*DPPSession, error) {
	for _, s := range r.dppSessions {
		if s.MyMAC != my {
			continue
		}
		if s.peer.bound && s.peer.mac == peer {
			return s, nil
		}
		if !s.peer.bound {
			s.peer = peerState{mac: peer, bound: true}
			return s, nil
		}
	}
	return nil, fmt.Errorf("dpp by mac (%s, %s): %w", my, peer, ErrSessionNotFound)
}

// DPPByHandle implements spec.md §4.3's by_handle lookup.
func (r *Registry) DPPByHandle(h dppengine.Handle) (*DPPSession, error) {
	s, ok := r.dppByHandle[h]
	if !ok {
		return nil, fmt.Errorf("dpp by handle %d: %w", h, ErrSessionNotFound)
	}
	return s, nil
}

// DPPByTID implements spec.md §4.3's by_tid lookup (Discovery only).
func (r *Registry) DPPByTID(tid uint8) (*DPPSession, error) {
	s, ok := r.dppByTID[tid]
	if !ok {
		return nil, fmt.Errorf("dpp by tid %d: %w", tid, ErrSessionNotFound)
	}
	return s, nil
}

// CreatePKEXSession mirrors CreateDPPSession for the PKEX session set.
func (r *Registry) CreatePKEXSession(
	engine dppengine.Engine,
	myMAC, peerMAC wire.MAC,
	version uint8,
) (*PKEXSession, error) {
	if !r.ownsMAC(myMAC) {
		return nil, fmt.Errorf("create pkex session: %w", ErrUnknownInterface)
	}
	h, err := engine.PKEXCreatePeer(version)
	if err != nil {
		return nil, fmt.Errorf("create pkex session: engine.PKEXCreatePeer: %w", err)
	}
	sess := &PKEXSession{
		Handle:  h,
		MyMAC:   myMAC,
		peer:    peerState{mac: peerMAC, bound: !peerMAC.IsBroadcast()},
		Version: version,
	}
	r.pkexSessions = append(r.pkexSessions, sess)
	r.pkexByHandle[h] = sess
	if r.metrics != nil {
		r.metrics.RegisterSession("pkex")
	}
	return sess, nil
}

// DestroyPKEXSession frees the engine handle and removes the session.
func (r *Registry) DestroyPKEXSession(engine dppengine.Engine, sess *PKEXSession) {
	engine.PKEXDestroyPeer(sess.Handle)
	delete(r.pkexByHandle, sess.Handle)
	for i, s := range r.pkexSessions {
		if s == sess {
			r.pkexSessions = append(r.pkexSessions[:i], r.pkexSessions[i+1:]...)
			break
		}
	}
	if r.metrics != nil {
		r.metrics.UnregisterSession("pkex")
	}
}

// PKEXByMAC implements the PKEX analogue of DPPByMAC, including broadcast
// late binding (spec.md §8, "Late binding" testable property).
func (r *Registry) PKEXByMAC(my, peer wire.MAC) (*PKEXSession, error) {
	for _, s := range r.pkexSessions {
		if s.MyMAC != my {
			continue
		}
		if s.peer.bound && s.peer.mac == peer {
			return s, nil
		}
		if !s.peer.bound {
			s.peer = peerState{mac: peer, bound: true}
			return s, nil
		}
	}
	return nil, fmt.Errorf("pkex by mac (%s, %s): %w", my, peer, ErrSessionNotFound)
}

// PKEXByHandle implements the PKEX analogue of DPPByHandle.
func (r *Registry) PKEXByHandle(h dppengine.Handle) (*PKEXSession, error) {
	s, ok := r.pkexByHandle[h]
	if !ok {
		return nil, fmt.Errorf("pkex by handle %d: %w", h, ErrSessionNotFound)
	}
	return s, nil
}

// DPPSessions returns a snapshot of all live DPP sessions, for the admin
// API's introspection surface.
func (r *Registry) DPPSessions() []*DPPSession {
	out := make([]*DPPSession, len(r.dppSessions))
	copy(out, r.dppSessions)
	return out
}

// PKEXSessions returns a snapshot of all live PKEX sessions.
func (r *Registry) PKEXSessions() []*PKEXSession {
	out := make([]*PKEXSession, len(r.pkexSessions))
	copy(out, r.pkexSessions)
	return out
}
