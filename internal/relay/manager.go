package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ekmixon/dpp/internal/gas"
	"github.com/ekmixon/dpp/internal/netio"
	"github.com/ekmixon/dpp/internal/wire"
)

// DefaultIdleTimeout is the client-state eviction timeout from spec.md
// §3: "destroyed on TCP close, timeout (10s default), or terminal DPP
// state."
const DefaultIdleTimeout = 10 * time.Second

// ErrFragmentationInProgress is returned when a non-Comeback-Request
// frame arrives while a client state still has outstanding fragments
// (spec.md §4.5: "receiving a non-Comeback-Request while frag_left > 0
// is logged and the incoming frame is dropped; state is retained").
var ErrFragmentationInProgress = errors.New("relay: fragmentation in progress")

// Manager owns the set of live ClientStates for one relay/controller
// process and implements the peer-to-client-state correlation rules of
// spec.md §4.7.
type Manager struct {
	mu          sync.Mutex
	logger      *slog.Logger
	idleTimeout time.Duration
	clients     []*ClientState
}

// NewManager creates an empty client-state table.
func NewManager(logger *slog.Logger, idleTimeout time.Duration) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Manager{logger: logger, idleTimeout: idleTimeout}
}

// Add registers a new client state for a just-accepted or just-dialed
// TCP tunnel (spec.md §3: "created on TCP accept or outbound connect").
func (m *Manager) Add(tunnel *netio.TcpTunnel, myMAC wire.MAC, now time.Time) *ClientState {
	cs := newClientState(tunnel, myMAC, now)
	m.mu.Lock()
	m.clients = append(m.clients, cs)
	m.mu.Unlock()
	return cs
}

// Remove tears down a client state (TCP close or terminal DPP state).
func (m *Manager) Remove(cs *ClientState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.clients {
		if c == cs {
			m.clients = append(m.clients[:i], m.clients[i+1:]...)
			return
		}
	}
}

// Touch records activity on cs, resetting its idle deadline.
func (m *Manager) Touch(cs *ClientState, now time.Time) {
	m.mu.Lock()
	cs.touch(now)
	m.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the live client-state list,
// used by internal/adminapi for introspection.
func (m *Manager) Snapshot() []*ClientState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ClientState, len(m.clients))
	copy(out, m.clients)
	return out
}

// ExpireIdle removes and returns every client state whose last activity
// is older than the configured idle timeout. It is meant to be driven by
// a periodic timer registered with the event loop (package endpoint).
func (m *Manager) ExpireIdle(now time.Time) []*ClientState {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*ClientState
	kept := m.clients[:0]
	for _, c := range m.clients {
		if now.Sub(c.lastActivity) >= m.idleTimeout {
			expired = append(expired, c)
			continue
		}
		kept = append(kept, c)
	}
	m.clients = kept
	for _, c := range expired {
		m.logger.Info("relay client state idle timeout", "client_id", c.ID, "peer_mac", c.PeerMAC)
	}
	return expired
}

// ByPeerMAC finds the client state whose PeerMAC already matches sender.
// This is the first half of the AUTH_REQ correlation rule in spec.md
// §4.7: "route to any existing client state whose peer_mac matches the
// sender".
func (m *Manager) ByPeerMAC(sender wire.MAC) (*ClientState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if c.PeerMAC == sender {
			return c, true
		}
	}
	return nil, false
}

// CorrelateResponse implements the second correlation rule in spec.md
// §4.7: "match client state where either peer_mac == sender or
// (peer_mac == broadcast AND stored bkhash matches the Br/Identifier TLV
// in the frame), rewriting broadcast on match." Used for inbound
// AUTH_RESP and PKEX_RESP frames arriving over the air.
func (m *Manager) CorrelateResponse(sender wire.MAC, brHash [32]byte, hasHash bool) (*ClientState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.clients {
		if c.PeerMAC == sender {
			return c, true
		}
	}
	if !hasHash {
		return nil, false
	}
	for _, c := range m.clients {
		if c.PeerMAC == wire.Broadcast && c.HasBKHash && c.BKHash == brHash {
			c.PeerMAC = sender
			return c, true
		}
	}
	return nil, false
}

// SetBKHash records the bootstrapping-key hash a client state should be
// matched against while its PeerMAC remains broadcast (spec.md §3:
// "bkhash is... the disambiguator used to match a later
// broadcast-originated response back to its originating TCP
// connection").
func (m *Manager) SetBKHash(cs *ClientState, hash [32]byte) {
	m.mu.Lock()
	cs.HasBKHash = true
	cs.BKHash = hash
	m.mu.Unlock()
}

// BeginFragmentedConfig starts fragmenting payload across GAS Comeback
// exchanges (spec.md §4.5 step 1). It records hdr and returns the GAS
// Initial Response parameters (comeback_delay=1, query_resplen=0).
func (m *Manager) BeginFragmentedConfig(cs *ClientState, hdr GASHeader, payload []byte, mtu int) (comebackDelay uint16, err error) {
	frag, err := gas.NewFragmenter(mtu, payload)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	cs.GAS = &hdr
	cs.Frag = frag
	m.mu.Unlock()
	delay, _ := frag.InitialResponse()
	return delay, nil
}

// NextComebackFragment emits the next GAS Comeback Response payload
// (spec.md §4.5 step 2-3): up to MTU bytes, fragment_id = frag_left/MTU,
// high bit set iff more remain. On the last fragment the fragmenter and
// GAS header are cleared.
func (m *Manager) NextComebackFragment(cs *ClientState) (queryResp []byte, fragmentID uint8, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cs.Frag == nil {
		return nil, 0, ErrFragmentationInProgress
	}
	queryResp, fragmentID, err = cs.Frag.NextFragment()
	if err != nil {
		return nil, 0, err
	}
	if cs.Frag.Done() {
		cs.Frag = nil
		cs.GAS = nil
	}
	return queryResp, fragmentID, nil
}

// RejectDuringFragmentation reports the spec.md §4.5 error case: "a
// controller-side write of a non-GAS frame type during fragmentation is
// refused."
func (m *Manager) RejectDuringFragmentation(cs *ClientState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cs.Frag != nil
}
