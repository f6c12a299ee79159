// Package adminapi exposes a small JSON HTTP surface for introspecting a
// running DPP endpoint daemon: live DPP/PKEX sessions and
// (Relay/Controller only) client states, plus a chirp trigger. The
// bootstrap store is not served. It replaces the
// ConnectRPC/protobuf control plane the reference daemon's retrieved
// sources never shipped a usable schema for.
package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ekmixon/dpp/internal/dpp"
	"github.com/ekmixon/dpp/internal/relay"
)

// sessionView is the JSON projection of a live DPP or PKEX session.
type sessionView struct {
	Handle  uint32 `json:"handle"`
	MyMAC   string `json:"my_mac"`
	PeerMAC string `json:"peer_mac"`
	Kind    string `json:"kind"`
}

// clientStateView is the JSON projection of a Relay/Controller ClientState.
type clientStateView struct {
	MyMAC   string `json:"my_mac"`
	PeerMAC string `json:"peer_mac"`
}

// Server is the admin HTTP server. All handlers only read from Registry
// and Relay; every Post into the event loop required to act on an admin
// request belongs to the caller wiring this package together.
type Server struct {
	router       *mux.Router
	registry     *dpp.Registry
	relay        *relay.Manager
	triggerChirp func() error
}

// New builds the admin API router. relay may be nil for the sss role.
func New(registry *dpp.Registry, relayMgr *relay.Manager) *Server {
	s := &Server{router: mux.NewRouter(), registry: registry, relay: relayMgr}

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/sessions", s.handleSessions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/sessions/dpp/{handle}", s.handleDPPSessionByHandle).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/clients", s.handleClients).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/chirp", s.handleChirp).Methods(http.MethodPost)

	return s
}

// SetChirpTrigger wires a function that posts an immediate chirp
// transmission onto the owning Endpoint's event loop (spec.md §9
// supplemented feature 1). cmd/dppd provides one for the sss role; when
// chirping is not enabled the trigger returns an error and
// /api/v1/chirp answers 500. Other roles leave it nil and /api/v1/chirp
// answers 501.
func (s *Server) SetChirpTrigger(fn func() error) {
	s.triggerChirp = fn
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	views := make([]sessionView, 0)
	for _, sess := range s.registry.DPPSessions() {
		views = append(views, sessionView{
			Handle:  uint32(sess.Handle),
			MyMAC:   sess.MyMAC.String(),
			PeerMAC: sess.PeerMAC().String(),
			Kind:    "dpp",
		})
	}
	for _, sess := range s.registry.PKEXSessions() {
		views = append(views, sessionView{
			Handle:  uint32(sess.Handle),
			MyMAC:   sess.MyMAC.String(),
			PeerMAC: sess.PeerMAC().String(),
			Kind:    "pkex",
		})
	}
	writeJSON(w, views)
}

func (s *Server) handleDPPSessionByHandle(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	handle := vars["handle"]

	for _, sess := range s.registry.DPPSessions() {
		if strconv.FormatUint(uint64(sess.Handle), 10) == handle {
			writeJSON(w, sessionView{
				Handle:  uint32(sess.Handle),
				MyMAC:   sess.MyMAC.String(),
				PeerMAC: sess.PeerMAC().String(),
				Kind:    "dpp",
			})
			return
		}
	}
	http.NotFound(w, r)
}

func (s *Server) handleChirp(w http.ResponseWriter, _ *http.Request) {
	if s.triggerChirp == nil {
		http.Error(w, "chirp trigger not available on this role", http.StatusNotImplemented)
		return
	}
	if err := s.triggerChirp(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleClients(w http.ResponseWriter, _ *http.Request) {
	views := make([]clientStateView, 0)
	if s.relay != nil {
		for _, cs := range s.relay.Snapshot() {
			views = append(views, clientStateView{
				MyMAC:   cs.MyMAC.String(),
				PeerMAC: cs.PeerMAC.String(),
			})
		}
	}
	writeJSON(w, views)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
