package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"ipgate/internal/api/dto"
	"ipgate/internal/domain"
	"ipgate/internal/netrange"
)

func (s *Server) sessionsAvailable(w http.ResponseWriter) bool {
	if s.deps.Sessions == nil {
		writeError(w, "Session registry unavailable", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	if !s.sessionsAvailable(w) {
		return
	}
	sessions := s.deps.Sessions.ConnectedSessions()
	if sessions == nil {
		sessions = []domain.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// connectSession records a client the host has let in. The online and
// logged-in limits count these entries.
func (s *Server) connectSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessionsAvailable(w) {
		return
	}

	var event dto.SessionEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(event.Name)
	ip := netrange.Normalize(event.IP)
	if name == "" {
		writeError(w, "Missing player name", http.StatusBadRequest)
		return
	}
	if net.ParseIP(ip) == nil {
		writeError(w, "Invalid IP address", http.StatusBadRequest)
		return
	}

	s.deps.Sessions.Connect(name, ip)
	log.Debug("Session connected", "name", name, "ip", ip)
	writeJSON(w, http.StatusCreated, dto.SessionEvent{Name: name, IP: ip})
}

func (s *Server) disconnectSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessionsAvailable(w) {
		return
	}

	name := strings.TrimSpace(r.PathValue("name"))
	s.deps.Sessions.Disconnect(name)
	log.Debug("Session disconnected", "name", name)
	w.WriteHeader(http.StatusNoContent)
}
