package server

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"ipgate/internal/api/dto"
)

func (s *Server) clearCaches(w http.ResponseWriter, r *http.Request) {
	s.deps.Engine.ClearAllCaches()
	writeJSON(w, http.StatusOK, dto.CacheClear{Cleared: true, Broadcast: s.broadcastAll(r)})
}

// resetAll logs every account out of its last address and drops all cached
// state on every instance.
func (s *Server) resetAll(w http.ResponseWriter, r *http.Request) {
	result := dto.CacheClear{Cleared: true}
	if s.deps.ResetAll != nil {
		cleared, err := s.deps.ResetAll(r.Context())
		if err != nil {
			log.Error("Failed to reset all IP sessions", "error", err)
			writeError(w, "Failed to reset", http.StatusInternalServerError)
			return
		}
		result.Sessions = cleared
	}

	s.deps.Engine.ClearAllCaches()
	result.Broadcast = s.broadcastAll(r)

	log.Info("All IP state reset", "cleared", result.Sessions)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) broadcastAll(r *http.Request) bool {
	if !s.deps.Bus.Enabled() {
		return false
	}
	if err := s.deps.Bus.PublishAll(r.Context()); err != nil {
		log.Warn("Failed to broadcast cache clear", "error", err)
		return false
	}
	return true
}

func (s *Server) sweepCaches(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Janitor == nil {
		writeError(w, "Cache janitor unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Janitor.Sweep(time.Now()))
}

func (s *Server) getCacheStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]any{
		"restriction_entries": s.deps.Engine.CacheSize(),
	}
	if s.deps.Detector != nil {
		stats["vpn_entries"] = s.deps.Detector.CacheSize()
	}
	if s.deps.Janitor != nil {
		stats["last_sweep"] = s.deps.Janitor.Last()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getInstances(w http.ResponseWriter, r *http.Request) {
	if s.deps.Instances == nil {
		writeJSON(w, http.StatusOK, map[string]int{"instances": 1})
		return
	}

	count, err := s.deps.Instances(r.Context())
	if err != nil {
		log.Error("Failed to count gate instances", "error", err)
		writeError(w, "Failed to count instances", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"instances": count})
}

func (s *Server) refreshFeeds(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feeds == nil {
		writeError(w, "VPN range feeds unavailable", http.StatusServiceUnavailable)
		return
	}

	outcome, err := s.deps.Feeds.Refresh(r.Context())
	if err != nil {
		log.Error("VPN range feed refresh failed", "error", err)
		writeError(w, "Failed to refresh range feeds", http.StatusBadGateway)
		return
	}
	if outcome.Changed && s.deps.Detector != nil {
		s.deps.Detector.ClearCache()
	}

	writeJSON(w, http.StatusOK, outcome)
}
