package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"ipgate/internal/api/dto"
	"ipgate/internal/netrange"
)

// pathIP reads the {ip} segment. A connected account name is accepted in
// place of the address and resolved through the session registry.
func (s *Server) pathIP(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.PathValue("ip")
	ip := netrange.Normalize(raw)
	if net.ParseIP(ip) != nil {
		return ip, true
	}
	if s.deps.Sessions != nil {
		if sessionIP, ok := s.deps.Sessions.IPOf(raw); ok {
			if resolved := netrange.Normalize(sessionIP); net.ParseIP(resolved) != nil {
				return resolved, true
			}
		}
	}
	writeError(w, "Invalid IP address or unknown player", http.StatusBadRequest)
	return "", false
}

func (s *Server) getIPReport(w http.ResponseWriter, r *http.Request) {
	ip, ok := s.pathIP(w, r)
	if !ok {
		return
	}

	report, err := s.deps.Engine.Snapshot(r.Context(), ip)
	if err != nil {
		log.Error("Failed to build IP report", "ip", ip, "error", err)
		writeError(w, "Failed to query account store", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *Server) getIPVpn(w http.ResponseWriter, r *http.Request) {
	ip, ok := s.pathIP(w, r)
	if !ok {
		return
	}
	if s.deps.Detector == nil {
		writeError(w, "VPN detection unavailable", http.StatusServiceUnavailable)
		return
	}

	verdict := s.deps.Detector.Verdict(r.Context(), ip)
	writeJSON(w, http.StatusOK, dto.VpnCheck{
		IP:     ip,
		Vpn:    verdict.IsVpn,
		Info:   verdict.Reason,
		Action: s.deps.Detector.Action(),
	})
}

func (s *Server) getIPAccounts(w http.ResponseWriter, r *http.Request) {
	ip, ok := s.pathIP(w, r)
	if !ok {
		return
	}

	accounts, err := s.deps.Engine.ListAccountsByIP(r.Context(), ip)
	if err != nil {
		log.Error("Failed to list accounts for IP", "ip", ip, "error", err)
		writeError(w, "Failed to query account store", http.StatusInternalServerError)
		return
	}
	if accounts == nil {
		accounts = []string{}
	}

	writeJSON(w, http.StatusOK, dto.IPAccounts{IP: ip, Accounts: accounts})
}

// checkIP answers the three admission questions for ip as the host would
// ask them for account.
func (s *Server) checkIP(w http.ResponseWriter, r *http.Request) {
	ip, ok := s.pathIP(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	account := strings.TrimSpace(query.Get("account"))
	bypass := false
	if raw := query.Get("bypass"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, "Invalid bypass flag", http.StatusBadRequest)
			return
		}
		bypass = parsed
	}

	ctx := r.Context()
	writeJSON(w, http.StatusOK, dto.IPCheck{
		IP:                 ip,
		Account:            account,
		AllowedToRegister:  s.deps.Engine.IsIPAllowedToRegister(ctx, ip, account, bypass),
		MaxLoggedInReached: s.deps.Engine.HasReachedMaxLoggedInForIP(ctx, ip, account, bypass),
		MaxJoinedReached:   s.deps.Engine.HasReachedMaxJoinedForIP(ctx, ip, bypass),
	})
}

func (s *Server) invalidateIP(w http.ResponseWriter, r *http.Request) {
	ip, ok := s.pathIP(w, r)
	if !ok {
		return
	}

	s.deps.Engine.InvalidateIP(ip)
	writeJSON(w, http.StatusOK, dto.IPReset{
		IP:          ip,
		Invalidated: true,
		Broadcast:   s.broadcastIP(r, ip),
	})
}

// resetIP forgets the cached state of ip and clears the last-seen address of
// every account recorded with it.
func (s *Server) resetIP(w http.ResponseWriter, r *http.Request) {
	ip, ok := s.pathIP(w, r)
	if !ok {
		return
	}

	result := dto.IPReset{IP: ip, Invalidated: true}
	if s.deps.ResetIP != nil {
		cleared, err := s.deps.ResetIP(r.Context(), ip)
		if err != nil {
			log.Error("Failed to reset IP sessions", "ip", ip, "error", err)
			writeError(w, "Failed to reset IP", http.StatusInternalServerError)
			return
		}
		result.Cleared = cleared
	}

	s.deps.Engine.InvalidateIP(ip)
	result.Broadcast = s.broadcastIP(r, ip)

	log.Info("IP reset", "ip", ip, "cleared", result.Cleared)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) broadcastIP(r *http.Request, ip string) bool {
	if !s.deps.Bus.Enabled() {
		return false
	}
	if err := s.deps.Bus.PublishIP(r.Context(), ip); err != nil {
		log.Warn("Failed to broadcast IP invalidation", "ip", ip, "error", err)
		return false
	}
	return true
}
