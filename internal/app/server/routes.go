package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"ipgate/internal/auth"
	"ipgate/internal/blacklist"
	"ipgate/internal/invalidation"
	"ipgate/internal/jobs/janitor"
	"ipgate/internal/restriction"
	"ipgate/internal/session"
	"ipgate/internal/vpn"
)

const shutdownTimeout = 10 * time.Second

// Deps are the gate components the admin routes operate on. Sessions, Feeds,
// ResetIP, ResetAll and Instances are optional.
type Deps struct {
	Engine    *restriction.Engine
	Detector  *vpn.Detector
	Sessions  *session.Registry
	Janitor   *janitor.Janitor
	Bus       *invalidation.Bus
	Feeds     *blacklist.Manager
	ResetIP   func(ctx context.Context, ip string) (int64, error)
	ResetAll  func(ctx context.Context) (int64, error)
	Instances func(ctx context.Context) (int, error)
}

type Server struct {
	deps Deps
}

func New(deps Deps) *Server {
	return &Server{deps: deps}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Handler() http.Handler {
	router := http.NewServeMux()
	router.HandleFunc("GET /health", getHealth)
	router.HandleFunc("GET /version", getVersion)
	router.HandleFunc("POST /login", loginAdmin)

	router.Handle("GET /ip/{ip}", auth.IsAdmin(http.HandlerFunc(s.getIPReport)))
	router.Handle("GET /ip/{ip}/vpn", auth.IsAdmin(http.HandlerFunc(s.getIPVpn)))
	router.Handle("GET /ip/{ip}/accounts", auth.IsAdmin(http.HandlerFunc(s.getIPAccounts)))
	router.Handle("GET /ip/{ip}/check", auth.IsAdmin(http.HandlerFunc(s.checkIP)))
	router.Handle("POST /ip/{ip}/invalidate", auth.IsAdmin(http.HandlerFunc(s.invalidateIP)))
	router.Handle("POST /ip/{ip}/reset", auth.IsAdmin(http.HandlerFunc(s.resetIP)))

	router.Handle("GET /sessions", auth.IsAdmin(http.HandlerFunc(s.listSessions)))
	router.Handle("POST /sessions", auth.IsAdmin(http.HandlerFunc(s.connectSession)))
	router.Handle("DELETE /sessions/{name}", auth.IsAdmin(http.HandlerFunc(s.disconnectSession)))

	router.Handle("POST /reset", auth.IsAdmin(http.HandlerFunc(s.resetAll)))
	router.Handle("POST /cache/clear", auth.IsAdmin(http.HandlerFunc(s.clearCaches)))
	router.Handle("POST /cache/sweep", auth.IsAdmin(http.HandlerFunc(s.sweepCaches)))
	router.Handle("GET /cache/stats", auth.IsAdmin(http.HandlerFunc(s.getCacheStats)))

	router.Handle("POST /vpn/feeds/refresh", auth.IsAdmin(http.HandlerFunc(s.refreshFeeds)))

	router.Handle("GET /settings", auth.IsAdmin(http.HandlerFunc(getSettings)))
	router.Handle("POST /settings", auth.IsAdmin(http.HandlerFunc(saveSettings)))

	router.Handle("GET /instances", auth.IsAdmin(http.HandlerFunc(s.getInstances)))

	return enableCORS(router)
}

// OpenRoutes serves the admin API until ctx is done.
func (s *Server) OpenRoutes(ctx context.Context, port int) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("Admin API shutdown failed", "error", err)
		}
	}()

	log.Infof("Starting ipgate admin API on port :%d", port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

func getHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
