package server

import (
	"encoding/json"
	"net/http"

	"github.com/charmbracelet/log"

	"ipgate/internal/api/dto"
	"ipgate/internal/auth"
)

func loginAdmin(w http.ResponseWriter, r *http.Request) {
	var credentials dto.Credentials
	if err := json.NewDecoder(r.Body).Decode(&credentials); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if !auth.AuthenticateAdmin(credentials.Username, credentials.Password) {
		log.Warn("Rejected admin login", "username", credentials.Username, "remote", r.RemoteAddr)
		writeError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(credentials.Username, auth.RoleAdmin)
	if err != nil {
		writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token, "role": auth.RoleAdmin})
}
