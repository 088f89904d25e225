package server

import (
	"encoding/json"
	"net/http"

	"github.com/charmbracelet/log"

	"ipgate/internal/api/dto"
	"ipgate/internal/config"
)

func getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.GetConfig())
}

func saveSettings(w http.ResponseWriter, r *http.Request) {
	previous := config.GetConfig()

	var newConfig config.Config
	if err := json.NewDecoder(r.Body).Decode(&newConfig); err != nil {
		log.Error("Error decoding settings body", "error", err)
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	// Bookkeeping fields are owned by the gate, not the caller.
	newConfig.GeoLite.LastUpdatedAt = previous.GeoLite.LastUpdatedAt

	warnings := config.Validate(newConfig)
	if err := config.SetConfig(newConfig); err != nil {
		log.Warn("Settings applied with errors", "error", err)
	}

	writeJSON(w, http.StatusOK, dto.SettingsUpdate{Applied: true, Warnings: warnings})
}
