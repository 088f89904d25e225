package dto

import "ipgate/internal/domain"

type VpnCheck struct {
	IP     string           `json:"ip"`
	Vpn    bool             `json:"vpn"`
	Info   string           `json:"info"`
	Action domain.VpnAction `json:"action"`
}

type IPAccounts struct {
	IP       string   `json:"ip"`
	Accounts []string `json:"accounts"`
}

type IPCheck struct {
	IP                 string `json:"ip"`
	Account            string `json:"account,omitempty"`
	AllowedToRegister  bool   `json:"allowed_to_register"`
	MaxLoggedInReached bool   `json:"max_logged_in_reached"`
	MaxJoinedReached   bool   `json:"max_joined_reached"`
}

type IPReset struct {
	IP          string `json:"ip"`
	Invalidated bool   `json:"invalidated"`
	Cleared     int64  `json:"cleared_sessions"`
	Broadcast   bool   `json:"broadcast"`
}

type CacheClear struct {
	Cleared   bool  `json:"cleared"`
	Sessions  int64 `json:"cleared_sessions,omitempty"`
	Broadcast bool  `json:"broadcast"`
}

type SettingsUpdate struct {
	Applied  bool     `json:"applied"`
	Warnings []string `json:"warnings,omitempty"`
}
