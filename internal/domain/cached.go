package domain

import "time"

// CachedCount is a snapshot of the accounts tied to one IP.
type CachedCount struct {
	Registered int       `json:"registered"`
	Online     int       `json:"online"`
	CapturedAt time.Time `json:"captured_at"`
}

// CachedVpnResult is a snapshot VPN/proxy verdict for one IP. Reason is the
// diagnostic of the rule that produced the verdict.
type CachedVpnResult struct {
	IsVpn      bool      `json:"is_vpn"`
	Reason     string    `json:"reason"`
	CapturedAt time.Time `json:"captured_at"`
}
