package restriction

import (
	"context"
	"fmt"

	"ipgate/internal/domain"
	"ipgate/internal/netrange"
)

type Limits struct {
	MaxRegistrations int `json:"max_registrations"`
	MaxLogin         int `json:"max_login"`
	MaxJoin          int `json:"max_join"`
}

// Report is the administrative view of one IP.
type Report struct {
	IP         string                 `json:"ip"`
	Registered int                    `json:"registered"`
	LoggedIn   int                    `json:"logged_in"`
	Online     int                    `json:"online"`
	Accounts   []string               `json:"accounts"`
	Cached     *domain.CachedCount    `json:"cached,omitempty"`
	Vpn        domain.CachedVpnResult `json:"vpn"`
	VpnAction  domain.VpnAction       `json:"vpn_action"`
	Limits     Limits                 `json:"limits"`
}

// Snapshot gathers counts, accounts and the VPN verdict for ip. It reads
// through the caches the same way the decisions do.
func (e *Engine) Snapshot(ctx context.Context, ip string) (Report, error) {
	key := netrange.Normalize(ip)
	settings := e.settings()

	report := Report{
		IP:     key,
		Online: e.OnlineCount(key),
		Limits: Limits{
			MaxRegistrations: settings.MaxRegistrationsPerIP,
			MaxLogin:         settings.MaxLoginPerIP,
			MaxJoin:          settings.MaxJoinPerIP,
		},
	}

	registered, err := e.RegisteredAccountsCount(ctx, key)
	if err != nil {
		return report, fmt.Errorf("registered accounts for %s: %w", key, err)
	}
	report.Registered = registered

	if report.LoggedIn, err = e.LoggedInCount(ctx, key, ""); err != nil {
		return report, fmt.Errorf("logged in accounts for %s: %w", key, err)
	}
	if report.Accounts, err = e.ListAccountsByIP(ctx, key); err != nil {
		return report, fmt.Errorf("accounts for %s: %w", key, err)
	}

	if cached, ok := e.CachedCount(key); ok {
		report.Cached = &cached
	}
	if e.vpn != nil {
		report.Vpn = e.vpn.Verdict(ctx, key)
		report.VpnAction = e.vpn.Action()
	}

	return report, nil
}
