package restriction

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"ipgate/internal/config"
	"ipgate/internal/domain"
	"ipgate/internal/netrange"
	"ipgate/internal/ttlcache"
)

// AccountStore is the authoritative account database.
type AccountStore interface {
	CountAccountsByIP(ctx context.Context, ip string) (int, error)
	ListAccountNamesByIP(ctx context.Context, ip string) ([]string, error)
	IsAuthenticated(ctx context.Context, name string) (bool, error)
}

// SessionDirectory lists the clients currently connected to the host.
type SessionDirectory interface {
	ConnectedSessions() []domain.Session
}

// VpnGate is the part of the VPN detector the engine relies on.
type VpnGate interface {
	IsVpnOrProxy(ctx context.Context, ip string) bool
	Verdict(ctx context.Context, ip string) domain.CachedVpnResult
	Action() domain.VpnAction
	Invalidate(ip string)
	ClearCache()
}

type Options struct {
	Store    AccountStore
	Sessions SessionDirectory
	Vpn      VpnGate
	Settings func() config.RestrictionSettings
	Clock    func() time.Time
}

// Engine answers the per-IP admission questions. Registered account counts
// are cached per IP; logged-in and online counts are always read live.
type Engine struct {
	store    AccountStore
	sessions SessionDirectory
	vpn      VpnGate
	settings func() config.RestrictionSettings
	now      func() time.Time
	counts   *ttlcache.Cache[string, domain.CachedCount]
}

func New(opts Options) *Engine {
	if opts.Settings == nil {
		opts.Settings = config.GetRestrictions
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Sessions == nil {
		opts.Sessions = noSessions{}
	}

	settings := opts.Settings
	return &Engine{
		store:    opts.Store,
		sessions: opts.Sessions,
		vpn:      opts.Vpn,
		settings: settings,
		now:      opts.Clock,
		counts: ttlcache.New[string, domain.CachedCount](func() time.Duration {
			return settings().CacheTTL()
		}, ttlcache.WithClock(opts.Clock)),
	}
}

type noSessions struct{}

func (noSessions) ConnectedSessions() []domain.Session { return nil }

// exempt covers the checks shared by all three decisions: disabled limit,
// missing or loopback address, bypass permission.
func exempt(limit int, ip string, bypass bool) bool {
	return limit <= 0 || ip == "" || netrange.IsLoopback(ip) || bypass
}

func (e *Engine) vpnBlocks(ctx context.Context, ip string, blocks func(domain.VpnAction) bool) bool {
	if e.vpn == nil || !e.vpn.IsVpnOrProxy(ctx, ip) {
		return false
	}
	return blocks(e.vpn.Action())
}

// IsIPAllowedToRegister reports whether another account may be registered
// from ip. The count must stay below the limit.
func (e *Engine) IsIPAllowedToRegister(ctx context.Context, ip, account string, bypass bool) bool {
	settings := e.settings()
	key := netrange.Normalize(ip)
	if exempt(settings.MaxRegistrationsPerIP, key, bypass) {
		return true
	}

	if e.vpnBlocks(ctx, key, domain.VpnAction.BlocksRegistration) {
		log.Info("Registration denied for VPN/Proxy address", "ip", key, "account", account)
		return false
	}

	count, err := e.RegisteredAccountsCount(ctx, key)
	if err != nil {
		return e.onStoreError("register", key, err, !settings.FailClosedOnStoreError)
	}
	allowed := count < settings.MaxRegistrationsPerIP

	for attempt := 0; !allowed && settings.StrictRestriction && attempt < settings.RecheckAttempts(); attempt++ {
		e.counts.Invalidate(key)
		count, err = e.RegisteredAccountsCount(ctx, key)
		if err != nil {
			return e.onStoreError("register", key, err, !settings.FailClosedOnStoreError)
		}
		allowed = count < settings.MaxRegistrationsPerIP
	}

	if !allowed {
		log.Debug("Registration limit reached", "ip", key, "account", account, "registered", count, "limit", settings.MaxRegistrationsPerIP)
	}
	return allowed
}

// HasReachedMaxLoggedInForIP reports whether ip already has as many
// authenticated sessions as allowed, not counting account itself.
func (e *Engine) HasReachedMaxLoggedInForIP(ctx context.Context, ip, account string, bypass bool) bool {
	settings := e.settings()
	key := netrange.Normalize(ip)
	if exempt(settings.MaxLoginPerIP, key, bypass) {
		return false
	}

	if e.vpnBlocks(ctx, key, domain.VpnAction.BlocksLogin) {
		log.Info("Login denied for VPN/Proxy address", "ip", key, "account", account)
		return true
	}

	count, err := e.LoggedInCount(ctx, key, account)
	if err != nil {
		return e.onStoreError("login", key, err, settings.FailClosedOnStoreError)
	}
	reached := count >= settings.MaxLoginPerIP

	for attempt := 0; reached && settings.StrictRestriction && attempt < settings.RecheckAttempts(); attempt++ {
		count, err = e.LoggedInCount(ctx, key, account)
		if err != nil {
			return e.onStoreError("login", key, err, settings.FailClosedOnStoreError)
		}
		reached = count >= settings.MaxLoginPerIP
	}

	return reached
}

// HasReachedMaxJoinedForIP reports whether more clients are connected from
// ip than allowed. Being exactly at the limit is tolerated.
func (e *Engine) HasReachedMaxJoinedForIP(ctx context.Context, ip string, bypass bool) bool {
	settings := e.settings()
	key := netrange.Normalize(ip)
	if exempt(settings.MaxJoinPerIP, key, bypass) {
		return false
	}

	if e.vpnBlocks(ctx, key, domain.VpnAction.BlocksJoin) {
		log.Info("Connection denied for VPN/Proxy address", "ip", key)
		return true
	}

	return e.OnlineCount(key) > settings.MaxJoinPerIP
}

func (e *Engine) onStoreError(check, ip string, err error, outcome bool) bool {
	log.Warn("Account store unavailable for IP restriction", "check", check, "ip", ip, "error", err, "fail_closed", e.settings().FailClosedOnStoreError)
	return outcome
}

// RegisteredAccountsCount returns the cached count for ip, querying the
// store at most once per fill for concurrent callers.
func (e *Engine) RegisteredAccountsCount(ctx context.Context, ip string) (int, error) {
	key := netrange.Normalize(ip)
	entry, err := e.counts.GetOrLoad(ctx, key, func(ctx context.Context) (domain.CachedCount, error) {
		registered, err := e.store.CountAccountsByIP(ctx, key)
		if err != nil {
			return domain.CachedCount{}, err
		}
		return domain.CachedCount{
			Registered: registered,
			Online:     e.OnlineCount(key),
			CapturedAt: e.now(),
		}, nil
	})
	if err != nil {
		return 0, err
	}
	return entry.Registered, nil
}

// LoggedInCount counts connected sessions from ip whose account is
// authenticated, skipping exclude.
func (e *Engine) LoggedInCount(ctx context.Context, ip, exclude string) (int, error) {
	key := netrange.Normalize(ip)
	count := 0
	for _, s := range e.sessions.ConnectedSessions() {
		if !strings.EqualFold(strings.TrimSpace(s.IP), key) || strings.EqualFold(s.AccountName, exclude) {
			continue
		}
		ok, err := e.store.IsAuthenticated(ctx, strings.ToLower(s.AccountName))
		if err != nil {
			return 0, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

func (e *Engine) OnlineCount(ip string) int {
	key := netrange.Normalize(ip)
	count := 0
	for _, s := range e.sessions.ConnectedSessions() {
		if strings.EqualFold(strings.TrimSpace(s.IP), key) {
			count++
		}
	}
	return count
}

// ListAccountsByIP passes through to the store.
func (e *Engine) ListAccountsByIP(ctx context.Context, ip string) ([]string, error) {
	return e.store.ListAccountNamesByIP(ctx, netrange.Normalize(ip))
}

// CachedCount returns the stored count entry for ip, fresh or not.
func (e *Engine) CachedCount(ip string) (domain.CachedCount, bool) {
	entry, ok := e.counts.Peek(netrange.Normalize(ip))
	return entry.Value, ok
}

// InvalidateIP drops every cached value for ip so the next query re-reads
// the store and re-runs VPN detection.
func (e *Engine) InvalidateIP(ip string) {
	key := netrange.Normalize(ip)
	e.counts.Invalidate(key)
	if e.vpn != nil {
		e.vpn.Invalidate(key)
	}
	log.Debug("IP caches invalidated", "ip", key)
}

func (e *Engine) ClearAllCaches() {
	e.counts.Clear()
	if e.vpn != nil {
		e.vpn.ClearCache()
	}
	log.Info("IP restriction caches cleared")
}

// Sweep drops count entries older than the count cache TTL.
func (e *Engine) Sweep(now time.Time) int {
	return e.counts.Sweep(now)
}

func (e *Engine) CacheSize() int {
	return e.counts.Len()
}
