package vpn

import (
	"context"
	"net"
	"time"

	"github.com/charmbracelet/log"

	"ipgate/internal/config"
	"ipgate/internal/domain"
	"ipgate/internal/netrange"
	"ipgate/internal/ttlcache"
)

const (
	reasonDisabled    = "VPN detection is disabled"
	reasonMissing     = "No IP address"
	reasonMalformed   = "Invalid IP address"
	reasonLocal       = "Local or loopback address"
	reasonWhitelisted = "IP is whitelisted"
	reasonClean       = "Not detected as VPN/Proxy"
	reasonErrorPrefix = "Error during detection: "
)

// ASNLookup returns the autonomous system organisation announcing ip. A
// lookup that also has a Loaded() bool method is skipped while it reports
// false.
type ASNLookup interface {
	Organization(ip net.IP) (string, error)
}

// RangeFeed reports membership in externally maintained address lists.
type RangeFeed interface {
	Contains(ip string) bool
}

type Options struct {
	Settings func() config.VpnSettings
	Resolver Resolver
	// ASN is optional; without it the hosting network rule never matches.
	ASN   ASNLookup
	Feeds RangeFeed
	Clock func() time.Time
}

// Detector classifies client addresses as VPN/proxy or clean. Verdicts are
// cached per normalized IP for the configured VPN cache TTL.
type Detector struct {
	settings func() config.VpnSettings
	resolver Resolver
	asn      ASNLookup
	feeds    RangeFeed
	now      func() time.Time
	cache    *ttlcache.Cache[string, domain.CachedVpnResult]
}

func New(opts Options) *Detector {
	if opts.Settings == nil {
		opts.Settings = config.GetVpn
	}
	if opts.Resolver == nil {
		opts.Resolver = NetResolver{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	settings := opts.Settings
	return &Detector{
		settings: settings,
		resolver: opts.Resolver,
		asn:      opts.ASN,
		feeds:    opts.Feeds,
		now:      opts.Clock,
		cache: ttlcache.New[string, domain.CachedVpnResult](func() time.Duration {
			return settings().CacheTTL()
		}, ttlcache.WithClock(opts.Clock)),
	}
}

func (d *Detector) Enabled() bool {
	return d.settings().Enabled
}

// Action returns the configured response to a VPN verdict, KICK when the
// configured value is not recognised.
func (d *Detector) Action() domain.VpnAction {
	raw := d.settings().Action
	action, err := domain.ParseVpnAction(raw)
	if err != nil {
		log.Warn("Invalid VPN detection action, using default", "action", raw, "default", domain.DefaultVpnAction)
	}
	return action
}

// IsVpnOrProxy fails open: any internal error yields false.
func (d *Detector) IsVpnOrProxy(ctx context.Context, ip string) bool {
	return d.classify(ctx, ip).IsVpn
}

// DetectionInfo explains the verdict IsVpnOrProxy returns for ip.
func (d *Detector) DetectionInfo(ctx context.Context, ip string) string {
	return d.classify(ctx, ip).Reason
}

// Verdict is IsVpnOrProxy and DetectionInfo in one evaluation.
func (d *Detector) Verdict(ctx context.Context, ip string) domain.CachedVpnResult {
	return d.classify(ctx, ip)
}

func (d *Detector) classify(ctx context.Context, ip string) domain.CachedVpnResult {
	settings := d.settings()
	if !settings.Enabled {
		return domain.CachedVpnResult{Reason: reasonDisabled}
	}

	key := netrange.Normalize(ip)
	switch {
	case key == "":
		return domain.CachedVpnResult{Reason: reasonMissing}
	case netrange.IsLocal(key):
		return domain.CachedVpnResult{Reason: reasonLocal}
	}

	addr := net.ParseIP(key)
	if addr == nil {
		return domain.CachedVpnResult{Reason: reasonMalformed}
	}

	if ok, _ := netrange.AnyContains(key, settings.Whitelist); ok {
		return domain.CachedVpnResult{Reason: reasonWhitelisted}
	}

	result, err := d.cache.GetOrLoad(ctx, key, func(ctx context.Context) (domain.CachedVpnResult, error) {
		verdict, err := d.evaluate(ctx, key, addr, settings)
		if err != nil {
			return domain.CachedVpnResult{}, err
		}
		if verdict.IsVpn {
			log.Info("VPN/Proxy detected", "ip", key, "reason", verdict.Reason)
		}
		verdict.CapturedAt = d.now()
		return verdict, nil
	})
	if err != nil {
		log.Debug("VPN detection failed, treating address as clean", "ip", key, "error", err)
		return domain.CachedVpnResult{Reason: reasonErrorPrefix + err.Error()}
	}
	return result
}

func (d *Detector) evaluate(ctx context.Context, ip string, addr net.IP, settings config.VpnSettings) (domain.CachedVpnResult, error) {
	ev := &evaluation{
		ctx:      ctx,
		ip:       ip,
		addr:     addr,
		settings: settings,
		resolver: d.resolver,
		asn:      d.asn,
		feeds:    d.feeds,
	}

	for _, r := range rules {
		matched, reason, err := r.match(ev)
		if err != nil {
			return domain.CachedVpnResult{}, err
		}
		if matched {
			log.Debug("VPN rule matched", "ip", ip, "rule", r.name)
			return domain.CachedVpnResult{IsVpn: true, Reason: reason}, nil
		}
	}
	return domain.CachedVpnResult{Reason: reasonClean}, nil
}

// Cached returns the stored verdict for ip, fresh or not.
func (d *Detector) Cached(ip string) (ttlcache.Entry[domain.CachedVpnResult], bool) {
	entry, ok := d.cache.Peek(netrange.Normalize(ip))
	if ok {
		entry.Value.CapturedAt = entry.CapturedAt
	}
	return entry, ok
}

func (d *Detector) Invalidate(ip string) {
	d.cache.Invalidate(netrange.Normalize(ip))
	log.Debug("VPN cache cleared for IP", "ip", ip)
}

func (d *Detector) ClearCache() {
	d.cache.Clear()
	log.Info("VPN detection cache cleared")
}

// Sweep drops verdicts older than the VPN cache TTL.
func (d *Detector) Sweep(now time.Time) int {
	return d.cache.Sweep(now)
}

func (d *Detector) CacheSize() int {
	return d.cache.Len()
}
