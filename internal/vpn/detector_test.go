package vpn

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ipgate/internal/config"
	"ipgate/internal/domain"
)

type countingResolver struct {
	calls atomic.Int32
	host  string
	err   error
}

func (r *countingResolver) LookupHostname(_ context.Context, _ string) (string, error) {
	r.calls.Add(1)
	return r.host, r.err
}

type fakeASN struct {
	org string
	err error
}

func (f fakeASN) Organization(net.IP) (string, error) {
	return f.org, f.err
}

type unloadedASN struct{}

func (unloadedASN) Organization(net.IP) (string, error) {
	return "", errors.New("not loaded")
}

func (unloadedASN) Loaded() bool { return false }

type settingsBox struct {
	mu sync.Mutex
	s  config.VpnSettings
}

func (b *settingsBox) get() config.VpnSettings {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s
}

func (b *settingsBox) update(fn func(*config.VpnSettings)) {
	b.mu.Lock()
	fn(&b.s)
	b.mu.Unlock()
}

func enabledSettings() config.VpnSettings {
	return config.VpnSettings{
		Enabled:      true,
		Action:       "KICK",
		DNSDetection: true,
		CacheTimer:   config.Timer{Minutes: 30},
	}
}

func newTestDetector(t *testing.T, s config.VpnSettings, resolver Resolver) (*Detector, *settingsBox) {
	t.Helper()
	box := &settingsBox{s: s}
	if resolver == nil {
		resolver = &countingResolver{err: ErrNoHostname}
	}
	return New(Options{Settings: box.get, Resolver: resolver}), box
}

func TestDisabledDetection(t *testing.T) {
	s := enabledSettings()
	s.Enabled = false
	d, _ := newTestDetector(t, s, nil)
	ctx := context.Background()

	if d.IsVpnOrProxy(ctx, "104.16.0.1") {
		t.Fatal("disabled detection flagged an address")
	}
	if got := d.DetectionInfo(ctx, "104.16.0.1"); got != "VPN detection is disabled" {
		t.Fatalf("DetectionInfo = %q", got)
	}
	if d.CacheSize() != 0 {
		t.Fatal("disabled detection wrote to the cache")
	}
}

func TestDNSResolverScenario(t *testing.T) {
	ctx := context.Background()

	d, box := newTestDetector(t, enabledSettings(), nil)
	if !d.IsVpnOrProxy(ctx, "1.1.1.7") {
		t.Fatal("1.1.1.7 not flagged with DNS detection enabled")
	}
	if got := d.DetectionInfo(ctx, "1.1.1.7"); got != "Detected as DNS VPN service" {
		t.Fatalf("DetectionInfo = %q", got)
	}

	box.update(func(s *config.VpnSettings) { s.DNSDetection = false })
	d.ClearCache()

	if d.IsVpnOrProxy(ctx, "1.1.1.7") {
		t.Fatal("1.1.1.7 flagged with DNS detection disabled")
	}
	if got := d.DetectionInfo(ctx, "1.1.1.7"); got != "Not detected as VPN/Proxy" {
		t.Fatalf("DetectionInfo = %q", got)
	}
}

func TestKnownRanges(t *testing.T) {
	d, _ := newTestDetector(t, enabledSettings(), nil)
	ctx := context.Background()

	for _, ip := range []string{"104.16.0.1", "104.31.255.255", "185.220.101.20", "209.141.63.1"} {
		if !d.IsVpnOrProxy(ctx, ip) {
			t.Fatalf("%s not detected", ip)
		}
		if got := d.DetectionInfo(ctx, ip); got != "Detected in known VPN ranges" {
			t.Fatalf("DetectionInfo(%s) = %q", ip, got)
		}
	}

	for _, ip := range []string{"104.32.0.0", "209.141.64.0"} {
		if d.IsVpnOrProxy(ctx, ip) {
			t.Fatalf("%s just outside a known range was flagged", ip)
		}
	}
}

func TestWhitelistPrecedence(t *testing.T) {
	s := enabledSettings()
	s.Whitelist = []string{"104.16.0.0/16"}
	d, _ := newTestDetector(t, s, nil)
	ctx := context.Background()

	if d.IsVpnOrProxy(ctx, "104.16.3.4") {
		t.Fatal("whitelisted address inside a known VPN range was flagged")
	}
	if got := d.DetectionInfo(ctx, "104.16.3.4"); got != "IP is whitelisted" {
		t.Fatalf("DetectionInfo = %q", got)
	}
	if _, ok := d.Cached("104.16.3.4"); ok {
		t.Fatal("whitelist verdict was cached")
	}

	if !d.IsVpnOrProxy(ctx, "104.17.3.4") {
		t.Fatal("address outside the whitelist should still be detected")
	}
}

func TestCustomRangesSkipMalformed(t *testing.T) {
	s := enabledSettings()
	s.CustomRanges = []string{"bogus", "198.51.100.0/33", "198.51.100.0/24"}
	d, _ := newTestDetector(t, s, nil)

	if got := d.DetectionInfo(context.Background(), "198.51.100.77"); got != "Detected in custom VPN ranges" {
		t.Fatalf("DetectionInfo = %q", got)
	}
}

type staticFeed map[string]bool

func (f staticFeed) Contains(ip string) bool { return f[ip] }

func TestRangeFeedRule(t *testing.T) {
	s := enabledSettings()
	s.CustomRanges = []string{"198.51.100.0/24"}
	d := New(Options{
		Settings: func() config.VpnSettings { return s },
		Resolver: &countingResolver{err: ErrNoHostname},
		Feeds:    staticFeed{"203.0.113.60": true, "198.51.100.9": true},
	})
	ctx := context.Background()

	if got := d.DetectionInfo(ctx, " 203.0.113.60 "); got != "Detected in VPN range feed" {
		t.Fatalf("DetectionInfo = %q", got)
	}
	// Custom ranges are checked first.
	if got := d.DetectionInfo(ctx, "198.51.100.9"); got != "Detected in custom VPN ranges" {
		t.Fatalf("DetectionInfo = %q", got)
	}
	if d.IsVpnOrProxy(ctx, "203.0.113.61") {
		t.Fatal("address outside the feed flagged")
	}
}

func TestAdvancedHostnameRules(t *testing.T) {
	s := enabledSettings()
	s.AdvancedDetection = true
	s.CustomHostnames = []string{"shadyvpn"}
	ctx := context.Background()

	t.Run("hosting provider", func(t *testing.T) {
		resolver := &countingResolver{host: "EC2-203-0-113-9.compute-1.AmazonAWS.com."}
		d, _ := newTestDetector(t, s, resolver)

		want := "Detected as hosting provider: ec2-203-0-113-9.compute-1.amazonaws.com"
		if got := d.DetectionInfo(ctx, "203.0.113.9"); got != want {
			t.Fatalf("DetectionInfo = %q, want %q", got, want)
		}
		if !d.IsVpnOrProxy(ctx, "203.0.113.9") {
			t.Fatal("IsVpnOrProxy disagrees with DetectionInfo")
		}
		if resolver.calls.Load() != 1 {
			t.Fatalf("resolver called %d times, want 1", resolver.calls.Load())
		}
	})

	t.Run("custom hostname", func(t *testing.T) {
		resolver := &countingResolver{host: "exit-4.shadyvpn.example"}
		d, _ := newTestDetector(t, s, resolver)

		want := "Detected as custom VPN hostname: exit-4.shadyvpn.example"
		if got := d.DetectionInfo(ctx, "203.0.113.10"); got != want {
			t.Fatalf("DetectionInfo = %q, want %q", got, want)
		}
		if resolver.calls.Load() != 1 {
			t.Fatalf("hostname resolved %d times in one evaluation", resolver.calls.Load())
		}
	})

	t.Run("residential hostname", func(t *testing.T) {
		resolver := &countingResolver{host: "dsl-203-0-113-11.isp.example"}
		d, _ := newTestDetector(t, s, resolver)

		if d.IsVpnOrProxy(ctx, "203.0.113.11") {
			t.Fatal("residential hostname flagged")
		}
	})

	t.Run("no lookup without advanced detection", func(t *testing.T) {
		basic := s
		basic.AdvancedDetection = false
		resolver := &countingResolver{host: "x.amazonaws.com"}
		d, _ := newTestDetector(t, basic, resolver)

		if d.IsVpnOrProxy(ctx, "203.0.113.12") {
			t.Fatal("hostname rule applied with advanced detection off")
		}
		if resolver.calls.Load() != 0 {
			t.Fatal("resolver consulted with advanced detection off")
		}
	})
}

func TestHostingNetworkRule(t *testing.T) {
	s := enabledSettings()
	s.AdvancedDetection = true
	ctx := context.Background()

	d := New(Options{
		Settings: func() config.VpnSettings { return s },
		Resolver: &countingResolver{err: ErrNoHostname},
		ASN:      fakeASN{org: "DIGITALOCEAN-ASN"},
	})
	if got := d.DetectionInfo(ctx, "203.0.113.20"); got != "Detected as hosting network: DIGITALOCEAN-ASN" {
		t.Fatalf("DetectionInfo = %q", got)
	}

	clean := New(Options{
		Settings: func() config.VpnSettings { return s },
		Resolver: &countingResolver{err: ErrNoHostname},
		ASN:      fakeASN{org: "Example Broadband Networks"},
	})
	if clean.IsVpnOrProxy(ctx, "203.0.113.21") {
		t.Fatal("residential ISP flagged as hosting network")
	}

	pending := New(Options{
		Settings: func() config.VpnSettings { return s },
		Resolver: &countingResolver{err: ErrNoHostname},
		ASN:      unloadedASN{},
	})
	if got := pending.DetectionInfo(ctx, "203.0.113.22"); got != "Not detected as VPN/Proxy" {
		t.Fatalf("unloaded ASN database should be skipped, got %q", got)
	}
}

func TestFailOpenAndNoCacheOnErrors(t *testing.T) {
	s := enabledSettings()
	s.AdvancedDetection = true
	ctx := context.Background()

	resolver := &countingResolver{err: errors.New("i/o timeout")}
	d, _ := newTestDetector(t, s, resolver)

	for _, ip := range []string{"203.0.113.30", "198.51.100.31", "192.0.2.32"} {
		if d.IsVpnOrProxy(ctx, ip) {
			t.Fatalf("%s flagged while the resolver fails", ip)
		}
		if got := d.DetectionInfo(ctx, ip); !strings.HasPrefix(got, "Error during detection: ") {
			t.Fatalf("DetectionInfo(%s) = %q", ip, got)
		}
	}
	if d.CacheSize() != 0 {
		t.Fatalf("failed lookups left %d cache entries", d.CacheSize())
	}

	// Range rules run before the resolver, so they still decide.
	if !d.IsVpnOrProxy(ctx, "104.16.0.9") {
		t.Fatal("known range not detected while the resolver fails")
	}

	asnFailing := New(Options{
		Settings: func() config.VpnSettings { return s },
		Resolver: &countingResolver{err: ErrNoHostname},
		ASN:      fakeASN{err: errors.New("database closed")},
	})
	if asnFailing.IsVpnOrProxy(ctx, "203.0.113.33") || asnFailing.CacheSize() != 0 {
		t.Fatal("ASN failure must fail open without caching")
	}
}

func TestMissingHostnameIsCachedAsClean(t *testing.T) {
	s := enabledSettings()
	s.AdvancedDetection = true
	resolver := &countingResolver{err: ErrNoHostname}
	d, _ := newTestDetector(t, s, resolver)
	ctx := context.Background()

	if d.IsVpnOrProxy(ctx, "203.0.113.40") {
		t.Fatal("address without hostname flagged")
	}
	if d.IsVpnOrProxy(ctx, "203.0.113.40") {
		t.Fatal("address without hostname flagged on cached read")
	}
	if resolver.calls.Load() != 1 {
		t.Fatalf("resolver called %d times, want 1 (cached clean verdict)", resolver.calls.Load())
	}
}

func TestLocalAndMalformedAddresses(t *testing.T) {
	s := enabledSettings()
	s.CustomRanges = []string{"0.0.0.0/0"}
	d, _ := newTestDetector(t, s, nil)
	ctx := context.Background()

	for _, ip := range []string{"", "127.0.0.1", "localhost", "10.1.2.3", "192.168.0.10", "::1", "not-an-ip"} {
		if d.IsVpnOrProxy(ctx, ip) {
			t.Fatalf("%q flagged", ip)
		}
	}
	if d.CacheSize() != 0 {
		t.Fatalf("fast path wrote %d cache entries", d.CacheSize())
	}
}

func TestCacheKeyNormalizationAndTTL(t *testing.T) {
	s := enabledSettings()
	s.AdvancedDetection = true
	s.CacheTimer = config.Timer{Minutes: 30}

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	resolver := &countingResolver{host: "host.example"}
	d := New(Options{Settings: func() config.VpnSettings { return s }, Resolver: resolver, Clock: clock})
	ctx := context.Background()

	d.IsVpnOrProxy(ctx, " 203.0.113.50 ")
	d.IsVpnOrProxy(ctx, "203.0.113.50")
	if resolver.calls.Load() != 1 {
		t.Fatalf("resolver called %d times, normalized keys should share one entry", resolver.calls.Load())
	}

	entry, ok := d.Cached("203.0.113.50")
	if !ok || entry.Value.CapturedAt.IsZero() {
		t.Fatalf("Cached = (%+v, %v)", entry, ok)
	}

	advance(30*time.Minute - time.Millisecond)
	d.IsVpnOrProxy(ctx, "203.0.113.50")
	if resolver.calls.Load() != 1 {
		t.Fatal("verdict recomputed before the TTL elapsed")
	}

	advance(2 * time.Millisecond)
	d.IsVpnOrProxy(ctx, "203.0.113.50")
	if resolver.calls.Load() != 2 {
		t.Fatalf("resolver called %d times after expiry, want exactly 2", resolver.calls.Load())
	}

	advance(time.Hour)
	if removed := d.Sweep(clock()); removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}

	d.IsVpnOrProxy(ctx, "203.0.113.50")
	d.Invalidate(" 203.0.113.50")
	if _, ok := d.Cached("203.0.113.50"); ok {
		t.Fatal("Invalidate did not remove the normalized key")
	}
}

func TestConcurrentFirstLookupsShareOneEvaluation(t *testing.T) {
	s := enabledSettings()
	s.AdvancedDetection = true

	release := make(chan struct{})
	var calls atomic.Int32
	resolver := ResolverFunc(func(ctx context.Context, _ string) (string, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "node.vultr.com", nil
	})
	d, _ := newTestDetector(t, s, resolver)

	const callers = 50
	results := make([]bool, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = d.IsVpnOrProxy(context.Background(), "203.0.113.60")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("resolver called %d times, want 1", calls.Load())
	}
	for i, got := range results {
		if !got {
			t.Fatalf("caller %d observed a clean verdict", i)
		}
	}
}

func TestActionFallsBackToKick(t *testing.T) {
	s := enabledSettings()
	s.Action = "block_login"
	d, box := newTestDetector(t, s, nil)

	if got := d.Action(); got != domain.VpnActionBlockLogin {
		t.Fatalf("Action = %s, want BLOCK_LOGIN", got)
	}

	box.update(func(s *config.VpnSettings) { s.Action = "BAN_FOREVER" })
	if got := d.Action(); got != domain.VpnActionKick {
		t.Fatalf("Action = %s, want KICK fallback", got)
	}
}

func TestNormalizeHostname(t *testing.T) {
	cases := map[string]string{
		"Example.COM.":   "example.com",
		" host.example ": "host.example",
		"bücher.example": "xn--bcher-kva.example",
		"":               "",
	}
	for in, want := range cases {
		if got := NormalizeHostname(in); got != want {
			t.Fatalf("NormalizeHostname(%q) = %q, want %q", in, got, want)
		}
	}
}
