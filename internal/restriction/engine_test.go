package restriction

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ipgate/internal/config"
	"ipgate/internal/domain"
	"ipgate/internal/session"
)

type fakeStore struct {
	mu            sync.Mutex
	counts        map[string]int
	accounts      map[string][]string
	authenticated map[string]bool
	countErr      error
	authErr       error
	release       chan struct{}

	countCalls atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		counts:        map[string]int{},
		accounts:      map[string][]string{},
		authenticated: map[string]bool{},
	}
}

func (s *fakeStore) setCount(ip string, n int) {
	s.mu.Lock()
	s.counts[ip] = n
	s.mu.Unlock()
}

func (s *fakeStore) CountAccountsByIP(_ context.Context, ip string) (int, error) {
	s.countCalls.Add(1)
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countErr != nil {
		return 0, s.countErr
	}
	return s.counts[ip], nil
}

func (s *fakeStore) ListAccountNamesByIP(_ context.Context, ip string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.accounts[ip]...), nil
}

func (s *fakeStore) IsAuthenticated(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authErr != nil {
		return false, s.authErr
	}
	return s.authenticated[name], nil
}

type fakeVpn struct {
	flagged     map[string]bool
	action      domain.VpnAction
	invalidated []string
	cleared     int
}

func (f *fakeVpn) IsVpnOrProxy(_ context.Context, ip string) bool { return f.flagged[ip] }

func (f *fakeVpn) Verdict(_ context.Context, ip string) domain.CachedVpnResult {
	if f.flagged[ip] {
		return domain.CachedVpnResult{IsVpn: true, Reason: "Detected in custom VPN ranges"}
	}
	return domain.CachedVpnResult{Reason: "Not detected as VPN/Proxy"}
}

func (f *fakeVpn) Action() domain.VpnAction { return f.action }
func (f *fakeVpn) Invalidate(ip string)     { f.invalidated = append(f.invalidated, ip) }
func (f *fakeVpn) ClearCache()              { f.cleared++ }

func limits(mut func(*config.RestrictionSettings)) func() config.RestrictionSettings {
	s := config.RestrictionSettings{
		MaxRegistrationsPerIP: 1,
		CacheTimer:            config.Timer{Minutes: 5},
	}
	if mut != nil {
		mut(&s)
	}
	return func() config.RestrictionSettings { return s }
}

func TestRegisterExemptions(t *testing.T) {
	store := newFakeStore()
	store.setCount("203.0.113.5", 10)
	ctx := context.Background()

	disabled := New(Options{Store: store, Settings: limits(func(s *config.RestrictionSettings) { s.MaxRegistrationsPerIP = 0 })})
	if !disabled.IsIPAllowedToRegister(ctx, "203.0.113.5", "alice", false) {
		t.Fatal("limit 0 should disable the check")
	}

	e := New(Options{Store: store, Settings: limits(nil)})
	for _, ip := range []string{"", "127.0.0.1", "localhost", "::1"} {
		if !e.IsIPAllowedToRegister(ctx, ip, "alice", false) {
			t.Fatalf("%q should be exempt", ip)
		}
	}
	if !e.IsIPAllowedToRegister(ctx, "203.0.113.5", "alice", true) {
		t.Fatal("bypass should allow registration")
	}
	if store.countCalls.Load() != 0 {
		t.Fatalf("exempt checks queried the store %d times", store.countCalls.Load())
	}

	if e.IsIPAllowedToRegister(ctx, "203.0.113.5", "alice", false) {
		t.Fatal("10 accounts over a limit of 1 should be denied")
	}
}

func TestRegisterVpnActions(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		action  domain.VpnAction
		allowed bool
	}{
		{domain.VpnActionKick, false},
		{domain.VpnActionBlockRegister, false},
		{domain.VpnActionBlockLogin, true},
		{domain.VpnActionLogOnly, true},
	}

	for _, tc := range cases {
		t.Run(string(tc.action), func(t *testing.T) {
			gate := &fakeVpn{flagged: map[string]bool{"198.51.100.9": true}, action: tc.action}
			e := New(Options{Store: newFakeStore(), Vpn: gate, Settings: limits(nil)})

			if got := e.IsIPAllowedToRegister(ctx, "198.51.100.9", "alice", false); got != tc.allowed {
				t.Fatalf("IsIPAllowedToRegister = %v, want %v", got, tc.allowed)
			}
		})
	}
}

func TestLoginAndJoinVpnActions(t *testing.T) {
	ctx := context.Background()
	settings := limits(func(s *config.RestrictionSettings) {
		s.MaxLoginPerIP = 5
		s.MaxJoinPerIP = 5
	})

	cases := []struct {
		action       domain.VpnAction
		loginReached bool
		joinReached  bool
	}{
		{domain.VpnActionKick, true, true},
		{domain.VpnActionBlockRegister, false, false},
		{domain.VpnActionBlockLogin, true, false},
		{domain.VpnActionLogOnly, false, false},
	}

	for _, tc := range cases {
		t.Run(string(tc.action), func(t *testing.T) {
			gate := &fakeVpn{flagged: map[string]bool{"198.51.100.9": true}, action: tc.action}
			e := New(Options{Store: newFakeStore(), Sessions: session.NewRegistry(), Vpn: gate, Settings: settings})

			if got := e.HasReachedMaxLoggedInForIP(ctx, "198.51.100.9", "alice", false); got != tc.loginReached {
				t.Fatalf("HasReachedMaxLoggedInForIP = %v, want %v", got, tc.loginReached)
			}
			if got := e.HasReachedMaxJoinedForIP(ctx, "198.51.100.9", false); got != tc.joinReached {
				t.Fatalf("HasReachedMaxJoinedForIP = %v, want %v", got, tc.joinReached)
			}
		})
	}
}

func TestJoinedBoundaryIsStrictlyGreater(t *testing.T) {
	sessions := session.NewRegistry()
	e := New(Options{
		Store:    newFakeStore(),
		Sessions: sessions,
		Settings: limits(func(s *config.RestrictionSettings) { s.MaxJoinPerIP = 2 }),
	})
	ctx := context.Background()

	sessions.Connect("one", "203.0.113.5")
	sessions.Connect("two", "203.0.113.5")
	sessions.Connect("elsewhere", "198.51.100.1")
	if e.HasReachedMaxJoinedForIP(ctx, "203.0.113.5", false) {
		t.Fatal("exactly 2 connections must not reach a join limit of 2")
	}

	sessions.Connect("three", "203.0.113.5")
	if !e.HasReachedMaxJoinedForIP(ctx, "203.0.113.5", false) {
		t.Fatal("a 3rd connection must reach a join limit of 2")
	}
	if e.HasReachedMaxJoinedForIP(ctx, "203.0.113.5", true) {
		t.Fatal("bypass should skip the join limit")
	}
}

func TestLoggedInBoundaryIsInclusive(t *testing.T) {
	store := newFakeStore()
	store.authenticated["alice"] = true
	store.authenticated["bob"] = true

	sessions := session.NewRegistry()
	sessions.Connect("Alice", "203.0.113.5")
	sessions.Connect("Bob", "203.0.113.5")
	sessions.Connect("carol", "203.0.113.5")

	e := New(Options{
		Store:    store,
		Sessions: sessions,
		Settings: limits(func(s *config.RestrictionSettings) { s.MaxLoginPerIP = 2 }),
	})
	ctx := context.Background()

	if !e.HasReachedMaxLoggedInForIP(ctx, "203.0.113.5", "carol", false) {
		t.Fatal("2 authenticated sessions must reach a login limit of 2")
	}
	if e.HasReachedMaxLoggedInForIP(ctx, "203.0.113.5", "alice", false) {
		t.Fatal("the account itself must not count against its own login")
	}
	if got, _ := e.LoggedInCount(ctx, "203.0.113.5", ""); got != 2 {
		t.Fatalf("LoggedInCount = %d, want 2", got)
	}
	if got := e.OnlineCount("203.0.113.5"); got != 3 {
		t.Fatalf("OnlineCount = %d, want 3", got)
	}
}

func TestStrictModeRechecksStaleDenial(t *testing.T) {
	store := newFakeStore()
	store.setCount("203.0.113.5", 1)
	ctx := context.Background()

	lenient := New(Options{Store: store, Settings: limits(nil)})
	strict := New(Options{Store: store, Settings: limits(func(s *config.RestrictionSettings) { s.StrictRestriction = true })})

	if _, err := lenient.RegisteredAccountsCount(ctx, "203.0.113.5"); err != nil {
		t.Fatal(err)
	}
	if _, err := strict.RegisteredAccountsCount(ctx, "203.0.113.5"); err != nil {
		t.Fatal(err)
	}

	// The account was removed after both caches were filled.
	store.setCount("203.0.113.5", 0)

	if lenient.IsIPAllowedToRegister(ctx, "203.0.113.5", "alice", false) {
		t.Fatal("non-strict mode should trust the cached count")
	}
	if !strict.IsIPAllowedToRegister(ctx, "203.0.113.5", "alice", false) {
		t.Fatal("strict mode should recheck the store before denying")
	}
}

func TestStrictModeRecheckIsBounded(t *testing.T) {
	store := newFakeStore()
	store.setCount("203.0.113.5", 3)

	e := New(Options{Store: store, Settings: limits(func(s *config.RestrictionSettings) {
		s.StrictRestriction = true
		s.StrictRecheckAttempts = 3
	})})

	if e.IsIPAllowedToRegister(context.Background(), "203.0.113.5", "alice", false) {
		t.Fatal("registration should be denied")
	}
	if got := store.countCalls.Load(); got != 4 {
		t.Fatalf("store queried %d times, want 1 + 3 rechecks", got)
	}
}

func TestStoreFailurePolicy(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused")

	store := newFakeStore()
	store.countErr = boom
	store.authErr = boom

	sessions := session.NewRegistry()
	sessions.Connect("alice", "203.0.113.5")

	settings := func(failClosed bool) func() config.RestrictionSettings {
		return limits(func(s *config.RestrictionSettings) {
			s.MaxLoginPerIP = 1
			s.FailClosedOnStoreError = failClosed
		})
	}

	open := New(Options{Store: store, Sessions: sessions, Settings: settings(false)})
	if !open.IsIPAllowedToRegister(ctx, "203.0.113.5", "bob", false) {
		t.Fatal("fail-open registration should be allowed")
	}
	if open.HasReachedMaxLoggedInForIP(ctx, "203.0.113.5", "bob", false) {
		t.Fatal("fail-open login should not be limited")
	}
	if open.CacheSize() != 0 {
		t.Fatal("failed store query created a cache entry")
	}

	closed := New(Options{Store: store, Sessions: sessions, Settings: settings(true)})
	if closed.IsIPAllowedToRegister(ctx, "203.0.113.5", "bob", false) {
		t.Fatal("fail-closed registration should be denied")
	}
	if !closed.HasReachedMaxLoggedInForIP(ctx, "203.0.113.5", "bob", false) {
		t.Fatal("fail-closed login should be limited")
	}
}

func TestConcurrentFirstLookupsQueryStoreOnce(t *testing.T) {
	store := newFakeStore()
	store.setCount("203.0.113.77", 4)
	store.release = make(chan struct{})

	e := New(Options{Store: store, Settings: limits(nil)})

	const callers = 50
	results := make([]int, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			n, err := e.RegisteredAccountsCount(context.Background(), "203.0.113.77")
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
			}
			results[i] = n
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(store.release)
	wg.Wait()

	if got := store.countCalls.Load(); got != 1 {
		t.Fatalf("store queried %d times, want 1", got)
	}
	for i, n := range results {
		if n != 4 {
			t.Fatalf("caller %d observed %d", i, n)
		}
	}
}

func TestCountCacheTTL(t *testing.T) {
	store := newFakeStore()
	store.setCount("203.0.113.5", 1)

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

	e := New(Options{Store: store, Settings: limits(nil), Clock: clock})
	ctx := context.Background()

	e.RegisteredAccountsCount(ctx, "203.0.113.5")
	advance(5*time.Minute - time.Millisecond)
	e.RegisteredAccountsCount(ctx, "203.0.113.5")
	if store.countCalls.Load() != 1 {
		t.Fatal("count recomputed before the TTL elapsed")
	}

	advance(2 * time.Millisecond)
	e.RegisteredAccountsCount(ctx, "203.0.113.5")
	if store.countCalls.Load() != 2 {
		t.Fatalf("store queried %d times after expiry, want 2", store.countCalls.Load())
	}

	cached, ok := e.CachedCount(" 203.0.113.5 ")
	if !ok || cached.Registered != 1 || !cached.CapturedAt.Equal(clock()) {
		t.Fatalf("CachedCount = (%+v, %v)", cached, ok)
	}

	advance(6 * time.Minute)
	if removed := e.Sweep(clock()); removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
}

func TestInvalidateAndClearReachBothCaches(t *testing.T) {
	store := newFakeStore()
	gate := &fakeVpn{action: domain.VpnActionKick}
	e := New(Options{Store: store, Vpn: gate, Settings: limits(nil)})
	ctx := context.Background()

	e.RegisteredAccountsCount(ctx, "203.0.113.5")
	e.RegisteredAccountsCount(ctx, "203.0.113.6")

	e.InvalidateIP(" 203.0.113.5 ")
	if _, ok := e.CachedCount("203.0.113.5"); ok {
		t.Fatal("InvalidateIP left the count entry")
	}
	if len(gate.invalidated) != 1 || gate.invalidated[0] != "203.0.113.5" {
		t.Fatalf("vpn invalidations = %v", gate.invalidated)
	}

	e.ClearAllCaches()
	if e.CacheSize() != 0 || gate.cleared != 1 {
		t.Fatalf("ClearAllCaches: size %d, vpn clears %d", e.CacheSize(), gate.cleared)
	}
}

func TestSnapshot(t *testing.T) {
	store := newFakeStore()
	store.setCount("198.51.100.9", 2)
	store.accounts["198.51.100.9"] = []string{"alice", "bob"}
	store.authenticated["alice"] = true

	sessions := session.NewRegistry()
	sessions.Connect("alice", "198.51.100.9")

	gate := &fakeVpn{flagged: map[string]bool{"198.51.100.9": true}, action: domain.VpnActionLogOnly}
	e := New(Options{Store: store, Sessions: sessions, Vpn: gate, Settings: limits(nil)})

	report, err := e.Snapshot(context.Background(), "198.51.100.9")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if report.Registered != 2 || report.LoggedIn != 1 || report.Online != 1 {
		t.Fatalf("counts = %+v", report)
	}
	if len(report.Accounts) != 2 || report.Cached == nil || report.Cached.Registered != 2 {
		t.Fatalf("report = %+v", report)
	}
	if !report.Vpn.IsVpn || report.VpnAction != domain.VpnActionLogOnly {
		t.Fatalf("vpn = %+v, action %s", report.Vpn, report.VpnAction)
	}
	if report.Limits.MaxRegistrations != 1 {
		t.Fatalf("limits = %+v", report.Limits)
	}
}
