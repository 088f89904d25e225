package blacklist

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"ipgate/internal/config"
)

const (
	maxResponseBytes       = 10 << 20 // 10 MiB safety cap
	defaultRefreshInterval = 6 * time.Hour
)

var ipRegex = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?:/\d{1,2})?\b`)

// span is an inclusive IPv4 interval.
type span struct {
	start uint32
	end   uint32
}

type atomicRangeList struct {
	val atomic.Value
}

func (a *atomicRangeList) Load() []span {
	raw, _ := a.val.Load().([]span)
	return raw
}

func (a *atomicRangeList) Store(r []span) {
	a.val.Store(r)
}

type RefreshOutcome struct {
	Sources          int  `json:"sources"`
	FailedSources    int  `json:"failed_sources"`
	TotalFromSources int  `json:"total_from_sources"`
	NewRanges        int  `json:"new_ranges"`
	TotalRanges      int  `json:"total_ranges"`
	Changed          bool `json:"changed"`
}

// Manager keeps the merged IPv4 ranges downloaded from the configured VPN
// range feeds. Lookups never block on a refresh.
type Manager struct {
	ranges     atomicRangeList
	refresh    singleflight.Group
	httpClient *http.Client
	sources    func() []string
}

// New creates an empty manager reading its feed URLs from sources on every
// refresh. A nil sources uses vpn.range_feeds.
func New(sources func() []string) *Manager {
	if sources == nil {
		sources = func() []string { return config.GetVpn().RangeFeeds }
	}
	m := &Manager{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		sources:    sources,
	}
	m.ranges.Store(nil)
	return m
}

// Contains reports whether ip falls inside any downloaded range.
func (m *Manager) Contains(ip string) bool {
	if m == nil {
		return false
	}
	normalized := normalizeIPv4(ip)
	if normalized == "" {
		return false
	}
	return inRange(ipToUint32(net.ParseIP(normalized)), m.ranges.Load())
}

func (m *Manager) Len() int {
	if m == nil {
		return 0
	}
	return len(m.ranges.Load())
}

// StartRefreshRoutine runs the feed refresh loop with dynamic rescheduling.
// onChange runs after a refresh that altered the range set.
func (m *Manager) StartRefreshRoutine(ctx context.Context, onChange func()) {
	if ctx == nil {
		ctx = context.Background()
	}

	var intervalValue atomic.Value
	initial := config.GetFeedRefreshInterval()
	if initial <= 0 {
		initial = defaultRefreshInterval
	}
	intervalValue.Store(initial)

	updateSignal := make(chan struct{}, 1)
	updates := config.FeedRefreshIntervalUpdates()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case newInterval := <-updates:
				if newInterval <= 0 {
					newInterval = defaultRefreshInterval
				}
				intervalValue.Store(newInterval)
				select {
				case updateSignal <- struct{}{}:
				default:
				}
			}
		}
	}()

	m.runRefreshLoop(ctx, &intervalValue, updateSignal, onChange)
}

func (m *Manager) runRefreshLoop(ctx context.Context, intervalValue *atomic.Value, updateSignal <-chan struct{}, onChange func()) {
	current := intervalValue.Load().(time.Duration)

	ticker := time.NewTicker(current)
	defer ticker.Stop()

	m.triggerRefresh(ctx, "startup", onChange)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.triggerRefresh(ctx, "scheduled", onChange)
		case <-updateSignal:
			newInterval := intervalValue.Load().(time.Duration)
			if newInterval == current {
				continue
			}
			drainTicker(ticker)
			current = newInterval
			ticker.Reset(current)
		}
	}
}

func (m *Manager) triggerRefresh(ctx context.Context, reason string, onChange func()) {
	outcome, err := m.Refresh(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("VPN range feed refresh canceled", "reason", reason)
		} else {
			log.Error("VPN range feed refresh failed", "reason", reason, "error", err)
		}
		return
	}

	if outcome.Changed && onChange != nil {
		onChange()
	}

	log.Info("VPN range feed refresh completed",
		"reason", reason,
		"sources", outcome.Sources,
		"failed", outcome.FailedSources,
		"new_ranges", outcome.NewRanges,
		"ranges", outcome.TotalRanges,
	)
}

func drainTicker(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
		default:
			return
		}
	}
}

// Refresh downloads every configured feed and swaps in the merged ranges.
// When every feed fails the previous ranges stay in place.
func (m *Manager) Refresh(ctx context.Context) (*RefreshOutcome, error) {
	result, err, _ := m.refresh.Do("refresh", func() (interface{}, error) {
		return m.doRefresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	outcome, _ := result.(*RefreshOutcome)
	return outcome, nil
}

func (m *Manager) doRefresh(ctx context.Context) (*RefreshOutcome, error) {
	sources := append([]string(nil), m.sources()...)
	before := m.ranges.Load()

	outcome := &RefreshOutcome{Sources: len(sources)}
	if len(sources) == 0 {
		m.ranges.Store(nil)
		outcome.Changed = len(before) > 0
		return outcome, nil
	}

	var all []span
	for _, src := range sources {
		ranges, fetchErr := m.fetchFeed(ctx, src)
		if fetchErr != nil {
			if errors.Is(fetchErr, context.Canceled) {
				return nil, fetchErr
			}
			log.Warn("VPN range feed fetch failed", "source", src, "error", fetchErr)
			outcome.FailedSources++
			continue
		}
		outcome.TotalFromSources += len(ranges)
		all = append(all, ranges...)
	}

	if outcome.FailedSources == len(sources) {
		return nil, fmt.Errorf("all %d range feeds failed", len(sources))
	}

	current := mergeSpans(all)
	m.ranges.Store(current)

	outcome.TotalRanges = len(current)
	outcome.NewRanges = len(diffRanges(current, before))
	outcome.Changed = outcome.NewRanges > 0 || len(current) != len(before)
	return outcome, nil
}

func diffRanges(after, before []span) []span {
	if len(after) == 0 {
		return nil
	}

	beforeSet := make(map[span]struct{}, len(before))
	for _, r := range before {
		beforeSet[r] = struct{}{}
	}

	added := make([]span, 0, len(after))
	for _, r := range after {
		if _, found := beforeSet[r]; found {
			continue
		}
		added = append(added, r)
	}
	return added
}

func (m *Manager) fetchFeed(ctx context.Context, source string) ([]span, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return parseRanges(content), nil
}

// parseRanges extracts IPv4 addresses and CIDR blocks from free-form text.
// Lines starting with # or ; are comments.
func parseRanges(payload []byte) []span {
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 1024), 1024*1024)

	var ranges []span
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' || line[0] == ';' {
			continue
		}
		for _, match := range ipRegex.FindAll(line, -1) {
			if r, ok := parseCIDROrIP(string(match)); ok {
				ranges = append(ranges, r)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		log.Warn("VPN range feed scanner warning", "error", err)
	}
	return ranges
}

func normalizeIPv4(raw string) string {
	parsed := net.ParseIP(strings.TrimSpace(raw))
	if parsed == nil {
		return ""
	}
	v4 := parsed.To4()
	if v4 == nil {
		return ""
	}
	return v4.String()
}

func parseCIDROrIP(raw string) (span, bool) {
	if !strings.Contains(raw, "/") {
		ip := normalizeIPv4(raw)
		if ip == "" {
			return span{}, false
		}
		u := ipToUint32(net.ParseIP(ip))
		return span{start: u, end: u}, true
	}

	_, ipnet, err := net.ParseCIDR(raw)
	if err != nil || ipnet == nil {
		return span{}, false
	}

	base := ipnet.IP.To4()
	if base == nil {
		return span{}, false
	}

	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return span{}, false
	}

	start := ipToUint32(base)
	hostCount := uint64(1) << uint(bits-ones)
	return span{start: start, end: uint32(uint64(start) + hostCount - 1)}, true
}

func ipToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	if ip == nil {
		return 0
	}
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

// mergeSpans sorts ranges and folds overlapping or adjacent ones together so
// inRange can binary search.
func mergeSpans(ranges []span) []span {
	if len(ranges) == 0 {
		return nil
	}

	sorted := append([]span(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].start == sorted[j].start {
			return sorted[i].end < sorted[j].end
		}
		return sorted[i].start < sorted[j].start
	})

	merged := []span{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if uint64(r.start) <= uint64(last.end)+1 {
			if r.end > last.end {
				last.end = r.end
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

func inRange(u uint32, ranges []span) bool {
	lo, hi := 0, len(ranges)
	for lo < hi {
		mid := (lo + hi) / 2
		if u < ranges[mid].start {
			hi = mid
			continue
		}
		if u > ranges[mid].end {
			lo = mid + 1
			continue
		}
		return true
	}
	return false
}
