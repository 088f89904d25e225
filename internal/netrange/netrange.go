package netrange

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
)

var (
	ErrInvalidRange   = errors.New("netrange: invalid CIDR range")
	ErrInvalidAddress = errors.New("netrange: invalid IPv4 address")
)

// Range is an IPv4 network in CIDR notation. The base address is kept as
// written; bits beyond the prefix are ignored when matching.
type Range struct {
	Base   [4]byte
	Prefix int
}

// Parse reads "a.b.c.d/n" (0 <= n <= 32). A bare address is treated as /32.
func Parse(cidr string) (Range, error) {
	raw := strings.TrimSpace(cidr)
	if raw == "" {
		return Range{}, ErrInvalidRange
	}

	addrPart, prefixPart, hasPrefix := strings.Cut(raw, "/")
	base, err := parseIPv4(addrPart)
	if err != nil {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, cidr)
	}

	prefix := 32
	if hasPrefix {
		prefix, err = strconv.Atoi(strings.TrimSpace(prefixPart))
		if err != nil || prefix < 0 || prefix > 32 {
			return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, cidr)
		}
	}

	var r Range
	copy(r.Base[:], base)
	r.Prefix = prefix
	return r, nil
}

// MustParse is Parse for built-in literals.
func MustParse(cidr string) Range {
	r, err := Parse(cidr)
	if err != nil {
		panic(err)
	}
	return r
}

// Contains compares the whole bytes covered by the prefix, then the masked
// high bits of the next byte. Non-IPv4 candidates never match.
func (r Range) Contains(ip net.IP) bool {
	candidate := ip.To4()
	if candidate == nil || len(candidate) != len(r.Base) {
		return false
	}

	wholeBytes := r.Prefix / 8
	remainingBits := r.Prefix % 8

	for i := 0; i < wholeBytes; i++ {
		if candidate[i] != r.Base[i] {
			return false
		}
	}

	if remainingBits > 0 && wholeBytes < len(candidate) {
		mask := byte(0xFF << (8 - remainingBits))
		return candidate[wholeBytes]&mask == r.Base[wholeBytes]&mask
	}

	return true
}

func (r Range) String() string {
	return fmt.Sprintf("%s/%d", net.IP(r.Base[:]).String(), r.Prefix)
}

// Contains reports whether ip lies in cidr. Malformed input never matches.
func Contains(ip, cidr string) bool {
	addr, err := parseIPv4(ip)
	if err != nil {
		return false
	}
	r, err := Parse(cidr)
	if err != nil {
		return false
	}
	return r.Contains(addr)
}

// AnyContains returns the first literal in cidrs containing ip. Malformed
// literals are skipped.
func AnyContains(ip string, cidrs []string) (bool, string) {
	addr, err := parseIPv4(ip)
	if err != nil {
		return false, ""
	}

	for _, literal := range cidrs {
		r, err := Parse(literal)
		if err != nil {
			log.Debug("Skipping malformed CIDR literal", "cidr", literal, "error", err)
			continue
		}
		if r.Contains(addr) {
			return true, literal
		}
	}
	return false, ""
}

// AnyRangeContains is AnyContains over pre-parsed ranges.
func AnyRangeContains(ip net.IP, ranges []Range) (bool, Range) {
	for _, r := range ranges {
		if r.Contains(ip) {
			return true, r
		}
	}
	return false, Range{}
}

func parseIPv4(raw string) (net.IP, error) {
	parsed := net.ParseIP(strings.TrimSpace(raw))
	if parsed == nil {
		return nil, ErrInvalidAddress
	}
	v4 := parsed.To4()
	if v4 == nil {
		return nil, ErrInvalidAddress
	}
	return v4, nil
}

// Normalize produces the cache key form of an IP string.
func Normalize(ip string) string {
	return strings.ToLower(strings.TrimSpace(ip))
}

// IsLoopback reports loopback and unspecified addresses (v4 and v6).
func IsLoopback(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return strings.EqualFold(strings.TrimSpace(ip), "localhost")
	}
	return parsed.IsLoopback() || parsed.IsUnspecified()
}

// IsLocal extends IsLoopback with private and link-local networks.
func IsLocal(ip string) bool {
	if IsLoopback(ip) {
		return true
	}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	return parsed.IsPrivate() || parsed.IsLinkLocalUnicast() || parsed.IsLinkLocalMulticast()
}
