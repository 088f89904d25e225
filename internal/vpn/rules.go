package vpn

import (
	"context"
	"errors"
	"net"
	"strings"

	"ipgate/internal/config"
	"ipgate/internal/netrange"
)

// evaluation carries one classification through the rule table. The
// hostname is resolved lazily and at most once.
type evaluation struct {
	ctx      context.Context
	ip       string
	addr     net.IP
	settings config.VpnSettings
	resolver Resolver
	asn      ASNLookup
	feeds    RangeFeed

	resolved    bool
	hostname    string
	hostnameErr error
}

func (e *evaluation) lookupHostname() (string, error) {
	if e.resolved {
		return e.hostname, e.hostnameErr
	}
	e.resolved = true

	ctx, cancel := context.WithTimeout(e.ctx, e.settings.LookupTimeout())
	defer cancel()

	host, err := e.resolver.LookupHostname(ctx, e.ip)
	switch {
	case err == nil:
		e.hostname = NormalizeHostname(host)
	case !errors.Is(err, ErrNoHostname):
		e.hostnameErr = err
	}
	return e.hostname, e.hostnameErr
}

type rule struct {
	name  string
	match func(e *evaluation) (bool, string, error)
}

// rules is evaluated in order; the first match decides.
var rules = []rule{
	{name: "known_ranges", match: func(e *evaluation) (bool, string, error) {
		ok, _ := netrange.AnyRangeContains(e.addr, knownVpnRanges)
		return ok, "Detected in known VPN ranges", nil
	}},
	{name: "dns_resolvers", match: func(e *evaluation) (bool, string, error) {
		if !e.settings.DNSDetection {
			return false, "", nil
		}
		ok, _ := netrange.AnyRangeContains(e.addr, dnsResolverRanges)
		return ok, "Detected as DNS VPN service", nil
	}},
	{name: "custom_ranges", match: func(e *evaluation) (bool, string, error) {
		ok, _ := netrange.AnyContains(e.ip, e.settings.CustomRanges)
		return ok, "Detected in custom VPN ranges", nil
	}},
	{name: "range_feeds", match: func(e *evaluation) (bool, string, error) {
		if e.feeds == nil {
			return false, "", nil
		}
		return e.feeds.Contains(e.ip), "Detected in VPN range feed", nil
	}},
	{name: "hosting_hostname", match: func(e *evaluation) (bool, string, error) {
		if !e.settings.AdvancedDetection {
			return false, "", nil
		}
		host, err := e.lookupHostname()
		if err != nil || host == "" {
			return false, "", err
		}
		if containsAny(host, hostingProviders) {
			return true, "Detected as hosting provider: " + host, nil
		}
		return false, "", nil
	}},
	{name: "custom_hostname", match: func(e *evaluation) (bool, string, error) {
		if !e.settings.AdvancedDetection {
			return false, "", nil
		}
		host, err := e.lookupHostname()
		if err != nil || host == "" {
			return false, "", err
		}
		if containsAny(host, e.settings.CustomHostnames) {
			return true, "Detected as custom VPN hostname: " + host, nil
		}
		return false, "", nil
	}},
	{name: "hosting_network", match: func(e *evaluation) (bool, string, error) {
		if !e.settings.AdvancedDetection || e.asn == nil {
			return false, "", nil
		}
		if l, ok := e.asn.(interface{ Loaded() bool }); ok && !l.Loaded() {
			return false, "", nil
		}
		org, err := e.asn.Organization(e.addr)
		if err != nil {
			return false, "", err
		}
		if org != "" && hostingOrganization.MatchString(org) {
			return true, "Detected as hosting network: " + org, nil
		}
		return false, "", nil
	}},
}

func containsAny(host string, needles []string) bool {
	host = strings.ToLower(host)
	for _, needle := range needles {
		needle = strings.ToLower(strings.TrimSpace(needle))
		if needle != "" && strings.Contains(host, needle) {
			return true
		}
	}
	return false
}
