package vpn

import (
	"regexp"

	"ipgate/internal/netrange"
)

var knownVpnRanges = mustParseAll(
	"103.28.54.0/24", "103.28.55.0/24", "104.16.0.0/12", "104.17.0.0/16",
	"104.18.0.0/16", "104.19.0.0/16", "104.20.0.0/16", "104.21.0.0/16",
	"185.220.100.0/22", "185.220.101.0/24", "185.220.102.0/24",
	"192.42.116.0/22", "199.87.154.0/24", "209.141.32.0/19",
)

// Public DNS resolvers. Game clients never connect from these.
var dnsResolverRanges = mustParseAll(
	"1.1.1.0/24", "1.0.0.0/24", "8.8.8.0/24", "8.8.4.0/24",
	"9.9.9.0/24", "149.112.112.0/24", "208.67.222.0/24", "208.67.220.0/24",
	"76.76.19.0/24", "76.76.76.0/24", "94.140.14.0/24", "94.140.15.0/24",
)

var hostingProviders = []string{
	"amazonaws.com", "googleusercontent.com", "digitalocean.com",
	"vultr.com", "linode.com", "ovh.net", "hetzner.de", "cloudflare.com",
}

var hostingOrganization = regexp.MustCompile(`(?i)(amazon|google|microsoft|azure|digitalocean|linode|akamai|hetzner|ovh|vultr|choopa|alibaba|tencent|oracle|cloudflare|leaseweb|contabo|scaleway|m247|datacamp)`)

func mustParseAll(literals ...string) []netrange.Range {
	ranges := make([]netrange.Range, 0, len(literals))
	for _, literal := range literals {
		ranges = append(ranges, netrange.MustParse(literal))
	}
	return ranges
}
