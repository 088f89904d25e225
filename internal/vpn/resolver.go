package vpn

import (
	"context"
	"errors"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// ErrNoHostname is returned by a Resolver when the address has no PTR record.
var ErrNoHostname = errors.New("vpn: no hostname for address")

// Resolver finds the reverse-DNS hostname of an IP address.
type Resolver interface {
	LookupHostname(ctx context.Context, ip string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ip string) (string, error)

func (f ResolverFunc) LookupHostname(ctx context.Context, ip string) (string, error) {
	return f(ctx, ip)
}

// NetResolver resolves through the system resolver.
type NetResolver struct {
	Resolver *net.Resolver
}

func (r NetResolver) LookupHostname(ctx context.Context, ip string) (string, error) {
	resolver := r.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	names, err := resolver.LookupAddr(ctx, ip)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return "", ErrNoHostname
		}
		return "", err
	}

	for _, name := range names {
		if host := NormalizeHostname(name); host != "" {
			return host, nil
		}
	}
	return "", ErrNoHostname
}

// NormalizeHostname lowercases a DNS name, drops the trailing dot and
// converts internationalized labels to their ASCII form.
func NormalizeHostname(name string) string {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	if name == "" {
		return ""
	}
	if ascii, err := idna.Lookup.ToASCII(name); err == nil {
		return ascii
	}
	return strings.ToLower(name)
}
