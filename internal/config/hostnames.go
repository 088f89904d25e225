package config

import (
	"net/url"
	"strings"
)

// NormalizeHostnameList trims, lowercases and deduplicates hostname entries.
// Entries may be bare hostnames or URLs; only the host part is kept.
func NormalizeHostnameList(entries []string) []string {
	return dedupe(entries, NormalizeHostname)
}

// NormalizeRangeList trims, lowercases and deduplicates CIDR literals.
// Malformed literals are kept so they can be reported, never matched.
func NormalizeRangeList(entries []string) []string {
	return dedupe(entries, func(raw string) string {
		return strings.ToLower(strings.TrimSpace(raw))
	})
}

// NormalizeFeedList trims and deduplicates feed URLs. Case is kept since
// URL paths are case sensitive.
func NormalizeFeedList(entries []string) []string {
	return dedupe(entries, strings.TrimSpace)
}

func dedupe(entries []string, normalize func(string) string) []string {
	if len(entries) == 0 {
		return []string{}
	}

	unique := make(map[string]struct{}, len(entries))
	normalized := make([]string, 0, len(entries))

	for _, raw := range entries {
		value := normalize(raw)
		if value == "" {
			continue
		}
		if _, exists := unique[value]; exists {
			continue
		}
		unique[value] = struct{}{}
		normalized = append(normalized, value)
	}

	return normalized
}

func NormalizeHostname(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	return strings.Trim(host, ".")
}
