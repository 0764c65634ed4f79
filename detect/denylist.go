package detect

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// IPMatcher matches source addresses against a denylist of exact IPs,
// CIDR networks and dotted string prefixes such as "185.220.".
type IPMatcher struct {
	exact    map[netip.Addr]string
	networks []netipEntry
	prefixes []string
}

type netipEntry struct {
	prefix netip.Prefix
	raw    string
}

// NewIPMatcher classifies each entry. Entries that are neither an IP nor a
// CIDR are kept as string prefixes.
func NewIPMatcher(entries []string) (*IPMatcher, error) {
	m := &IPMatcher{exact: make(map[netip.Addr]string)}
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid denylist network %q: %w", entry, err)
			}
			m.networks = append(m.networks, netipEntry{prefix: prefix.Masked(), raw: entry})
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			m.exact[addr.Unmap()] = entry
			continue
		}
		m.prefixes = append(m.prefixes, entry)
	}
	return m, nil
}

// Match returns the denylist entry that matched ip
func (m *IPMatcher) Match(ip string) (string, bool) {
	if m == nil || ip == "" {
		return "", false
	}
	if addr, err := netip.ParseAddr(ip); err == nil {
		addr = addr.Unmap()
		if entry, ok := m.exact[addr]; ok {
			return entry, true
		}
		for _, n := range m.networks {
			if n.prefix.Contains(addr) {
				return n.raw, true
			}
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(ip, p) {
			return p, true
		}
	}
	return "", false
}

// Len returns the number of denylist entries
func (m *IPMatcher) Len() int {
	return len(m.exact) + len(m.networks) + len(m.prefixes)
}

// loadListFile reads a YAML document and returns the string list under key.
// An empty path yields no entries.
func loadListFile(path, key string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s file: %w", key, err)
	}
	var doc map[string][]string
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s file %s: %w", key, path, err)
	}
	return doc[key], nil
}
