package haproxy

import (
	"fmt"
	"net/netip"
)

// AllowList is the parsed form of nsslapd-haproxy-trusted-ip: a set of
// single addresses and CIDR subnets (IPv4 or IPv6, freely mixed) that are
// permitted to prepend a PROXY header. Only a peer whose raw socket
// address matches an entry gets its PROXY header honored; everyone else's
// leading bytes are parsed as LDAP directly.
type AllowList struct {
	prefixes []netip.Prefix
}

// ParseAllowList builds an AllowList from configuration strings, each
// either a bare address ("10.0.0.5") or CIDR ("192.168.1.0/24",
// "2001:db8::/32").
func ParseAllowList(entries []string) (*AllowList, error) {
	al := &AllowList{}
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			al.prefixes = append(al.prefixes, p)
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("haproxy: invalid trusted entry %q: %w", e, err)
		}
		al.prefixes = append(al.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return al, nil
}

// Contains reports whether addr matches any entry. IPv4-mapped IPv6
// addresses are unmapped first so "::ffff:192.168.1.50" matches a plain
// IPv4 subnet entry, per the reference parser's normalization behavior.
func (al *AllowList) Contains(addr netip.Addr) bool {
	if al == nil {
		return false
	}
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	for _, p := range al.prefixes {
		pa := p.Addr()
		if pa.Is4In6() {
			pa = pa.Unmap()
			p = netip.PrefixFrom(pa, p.Bits()-96)
		}
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
