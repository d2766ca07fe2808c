package security

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// TrustedProxies is the set of peers allowed to report a client address
// through X-Real-IP or X-Forwarded-For.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies accepts CIDR prefixes or bare IP addresses.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	var out TrustedProxies
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: not an IP or CIDR", e)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}

// Contains reports whether the TCP peer in remoteAddr is a trusted proxy.
func (t TrustedProxies) Contains(remoteAddr string) bool {
	if len(t) == 0 {
		return false
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
