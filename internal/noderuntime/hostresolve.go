package noderuntime

import (
	"net"
	"net/netip"
	"net/url"
)

// hostOf extracts the host portion of an http(s) endpoint, tolerating a
// bare host:port or host-only string for configs that skip the scheme.
func hostOf(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	if u, err := url.Parse(endpoint); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	if host, _, err := net.SplitHostPort(endpoint); err == nil {
		return host
	}
	return endpoint
}

// resolveIP turns a host (literal IP or DNS name) into a netip.Addr for
// geoip lookup, returning the zero Addr if it cannot be resolved.
func resolveIP(host string) netip.Addr {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr
	}
	addrs, err := net.LookupIP(host)
	if err != nil || len(addrs) == 0 {
		return netip.Addr{}
	}
	if addr, ok := netip.AddrFromSlice(addrs[0]); ok {
		return addr.Unmap()
	}
	return netip.Addr{}
}
