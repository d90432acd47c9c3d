package audit

import (
	"net"
	"net/netip"
	"regexp"
	"strings"
)

// Matches an IPv4 address at the start of the candidate, dropping a trailing
// port if one is attached.
var ipv4Prefix = regexp.MustCompile(`^((25[0-5]|(2[0-4]|1\d|[1-9]|)\d)\.?\b){4}`)

// ClientIP resolves the address recorded on audit events. When trusted-proxy
// mode is on, the forwarded-for list is scanned for the first syntactically
// valid global address; otherwise, or when none qualifies, the direct
// connection address is used.
func ClientIP(forwardedFor, remoteAddr string, trustForwarded bool) string {
	if trustForwarded {
		for _, candidate := range strings.Split(forwardedFor, ",") {
			candidate = strings.TrimSpace(candidate)
			if candidate == "" {
				continue
			}
			if m := ipv4Prefix.FindString(candidate); m != "" {
				candidate = m
			}
			addr, err := netip.ParseAddr(candidate)
			if err != nil {
				continue
			}
			if isGlobal(addr) {
				return candidate
			}
		}
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

func isGlobal(addr netip.Addr) bool {
	return !(addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified())
}
