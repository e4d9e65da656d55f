package gateway

import (
	"net/http"
	"net/netip"
	"strings"
)

// UnknownClient is the shared identity for callers that cannot be
// identified from proxy headers.
const UnknownClient = "unknown"

// ClientIdentity returns the caller address used as the limiter key suffix:
// the first parseable X-Forwarded-For entry, then X-Real-IP, then
// UnknownClient.
func ClientIdentity(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		for part := range strings.SplitSeq(v, ",") {
			if ip := parseHeaderIP(strings.TrimSpace(part)); ip != "" {
				return ip
			}
		}
	}
	if ip := parseHeaderIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != "" {
		return ip
	}
	return UnknownClient
}

// parseHeaderIP accepts a bare address, [v6] with optional port, or v4:port.
func parseHeaderIP(s string) string {
	if s == "" {
		return ""
	}

	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end == -1 {
			return ""
		}
		addr, err := netip.ParseAddr(s[1:end])
		if err != nil {
			return ""
		}
		return addr.Unmap().String()
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String()
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap().String()
	}
	return ""
}
