package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the real client IP address from the request.
// When trustProxy is set, X-Forwarded-For and X-Real-IP are consulted;
// trustedProxyCount says how many proxies at the right of X-Forwarded-For
// we control, which prevents header spoofing in multi-proxy setups.
// Only set trustProxy behind a reverse proxy you operate.
func ClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := ipFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" && net.ParseIP(xri) != nil {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipFromForwardedFor picks the client IP out of an X-Forwarded-For chain.
// The chain format is "client, proxy1, proxy2, ..."; the rightmost
// trustedProxyCount entries are proxies we control, so the client is at
// len(ips) - trustedProxyCount - 1.
func ipFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	ips := strings.Split(xff, ",")
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}
	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}
	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
