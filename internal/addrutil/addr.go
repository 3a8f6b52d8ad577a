package addrutil

import (
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Unknown is returned by ClientIP when no address can be derived.
const Unknown = "unknown"

// ClientIP identifies the caller of r. Proxies come first: the first entry of
// X-Forwarded-For, then X-Real-IP, then the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host := HostFromAddr(r.RemoteAddr); host != "" {
		return host
	}
	return Unknown
}

// HostFromAddr returns the host part of addr, which may or may not carry a port.
func HostFromAddr(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return ""
	}

	// Fast path: "host:port" (IPv4 or bracketed IPv6).
	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}

	// Unbracketed IPv6 with a port: peel off the last ":port" when what
	// remains still parses as an address.
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") {
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			host := a[:last]
			if _, err := strconv.Atoi(a[last+1:]); err == nil && net.ParseIP(host) != nil && net.ParseIP(a) == nil {
				return host
			}
		}
	}

	if strings.Contains(a, ":") {
		return strings.Trim(a, "[]")
	}
	return a
}
