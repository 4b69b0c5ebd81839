package gateway

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the caller's source address by walking the
// configured header priority list, falling back to the connection's
// remote address. X-Forwarded-For yields its first (client) hop;
// Forwarded is parsed per RFC 7239; any other header is taken verbatim.
func ClientIP(r *http.Request, priority []string) string {
	for _, name := range priority {
		switch strings.ToLower(name) {
		case "x-forwarded-for":
			if v := r.Header.Get("X-Forwarded-For"); v != "" {
				first, _, _ := strings.Cut(v, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		case "forwarded":
			if ip := parseForwardedFor(r.Header.Get("Forwarded")); ip != "" {
				return ip
			}
		default:
			if ip := strings.TrimSpace(r.Header.Get(name)); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// parseForwardedFor extracts the first for= element of a Forwarded
// header. Values may be quoted and IPv6 addresses bracketed, e.g.
// `for="[2001:db8::1]:4711"`.
func parseForwardedFor(v string) string {
	if v == "" {
		return ""
	}
	// Only the first (client-most) element matters.
	element, _, _ := strings.Cut(v, ",")
	for _, part := range strings.Split(element, ";") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(k, "for") {
			continue
		}
		val = strings.Trim(val, `"`)
		if strings.HasPrefix(val, "[") {
			if end := strings.IndexByte(val, ']'); end > 0 {
				return val[1:end]
			}
		}
		if host, _, err := net.SplitHostPort(val); err == nil {
			return host
		}
		return val
	}
	return ""
}
