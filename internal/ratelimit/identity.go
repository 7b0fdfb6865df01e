package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// ClientIdentity resolves the identity a request is counted under. The
// authenticated user ID wins when present; anonymous traffic falls back to
// the client IP.
func ClientIdentity(r *http.Request, userID string, trustProxyHeader bool) string {
	if userID != "" {
		return "user:" + userID
	}
	return "ip:" + ClientIP(r, trustProxyHeader)
}

// ClientIP extracts the caller's address. When the service sits behind a
// trusted proxy the left-most X-Forwarded-For hop is the original client;
// the header is ignored otherwise because callers can forge it.
func ClientIP(r *http.Request, trustProxyHeader bool) string {
	if trustProxyHeader {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := xff
			if idx := strings.IndexByte(xff, ','); idx >= 0 {
				first = xff[:idx]
			}
			if ip := strings.TrimSpace(first); ip != "" {
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
