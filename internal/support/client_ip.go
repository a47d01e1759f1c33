package support

import (
	"net"
	"net/http"
	"strings"
)

const UnknownAddress = "unknown"

var forwardingHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"X-Client-IP",
	"CF-Connecting-IP",
}

// ClientIP resolves the originating address of r. Forwarding headers win over
// the socket peer; for X-Forwarded-For only the first hop is used.
func ClientIP(r *http.Request) string {
	for _, header := range forwardingHeaders {
		value := r.Header.Get(header)
		if value == "" {
			continue
		}
		first, _, _ := strings.Cut(value, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if r.RemoteAddr == "" {
		return UnknownAddress
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	if host == "" {
		return UnknownAddress
	}
	return host
}
