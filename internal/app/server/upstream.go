package server

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/charmbracelet/log"
)

// NewUpstream returns a reverse proxy to rawURL, or nil when rawURL is
// empty.
func NewUpstream(rawURL string) (http.Handler, error) {
	if rawURL == "" {
		return nil, nil
	}

	target, err := url.Parse(rawURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid UPSTREAM_URL %q", rawURL)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error("Upstream request failed", "path", r.URL.Path, "error", err)
		writeError(w, "Upstream unavailable", http.StatusBadGateway)
	}
	log.Info("Forwarding admitted traffic", "upstream", target.String())
	return proxy, nil
}
