// Package detection runs the windowed flood detectors and the ML ensemble
// against one request and records new threats in the reputation store.
package detection

import (
	"net/http"
	"time"
)

// Request is the subset of an inbound request the detectors look at.
type Request struct {
	Address     string
	Method      string
	Path        string
	RawQuery    string
	UserAgent   string
	Referer     string
	BodyLength  int64
	HeaderBytes int
	At          time.Time
}

// FromHTTP captures r for detection. address is the resolved client address.
func FromHTTP(r *http.Request, address string, at time.Time) Request {
	headerBytes := 0
	for key, values := range r.Header {
		for _, value := range values {
			headerBytes += len(key) + len(value)
		}
	}

	return Request{
		Address:     address,
		Method:      r.Method,
		Path:        r.URL.Path,
		RawQuery:    r.URL.RawQuery,
		UserAgent:   r.UserAgent(),
		Referer:     r.Referer(),
		BodyLength:  max(r.ContentLength, 0),
		HeaderBytes: headerBytes,
		At:          at,
	}
}
