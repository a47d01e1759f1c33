package config

import (
	"strings"
	"sync/atomic"
)

// exemptPrefixes holds the normalized path prefixes that bypass admission.
var exemptPrefixes atomic.Value

// NormalizeExemptPaths trims entries, forces a leading slash, drops trailing
// slashes and removes duplicates.
func NormalizeExemptPaths(entries []string) []string {
	unique := make(map[string]struct{}, len(entries))
	normalized := make([]string, 0, len(entries))

	for _, raw := range entries {
		prefix := strings.TrimSpace(raw)
		if prefix == "" {
			continue
		}
		if !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		if len(prefix) > 1 {
			prefix = strings.TrimRight(prefix, "/")
		}
		if _, exists := unique[prefix]; exists {
			continue
		}
		unique[prefix] = struct{}{}
		normalized = append(normalized, prefix)
	}

	return normalized
}

func updateExemptPaths(entries []string) {
	exemptPrefixes.Store(NormalizeExemptPaths(entries))
}

// IsExemptPath reports whether path lies under one of the configured
// exempt prefixes.
func IsExemptPath(path string) bool {
	prefixes, _ := exemptPrefixes.Load().([]string)
	return MatchExemptPath(path, prefixes)
}

// MatchExemptPath matches whole path segments only: "/static" covers
// "/static" and "/static/app.js" but not "/statistics".
func MatchExemptPath(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if path == prefix {
			return true
		}
		if prefix != "/" && strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}
