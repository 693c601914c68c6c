// Package env reads the browsermirror settings from the environment.
package env

import (
	"os"
	"strings"
)

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// Lookup is the LookupFunc backed by the process environment.
func Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// MapLookup returns a LookupFunc that reads from m. Useful in tests.
func MapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

const (
	// WebSocketURLs is the environment variable holding the CDP WS URL(s) of
	// already running browsers.
	WebSocketURLs = "BROWSERMIRROR_WS_URL"
)

// IsRemoteBrowser returns true and the corresponding CDP
// WS URLs when set through the BROWSERMIRROR_WS_URL environment
// variable. Otherwise returns false and nil.
//
// BROWSERMIRROR_WS_URL can be defined as a single WS URL or a
// comma separated list of URLs.
func IsRemoteBrowser(envLookup LookupFunc) ([]string, bool) {
	wsURL, isRemote := envLookup(WebSocketURLs)
	if !isRemote || strings.TrimSpace(wsURL) == "" {
		return nil, false
	}
	if !strings.ContainsRune(wsURL, ',') {
		return []string{wsURL}, isRemote
	}

	var urls []string
	for _, p := range strings.Split(wsURL, ",") {
		if p = strings.TrimSpace(p); p != "" {
			urls = append(urls, p)
		}
	}

	return urls, len(urls) > 0
}
