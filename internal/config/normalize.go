package config

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeRelayURL canonicalizes a relay URL:
//   - scheme and host lower-cased, scheme must be ws or wss
//   - bare hosts get "wss://"
//   - trailing slash stripped, query and fragment kept out
func NormalizeRelayURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty relay url")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "wss://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("relay url %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", fmt.Errorf("relay url %q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q: missing host", raw)
	}

	out := scheme + "://" + strings.ToLower(u.Host) + strings.TrimRight(u.Path, "/")
	return out, nil
}
