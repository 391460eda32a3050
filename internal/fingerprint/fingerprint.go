// Package fingerprint derives stable device identifiers from request headers.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Headers is the read side of an HTTP header set. http.Header satisfies it.
type Headers interface {
	Get(key string) string
}

// headerOrder fixes the fields and their position in the fingerprint input.
var headerOrder = []string{
	"User-Agent",
	"Accept-Language",
	"Accept-Encoding",
	"Accept",
	"Connection",
	"Upgrade-Insecure-Requests",
	"Sec-Fetch-Dest",
	"Sec-Fetch-Mode",
	"Sec-Fetch-Site",
}

// Generate returns the lowercase sha256 hex digest of the identifying headers
// joined by "|". Missing headers contribute empty strings.
func Generate(h Headers) string {
	parts := make([]string, len(headerOrder))
	if h != nil {
		for i, name := range headerOrder {
			parts[i] = h.Get(name)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// DeviceInfo is the human-readable descriptor stored on sessions and audit
// records: "<user-agent> | <accept-language>".
func DeviceInfo(h Headers) string {
	ua, lang := "", ""
	if h != nil {
		ua, lang = h.Get("User-Agent"), h.Get("Accept-Language")
	}
	if ua == "" {
		ua = "Unknown"
	}
	return ua + " | " + lang
}

// Similarity compares two fingerprints position by position and returns the
// fraction of matching characters over the shorter length. Equal inputs give 1.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	n := min(len(a), len(b))
	if n == 0 {
		return 0
	}
	matches := 0
	for i := 0; i < n; i++ {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(n)
}
