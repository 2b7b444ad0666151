package ratelimit

import (
	"net/http"
	"strings"
)

// Headers consulted by ResolveIdentifier, in order
const (
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderRealIP         = "X-Real-IP"
	HeaderCFConnectingIP = "CF-Connecting-IP"
)

// ResolveIdentifier derives a best-effort caller identifier from request
// headers: the left-most X-Forwarded-For entry, then X-Real-IP, then
// CF-Connecting-IP. Blank values are skipped. It returns UnknownIdentifier
// when nothing usable is present and never returns "".
func ResolveIdentifier(h http.Header) string {
	if xff := h.Get(HeaderForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	for _, name := range []string{HeaderRealIP, HeaderCFConnectingIP} {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}

	return UnknownIdentifier
}
