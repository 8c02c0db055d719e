package envelope

import (
	"net/http"
	"strings"
)

// Hop-by-hop headers are stripped before wrapping and never re-emitted on
// the far side.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

/*
FilterHeaders flattens an http.Header into the envelope's header map,
dropping hop-by-hop headers and any headers named by a Connection directive.
Keys are canonicalised, values keep their case and are joined when repeated.
*/
func FilterHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}

	// Connection can name additional per-hop headers.
	extra := map[string]struct{}{}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			name = http.CanonicalHeaderKey(strings.TrimSpace(name))
			if name != "" {
				extra[name] = struct{}{}
			}
		}
	}

	out := make(map[string]string, len(h))
	for key, values := range h {
		canonical := http.CanonicalHeaderKey(key)
		if _, drop := hopByHop[canonical]; drop {
			continue
		}
		if _, drop := extra[canonical]; drop {
			continue
		}
		out[canonical] = strings.Join(values, ", ")
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// IsHopByHop reports whether a single header name is hop-by-hop.
func IsHopByHop(name string) bool {
	_, ok := hopByHop[http.CanonicalHeaderKey(name)]
	return ok
}
