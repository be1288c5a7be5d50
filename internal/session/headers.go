package session

import "net/http"

// hopByHop lists the header fields stripped when building a backend
// request or when copying backend response headers into a stored
// Object — spec.md §4.8's "rewrite hop-by-hop fields."
var hopByHop = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		vv := make([]string, len(v))
		copy(vv, v)
		out[k] = vv
	}
	return out
}

func stripHopByHop(h http.Header) {
	for _, k := range hopByHop {
		h.Del(k)
	}
}

// buildBereq filters req's headers under one of the named rule sets
// (spec.md §4.6's "fetch"/"pass"/"pipe" rule sets). This engine does not
// implement a separate filter table per rule set — every rule set
// starts from the same hop-by-hop strip — ruleSet is retained as a label
// purely for logging/tracing; see DESIGN.md's Open Question entry on
// per-rule-set header filtering.
func buildBereq(req *http.Request, ruleSet string) http.Header {
	h := cloneHeader(req.Header)
	stripHopByHop(h)
	return h
}

// collapseCacheControl joins repeated Cache-Control header lines into
// one comma-joined value, per spec.md §4.4/§4.7's "collapses multi-line
// Cache-Control into one line."
func collapseCacheControl(h http.Header) {
	collapseHeader(h, "Cache-Control")
}

func collapseVary(h http.Header) {
	collapseHeader(h, "Vary")
}

func collapseHeader(h http.Header, name string) {
	vals := h.Values(name)
	if len(vals) <= 1 {
		return
	}
	joined := vals[0]
	for _, v := range vals[1:] {
		joined += ", " + v
	}
	h.Set(name, joined)
}
