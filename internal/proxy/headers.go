package proxy

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

// Headers an upstream could interpret as a verified client address. The
// inbound copies are always discarded before forwarding; we only ever send
// what we verified ourselves.
var spoofableForwardHeaders = []string{
	"X-Real-Ip",
	"X-Forwarded-For",
	"X-Forwarded",
	"Forwarded-For",
	"Forwarded",
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"TE":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		h.Del(k)
	}
}

// setForwardHeaders scrubs every spoofable forwarding header and rebuilds
// the trusted chain: the verified peer address appended to whatever this
// proxy itself vouched for (trustedPrior), which for a first hop is empty.
func setForwardHeaders(h http.Header, r *http.Request, trustedPrior string) {
	for _, k := range spoofableForwardHeaders {
		h.Del(k)
	}
	ip := peerIP(r.RemoteAddr)
	if ip != "" {
		if trustedPrior != "" {
			h.Set("X-Forwarded-For", trustedPrior+", "+ip)
		} else {
			h.Set("X-Forwarded-For", ip)
		}
	}
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
	h.Set("X-Forwarded-Host", r.Host)
}

// peerIP extracts the host part of a net.Addr string.
func peerIP(remoteAddr string) string {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return ""
	}
	return ip
}

func joinSlash(a, b string) string {
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}
