// Package middleware holds the ordered, short-circuiting stages wrapped
// around the dispatch handler. Each stage either answers the request itself
// or hands it (possibly mutated) to the next handler.
package middleware

import (
	"net"
	"net/http"
	"strings"
)

// Stage is one link of the chain.
type Stage func(http.Handler) http.Handler

// Chain wraps h with stages so that the first listed stage runs first.
func Chain(h http.Handler, stages ...Stage) http.Handler {
	for i := len(stages) - 1; i >= 0; i-- {
		h = stages[i](h)
	}
	return h
}

// ClientIP is the verified peer address without the ephemeral port. Bucket
// keys and forwarding headers both use it.
func ClientIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

// HostOnly strips an optional port from a request authority and lowercases
// it, yielding the key the config snapshot indexes domains by.
func HostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(hostport)
}

// statusWriter records the status code and byte count on the way through.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
