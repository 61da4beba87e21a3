// Package handler ties the dispatch core together: one Gateway value holds
// the immutable config snapshot, the route table, the limiter registry, the
// certificate store and the forwarding engine, and serves every request
// against them. Constructed once at startup and shared by reference.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tkoenig/drawbridge/internal/certs"
	"github.com/tkoenig/drawbridge/internal/config"
	"github.com/tkoenig/drawbridge/internal/metrics"
	"github.com/tkoenig/drawbridge/internal/middleware"
	"github.com/tkoenig/drawbridge/internal/proxy"
	"github.com/tkoenig/drawbridge/internal/ratelimit"
	"github.com/tkoenig/drawbridge/internal/router"
)

// Gateway is the shared application context. Per-request state lives on the
// stack; the only mutation behind this struct is limiter bucket state and
// certificate swaps, each synchronized in its own package.
type Gateway struct {
	Config  *config.Config
	Routes  *router.Table
	Limits  *ratelimit.Registry
	Certs   *certs.Store
	Engine  *proxy.Engine
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

var _ http.Handler = (*Gateway)(nil)

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusRecorder{ResponseWriter: w}
	domain := middleware.HostOnly(r.Host)
	defer func() {
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		g.Metrics.RecordRequest(domain, r.Method, strconv.Itoa(status), time.Since(start))
	}()

	match, err := g.Routes.Match(domain, r.URL.Path)
	if err != nil {
		g.writeResolveError(sw, r, err)
		return
	}

	if len(match.Route.AllowedMethods) > 0 && !middleware.MethodAllowed(match.Route.AllowedMethods, r.Method) {
		sw.Header().Set("Allow", strings.Join(match.Route.AllowedMethods, ", "))
		http.Error(sw, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if dec := g.Limits.Check(match.Domain, match.Pattern, middleware.ClientIP(r)); !dec.Allowed {
		g.Metrics.RecordDenial(dec.Scope, domain)
		middleware.WriteRateLimited(sw, dec.RetryAfter)
		return
	}

	if err := g.Engine.Forward(sw, r, match.Route.Targets); err != nil {
		g.writeForwardError(sw, r, domain, err)
	}
}

func (g *Gateway) writeResolveError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, router.ErrNotFound):
		http.NotFound(w, r)
	case errors.Is(err, router.ErrAmbiguous):
		// fail closed rather than guess between equally specific patterns
		g.Logger.Error("ambiguous route", "host", r.Host, "path", r.URL.Path)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	default:
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (g *Gateway) writeForwardError(w http.ResponseWriter, r *http.Request, domain string, err error) {
	var atf *proxy.AllTargetsFailedError
	switch {
	case errors.Is(err, context.Canceled):
		// client went away; there is nobody to answer
	case errors.As(err, &atf):
		g.Metrics.RecordFailover(domain, atf.Last.String())
		status := http.StatusBadGateway
		if atf.Last == proxy.FailureTimeout {
			status = http.StatusGatewayTimeout
		}
		g.Logger.Error("all targets failed",
			"host", r.Host,
			"path", r.URL.Path,
			"attempts", atf.Attempts,
			"last_class", atf.Last.String(),
			"request_id", middleware.RequestIDFrom(r.Context()))
		http.Error(w, http.StatusText(status), status)
	case errors.Is(err, proxy.ErrBodyTooLarge):
		http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
	default:
		// response already partially written; log and leave the connection
		g.Logger.Error("forward failed mid-response", "error", err, "path", r.URL.Path)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
