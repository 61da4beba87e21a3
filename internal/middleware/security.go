package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/tkoenig/drawbridge/internal/config"
)

// MethodFilter rejects HTTP methods the domain does not allow. An empty
// allowlist admits every method. Route-level allowlists are enforced later,
// after routing.
func MethodFilter(cfg *config.Config) Stage {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := cfg.Domain(HostOnly(r.Host))
			if d == nil || len(d.AllowedMethods) == 0 || MethodAllowed(d.AllowedMethods, r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Allow", strings.Join(d.AllowedMethods, ", "))
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		})
	}
}

// MethodAllowed reports whether method appears in the allowlist. Route-level
// allowlists reuse it after routing.
func MethodAllowed(allowed []string, method string) bool {
	for _, m := range allowed {
		if m == method {
			return true
		}
	}
	return false
}

// PlaintextPolicy applies the domain's plaintext-HTTP policy to requests
// that arrived without TLS. "upgrade" answers a permanent redirect to the
// https authority preserving path and query, "reject" refuses outright and
// "allow" passes through. httpsAddr supplies the redirect port when the
// TLS listener is not on 443.
func PlaintextPolicy(cfg *config.Config, httpsAddr string) Stage {
	_, httpsPort, _ := net.SplitHostPort(httpsAddr)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS != nil {
				next.ServeHTTP(w, r)
				return
			}
			d := cfg.Domain(HostOnly(r.Host))
			if d == nil {
				next.ServeHTTP(w, r)
				return
			}
			switch d.HTTPPolicy {
			case config.HTTPReject:
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			case config.HTTPUpgrade:
				authority := HostOnly(r.Host)
				if httpsPort != "" && httpsPort != "443" {
					authority = net.JoinHostPort(authority, httpsPort)
				}
				http.Redirect(w, r, "https://"+authority+r.URL.RequestURI(), http.StatusMovedPermanently)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// HostInject synthesizes the Host header from the request authority when a
// client omitted it.
func HostInject() Stage {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Host == "" {
				r.Host = r.URL.Host
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HSTS emits Strict-Transport-Security on TLS responses for domains that
// opted in.
func HSTS(cfg *config.Config) Stage {
	const value = "max-age=31536000; includeSubDomains"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS != nil {
				if d := cfg.Domain(HostOnly(r.Host)); d != nil && d.HSTS {
					w.Header().Set("Strict-Transport-Security", value)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AltSvc advertises the HTTP/3 endpoint on TLS responses. set is the
// quic-go header writer; a nil set disables the stage.
func AltSvc(set func(http.Header) error) Stage {
	return func(next http.Handler) http.Handler {
		if set == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS != nil {
				_ = set(w.Header())
			}
			next.ServeHTTP(w, r)
		})
	}
}
