package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/tkoenig/drawbridge/internal/config"
)

// CORS handles preflight OPTIONS requests and stamps the allow-origin
// headers on cross-origin responses. Domains without configured origins are
// passed through untouched; a preflight from an origin outside the
// allowlist is refused.
func CORS(cfg *config.Config) Stage {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			d := cfg.Domain(HostOnly(r.Host))
			if origin == "" || d == nil || len(d.CORS.Origins) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			allowed, wildcard := originAllowed(d.CORS.Origins, origin)
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if preflight {
				if !allowed {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
				h := w.Header()
				setAllowOrigin(h, origin, wildcard)
				if len(d.CORS.Methods) > 0 {
					h.Set("Access-Control-Allow-Methods", strings.Join(d.CORS.Methods, ", "))
				} else {
					h.Set("Access-Control-Allow-Methods", r.Header.Get("Access-Control-Request-Method"))
				}
				if reqHdrs := r.Header.Get("Access-Control-Request-Headers"); reqHdrs != "" {
					h.Set("Access-Control-Allow-Headers", reqHdrs)
				}
				if d.CORS.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", strconv.Itoa(d.CORS.MaxAge))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if allowed {
				setAllowOrigin(w.Header(), origin, wildcard)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origins []string, origin string) (allowed, wildcard bool) {
	for _, o := range origins {
		if o == "*" {
			return true, true
		}
		if strings.EqualFold(o, origin) {
			return true, false
		}
	}
	return false, false
}

func setAllowOrigin(h http.Header, origin string, wildcard bool) {
	if wildcard {
		h.Set("Access-Control-Allow-Origin", "*")
		return
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
}
