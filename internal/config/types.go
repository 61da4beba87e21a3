package config

import (
	"net/url"
	"time"
)

// HTTP policy for requests arriving on the plaintext listener.
const (
	HTTPUpgrade = "upgrade" // 301 to the https authority
	HTTPReject  = "reject"  // refuse plaintext outright
	HTTPAllow   = "allow"   // serve over plaintext
)

// TLS provisioning mode for a domain.
const (
	TLSManaged    = "managed"    // fetched and renewed through the ACME collaborator
	TLSSelfSigned = "selfsigned" // generated in-process at startup
	TLSOff        = "off"
)

// Fallback behavior when a TLS handshake carries an unknown SNI.
const (
	FallbackReject  = "reject"  // abort the handshake
	FallbackDefault = "default" // serve the configured default domain's cert
)

// Domain is the per-hostname configuration snapshot. Immutable after Load;
// a config change replaces the whole Config, never patches it in place.
type Domain struct {
	Name           string
	Routes         []Route // ordered as configured
	CORS           CORS
	HSTS           bool
	HTTPPolicy     string   // HTTPUpgrade | HTTPReject | HTTPAllow
	TLSMode        string   // TLSManaged | TLSSelfSigned | TLSOff
	AllowedMethods []string // empty => all methods
	RateLimit      *Rule    // domain-default rule, nil => unthrottled at this scope
}

// Route binds a path pattern to an ordered target list.
// Target order is failover priority: first entry is the primary.
type Route struct {
	Pattern        string
	Targets        []*url.URL // validated non-empty
	AllowedMethods []string   // empty => inherit domain policy
	RateLimit      *Rule      // override rule, takes precedence over the domain default
}

// CORS policy for one domain.
type CORS struct {
	Origins []string // "*" allows any origin
	Methods []string
	MaxAge  int // seconds, preflight cache
}

// Rule parameterizes one token-bucket limiter.
type Rule struct {
	RequestsPerSecond float64
	Burst             int
}

// Listen holds the listener addresses.
type Listen struct {
	HTTP  string
	HTTPS string
	Admin string // metrics + health, empty => disabled
}

// TLSSettings configures certificate provisioning and resolution fallback.
type TLSSettings struct {
	ACMEDirectory string
	ACMEEmail     string
	CacheDir      string
	RecheckAfter  time.Duration // re-fetch when a cert entry is older than this
	CheckInterval time.Duration // scheduler tick
	Fallback      string        // FallbackReject | FallbackDefault
	DefaultDomain string        // serves unknown SNI when Fallback is "default"
}

// Config is the immutable, validated snapshot the whole process shares.
type Config struct {
	Listen  Listen
	Shield  Rule // global limiter, checked before any route-specific scope
	TLS     TLSSettings
	Domains map[string]*Domain // keyed by lowercased hostname
}

// Domain returns the configuration for host, or nil.
func (c *Config) Domain(host string) *Domain {
	return c.Domains[host]
}

// ManagedDomains lists the hostnames whose certificates the renewal
// scheduler owns.
func (c *Config) ManagedDomains() []string {
	var out []string
	for name, d := range c.Domains {
		if d.TLSMode == TLSManaged {
			out = append(out, name)
		}
	}
	return out
}
