package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultShieldRPS is the always-on global limit applied per client
	// address before any route-specific check.
	DefaultShieldRPS   = 30
	DefaultShieldBurst = 30

	// DefaultRecheckAfter is a conservative recheck interval, not the
	// certificate's expiry. Issuer validity windows are much longer.
	DefaultRecheckAfter  = 24 * time.Hour
	DefaultCheckInterval = time.Hour
)

type rawConfig struct {
	Listen struct {
		HTTP  string `yaml:"http"`
		HTTPS string `yaml:"https"`
		Admin string `yaml:"admin"`
	} `yaml:"listen"`
	Shield *rawRule `yaml:"shield"`
	TLS    struct {
		ACMEDirectory string `yaml:"acme_directory"`
		ACMEEmail     string `yaml:"acme_email"`
		CacheDir      string `yaml:"cache_dir"`
		RecheckAfter  string `yaml:"recheck_after"`
		CheckInterval string `yaml:"check_interval"`
		Fallback      string `yaml:"fallback"`
		DefaultDomain string `yaml:"default_domain"`
	} `yaml:"tls"`
	Domains []struct {
		Name    string `yaml:"name"`
		HTTP    string `yaml:"http"`
		TLSMode string `yaml:"tls_mode"`
		Security struct {
			HSTS bool `yaml:"hsts"`
		} `yaml:"security"`
		AllowedMethods []string `yaml:"allowed_methods"`
		CORS           struct {
			Origins []string `yaml:"origins"`
			Methods []string `yaml:"methods"`
			MaxAge  int      `yaml:"max_age"`
		} `yaml:"cors"`
		RateLimit *rawRule `yaml:"rate_limit"`
		Routes    []struct {
			Pattern        string   `yaml:"pattern"`
			Targets        []string `yaml:"targets"`
			AllowedMethods []string `yaml:"allowed_methods"`
			RateLimit      *rawRule `yaml:"rate_limit"`
		} `yaml:"routes"`
	} `yaml:"domains"`
}

type rawRule struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Load reads, parses and validates the YAML config at path. The returned
// Config is the process-lifetime snapshot: callers never mutate it, and a
// changed file requires building a fresh snapshot.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	c := &Config{
		Listen: Listen{
			HTTP:  defaultString(rc.Listen.HTTP, ":80"),
			HTTPS: defaultString(rc.Listen.HTTPS, ":443"),
			Admin: strings.TrimSpace(rc.Listen.Admin),
		},
		Shield:  Rule{RequestsPerSecond: DefaultShieldRPS, Burst: DefaultShieldBurst},
		Domains: make(map[string]*Domain),
	}
	if rc.Shield != nil {
		r, err := parseRule(rc.Shield)
		if err != nil {
			return nil, fmt.Errorf("shield: %v", err)
		}
		c.Shield = *r
	}

	// tls settings
	c.TLS = TLSSettings{
		ACMEDirectory: strings.TrimSpace(rc.TLS.ACMEDirectory),
		ACMEEmail:     strings.TrimSpace(rc.TLS.ACMEEmail),
		CacheDir:      strings.TrimSpace(rc.TLS.CacheDir),
		RecheckAfter:  DefaultRecheckAfter,
		CheckInterval: DefaultCheckInterval,
		Fallback:      FallbackReject,
		DefaultDomain: strings.ToLower(strings.TrimSpace(rc.TLS.DefaultDomain)),
	}
	if rc.TLS.RecheckAfter != "" {
		d, err := time.ParseDuration(rc.TLS.RecheckAfter)
		if err != nil {
			return nil, fmt.Errorf("tls.recheck_after: %v", err)
		}
		c.TLS.RecheckAfter = d
	}
	if rc.TLS.CheckInterval != "" {
		d, err := time.ParseDuration(rc.TLS.CheckInterval)
		if err != nil {
			return nil, fmt.Errorf("tls.check_interval: %v", err)
		}
		c.TLS.CheckInterval = d
	}
	switch fb := strings.ToLower(strings.TrimSpace(rc.TLS.Fallback)); fb {
	case "":
	case FallbackReject, FallbackDefault:
		c.TLS.Fallback = fb
	default:
		return nil, fmt.Errorf("tls.fallback: unknown mode %q", fb)
	}
	if c.TLS.Fallback == FallbackDefault && c.TLS.DefaultDomain == "" {
		return nil, fmt.Errorf("tls.fallback=default requires tls.default_domain")
	}

	// domains
	for i, d := range rc.Domains {
		name := strings.ToLower(strings.TrimSpace(d.Name))
		if name == "" {
			return nil, fmt.Errorf("domains[%d]: name is required", i)
		}
		if _, dup := c.Domains[name]; dup {
			return nil, fmt.Errorf("domains: duplicate name %q", name)
		}

		dom := &Domain{
			Name:           name,
			HSTS:           d.Security.HSTS,
			HTTPPolicy:     defaultString(strings.ToLower(d.HTTP), HTTPAllow),
			TLSMode:        defaultString(strings.ToLower(d.TLSMode), TLSOff),
			AllowedMethods: upperAll(d.AllowedMethods),
			CORS: CORS{
				Origins: d.CORS.Origins,
				Methods: upperAll(d.CORS.Methods),
				MaxAge:  d.CORS.MaxAge,
			},
		}
		switch dom.HTTPPolicy {
		case HTTPUpgrade, HTTPReject, HTTPAllow:
		default:
			return nil, fmt.Errorf("domains[%d]: unknown http policy %q", i, dom.HTTPPolicy)
		}
		switch dom.TLSMode {
		case TLSManaged, TLSSelfSigned, TLSOff:
		default:
			return nil, fmt.Errorf("domains[%d]: unknown tls_mode %q", i, dom.TLSMode)
		}
		if d.RateLimit != nil {
			r, err := parseRule(d.RateLimit)
			if err != nil {
				return nil, fmt.Errorf("domains[%d].rate_limit: %v", i, err)
			}
			dom.RateLimit = r
		}

		if len(d.Routes) == 0 {
			return nil, fmt.Errorf("domains[%d]: at least one route is required", i)
		}
		seen := make(map[string]string) // canonical form -> pattern as written
		for j, r := range d.Routes {
			pattern := strings.TrimSpace(r.Pattern)
			if !strings.HasPrefix(pattern, "/") {
				return nil, fmt.Errorf("domains[%d].routes[%d]: pattern must start with '/'", i, j)
			}
			// The router scores patterns by segment, so two patterns
			// collide exactly when their segment forms are equal.
			// Keying on that form ("/api" vs "/api/") makes this the
			// complete collision check for the grammar.
			canon := canonicalPattern(pattern)
			if prev, dup := seen[canon]; dup {
				return nil, fmt.Errorf("domains[%d].routes[%d]: pattern %q duplicates %q", i, j, pattern, prev)
			}
			seen[canon] = pattern
			if len(r.Targets) == 0 {
				return nil, fmt.Errorf("domains[%d].routes[%d]: targets is empty", i, j)
			}
			var targets []*url.URL
			for k, raw := range r.Targets {
				u, err := url.Parse(strings.TrimSpace(raw))
				if err != nil {
					return nil, fmt.Errorf("domains[%d].routes[%d].targets[%d]: parse: %v", i, j, k, err)
				}
				if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
					return nil, fmt.Errorf("domains[%d].routes[%d].targets[%d]: must be http(s) URL with host", i, j, k)
				}
				targets = append(targets, u)
			}
			rt := Route{
				Pattern:        pattern,
				Targets:        targets,
				AllowedMethods: upperAll(r.AllowedMethods),
			}
			if r.RateLimit != nil {
				rule, err := parseRule(r.RateLimit)
				if err != nil {
					return nil, fmt.Errorf("domains[%d].routes[%d].rate_limit: %v", i, j, err)
				}
				rt.RateLimit = rule
			}
			dom.Routes = append(dom.Routes, rt)
		}
		c.Domains[name] = dom
	}
	if len(c.Domains) == 0 {
		return nil, fmt.Errorf("domains: at least one is required")
	}
	if c.TLS.Fallback == FallbackDefault {
		if _, ok := c.Domains[c.TLS.DefaultDomain]; !ok {
			return nil, fmt.Errorf("tls.default_domain: %q not found in domains", c.TLS.DefaultDomain)
		}
	}
	if len(c.ManagedDomains()) > 0 && c.TLS.ACMEDirectory == "" {
		return nil, fmt.Errorf("tls.acme_directory is required when a domain uses tls_mode=managed")
	}

	return c, nil
}

// canonicalPattern reduces a pattern to its non-empty segments, the form
// the router matches and scores on.
func canonicalPattern(p string) string {
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return "/" + strings.Join(segs, "/")
}

func parseRule(r *rawRule) (*Rule, error) {
	if r.RequestsPerSecond <= 0 {
		return nil, fmt.Errorf("requests_per_second must be > 0")
	}
	burst := r.Burst
	if burst <= 0 {
		burst = int(r.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Rule{RequestsPerSecond: r.RequestsPerSecond, Burst: burst}, nil
}

func defaultString(s, def string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func upperAll(ss []string) []string {
	if len(ss) == 0 {
		return nil
	}
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}
