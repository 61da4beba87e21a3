package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTmp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	fp := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(fp, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return fp
}

func TestLoad_Minimal(t *testing.T) {
	yml := `
listen:
  http: ":8080"
  https: ":8443"

domains:
  - name: "App.Example.COM"
    routes:
      - pattern: /api/*
        targets:
          - "http://127.0.0.1:9001"
`
	fp := writeTmp(t, yml)
	cfg, err := Load(fp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got, want := cfg.Listen.HTTP, ":8080"; got != want {
		t.Fatalf("listen.http: got %q, want %q", got, want)
	}
	// defaults
	if cfg.Shield.RequestsPerSecond != DefaultShieldRPS {
		t.Fatalf("shield rps: got %v, want %v", cfg.Shield.RequestsPerSecond, DefaultShieldRPS)
	}
	if cfg.TLS.RecheckAfter != 24*time.Hour {
		t.Fatalf("recheck_after default: got %v", cfg.TLS.RecheckAfter)
	}
	if cfg.TLS.Fallback != FallbackReject {
		t.Fatalf("fallback default: got %q", cfg.TLS.Fallback)
	}

	// domain names are normalized to lower-case
	d := cfg.Domain("app.example.com")
	if d == nil {
		t.Fatalf("domain app.example.com not found")
	}
	if got, want := d.HTTPPolicy, HTTPAllow; got != want {
		t.Fatalf("http policy default: got %q, want %q", got, want)
	}
	if got, want := d.TLSMode, TLSOff; got != want {
		t.Fatalf("tls mode default: got %q, want %q", got, want)
	}
	if len(d.Routes) != 1 || d.Routes[0].Pattern != "/api/*" {
		t.Fatalf("routes parsed unexpected: %+v", d.Routes)
	}
	if d.Routes[0].Targets[0].Host != "127.0.0.1:9001" {
		t.Fatalf("target parsed unexpected: %+v", d.Routes[0].Targets)
	}
}

func TestLoad_FullDomain(t *testing.T) {
	yml := `
shield:
  requests_per_second: 100
  burst: 200

tls:
  acme_directory: "https://acme-v02.api.letsencrypt.org/directory"
  acme_email: "ops@example.com"
  recheck_after: "12h"
  check_interval: "30m"
  fallback: default
  default_domain: example.com

domains:
  - name: example.com
    http: upgrade
    tls_mode: managed
    security:
      hsts: true
    allowed_methods: [get, post, options]
    cors:
      origins: ["https://app.example.com"]
      methods: [GET, POST]
      max_age: 600
    rate_limit:
      requests_per_second: 50
    routes:
      - pattern: /api/users
        targets: ["http://10.0.0.1:8080", "http://10.0.0.2:8080"]
        rate_limit:
          requests_per_second: 10
          burst: 20
      - pattern: /api/*
        targets: ["http://10.0.0.3:8080"]
`
	fp := writeTmp(t, yml)
	cfg, err := Load(fp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Shield.Burst != 200 {
		t.Fatalf("shield burst: got %d", cfg.Shield.Burst)
	}
	if cfg.TLS.RecheckAfter != 12*time.Hour || cfg.TLS.CheckInterval != 30*time.Minute {
		t.Fatalf("tls durations: %+v", cfg.TLS)
	}

	d := cfg.Domain("example.com")
	if d == nil {
		t.Fatalf("domain not found")
	}
	if !d.HSTS || d.HTTPPolicy != HTTPUpgrade || d.TLSMode != TLSManaged {
		t.Fatalf("domain flags: %+v", d)
	}
	// methods normalized to upper-case
	if d.AllowedMethods[0] != "GET" {
		t.Fatalf("allowed methods not normalized: %v", d.AllowedMethods)
	}
	if d.RateLimit == nil || d.RateLimit.RequestsPerSecond != 50 {
		t.Fatalf("domain rate limit: %+v", d.RateLimit)
	}
	// burst defaults to rps when omitted
	if d.RateLimit.Burst != 50 {
		t.Fatalf("domain rate limit burst: %d", d.RateLimit.Burst)
	}
	if d.Routes[0].RateLimit == nil || d.Routes[0].RateLimit.Burst != 20 {
		t.Fatalf("route override rule: %+v", d.Routes[0].RateLimit)
	}
	if mds := cfg.ManagedDomains(); len(mds) != 1 || mds[0] != "example.com" {
		t.Fatalf("managed domains: %v", mds)
	}
}

func TestLoad_Errors(t *testing.T) {
	cases := []struct {
		name string
		yml  string
	}{
		{"no domains", `listen: {http: ":80"}`},
		{"no routes", `
domains:
  - name: a.com
`},
		{"empty targets", `
domains:
  - name: a.com
    routes:
      - pattern: /
        targets: []
`},
		{"bad target scheme", `
domains:
  - name: a.com
    routes:
      - pattern: /
        targets: ["ftp://x"]
`},
		{"duplicate pattern", `
domains:
  - name: a.com
    routes:
      - { pattern: /api, targets: ["http://u:80"] }
      - { pattern: /api, targets: ["http://v:80"] }
`},
		{"duplicate pattern modulo trailing slash", `
domains:
  - name: a.com
    routes:
      - { pattern: /api, targets: ["http://u:80"] }
      - { pattern: /api/, targets: ["http://v:80"] }
`},
		{"duplicate pattern modulo empty segment", `
domains:
  - name: a.com
    routes:
      - { pattern: /api/users, targets: ["http://u:80"] }
      - { pattern: //api/users, targets: ["http://v:80"] }
`},
		{"duplicate wildcard pattern modulo trailing slash", `
domains:
  - name: a.com
    routes:
      - { pattern: "/static/*", targets: ["http://u:80"] }
      - { pattern: "/static/*/", targets: ["http://v:80"] }
`},
		{"bad http policy", `
domains:
  - name: a.com
    http: maybe
    routes:
      - { pattern: /, targets: ["http://u:80"] }
`},
		{"managed without acme", `
domains:
  - name: a.com
    tls_mode: managed
    routes:
      - { pattern: /, targets: ["http://u:80"] }
`},
		{"default fallback without domain", `
tls:
  fallback: default
domains:
  - name: a.com
    routes:
      - { pattern: /, targets: ["http://u:80"] }
`},
		{"zero rate", `
domains:
  - name: a.com
    rate_limit: {requests_per_second: 0}
    routes:
      - { pattern: /, targets: ["http://u:80"] }
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fp := writeTmp(t, tc.yml)
			if _, err := Load(fp); err == nil {
				t.Fatalf("expected error, got nil")
			}
		})
	}
}
