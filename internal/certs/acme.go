package certs

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
)

// Fetcher is the certificate-fetch collaborator the renewal scheduler
// drives. The ACME wire protocol lives behind this boundary.
type Fetcher interface {
	Fetch(ctx context.Context, domain string) (certPEM, keyPEM []byte, err error)
}

// ACMEFetcher obtains certificates from an ACME directory using the HTTP-01
// challenge, persisting the account key and issued material under CacheDir
// so a restart can reuse them.
type ACMEFetcher struct {
	DirectoryURL string
	Email        string
	CacheDir     string
	Logger       *slog.Logger
}

type acmeUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// Fetch obtains a fresh certificate for domain and returns the PEM bundle.
func (f *ACMEFetcher) Fetch(ctx context.Context, domain string) ([]byte, []byte, error) {
	key, err := f.accountKey()
	if err != nil {
		return nil, nil, err
	}
	user := &acmeUser{email: f.Email, key: key}

	cfg := lego.NewConfig(user)
	cfg.CADirURL = f.DirectoryURL
	cfg.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("acme client: %w", err)
	}
	if err := client.Challenge.SetHTTP01Provider(http01.NewProviderServer("", "")); err != nil {
		return nil, nil, fmt.Errorf("http-01 provider: %w", err)
	}
	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, nil, fmt.Errorf("acme registration: %w", err)
	}
	user.registration = reg

	res, err := client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{domain},
		Bundle:  true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("obtain certificate for %s: %w", domain, err)
	}

	if f.CacheDir != "" {
		if err := f.cache(domain, res.Certificate, res.PrivateKey); err != nil {
			f.logger().Warn("caching certificate failed", "domain", domain, "error", err)
		}
	}
	return res.Certificate, res.PrivateKey, nil
}

// accountKey loads the ACME account key from the cache dir, generating and
// persisting one on first use.
func (f *ACMEFetcher) accountKey() (crypto.PrivateKey, error) {
	if f.CacheDir == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	path := filepath.Join(f.CacheDir, "account.key")
	if b, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(b)
		if block == nil || block.Type != "RSA PRIVATE KEY" {
			return nil, fmt.Errorf("account key %s: not a PEM RSA key", path)
		}
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	if err := os.MkdirAll(f.CacheDir, 0o755); err != nil {
		return nil, err
	}
	b := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return nil, fmt.Errorf("write account key: %w", err)
	}
	return key, nil
}

func (f *ACMEFetcher) cache(domain string, certPEM, keyPEM []byte) error {
	if err := os.MkdirAll(f.CacheDir, 0o755); err != nil {
		return err
	}
	certPath, keyPath := cachePaths(f.CacheDir, domain)
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyPath, keyPEM, 0o600)
}

// LoadCached returns the cached entry for domain, or nil when none exists.
// The entry's age comes from the certificate file's mtime so the renewal
// threshold survives restarts.
func LoadCached(dir, domain string) (*Entry, error) {
	certPath, keyPath := cachePaths(dir, domain)
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	e, err := NewEntry(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("cached certificate for %s: %w", domain, err)
	}
	if fi, err := os.Stat(certPath); err == nil {
		e.FetchedAt = fi.ModTime()
	}
	return e, nil
}

func cachePaths(dir, domain string) (string, string) {
	return filepath.Join(dir, domain+".pem"), filepath.Join(dir, domain+"-key.pem")
}

func (f *ACMEFetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}
