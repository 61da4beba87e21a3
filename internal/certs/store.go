// Package certs holds TLS certificate state: an SNI-keyed store with atomic
// replacement, a background renewal scheduler, and the fetchers that feed it.
package certs

import (
	"crypto/tls"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrUnknownSNI is returned when no entry exists for the requested server
// name and no fallback certificate is configured.
var ErrUnknownSNI = errors.New("certs: no certificate for server name")

// Entry is one domain's certificate material. Entries are replaced
// wholesale, never partially updated, so a reader always sees a chain and
// key that belong together.
type Entry struct {
	Certificate *tls.Certificate
	FetchedAt   time.Time
}

// Store maps server names to certificate entries. Lookup is exact-match on
// hostname; wildcard hosts are a routing concept and have no meaning here.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	fallback *Entry // nil => unknown SNI rejects the handshake
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*Entry)}
}

// Replace installs a new entry for domain. Concurrent lookups observe either
// the complete prior entry or the complete new one.
func (s *Store) Replace(domain string, e *Entry) {
	domain = strings.ToLower(domain)
	s.mu.Lock()
	s.entries[domain] = e
	s.mu.Unlock()
}

// SetFallback installs the certificate served for unknown server names.
// Without one, unknown SNI fails the handshake.
func (s *Store) SetFallback(e *Entry) {
	s.mu.Lock()
	s.fallback = e
	s.mu.Unlock()
}

// Entry returns the current entry for domain, or nil.
func (s *Store) Entry(domain string) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[strings.ToLower(domain)]
}

// Resolve looks up the entry for serverName, falling back to the configured
// default when the name is unknown.
func (s *Store) Resolve(serverName string) (*Entry, error) {
	s.mu.RLock()
	e, ok := s.entries[strings.ToLower(serverName)]
	fb := s.fallback
	s.mu.RUnlock()
	if ok {
		return e, nil
	}
	if fb != nil {
		return fb, nil
	}
	return nil, ErrUnknownSNI
}

// GetCertificate implements the tls.Config callback. Returning an error
// rejects the handshake without touching other connections.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	e, err := s.Resolve(hello.ServerName)
	if err != nil {
		return nil, err
	}
	return e.Certificate, nil
}

// NewEntry parses PEM certificate and key material into an Entry stamped
// with the current time.
func NewEntry(certPEM, keyPEM []byte) (*Entry, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &Entry{Certificate: &cert, FetchedAt: time.Now()}, nil
}
