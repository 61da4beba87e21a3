package certs

import (
	"crypto/tls"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_ResolveExactMatchOnly(t *testing.T) {
	s := NewStore()
	e, err := SelfSigned("app.example.com")
	require.NoError(t, err)
	s.Replace("app.example.com", e)

	got, err := s.Resolve("app.example.com")
	require.NoError(t, err)
	require.Same(t, e, got)

	// case-insensitive hostname, but never wildcard matching
	_, err = s.Resolve("APP.example.com")
	require.NoError(t, err)
	_, err = s.Resolve("other.example.com")
	require.ErrorIs(t, err, ErrUnknownSNI)
	_, err = s.Resolve("example.com")
	require.ErrorIs(t, err, ErrUnknownSNI)
}

func TestStore_FallbackPolicy(t *testing.T) {
	s := NewStore()

	// without a fallback the handshake is rejected
	_, err := s.GetCertificate(&tls.ClientHelloInfo{ServerName: "nope.example.com"})
	require.Error(t, err)

	def, err := SelfSigned("default.example.com")
	require.NoError(t, err)
	s.SetFallback(def)

	cert, err := s.GetCertificate(&tls.ClientHelloInfo{ServerName: "nope.example.com"})
	require.NoError(t, err)
	require.Same(t, def.Certificate, cert)
}

// A lookup concurrent with Replace must observe either the full old entry or
// the full new one, never a torn chain/key combination.
func TestStore_SwapVisibility(t *testing.T) {
	s := NewStore()
	old, err := SelfSigned("example.com")
	require.NoError(t, err)
	updated, err := SelfSigned("example.com")
	require.NoError(t, err)
	s.Replace("example.com", old)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				e, err := s.Resolve("example.com")
				if err != nil {
					t.Error(err)
					return
				}
				// entry identity ties chain and key together
				if e != old && e != updated {
					t.Error("observed an entry that was never installed")
					return
				}
				if e.Certificate.PrivateKey == nil || len(e.Certificate.Certificate) == 0 {
					t.Error("observed a torn entry")
					return
				}
			}
		}()
	}
	for i := 0; i < 1000; i++ {
		if i%2 == 0 {
			s.Replace("example.com", updated)
		} else {
			s.Replace("example.com", old)
		}
	}
	close(stop)
	wg.Wait()
}

func TestNewEntry_RejectsGarbage(t *testing.T) {
	_, err := NewEntry([]byte("not a cert"), []byte("not a key"))
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrUnknownSNI))
}
