package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, timeout time.Duration) *Engine {
	t.Helper()
	tr := NewTransport(DefaultTransportOptions())
	t.Cleanup(tr.CloseIdleConnections)
	return NewEngine(EngineOptions{Transport: tr, AttemptTimeout: timeout})
}

func upstream(t *testing.T, h http.HandlerFunc) *url.URL {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u
}

// refusedTarget returns a URL whose port is closed.
func refusedTarget(t *testing.T) *url.URL {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	srv.Close()
	return u
}

func doForward(t *testing.T, e *Engine, req *http.Request, targets []*url.URL) (*httptest.ResponseRecorder, error) {
	t.Helper()
	rec := httptest.NewRecorder()
	err := e.Forward(rec, req, targets)
	return rec, err
}

func TestForward_FailoverOrder(t *testing.T) {
	e := newTestEngine(t, 2*time.Second)

	var bCalls, cCalls atomic.Int32
	a := refusedTarget(t)
	b := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		bCalls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		cCalls.Add(1)
		w.Header().Set("X-Upstream", "c")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "from c")
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/x", nil)
	req.RemoteAddr = "203.0.113.7:5000"
	rec, err := doForward(t, e, req, []*url.URL{a, b, c})

	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "from c", rec.Body.String())
	require.Equal(t, "c", rec.Header().Get("X-Upstream"))
	require.EqualValues(t, 1, bCalls.Load())
	require.EqualValues(t, 1, cCalls.Load())
}

func TestForward_NonFailureStatusReturnsImmediately(t *testing.T) {
	e := newTestEngine(t, 2*time.Second)

	var secondCalls atomic.Int32
	first := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	second := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		secondCalls.Add(1)
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/x", nil)
	req.RemoteAddr = "203.0.113.7:5000"
	rec, err := doForward(t, e, req, []*url.URL{first, second})

	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.EqualValues(t, 0, secondCalls.Load(), "4xx must not trigger failover")
}

func TestForward_AllTargetsFailed(t *testing.T) {
	e := newTestEngine(t, 2*time.Second)

	bad := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/x", nil)
	req.RemoteAddr = "203.0.113.7:5000"
	_, err := doForward(t, e, req, []*url.URL{refusedTarget(t), bad})

	var atf *AllTargetsFailedError
	require.ErrorAs(t, err, &atf)
	require.Equal(t, 2, atf.Attempts)
	require.Equal(t, FailureUpstreamStatus, atf.Last)
}

func TestForward_TimeoutClassified(t *testing.T) {
	e := newTestEngine(t, 100*time.Millisecond)

	slow := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/x", nil)
	req.RemoteAddr = "203.0.113.7:5000"
	_, err := doForward(t, e, req, []*url.URL{slow})

	var atf *AllTargetsFailedError
	require.ErrorAs(t, err, &atf)
	require.Equal(t, FailureTimeout, atf.Last)
}

func TestForward_BodyReplayedByteIdentical(t *testing.T) {
	e := newTestEngine(t, 2*time.Second)

	const payload = "the exact same bytes, twice"
	var got []string
	first := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = append(got, string(b))
		w.WriteHeader(http.StatusBadGateway)
	})
	second := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = append(got, string(b))
	})

	req := httptest.NewRequest(http.MethodPost, "http://example.com/submit", strings.NewReader(payload))
	req.RemoteAddr = "203.0.113.7:5000"
	rec, err := doForward(t, e, req, []*url.URL{first, second})

	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{payload, payload}, got)
}

func TestForward_ForwardHeaderHygiene(t *testing.T) {
	e := newTestEngine(t, 2*time.Second)

	var seen http.Header
	target := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/x", nil)
	req.RemoteAddr = "198.51.100.4:44321"
	// spoofing attempts, all of which must be discarded
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	req.Header.Set("X-Real-Ip", "1.2.3.4")
	req.Header.Set("Forwarded", "for=1.2.3.4")

	_, err := doForward(t, e, req, []*url.URL{target})
	require.NoError(t, err)

	require.Equal(t, "198.51.100.4", seen.Get("X-Forwarded-For"))
	require.Empty(t, seen.Get("X-Real-Ip"))
	require.Empty(t, seen.Get("Forwarded"))
	require.Equal(t, "http", seen.Get("X-Forwarded-Proto"))
	require.Equal(t, "example.com", seen.Get("X-Forwarded-Host"))
}

func TestForward_ClientCancellationStopsFailover(t *testing.T) {
	e := newTestEngine(t, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	first := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	})
	var secondCalls atomic.Int32
	second := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		secondCalls.Add(1)
	})

	go func() {
		<-started
		cancel()
	}()

	req := httptest.NewRequest(http.MethodGet, "http://example.com/x", nil).WithContext(ctx)
	req.RemoteAddr = "203.0.113.7:5000"
	_, err := doForward(t, e, req, []*url.URL{first, second})

	require.ErrorIs(t, err, context.Canceled)
	require.EqualValues(t, 0, secondCalls.Load(), "cancelled request must not try further targets")
}

func TestForward_BodyTooLarge(t *testing.T) {
	tr := NewTransport(DefaultTransportOptions())
	t.Cleanup(tr.CloseIdleConnections)
	e := NewEngine(EngineOptions{Transport: tr, MaxBodyBytes: 8})

	req := httptest.NewRequest(http.MethodPost, "http://example.com/x", strings.NewReader("way more than eight bytes"))
	req.RemoteAddr = "203.0.113.7:5000"
	_, err := doForward(t, e, req, nil)

	require.True(t, errors.Is(err, ErrBodyTooLarge))
}

func TestForward_TrailersPropagated(t *testing.T) {
	e := newTestEngine(t, 2*time.Second)

	target := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Trailer", "X-Checksum")
		_, _ = io.WriteString(w, "payload")
		w.Header().Set("X-Checksum", "abc123")
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/x", nil)
	req.RemoteAddr = "203.0.113.7:5000"
	rec, err := doForward(t, e, req, []*url.URL{target})

	require.NoError(t, err)
	require.Equal(t, "payload", rec.Body.String())
	require.Contains(t, rec.Header().Get("Trailer"), "X-Checksum")
	require.Equal(t, "abc123", rec.Header().Get("X-Checksum"))
}

func TestForward_PathAndQueryPreserved(t *testing.T) {
	e := newTestEngine(t, 2*time.Second)

	var gotPath, gotQuery string
	target := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/api/v1/items?page=2", nil)
	req.RemoteAddr = "203.0.113.7:5000"
	_, err := doForward(t, e, req, []*url.URL{target})

	require.NoError(t, err)
	require.Equal(t, "/api/v1/items", gotPath)
	require.Equal(t, "page=2", gotQuery)
}
