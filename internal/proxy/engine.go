// Package proxy forwards a request across an ordered target list, retrying
// on classified failures. Attempts are strictly sequential: a second target
// is contacted only once the first one's outcome is known.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// FailureClass says why a target attempt did not produce a usable response.
type FailureClass int

const (
	FailureNone FailureClass = iota
	FailureConnect
	FailureTimeout
	FailureUpstreamStatus // 5xx from the target
)

func (c FailureClass) String() string {
	switch c {
	case FailureConnect:
		return "connect"
	case FailureTimeout:
		return "timeout"
	case FailureUpstreamStatus:
		return "upstream_status"
	}
	return "none"
}

// AllTargetsFailedError is the synthetic gateway-failure outcome after every
// target was tried. It carries enough context for the error layer to pick a
// status code without leaking upstream detail to the client.
type AllTargetsFailedError struct {
	Attempts int
	Last     FailureClass
}

func (e *AllTargetsFailedError) Error() string {
	return fmt.Sprintf("all %d targets failed (last failure: %s)", e.Attempts, e.Last)
}

// ErrBodyTooLarge is returned when the inbound body exceeds the buffering
// limit. Bodies are buffered whole so every failover attempt resends
// byte-identical content; there is no partial/streaming replay.
var ErrBodyTooLarge = errors.New("proxy: request body exceeds buffer limit")

const defaultMaxBodyBytes = 32 << 20 // 32 MiB

// Engine forwards requests with failover. Safe for concurrent use; all
// mutable state is per-call.
type Engine struct {
	transport      http.RoundTripper
	attemptTimeout time.Duration
	maxBodyBytes   int64
	logger         *slog.Logger
}

// EngineOptions configures a forwarding engine.
type EngineOptions struct {
	// Transport is the shared outbound connection handle. Required.
	Transport http.RoundTripper
	// AttemptTimeout bounds each target attempt (connect + response
	// headers). Past it the attempt classifies as a timeout failure.
	AttemptTimeout time.Duration
	// MaxBodyBytes caps inbound body buffering. Zero takes the default.
	MaxBodyBytes int64

	Logger *slog.Logger
}

func NewEngine(opts EngineOptions) *Engine {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		transport:      opts.Transport,
		attemptTimeout: opts.AttemptTimeout,
		maxBodyBytes:   opts.MaxBodyBytes,
		logger:         logger.With("component", "proxy"),
	}
}

// Forward tries targets in order and writes the first usable response to w.
// A usable response is anything outside the 5xx range; it is written
// immediately without consulting remaining targets. Connection errors,
// per-attempt timeouts and 5xx responses advance to the next target. When
// the client context is cancelled the in-flight attempt is aborted and no
// further target is contacted.
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, targets []*url.URL) error {
	// Buffer the body once, before the first attempt, so later targets
	// receive it byte-identical.
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, e.maxBodyBytes+1))
		_ = r.Body.Close()
		if err != nil {
			return fmt.Errorf("buffer request body: %w", err)
		}
		if int64(len(b)) > e.maxBodyBytes {
			return ErrBodyTooLarge
		}
		body = b
	}

	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	setForwardHeaders(hdr, r, "")

	last := FailureNone
	for i, target := range targets {
		if err := r.Context().Err(); err != nil {
			// Client is gone; leave remaining targets alone.
			return err
		}

		resp, class, err := e.attempt(r, target, hdr, body)
		if err == nil {
			e.logger.Debug("upstream attempt succeeded",
				"target", target.Host, "attempt", i+1, "status", resp.StatusCode)
			return e.writeResponse(w, resp)
		}
		if r.Context().Err() != nil {
			return r.Context().Err()
		}
		last = class
		e.logger.Warn("upstream attempt failed",
			"target", target.Host,
			"attempt", i+1,
			"targets", len(targets),
			"class", class.String(),
			"error", err)
	}
	return &AllTargetsFailedError{Attempts: len(targets), Last: last}
}

// attempt performs one bounded round trip. A 5xx response is treated as a
// failure and its body drained so the connection can be reused.
func (e *Engine) attempt(r *http.Request, target *url.URL, hdr http.Header, body []byte) (*http.Response, FailureClass, error) {
	u := new(url.URL)
	*u = *target
	u.Path = joinSlash(target.Path, r.URL.Path)
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""

	ctx, cancel := context.WithTimeout(r.Context(), e.attemptTimeout)

	req, err := http.NewRequestWithContext(ctx, r.Method, u.String(), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, FailureConnect, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = cloneHeader(hdr)
	req.ContentLength = int64(len(body))
	req.Host = target.Host

	resp, err := e.transport.RoundTrip(req)
	if err != nil {
		cancel()
		return nil, classify(ctx, err), err
	}
	if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
		// drain so keep-alive can recycle the connection
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		cancel()
		return nil, FailureUpstreamStatus, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	// The attempt deadline keeps covering the body read; cancel fires
	// once the caller closes the body.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, FailureNone, nil
}

func (e *Engine) writeResponse(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()
	dropHopByHop(resp.Header)
	copyHeaders(w.Header(), resp.Header)

	// Announce trailers if any
	if len(resp.Trailer) > 0 {
		trailerKeys := make([]string, 0, len(resp.Trailer))
		for k := range resp.Trailer {
			trailerKeys = append(trailerKeys, k)
		}
		w.Header().Set("Trailer", strings.Join(trailerKeys, ","))
	}

	w.WriteHeader(resp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	_, err := io.Copy(w, resp.Body)

	// Trailer values are only populated once the body is consumed.
	for k, vv := range resp.Trailer {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	return err
}

func classify(ctx context.Context, err error) FailureClass {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return FailureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return FailureTimeout
	}
	return FailureConnect
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
