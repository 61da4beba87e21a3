package certs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// State of one managed domain's renewal cycle.
type State int

const (
	StateFresh State = iota
	StateChecking
	StateFetching
	StateSwapping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateChecking:
		return "checking"
	case StateFetching:
		return "fetching"
	case StateSwapping:
		return "swapping"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

const (
	// RetryAttempts and RetryDelay bound one fetch cycle against the
	// collaborator before the cycle is marked failed.
	RetryAttempts = 5
	RetryDelay    = 5 * time.Second
)

// RenewerOptions tunes the scheduler. Zero values take the defaults.
type RenewerOptions struct {
	// RecheckAfter is the entry age past which a renewal is attempted.
	// It is a conservative recheck interval, not the certificate expiry.
	RecheckAfter time.Duration
	// Interval between scheduler ticks.
	Interval time.Duration
	// Hook runs after a successful swap (announce/restart). Its failure
	// is logged but never rolls back the already-installed certificate.
	Hook func(domain string) error
	// Retry budget per fetch cycle.
	Attempts int
	Delay    time.Duration

	Logger *slog.Logger
}

// Renewer drives the per-domain renewal state machine on periodic ticks. It
// communicates with the request path only by installing entries into the
// Store; no lock is shared with in-flight connections.
type Renewer struct {
	store   *Store
	fetcher Fetcher
	domains []string
	opts    RenewerOptions
	logger  *slog.Logger

	cron *cron.Cron

	mu     sync.Mutex
	states map[string]State

	onResult func(domain string, err error) // test/metrics hook, may be nil
}

// NewRenewer builds a scheduler for the given managed domains.
func NewRenewer(store *Store, fetcher Fetcher, domains []string, opts RenewerOptions) *Renewer {
	if opts.RecheckAfter <= 0 {
		opts.RecheckAfter = 24 * time.Hour
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.Attempts <= 0 {
		opts.Attempts = RetryAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = RetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	states := make(map[string]State, len(domains))
	for _, d := range domains {
		states[d] = StateFresh
	}
	return &Renewer{
		store:   store,
		fetcher: fetcher,
		domains: domains,
		opts:    opts,
		logger:  logger.With("component", "certs.renewer"),
		states:  states,
	}
}

// OnResult registers a callback invoked after each completed cycle, with a
// nil error on success.
func (r *Renewer) OnResult(fn func(domain string, err error)) { r.onResult = fn }

// Start schedules periodic ticks until ctx is cancelled.
func (r *Renewer) Start(ctx context.Context) error {
	if len(r.domains) == 0 {
		r.logger.Info("no managed domains, renewal scheduler not started")
		return nil
	}
	r.cron = cron.New()
	_, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.opts.Interval), func() {
		r.Tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule renewal: %w", err)
	}
	r.cron.Start()
	r.logger.Info("renewal scheduler started",
		"domains", len(r.domains),
		"interval", r.opts.Interval,
		"recheck_after", r.opts.RecheckAfter)
	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop halts scheduling. A cycle already in flight finishes.
func (r *Renewer) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// State reports the current state for domain.
func (r *Renewer) State(domain string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[domain]
}

func (r *Renewer) setState(domain string, s State) {
	r.mu.Lock()
	r.states[domain] = s
	r.mu.Unlock()
}

// Tick runs one scheduler pass over every managed domain.
func (r *Renewer) Tick(ctx context.Context) {
	for _, domain := range r.domains {
		if ctx.Err() != nil {
			return
		}
		r.renew(ctx, domain)
	}
}

func (r *Renewer) renew(ctx context.Context, domain string) {
	r.setState(domain, StateChecking)

	if e := r.store.Entry(domain); e != nil && time.Since(e.FetchedAt) <= r.opts.RecheckAfter {
		r.setState(domain, StateFresh)
		return
	}
	r.logger.Info("certificate due for renewal", "domain", domain)

	r.setState(domain, StateFetching)
	certPEM, keyPEM, err := r.fetchWithRetry(ctx, domain)
	if err != nil {
		// The previous entry, stale or not, stays resolvable; the next
		// tick starts a fresh cycle.
		r.setState(domain, StateFailed)
		r.logger.Error("renewal failed, keeping existing certificate",
			"domain", domain, "attempts", r.opts.Attempts, "error", err)
		if r.onResult != nil {
			r.onResult(domain, err)
		}
		return
	}

	entry, err := NewEntry(certPEM, keyPEM)
	if err != nil {
		r.setState(domain, StateFailed)
		r.logger.Error("fetched certificate does not parse", "domain", domain, "error", err)
		if r.onResult != nil {
			r.onResult(domain, err)
		}
		return
	}

	r.setState(domain, StateSwapping)
	r.store.Replace(domain, entry)
	r.setState(domain, StateFresh)
	r.logger.Info("certificate renewed", "domain", domain)

	if r.opts.Hook != nil {
		if err := r.opts.Hook(domain); err != nil {
			// Hook failure does not roll back the installed entry.
			r.logger.Error("post-renewal hook failed", "domain", domain, "error", err)
		}
	}
	if r.onResult != nil {
		r.onResult(domain, nil)
	}
}

func (r *Renewer) fetchWithRetry(ctx context.Context, domain string) ([]byte, []byte, error) {
	var lastErr error
	for attempt := 1; attempt <= r.opts.Attempts; attempt++ {
		certPEM, keyPEM, err := r.fetcher.Fetch(ctx, domain)
		if err == nil {
			return certPEM, keyPEM, nil
		}
		lastErr = err
		r.logger.Warn("certificate fetch attempt failed",
			"domain", domain, "attempt", attempt, "max_attempts", r.opts.Attempts, "error", err)
		if attempt == r.opts.Attempts {
			break
		}
		select {
		case <-time.After(r.opts.Delay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return nil, nil, fmt.Errorf("all %d fetch attempts failed: %w", r.opts.Attempts, lastErr)
}
