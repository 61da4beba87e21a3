package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tkoenig/drawbridge/internal/config"
)

var (
	// ErrNotFound means no pattern registered for the domain matched the path.
	ErrNotFound = errors.New("router: no route matched")
	// ErrAmbiguous means two or more patterns tied for the highest score.
	// The resolver fails closed instead of picking by insertion order.
	ErrAmbiguous = errors.New("router: ambiguous route")
)

type entry struct {
	pattern Pattern
	route   *config.Route
}

// Table resolves (domain, path) to a route. It is built once from the
// immutable config snapshot and is safe for concurrent readers; Match is a
// pure function of its inputs.
type Table struct {
	domains map[string][]entry
}

// Match is the per-request resolution result. It is ephemeral and never
// cached across requests.
type Match struct {
	Domain  string
	Pattern string
	Route   *config.Route
}

// New parses every registered pattern and builds the lookup table.
func New(cfg *config.Config) (*Table, error) {
	t := &Table{domains: make(map[string][]entry, len(cfg.Domains))}
	for name, d := range cfg.Domains {
		for i := range d.Routes {
			r := &d.Routes[i]
			p, err := ParsePattern(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("domain %s: %w", name, err)
			}
			t.domains[name] = append(t.domains[name], entry{pattern: p, route: r})
		}
	}
	return t, nil
}

// Match scores every pattern registered for domain against path and returns
// the single best one. Equal top scores yield ErrAmbiguous, a path matching
// nothing yields ErrNotFound.
func (t *Table) Match(domain, path string) (*Match, error) {
	entries, ok := t.domains[strings.ToLower(domain)]
	if !ok {
		return nil, ErrNotFound
	}
	segs := splitPath(path)

	var (
		best      *entry
		bestScore score
		tied      bool
	)
	for i := range entries {
		e := &entries[i]
		sc, ok := e.pattern.match(segs)
		if !ok {
			continue
		}
		if best == nil {
			best, bestScore, tied = e, sc, false
			continue
		}
		switch sc.compare(bestScore) {
		case 1:
			best, bestScore, tied = e, sc, false
		case 0:
			tied = true
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	if tied {
		return nil, ErrAmbiguous
	}
	return &Match{
		Domain:  strings.ToLower(domain),
		Pattern: best.pattern.String(),
		Route:   best.route,
	}, nil
}
