package router

import (
	"fmt"
	"strings"
)

// Pattern is a parsed path pattern: '/'-separated literal segments with an
// optional single wildcard, allowed only in the final position. A trailing
// wildcard accepts the whole remainder of the path, further '/' included.
type Pattern struct {
	raw      string
	segments []string // literal segments, wildcard excluded
	wildcard bool
}

// ParsePattern validates and parses a pattern string.
func ParsePattern(raw string) (Pattern, error) {
	if !strings.HasPrefix(raw, "/") {
		return Pattern{}, fmt.Errorf("pattern %q: must start with '/'", raw)
	}
	segs := splitPath(raw)
	p := Pattern{raw: raw}
	for i, s := range segs {
		if s == "*" {
			if i != len(segs)-1 {
				return Pattern{}, fmt.Errorf("pattern %q: wildcard is only allowed as the final segment", raw)
			}
			p.wildcard = true
			continue
		}
		if strings.Contains(s, "*") {
			return Pattern{}, fmt.Errorf("pattern %q: segment %q mixes literal and wildcard", raw, s)
		}
		p.segments = append(p.segments, s)
	}
	return p, nil
}

// String returns the pattern as configured.
func (p Pattern) String() string { return p.raw }

// score ranks competing matches. It orders first by exact literal segments,
// then by matched literal prefix length, and a fully-literal pattern beats a
// wildcard one. compare returning 0 for two distinct patterns on the same
// path is the Ambiguous condition.
type score struct {
	exact      int  // literal segments matched
	literalLen int  // total bytes of matched literal segments
	wildcard   bool // pattern ends in a wildcard
}

func (s score) compare(o score) int {
	if s.exact != o.exact {
		if s.exact > o.exact {
			return 1
		}
		return -1
	}
	if s.literalLen != o.literalLen {
		if s.literalLen > o.literalLen {
			return 1
		}
		return -1
	}
	if s.wildcard != o.wildcard {
		if !s.wildcard {
			return 1
		}
		return -1
	}
	return 0
}

// match reports whether the pattern matches the already-split path segments
// and, if so, its score. Literal patterns must consume the path exactly; a
// trailing wildcard accepts any remainder, including none.
func (p Pattern) match(pathSegs []string) (score, bool) {
	if p.wildcard {
		if len(pathSegs) < len(p.segments) {
			return score{}, false
		}
	} else {
		if len(pathSegs) != len(p.segments) {
			return score{}, false
		}
	}
	lit := 0
	for i, s := range p.segments {
		if pathSegs[i] != s {
			return score{}, false
		}
		lit += len(s)
	}
	return score{exact: len(p.segments), literalLen: lit, wildcard: p.wildcard}, true
}

func splitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
