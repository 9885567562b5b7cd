package ipmatch

import (
	"fmt"

	"github.com/gobwas/glob"
)

// OriginMatcher checks CORS origins against exact values or globs such as
// https://*.example.com. A "*" entry allows any origin.
type OriginMatcher struct {
	allowAll bool
	globs    []glob.Glob
}

func NewOriginMatcher(patterns []string) (*OriginMatcher, error) {
	m := &OriginMatcher{}
	if len(patterns) == 0 {
		m.allowAll = true
		return m, nil
	}
	for _, p := range patterns {
		if p == "*" {
			m.allowAll = true
			continue
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("%w: origin %q: %w", ErrInvalidPattern, p, err)
		}
		m.globs = append(m.globs, g)
	}
	return m, nil
}

func (m *OriginMatcher) AllowAll() bool {
	return m.allowAll
}

func (m *OriginMatcher) Allowed(origin string) bool {
	if m.allowAll {
		return true
	}
	for _, g := range m.globs {
		if g.Match(origin) {
			return true
		}
	}
	return false
}
