// Package ipmatch matches client addresses against an IP whitelist and
// request origins against origin patterns.
package ipmatch

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/gobwas/glob"
)

var ErrInvalidPattern = errors.New("invalid address pattern")

type Kind string

const (
	KindExact    Kind = "exact"
	KindCIDR     Kind = "cidr"
	KindWildcard Kind = "wildcard"
)

type pattern struct {
	raw    string
	kind   Kind
	addr   netip.Addr
	prefix netip.Prefix
	glob   glob.Glob
}

// Matcher is an IP whitelist. A Matcher without patterns allows everything.
type Matcher struct {
	patterns []pattern
}

// ParseList splits a comma separated config value, dropping blanks.
func ParseList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Normalize strips the IPv4-mapped IPv6 form and a zone, so ::ffff:10.0.0.1
// and 10.0.0.1 compare equal.
func Normalize(ip string) string {
	ip = strings.TrimPrefix(ip, "::ffff:")
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	return addr.Unmap().WithZone("").String()
}

func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	var errs []error
	for _, raw := range patterns {
		p, err := compile(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.patterns = append(m.patterns, p)
	}
	return m, errors.Join(errs...)
}

func compile(raw string) (pattern, error) {
	normalized := strings.TrimPrefix(strings.TrimSpace(raw), "::ffff:")
	p := pattern{raw: normalized}

	switch {
	case strings.Contains(normalized, "/"):
		prefix, err := netip.ParsePrefix(normalized)
		if err != nil {
			return p, fmt.Errorf("%w: %q: %w", ErrInvalidPattern, raw, err)
		}
		p.kind = KindCIDR
		p.prefix = prefix.Masked()
	case strings.Contains(normalized, "*"):
		if strings.Count(normalized, ".") != 3 {
			return p, fmt.Errorf("%w: %q: wildcard needs four octets", ErrInvalidPattern, raw)
		}
		g, err := glob.Compile(normalized, '.')
		if err != nil {
			return p, fmt.Errorf("%w: %q: %w", ErrInvalidPattern, raw, err)
		}
		p.kind = KindWildcard
		p.glob = g
	default:
		addr, err := netip.ParseAddr(normalized)
		if err != nil {
			return p, fmt.Errorf("%w: %q: %w", ErrInvalidPattern, raw, err)
		}
		p.kind = KindExact
		p.addr = addr.Unmap()
	}
	return p, nil
}

func (m *Matcher) Enabled() bool {
	return m != nil && len(m.patterns) > 0
}

func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.patterns))
	for i, p := range m.patterns {
		out[i] = p.raw
	}
	return out
}

func (m *Matcher) Allowed(ip string) bool {
	if !m.Enabled() {
		return true
	}
	normalized := Normalize(ip)
	addr, err := netip.ParseAddr(normalized)
	valid := err == nil

	for _, p := range m.patterns {
		switch p.kind {
		case KindExact:
			if valid && addr == p.addr {
				return true
			}
		case KindCIDR:
			if valid && p.prefix.Contains(addr) {
				return true
			}
		case KindWildcard:
			if valid && addr.Is4() && p.glob.Match(normalized) {
				return true
			}
		}
	}
	return false
}

// Describe renders a pattern for startup logs.
func Describe(raw string) string {
	p := strings.TrimPrefix(strings.TrimSpace(raw), "::ffff:")
	switch {
	case strings.Contains(p, "/"):
		return "CIDR range: " + p
	case strings.Contains(p, "*"):
		return "Wildcard pattern: " + p
	default:
		return "Exact IP: " + p
	}
}
