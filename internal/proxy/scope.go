package proxy

import (
	"net"
	"path"
	"strings"
)

// Scope decides which hosts are captured. Out-of-scope traffic is still
// forwarded (HTTPS is tunnelled without interception).
type Scope struct {
	include []string
	exclude []string
}

// NewScope builds a scope from host globs such as "*.example.com".
// An empty include list captures everything not excluded.
func NewScope(include, exclude []string) *Scope {
	return &Scope{include: normGlobs(include), exclude: normGlobs(exclude)}
}

func normGlobs(in []string) []string {
	var out []string
	for _, g := range in {
		if g = strings.ToLower(strings.TrimSpace(g)); g != "" {
			out = append(out, g)
		}
	}
	return out
}

// Captures reports whether host (optionally with a port) is in scope.
func (s *Scope) Captures(host string) bool {
	if s == nil {
		return true
	}
	h := strings.ToLower(strings.TrimSpace(host))
	if hh, _, err := net.SplitHostPort(h); err == nil {
		h = hh
	}
	h = strings.TrimSuffix(h, ".")
	for _, g := range s.exclude {
		if globMatch(g, h) {
			return false
		}
	}
	if len(s.include) == 0 {
		return true
	}
	for _, g := range s.include {
		if globMatch(g, h) {
			return true
		}
	}
	return false
}

// globMatch treats "*.example.com" as also matching the apex "example.com".
func globMatch(glob, host string) bool {
	if ok, _ := path.Match(glob, host); ok {
		return true
	}
	if apex, found := strings.CutPrefix(glob, "*."); found && host == apex {
		return true
	}
	return false
}
