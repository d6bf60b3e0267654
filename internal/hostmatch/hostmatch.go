// Package hostmatch provides a concrete wildcard-domain implementation of
// the proxycore.HostMatch routing-policy oracle. It is not part of the
// spec's core — the core only consumes the HostMatch interface — but every
// runnable build of this proxy needs some default oracle to wire in, and
// this one follows the wildcard-pattern-table shape the mesh's domain
// routing table uses for its own pattern matching.
package hostmatch

import (
	"sort"
	"strings"
	"sync"

	"github.com/postalsys/dualproxy/internal/proxycore"
)

// RouteTunnel is the HostMatch flags value meaning "route via tunnel",
// per proxycore.HostMatch's contract.
const RouteTunnel = proxycore.RouteTunnelFlag

// rule is one configured pattern: either an exact hostname or a
// "*.domain" wildcard suffix match.
type rule struct {
	pattern    string
	isWildcard bool
	baseDomain string
	flags      int
}

// Matcher is a HostMatch oracle backed by an ordered list of
// exact-host and wildcard-domain rules (extendable at runtime via Add). The most specific match wins:
// exact matches beat wildcards, and among wildcards the longest
// baseDomain wins, mirroring the specificity ordering the mesh's domain
// routing table applies to its own pattern set.
type Matcher struct {
	mu    sync.RWMutex
	rules []rule
}

// New builds a Matcher from a set of patterns, each mapped to the flags
// value HostMatch should report for hosts it matches. A pattern of
// "*.example.com" matches "example.com" and any subdomain; a pattern with
// no leading "*." matches only that exact host (case-insensitive).
func New(patterns map[string]int) *Matcher {
	m := &Matcher{}
	for pattern, flags := range patterns {
		m.addLocked(pattern, flags)
	}
	m.sortLocked()
	return m
}

// Add registers or replaces a routing rule at runtime.
func (m *Matcher) Add(pattern string, flags int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(pattern, flags)
	m.sortLocked()
}

func (m *Matcher) addLocked(pattern string, flags int) {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	r := rule{pattern: pattern, flags: flags}
	if strings.HasPrefix(pattern, "*.") {
		r.isWildcard = true
		r.baseDomain = strings.TrimPrefix(pattern, "*.")
	} else {
		r.baseDomain = pattern
	}
	for i, existing := range m.rules {
		if existing.pattern == pattern {
			m.rules[i] = r
			return
		}
	}
	m.rules = append(m.rules, r)
}

func (m *Matcher) sortLocked() {
	sort.SliceStable(m.rules, func(i, j int) bool {
		a, b := m.rules[i], m.rules[j]
		if a.isWildcard != b.isWildcard {
			return !a.isWildcard // exact rules first
		}
		return len(a.baseDomain) > len(b.baseDomain)
	})
}

// Match implements proxycore.HostMatch.
func (m *Matcher) Match(host string) (bool, int) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rules {
		if !r.isWildcard {
			if host == r.pattern {
				return true, r.flags
			}
			continue
		}
		if host == r.baseDomain || strings.HasSuffix(host, "."+r.baseDomain) {
			return true, r.flags
		}
	}
	return false, 0
}
