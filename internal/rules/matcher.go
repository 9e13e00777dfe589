package rules

import (
	"strings"
	"sync"

	"github.com/mcpmesh/balancer/internal/domain"
)

// patternKind tags the parsed form of a rule pattern.
type patternKind int

const (
	patternExact patternKind = iota
	patternWildcard
	patternPrefixSuffix
)

// compiledPattern is a rule pattern parsed once at registration time, so
// matching never re-parses the raw string.
type compiledPattern struct {
	kind   patternKind
	exact  string
	prefix string
	suffix string
}

// compilePattern parses a raw pattern into its tagged form: "*" matches
// everything, a single embedded "*" splits into prefix/suffix, anything else
// is an exact match.
func compilePattern(raw string) compiledPattern {
	if raw == "*" {
		return compiledPattern{kind: patternWildcard}
	}
	if idx := strings.Index(raw, "*"); idx >= 0 {
		return compiledPattern{
			kind:   patternPrefixSuffix,
			prefix: raw[:idx],
			suffix: raw[idx+1:],
		}
	}
	return compiledPattern{kind: patternExact, exact: raw}
}

// matches reports whether the service name satisfies the pattern.
func (p compiledPattern) matches(service string) bool {
	switch p.kind {
	case patternWildcard:
		return true
	case patternPrefixSuffix:
		return strings.HasPrefix(service, p.prefix) && strings.HasSuffix(service, p.suffix)
	default:
		return service == p.exact
	}
}

type compiledRule struct {
	rule    domain.BalancingRule
	pattern compiledPattern
}

// Matcher resolves a service name to the balancing rule that governs it.
// Rules are kept in registration order; the first enabled match wins.
type Matcher struct {
	mu    sync.RWMutex
	rules []compiledRule
}

// NewMatcher creates an empty rule matcher.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// Add registers a rule, compiling its pattern once. A duplicate rule id is
// rejected.
func (m *Matcher) Add(rule domain.BalancingRule) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.rules {
		if existing.rule.ID == rule.ID {
			return false
		}
	}

	m.rules = append(m.rules, compiledRule{
		rule:    rule,
		pattern: compilePattern(rule.Pattern),
	})
	return true
}

// Remove deletes a rule by id, preserving the order of the rest.
func (m *Matcher) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.rules {
		if existing.rule.ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Match returns the first enabled rule whose pattern matches the service
// name. When nothing matches, the second return is false and callers fall
// back to the default round-robin policy.
func (m *Matcher) Match(service string) (domain.BalancingRule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, candidate := range m.rules {
		if !candidate.rule.Enabled {
			continue
		}
		if candidate.pattern.matches(service) {
			return candidate.rule, true
		}
	}
	return domain.BalancingRule{}, false
}

// Rules returns a snapshot of all registered rules in registration order.
func (m *Matcher) Rules() []domain.BalancingRule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rules := make([]domain.BalancingRule, 0, len(m.rules))
	for _, candidate := range m.rules {
		rules = append(rules, candidate.rule)
	}
	return rules
}

// Count returns the number of registered rules.
func (m *Matcher) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rules)
}
