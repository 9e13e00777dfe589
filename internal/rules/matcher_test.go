package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpmesh/balancer/internal/domain"
)

func TestPatternMatching(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		service string
		matches bool
	}{
		{name: "wildcard matches anything", pattern: "*", service: "billing", matches: true},
		{name: "wildcard matches empty", pattern: "*", service: "", matches: true},
		{name: "exact match", pattern: "billing", service: "billing", matches: true},
		{name: "exact mismatch", pattern: "billing", service: "billing-v2", matches: false},
		{name: "prefix glob", pattern: "billing*", service: "billing-v2", matches: true},
		{name: "suffix glob", pattern: "*-v2", service: "billing-v2", matches: true},
		{name: "prefix and suffix", pattern: "bil*v2", service: "billing-v2", matches: true},
		{name: "glob mismatch", pattern: "orders*", service: "billing", matches: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pattern := compilePattern(tt.pattern)
			assert.Equal(t, tt.matches, pattern.matches(tt.service))
		})
	}
}

func TestMatchOrder(t *testing.T) {
	m := NewMatcher()

	require.True(t, m.Add(domain.BalancingRule{
		ID: "rule-exact", Pattern: "billing", Algorithm: domain.LeastConnections, Enabled: true,
	}))
	require.True(t, m.Add(domain.BalancingRule{
		ID: "rule-glob", Pattern: "bill*", Algorithm: domain.Random, Enabled: true,
	}))

	// First enabled rule in registration order wins, even when a later one
	// also matches.
	rule, matched := m.Match("billing")
	require.True(t, matched)
	assert.Equal(t, "rule-exact", rule.ID)

	rule, matched = m.Match("billing-v2")
	require.True(t, matched)
	assert.Equal(t, "rule-glob", rule.ID)
}

func TestMatchSkipsDisabled(t *testing.T) {
	m := NewMatcher()

	m.Add(domain.BalancingRule{
		ID: "rule-disabled", Pattern: "*", Algorithm: domain.Random, Enabled: false,
	})
	m.Add(domain.BalancingRule{
		ID: "rule-enabled", Pattern: "*", Algorithm: domain.IPHash, Enabled: true,
	})

	rule, matched := m.Match("anything")
	require.True(t, matched)
	assert.Equal(t, "rule-enabled", rule.ID)
}

func TestNoMatch(t *testing.T) {
	m := NewMatcher()
	m.Add(domain.BalancingRule{
		ID: "rule-1", Pattern: "orders", Algorithm: domain.Random, Enabled: true,
	})

	_, matched := m.Match("billing")
	assert.False(t, matched)
}

func TestAddDuplicateRule(t *testing.T) {
	m := NewMatcher()

	require.True(t, m.Add(domain.BalancingRule{ID: "rule-1", Pattern: "*", Algorithm: domain.Random, Enabled: true}))
	assert.False(t, m.Add(domain.BalancingRule{ID: "rule-1", Pattern: "orders", Algorithm: domain.IPHash, Enabled: true}))
	assert.Equal(t, 1, m.Count())
}

func TestRemoveRule(t *testing.T) {
	m := NewMatcher()
	m.Add(domain.BalancingRule{ID: "rule-1", Pattern: "billing", Algorithm: domain.Random, Enabled: true})
	m.Add(domain.BalancingRule{ID: "rule-2", Pattern: "*", Algorithm: domain.IPHash, Enabled: true})

	require.True(t, m.Remove("rule-1"))
	assert.False(t, m.Remove("rule-1"))

	rule, matched := m.Match("billing")
	require.True(t, matched)
	assert.Equal(t, "rule-2", rule.ID)
}

func TestRulesSnapshotOrder(t *testing.T) {
	m := NewMatcher()
	m.Add(domain.BalancingRule{ID: "rule-b", Pattern: "b", Algorithm: domain.Random, Enabled: true})
	m.Add(domain.BalancingRule{ID: "rule-a", Pattern: "a", Algorithm: domain.Random, Enabled: true})

	rules := m.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "rule-b", rules[0].ID)
	assert.Equal(t, "rule-a", rules[1].ID)
}
