/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Tier is a class of caller with its own default rate limit.
type Tier string

// Known tiers. An unknown tier is treated as TierAnonymous.
const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticated"
	TierPremium       Tier = "premium"
	TierEnterprise    Tier = "enterprise"
)

// Rule is a limit of events per sliding window.
type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) validate() error {
	if r.Limit <= 0 {
		return fmt.Errorf("limit should be > 0, got %d", r.Limit)
	}
	if r.Window <= 0 {
		return fmt.Errorf("window should be > 0, got %s", r.Window)
	}
	return nil
}

// DefaultTierRules returns the default per-tier limits.
func DefaultTierRules() map[Tier]Rule {
	return map[Tier]Rule{
		TierAnonymous:     {Limit: 60, Window: time.Minute},
		TierAuthenticated: {Limit: 300, Window: time.Minute},
		TierPremium:       {Limit: 1000, Window: time.Minute},
		TierEnterprise:    {Limit: 10000, Window: time.Minute},
	}
}

// DefaultEndpointRules returns the default per-endpoint limits. They override tier limits.
func DefaultEndpointRules() map[string]Rule {
	return map[string]Rule{
		"/api/auth/login":           {Limit: 5, Window: time.Minute},
		"/api/auth/register":        {Limit: 3, Window: time.Minute},
		"/api/auth/forgot-password": {Limit: 3, Window: 5 * time.Minute},
		"/api/trades":               {Limit: 100, Window: time.Minute},
		"/api/bots":                 {Limit: 50, Window: time.Minute},
		"/api/portfolio":            {Limit: 200, Window: time.Minute},
		"/api/markets":              {Limit: 500, Window: time.Minute},
	}
}

type endpointRule struct {
	prefix string
	rule   Rule
}

// endpointTable matches paths against endpoint prefixes, longest prefix first.
type endpointTable []endpointRule

func newEndpointTable(rules map[string]Rule) endpointTable {
	table := make(endpointTable, 0, len(rules))
	for prefix, rule := range rules {
		table = append(table, endpointRule{prefix: prefix, rule: rule})
	}
	sort.Slice(table, func(i, j int) bool {
		if len(table[i].prefix) != len(table[j].prefix) {
			return len(table[i].prefix) > len(table[j].prefix)
		}
		return table[i].prefix < table[j].prefix
	})
	return table
}

// match returns the rule whose prefix covers the path on a segment boundary:
// "/api/trades" matches "/api/trades" and "/api/trades/42" but not "/api/tradesX".
func (t endpointTable) match(path string) (endpointRule, bool) {
	for _, er := range t {
		if !strings.HasPrefix(path, er.prefix) {
			continue
		}
		if len(path) == len(er.prefix) || strings.HasSuffix(er.prefix, "/") || path[len(er.prefix)] == '/' {
			return er, true
		}
	}
	return endpointRule{}, false
}
