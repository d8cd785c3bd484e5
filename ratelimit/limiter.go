/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit implements a sliding-window rate limiter keyed by caller identifier and endpoint.
// Limits come from per-endpoint rules (matched by path prefix) or, if none matches, from the caller's tier.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/acronis/go-admitkit/log"
	"github.com/acronis/go-admitkit/store"
)

const keyPrefix = "ratelimit:"

// ErrEmptyIdentifier is returned by Limiter methods when the caller identifier is empty.
var ErrEmptyIdentifier = errors.New("rate limit identifier is empty")

// Result is the decision for a single request.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Window    time.Duration
	// Rule names the applied limit: the endpoint prefix or "tier:<name>".
	Rule string
	// Tier is the caller tier the limit was resolved for. Unknown tiers resolve to TierAnonymous.
	Tier Tier
	// Local reports that the window is kept by the in-process store only,
	// because the shared store is unavailable.
	Local bool
}

// RetryAfter returns the whole number of seconds (at least 1) until the window frees a slot.
func (r Result) RetryAfter(now time.Time) int {
	secs := int(math.Ceil(r.ResetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Usage is the current state of a limit without recording an event.
type Usage struct {
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
	Rule      string
}

// Limiter is a sliding-window rate limiter. Each Check is a single atomic store round trip.
type Limiter struct {
	store      store.Store
	logger     log.FieldLogger
	metrics    MetricsCollector
	failClosed bool
	now        func() time.Time

	mu        sync.RWMutex
	tiers     map[Tier]Rule
	endpoints endpointTable

	stats *statsCollector
}

// LimiterOpts represents options for Limiter.
type LimiterOpts struct {
	// TierRules replaces DefaultTierRules when not nil. It must contain TierAnonymous.
	TierRules map[Tier]Rule
	// EndpointRules replaces DefaultEndpointRules when not nil.
	EndpointRules map[string]Rule
	// FailClosed rejects requests when the store fails. By default they are allowed.
	FailClosed       bool
	Logger           log.FieldLogger
	MetricsCollector MetricsCollector
	// Now overrides the clock, used in tests.
	Now func() time.Time
}

// NewLimiter creates a new Limiter with default rules.
func NewLimiter(s store.Store) *Limiter {
	l, _ := NewLimiterWithOpts(s, LimiterOpts{}) // default rules are valid
	return l
}

// NewLimiterWithOpts creates a new Limiter with the given options.
func NewLimiterWithOpts(s store.Store, opts LimiterOpts) (*Limiter, error) {
	tierRules := opts.TierRules
	if tierRules == nil {
		tierRules = DefaultTierRules()
	}
	if _, ok := tierRules[TierAnonymous]; !ok {
		return nil, fmt.Errorf("rule for %q tier is required", TierAnonymous)
	}
	for tier, rule := range tierRules {
		if err := rule.validate(); err != nil {
			return nil, fmt.Errorf("tier %q: %w", tier, err)
		}
	}
	endpointRules := opts.EndpointRules
	if endpointRules == nil {
		endpointRules = DefaultEndpointRules()
	}
	for endpoint, rule := range endpointRules {
		if err := rule.validate(); err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", endpoint, err)
		}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	tiers := make(map[Tier]Rule, len(tierRules))
	for tier, rule := range tierRules {
		tiers[tier] = rule
	}
	return &Limiter{
		store:      s,
		logger:     opts.Logger,
		metrics:    opts.MetricsCollector,
		failClosed: opts.FailClosed,
		now:        opts.Now,
		tiers:      tiers,
		endpoints:  newEndpointTable(endpointRules),
		stats:      newStatsCollector(),
	}, nil
}

// SetEndpointRule adds or replaces the rule for the endpoint prefix.
func (l *Limiter) SetEndpointRule(endpoint string, rule Rule) error {
	if err := rule.validate(); err != nil {
		return fmt.Errorf("endpoint %q: %w", endpoint, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rules := make(map[string]Rule, len(l.endpoints)+1)
	for _, er := range l.endpoints {
		rules[er.prefix] = er.rule
	}
	rules[endpoint] = rule
	l.endpoints = newEndpointTable(rules)
	l.logger.Info("endpoint rate limit configured",
		log.String("endpoint", endpoint), log.Int("limit", rule.Limit), log.Duration("window", rule.Window))
	return nil
}

// Check records a request of identifier to endpoint if it fits the applicable limit.
// Store failures do not produce errors: the request is allowed (or rejected in fail-closed mode) and the failure is logged.
func (l *Limiter) Check(ctx context.Context, identifier, endpoint string, tier Tier) (Result, error) {
	if identifier == "" {
		return Result{}, ErrEmptyIdentifier
	}
	tier, ruleName, bucket, rule := l.resolve(endpoint, tier)
	now := l.now()
	res := Result{Limit: rule.Limit, Window: rule.Window, Rule: ruleName, Tier: tier}

	state, err := l.store.AtomicWindowInsert(ctx, makeKey(identifier, bucket), now, rule.Window, rule.Limit)
	if err != nil {
		l.logger.Error("rate limit store call failed",
			log.String("identifier", identifier), log.String("endpoint", endpoint), log.Bool("fail_closed", l.failClosed), log.Error(err))
		res.Allowed = !l.failClosed
		res.ResetAt = now.Add(rule.Window)
		if res.Allowed {
			res.Remaining = rule.Limit
		}
		l.stats.record(tier, ruleName, res.Allowed, true)
		l.metrics.IncRequests(tier, resultError)
		return res, nil
	}

	res.Allowed = state.Inserted
	res.Local = state.Local
	res.ResetAt = now.Add(rule.Window)
	if !state.Oldest.IsZero() {
		res.ResetAt = state.Oldest.Add(rule.Window)
	}
	if res.Allowed {
		res.Remaining = max(rule.Limit-state.Count-1, 0)
	}
	l.stats.record(tier, ruleName, res.Allowed, false)
	if res.Allowed {
		l.metrics.IncRequests(tier, resultAllowed)
	} else {
		l.metrics.IncRequests(tier, resultRejected)
		l.logger.Debug("rate limit exceeded",
			log.String("identifier", identifier), log.String("endpoint", endpoint), log.String("rule", ruleName))
	}
	return res, nil
}

// Usage returns the current window state for identifier and endpoint without recording a request.
func (l *Limiter) Usage(ctx context.Context, identifier, endpoint string, tier Tier) (Usage, error) {
	if identifier == "" {
		return Usage{}, ErrEmptyIdentifier
	}
	_, ruleName, bucket, rule := l.resolve(endpoint, tier)
	now := l.now()
	state, err := l.store.WindowCount(ctx, makeKey(identifier, bucket), now, rule.Window)
	if err != nil {
		return Usage{}, fmt.Errorf("read rate limit window: %w", err)
	}
	u := Usage{Count: state.Count, Limit: rule.Limit, Remaining: max(rule.Limit-state.Count, 0), Rule: ruleName, ResetAt: now}
	if !state.Oldest.IsZero() {
		u.ResetAt = state.Oldest.Add(rule.Window)
	}
	return u, nil
}

// Reset clears the recorded requests of identifier to endpoint.
func (l *Limiter) Reset(ctx context.Context, identifier, endpoint string) error {
	if identifier == "" {
		return ErrEmptyIdentifier
	}
	_, _, bucket, _ := l.resolve(endpoint, TierAnonymous)
	if err := l.store.Delete(ctx, makeKey(identifier, bucket)); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the limiter counters.
func (l *Limiter) Stats() Stats {
	return l.stats.snapshot()
}

// resolve picks the rule for the request. An endpoint rule wins over the tier rule,
// and requests matched by an endpoint rule share one window per endpoint prefix.
func (l *Limiter) resolve(endpoint string, tier Tier) (resolvedTier Tier, ruleName, bucket string, rule Rule) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tierRule, ok := l.tiers[tier]
	if !ok {
		tier = TierAnonymous
		tierRule = l.tiers[TierAnonymous]
	}
	if er, matched := l.endpoints.match(endpoint); matched {
		return tier, er.prefix, er.prefix, er.rule
	}
	return tier, "tier:" + string(tier), endpoint, tierRule
}

func makeKey(identifier, endpoint string) string {
	return keyPrefix + identifier + ":" + endpoint
}
