/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import "sync"

// Stats is a snapshot of limiter counters since start.
type Stats struct {
	Total       int64
	Allowed     int64
	Rejected    int64
	StoreErrors int64
	ByTier      map[Tier]int64
	// ByRule counts requests per applied rule name.
	ByRule map[string]int64
}

// RejectedPercent returns the share of rejected requests in percent.
func (s Stats) RejectedPercent() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Rejected) / float64(s.Total) * 100
}

type statsCollector struct {
	mu    sync.Mutex
	stats Stats
}

func newStatsCollector() *statsCollector {
	return &statsCollector{stats: Stats{ByTier: map[Tier]int64{}, ByRule: map[string]int64{}}}
}

func (sc *statsCollector) record(tier Tier, rule string, allowed, storeErr bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats.Total++
	if allowed {
		sc.stats.Allowed++
	} else {
		sc.stats.Rejected++
	}
	if storeErr {
		sc.stats.StoreErrors++
	}
	sc.stats.ByTier[tier]++
	sc.stats.ByRule[rule]++
}

func (sc *statsCollector) snapshot() Stats {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	res := sc.stats
	res.ByTier = make(map[Tier]int64, len(sc.stats.ByTier))
	for k, v := range sc.stats.ByTier {
		res.ByTier[k] = v
	}
	res.ByRule = make(map[string]int64, len(sc.stats.ByRule))
	for k, v := range sc.stats.ByRule {
		res.ByRule[k] = v
	}
	return res
}
