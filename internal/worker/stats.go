package worker

import "sync/atomic"

// StrategyStats 是单个策略的累计计数。
type StrategyStats struct {
	Requests    int64 `json:"requests"`
	CacheHits   int64 `json:"cache_hits"`
	NetworkHits int64 `json:"network_hits"`
	Failures    int64 `json:"failures"`
}

type strategyCounters struct {
	requests    atomic.Int64
	cacheHits   atomic.Int64
	networkHits atomic.Int64
	failures    atomic.Int64
}

type statsRecorder struct {
	counters [3]strategyCounters
}

func (s *statsRecorder) record(strategy Strategy, resp *Response, err error) {
	if int(strategy) >= len(s.counters) {
		return
	}
	c := &s.counters[strategy]
	c.requests.Add(1)
	switch {
	case err != nil:
		c.failures.Add(1)
	case resp != nil && resp.Source == SourceCache:
		c.cacheHits.Add(1)
	default:
		c.networkHits.Add(1)
	}
}

func (s *statsRecorder) snapshot() map[string]StrategyStats {
	out := make(map[string]StrategyStats, len(s.counters))
	for _, strategy := range Strategies() {
		c := &s.counters[strategy]
		out[strategy.String()] = StrategyStats{
			Requests:    c.requests.Load(),
			CacheHits:   c.cacheHits.Load(),
			NetworkHits: c.networkHits.Load(),
			Failures:    c.failures.Load(),
		}
	}
	return out
}
