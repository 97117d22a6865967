package mealcache

import (
	"math"
	"sync/atomic"
)

type statsCollector struct {
	fromCache    atomic.Uint64
	fromNetwork  atomic.Uint64
	fromFallback atomic.Uint64
	failures     atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(source ResponseSource, respBytes int) {
	switch source {
	case SourceCache:
		s.fromCache.Add(1)
	case SourceNetwork:
		s.fromNetwork.Add(1)
	case SourceFallback:
		s.fromFallback.Add(1)
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

func (s *statsCollector) Failed() {
	s.failures.Add(1)
}

type statsSnapshot struct {
	FromCache    uint64
	FromNetwork  uint64
	FromFallback uint64
	Failures     uint64

	TotalResponses uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		FromCache:    s.fromCache.Load(),
		FromNetwork:  s.fromNetwork.Load(),
		FromFallback: s.fromFallback.Load(),
		Failures:     s.failures.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = s.totalRespBytes.Load() / count
	return out
}
