package swcache

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector counts fetch outcomes. A nil collector ignores everything.
type statsCollector struct {
	hits   atomic.Uint64
	misses atomic.Uint64
	passes atomic.Uint64

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

func (s *statsCollector) Hit(respBytes int) {
	if s == nil {
		return
	}
	s.hits.Add(1)
	s.observe(respBytes)
}

func (s *statsCollector) Miss(respBytes int) {
	if s == nil {
		return
	}
	s.misses.Add(1)
	s.observe(respBytes)
}

func (s *statsCollector) Pass() {
	if s == nil {
		return
	}
	s.passes.Add(1)
}

func (s *statsCollector) observe(respBytes int) {
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

type statsSnapshot struct {
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Passes       uint64 `json:"passes"`
	MinRespBytes uint64 `json:"minRespBytes"`
	MaxRespBytes uint64 `json:"maxRespBytes"`
	AvgRespBytes uint64 `json:"avgRespBytes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	if s == nil {
		return statsSnapshot{}
	}
	out := statsSnapshot{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Passes: s.passes.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = s.totalRespBytes.Load() / count
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
