package swcache

import (
	"log/slog"
	"math"
	"sync/atomic"
	"time"
)

type statsCollector struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	fallbacks atomic.Uint64
	bypassed  atomic.Uint64

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

func (s *statsCollector) Observe(outcome string, respBytes int) {
	switch outcome {
	case outcomeHit:
		s.hits.Add(1)
	case outcomeMiss, outcomeNetwork:
		s.misses.Add(1)
	case outcomeBypass:
		s.bypassed.Add(1)
		return
	default:
		s.fallbacks.Add(1)
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

type statsSnapshot struct {
	Hits, Misses, Fallbacks, Bypassed uint64

	MinRespBytes uint64
	MaxRespBytes uint64
	AvgRespBytes uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	ss := statsSnapshot{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Fallbacks: s.fallbacks.Load(),
		Bypassed:  s.bypassed.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return ss
	}
	ss.MinRespBytes = s.minRespBytes.Load()
	if ss.MinRespBytes == math.MaxUint64 {
		ss.MinRespBytes = 0
	}
	ss.MaxRespBytes = s.maxRespBytes.Load()
	ss.AvgRespBytes = s.totalRespBytes.Load() / count
	return ss
}

func (m *Manager) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.logStats()
		}
	}
}

func (m *Manager) logStats() {
	ss := m.stats.Snapshot()
	attrs := []any{
		slog.String("state", m.State().String()),
		slog.Uint64("hits", ss.Hits),
		slog.Uint64("misses", ss.Misses),
		slog.Uint64("fallbacks", ss.Fallbacks),
		slog.Uint64("bypassed", ss.Bypassed),
		slog.String("ram", formatBytes(uint64(m.storage.ram.TotalSize()))),
		slog.String("disk", formatBytes(uint64(m.storage.DiskSize()))),
		slog.String("resp", formatBytes(ss.MinRespBytes)+"/"+formatBytes(ss.AvgRespBytes)+"/"+formatBytes(ss.MaxRespBytes)),
	}
	if m.State() == StateActivated {
		attrs = append(attrs,
			slog.Int("static_entries", m.static.Len()),
			slog.Int("media_entries", m.media.Len()))
	}
	if rss, ok := processRSSBytes(); ok {
		attrs = append(attrs, slog.String("rss", formatBytes(rss)))
	}
	m.log.Info("cache stats", attrs...)
}
