package store

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

type statsCollector struct {
	totalEntries atomic.Uint64
	totalBytes   atomic.Uint64
	minBytes     atomic.Uint64
	maxBytes     atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)

	s.totalEntries.Add(1)
	s.totalBytes.Add(v)

	for {
		cur := s.minBytes.Load()
		if v >= cur {
			break
		}
		if s.minBytes.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if v <= cur {
			break
		}
		if s.maxBytes.CompareAndSwap(cur, v) {
			break
		}
	}
}

// Stats describes the store contents and the responses written since open.
type Stats struct {
	Entries   int
	RAMBytes  int64
	DiskBytes int64

	Stored   uint64
	MinBytes uint64
	AvgBytes uint64
	MaxBytes uint64
}

func (s *statsCollector) fill(out *Stats) {
	count := s.totalEntries.Load()
	if count == 0 {
		return
	}
	minv := s.minBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.Stored = count
	out.MinBytes = minv
	out.MaxBytes = s.maxBytes.Load()
	out.AvgBytes = s.totalBytes.Load() / count
}

func (st Stats) String() string {
	return fmt.Sprintf(
		"Cached: Responses: %d, RAM usage: %s, Disk usage: %s, Resp Min/avg/max %s/%s/%s",
		st.Entries,
		FormatBytes(uint64(st.RAMBytes)),
		FormatBytes(uint64(st.DiskBytes)),
		FormatBytes(st.MinBytes),
		FormatBytes(st.AvgBytes),
		FormatBytes(st.MaxBytes),
	)
}

func FormatBytes(b uint64) string {
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
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return s
}
