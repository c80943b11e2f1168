package ngflush

import (
	"fmt"
	"strings"
	"sync/atomic"
)

type statsCollector struct {
	singleDeleted  atomic.Uint64
	singleNotFound atomic.Uint64
	singleFailed   atomic.Uint64

	scans          atomic.Uint64
	filesScanned   atomic.Uint64
	filesSkipped   atomic.Uint64
	patternRemoved atomic.Uint64
	patternFailed  atomic.Uint64
	bytesRemoved   atomic.Uint64
}

func newStatsCollector() *statsCollector { return &statsCollector{} }

func (s *statsCollector) ObserveSingle(o Outcome, err error) {
	switch {
	case err != nil:
		s.singleFailed.Add(1)
	case o == Deleted:
		s.singleDeleted.Add(1)
	default:
		s.singleNotFound.Add(1)
	}
}

func (s *statsCollector) ObserveScan(st ScanStats, res PatternResult) {
	s.scans.Add(1)
	s.filesScanned.Add(uint64(st.Scanned))
	s.filesSkipped.Add(uint64(st.Skipped))
	s.patternRemoved.Add(uint64(res.Removed))
	s.patternFailed.Add(uint64(res.Failed))
}

func (s *statsCollector) ObserveRemovedBytes(n int64) {
	if n > 0 {
		s.bytesRemoved.Add(uint64(n))
	}
}

type statsSnapshot struct {
	SingleDeleted  uint64
	SingleNotFound uint64
	SingleFailed   uint64
	Scans          uint64
	FilesScanned   uint64
	FilesSkipped   uint64
	PatternRemoved uint64
	PatternFailed  uint64
	BytesRemoved   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	return statsSnapshot{
		SingleDeleted:  s.singleDeleted.Load(),
		SingleNotFound: s.singleNotFound.Load(),
		SingleFailed:   s.singleFailed.Load(),
		Scans:          s.scans.Load(),
		FilesScanned:   s.filesScanned.Load(),
		FilesSkipped:   s.filesSkipped.Load(),
		PatternRemoved: s.patternRemoved.Load(),
		PatternFailed:  s.patternFailed.Load(),
		BytesRemoved:   s.bytesRemoved.Load(),
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
