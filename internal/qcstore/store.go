// Package qcstore implements the per-timepoint Metrics Store (spec.md
// §3/§4.D): a thread-safe mapping from FOV identifier to FOV metrics,
// scoped to one timepoint.
package qcstore

import (
	"sync"

	"github.com/cephla-io/squid-acquisition/internal/types"
)

// Store holds at most one FOVMetrics entry per FOV identifier within a
// timepoint; Add replaces an existing entry for the same FOV (retakes
// overwrite). All entries share Store's Timepoint.
type Store struct {
	mu        sync.RWMutex
	timepoint int
	entries   map[types.FOVID]types.FOVMetrics
	order     []types.FOVID // first-insertion order, for stable GetAll/CSV output
}

// New constructs an empty Store scoped to timepoint t.
func New(timepoint int) *Store {
	return &Store{
		timepoint: timepoint,
		entries:   make(map[types.FOVID]types.FOVMetrics),
	}
}

// Timepoint returns the timepoint index every entry in this Store
// shares.
func (s *Store) Timepoint() int {
	return s.timepoint
}

// Add inserts or replaces the entry for metrics.FOV. A retake replacing
// an existing FOV's metrics does not change that FOV's position in
// insertion order.
func (s *Store) Add(metrics types.FOVMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[metrics.FOV]; !exists {
		s.order = append(s.order, metrics.FOV)
	}
	s.entries[metrics.FOV] = metrics
}

// Get returns the entry for fov and whether it exists.
func (s *Store) Get(fov types.FOVID) (types.FOVMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.entries[fov]
	return m, ok
}

// Len reports how many distinct FOVs have an entry.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// GetAll returns an ordered snapshot of every entry, in first-insertion
// order.
func (s *Store) GetAll() []types.FOVMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.FOVMetrics, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id])
	}
	return out
}

// MetricValues is a snapshot of one named metric's non-null values,
// keyed by FOV.
type MetricValues map[types.FOVID]float64

// GetMetricValues returns a snapshot map filtered to the non-null
// values of the named field (spec.md §4.D). Supported names:
// "focus_score", "laser_af_displacement_um", "z_diff_from_last_timepoint_um",
// and "z_position_um" (never null, so every entry is included).
func (s *Store) GetMetricValues(metricName string) MetricValues {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(MetricValues)
	for _, id := range s.order {
		m := s.entries[id]
		if v, ok := fieldValue(m, metricName); ok {
			out[id] = v
		}
	}
	return out
}

func fieldValue(m types.FOVMetrics, name string) (float64, bool) {
	switch name {
	case "focus_score":
		if m.FocusScore != nil {
			return *m.FocusScore, true
		}
	case "laser_af_displacement_um":
		if m.LaserAFDisplacementUM != nil {
			return *m.LaserAFDisplacementUM, true
		}
	case "z_diff_from_last_timepoint_um":
		if m.ZDiffFromLastTimepoint != nil {
			return *m.ZDiffFromLastTimepoint, true
		}
	case "z_position_um":
		return m.ZPosition, true
	}
	return 0, false
}
