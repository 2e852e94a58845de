package qcstore

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cephla-io/squid-acquisition/internal/types"
)

const csvTimestampLayout = "2006-01-02T15:04:05.000Z07:00"

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(csvTimestampLayout, s)
}

// csvColumns is the fixed column order required by spec.md §6.
var csvColumns = []string{
	"region_id", "fov_index", "timestamp", "z_position_um",
	"focus_score", "laser_af_displacement_um",
	"z_diff_from_last_timepoint_um", "error",
}

// Save writes the Store as tabular CSV with one row per FOV and the
// fixed column order from spec.md §6. Missing optional values are
// written as empty strings.
func (s *Store) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("qcstore: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write(csvColumns); err != nil {
		return fmt.Errorf("qcstore: write header: %w", err)
	}

	for _, m := range s.GetAll() {
		row := []string{
			m.FOV.RegionID,
			strconv.Itoa(m.FOV.FOVIndex),
			m.Timestamp.Format(csvTimestampLayout),
			strconv.FormatFloat(m.ZPosition, 'f', -1, 64),
			optionalFloatCell(m.FocusScore),
			optionalFloatCell(m.LaserAFDisplacementUM),
			optionalFloatCell(m.ZDiffFromLastTimepoint),
			m.Error,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("qcstore: write row for %s: %w", m.FOV, err)
		}
	}

	w.Flush()
	return w.Error()
}

func optionalFloatCell(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// Load parses a CSV file written by Save back into a Store, used by
// the round-trip property in spec.md §8.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("qcstore: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("qcstore: parse %s: %w", path, err)
	}
	if len(rows) == 0 {
		return New(0), nil
	}

	store := New(0)
	for _, row := range rows[1:] {
		if len(row) != len(csvColumns) {
			return nil, fmt.Errorf("qcstore: row has %d columns, want %d", len(row), len(csvColumns))
		}
		fovIndex, err := strconv.Atoi(row[1])
		if err != nil {
			return nil, fmt.Errorf("qcstore: parse fov_index: %w", err)
		}
		ts, err := parseTimestamp(row[2])
		if err != nil {
			return nil, fmt.Errorf("qcstore: parse timestamp: %w", err)
		}
		zPos, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return nil, fmt.Errorf("qcstore: parse z_position_um: %w", err)
		}

		m := types.FOVMetrics{
			FOV:       types.FOVID{RegionID: row[0], FOVIndex: fovIndex},
			Timestamp: ts,
			ZPosition: zPos,
			Error:     row[7],
		}
		if v, ok := optionalFloatFromCell(row[4]); ok {
			m.FocusScore = v
		}
		if v, ok := optionalFloatFromCell(row[5]); ok {
			m.LaserAFDisplacementUM = v
		}
		if v, ok := optionalFloatFromCell(row[6]); ok {
			m.ZDiffFromLastTimepoint = v
		}
		store.Add(m)
	}
	return store, nil
}

func optionalFloatFromCell(cell string) (*float64, bool) {
	if cell == "" {
		return nil, false
	}
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return nil, false
	}
	return types.F64(v), true
}
