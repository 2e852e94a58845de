package qcstore

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cephla-io/squid-acquisition/internal/types"
)

func TestAddReplacesSameFOVWithoutChangingLength(t *testing.T) {
	s := New(0)
	fov := types.FOVID{RegionID: "A", FOVIndex: 0}

	s.Add(types.FOVMetrics{FOV: fov, FocusScore: types.F64(1)})
	s.Add(types.FOVMetrics{FOV: fov, FocusScore: types.F64(2)})

	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	m, ok := s.Get(fov)
	if !ok || *m.FocusScore != 2 {
		t.Fatalf("Get(%v) = %+v, ok=%v, want FocusScore=2", fov, m, ok)
	}
}

// TestRetakeReplaceLeavesInsertionOrderUnchanged verifies the
// round-trip law: retake([f]) leaves store size unchanged but updates
// the entry, without moving its position in GetAll order.
func TestRetakeReplaceLeavesInsertionOrderUnchanged(t *testing.T) {
	s := New(0)
	a := types.FOVID{RegionID: "A", FOVIndex: 0}
	b := types.FOVID{RegionID: "A", FOVIndex: 1}

	s.Add(types.FOVMetrics{FOV: a, FocusScore: types.F64(1)})
	s.Add(types.FOVMetrics{FOV: b, FocusScore: types.F64(2)})
	s.Add(types.FOVMetrics{FOV: a, FocusScore: types.F64(99)}) // retake of a

	all := s.GetAll()
	if len(all) != 2 {
		t.Fatalf("GetAll() has %d entries, want 2", len(all))
	}
	if all[0].FOV != a || *all[0].FocusScore != 99 {
		t.Fatalf("all[0] = %+v, want FOV=a FocusScore=99", all[0])
	}
	if all[1].FOV != b {
		t.Fatalf("all[1].FOV = %v, want %v (order preserved)", all[1].FOV, b)
	}
}

func TestGetMetricValuesFiltersNulls(t *testing.T) {
	s := New(0)
	s.Add(types.FOVMetrics{FOV: types.FOVID{RegionID: "A", FOVIndex: 0}, FocusScore: types.F64(10)})
	s.Add(types.FOVMetrics{FOV: types.FOVID{RegionID: "A", FOVIndex: 1}}) // no focus score

	vals := s.GetMetricValues("focus_score")
	if len(vals) != 1 {
		t.Fatalf("GetMetricValues() has %d entries, want 1", len(vals))
	}
}

// TestCSVRoundTrip verifies the round-trip law: Save then Load yields
// an equivalent mapping.
func TestCSVRoundTrip(t *testing.T) {
	s := New(3)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.Add(types.FOVMetrics{
		FOV:                    types.FOVID{RegionID: "A", FOVIndex: 0},
		Timestamp:              ts,
		ZPosition:              1234.5,
		FocusScore:             types.F64(88.25),
		LaserAFDisplacementUM:  nil,
		ZDiffFromLastTimepoint: types.F64(-0.5),
	})
	s.Add(types.FOVMetrics{
		FOV:       types.FOVID{RegionID: "B", FOVIndex: 2},
		Timestamp: ts,
		ZPosition: 10,
		Error:     "qc: image already released",
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "qc_metrics.csv")
	if err := s.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Len() != s.Len() {
		t.Fatalf("Load() has %d entries, want %d", loaded.Len(), s.Len())
	}

	for _, want := range s.GetAll() {
		got, ok := loaded.Get(want.FOV)
		if !ok {
			t.Fatalf("Load() missing entry for %v", want.FOV)
		}
		if !want.Timestamp.Equal(got.Timestamp) {
			t.Errorf("%v: timestamp = %v, want %v", want.FOV, got.Timestamp, want.Timestamp)
		}
		if math.Abs(got.ZPosition-want.ZPosition) > 1e-9 {
			t.Errorf("%v: z_position = %v, want %v", want.FOV, got.ZPosition, want.ZPosition)
		}
		if (got.FocusScore == nil) != (want.FocusScore == nil) {
			t.Errorf("%v: focus_score nil-ness mismatch", want.FOV)
		}
		if got.Error != want.Error {
			t.Errorf("%v: error = %q, want %q", want.FOV, got.Error, want.Error)
		}
	}
}

func TestCSVColumnOrder(t *testing.T) {
	s := New(0)
	s.Add(types.FOVMetrics{FOV: types.FOVID{RegionID: "A", FOVIndex: 0}})

	path := filepath.Join(t.TempDir(), "qc_metrics.csv")
	if err := s.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	want := "region_id,fov_index,timestamp,z_position_um,focus_score,laser_af_displacement_um,z_diff_from_last_timepoint_um,error\n"
	if string(data[:len(want)]) != want {
		t.Fatalf("header = %q, want %q", string(data[:len(want)]), want)
	}
}

func TestToFrameMatchesCSVShape(t *testing.T) {
	s := New(0)
	s.Add(types.FOVMetrics{FOV: types.FOVID{RegionID: "A", FOVIndex: 0}, FocusScore: types.F64(5)})

	frame := s.ToFrame()
	if len(frame.Columns) != 8 {
		t.Fatalf("len(Columns) = %d, want 8", len(frame.Columns))
	}
	if len(frame.Rows) != 1 {
		t.Fatalf("len(Rows) = %d, want 1", len(frame.Rows))
	}
}
