// Package qcpolicy implements the QC Policy (spec.md §4.D):
// check_timepoint(store) -> PolicyDecision, a pure function over a
// Metrics Store snapshot. It never mutates the store and never touches
// the Timepoint State Machine — propagating should_pause to
// request_pause() is the Worker's job.
package qcpolicy

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/cephla-io/squid-acquisition/internal/qcstore"
	"github.com/cephla-io/squid-acquisition/internal/types"
)

// OutlierRule detects FOVs whose named metric deviates from the
// timepoint mean by more than StdThreshold population standard
// deviations.
type OutlierRule struct {
	MetricName    string
	StdThreshold  float64
}

// Config is the enumerated rule set from spec.md §3 (Policy
// configuration). Absent/zero-value fields disable their rule; use the
// pointer fields to distinguish "disabled" from "threshold is zero".
type Config struct {
	Enabled bool

	FocusScoreMin     *float64
	ZDriftMaxUM       *float64
	DetectOutliers    *OutlierRule
	PauseIfAnyFlagged bool
}

// Decision is the ordered result of evaluating Config's rules over a
// Store snapshot (spec.md §3, Policy decision).
type Decision struct {
	Flagged     []types.FOVID
	Reasons     map[types.FOVID][]string
	ShouldPause bool
}

// flag records fov as flagged (in first-flagging insertion order) and
// appends reason to its accumulated reasons.
func (d *Decision) flag(fov types.FOVID, reason string) {
	if _, exists := d.Reasons[fov]; !exists {
		d.Flagged = append(d.Flagged, fov)
		d.Reasons[fov] = nil
	}
	d.Reasons[fov] = append(d.Reasons[fov], reason)
}

// CheckTimepoint evaluates cfg's rules against store once and returns
// the resulting Decision, per spec.md §4.D's four-step algorithm.
func CheckTimepoint(cfg Config, store *qcstore.Store) Decision {
	decision := Decision{Reasons: make(map[types.FOVID][]string)}
	if !cfg.Enabled {
		return decision
	}

	entries := store.GetAll()

	// Step 1: threshold rules, one pass over the store.
	for _, m := range entries {
		if cfg.FocusScoreMin != nil && m.FocusScore != nil && *m.FocusScore < *cfg.FocusScoreMin {
			decision.flag(m.FOV, fmt.Sprintf("focus_score=%.2f < %s", *m.FocusScore, trimFloat(*cfg.FocusScoreMin)))
		}
		if cfg.ZDriftMaxUM != nil && m.ZDiffFromLastTimepoint != nil && math.Abs(*m.ZDiffFromLastTimepoint) > *cfg.ZDriftMaxUM {
			decision.flag(m.FOV, fmt.Sprintf("z_drift=%.2f um > %s", *m.ZDiffFromLastTimepoint, trimFloat(*cfg.ZDriftMaxUM)))
		}
	}

	// Step 2: outlier rule, only if the named metric has >= 3 non-null
	// values.
	if cfg.DetectOutliers != nil {
		applyOutlierRule(&decision, store, *cfg.DetectOutliers)
	}

	// Step 4: pause iff configured and something is flagged.
	decision.ShouldPause = cfg.PauseIfAnyFlagged && len(decision.Flagged) > 0
	return decision
}

func applyOutlierRule(decision *Decision, store *qcstore.Store, rule OutlierRule) {
	values := store.GetMetricValues(rule.MetricName)
	if len(values) < 3 {
		return
	}

	// Iterate in store insertion order (not map order) so flagging order
	// stays deterministic, per spec.md §4.D's "preserve insertion order
	// of first flagging".
	var fovs []types.FOVID
	var samples []float64
	for _, m := range store.GetAll() {
		if v, ok := values[m.FOV]; ok {
			fovs = append(fovs, m.FOV)
			samples = append(samples, v)
		}
	}

	// Population standard deviation, computed directly as
	// sqrt(sum((v-mean)^2)/n). Rescaling gonum's sample (Bessel-corrected)
	// stddev by sqrt((n-1)/n) can land a rounding step below the exact
	// value and turn a tie (deviation == StdThreshold*popStd) into a flag.
	mean := stat.Mean(samples, nil)
	var sumSq float64
	for _, v := range samples {
		d := v - mean
		sumSq += d * d
	}
	popStd := math.Sqrt(sumSq / float64(len(samples)))

	for i, fov := range fovs {
		deviation := math.Abs(samples[i] - mean)
		if deviation > rule.StdThreshold*popStd {
			decision.flag(fov, fmt.Sprintf("outlier in %s", rule.MetricName))
		}
	}
}

// trimFloat renders a threshold the way spec.md §8's scenario 4 expects
// ("< 100.0"): at least one decimal place, no trailing noise.
func trimFloat(v float64) string {
	s := fmt.Sprintf("%g", v)
	if !containsDot(s) {
		s += ".0"
	}
	return s
}

func containsDot(s string) bool {
	for _, c := range s {
		if c == '.' {
			return true
		}
	}
	return false
}
