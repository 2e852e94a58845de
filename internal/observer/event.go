// Package observer implements the Observer interface of spec.md §6: a
// best-effort event stream that never blocks its emitter. The bus
// itself is grounded on the teacher's frame distribution pattern
// (modules/framebus/internal/bus/bus.go): non-blocking Publish, drop
// tracking, channel-based subscribers.
package observer

import (
	"time"

	"github.com/cephla-io/squid-acquisition/internal/qcpolicy"
	"github.com/cephla-io/squid-acquisition/internal/timepoint"
	"github.com/cephla-io/squid-acquisition/internal/types"
)

// Kind tags an Event with which of spec.md §6's notification shapes it
// carries.
type Kind int

const (
	KindStateTransition Kind = iota
	KindPauseRequested
	KindPaused
	KindResumed
	KindRetakeStarted
	KindRetakeFOVComplete
	KindRetakesComplete
	KindFOVCaptured
	KindTimepointCaptured
	KindQCMetricsUpdated
	KindQCPolicyDecision
)

func (k Kind) String() string {
	switch k {
	case KindStateTransition:
		return "state_transition"
	case KindPauseRequested:
		return "pause_requested"
	case KindPaused:
		return "paused"
	case KindResumed:
		return "resumed"
	case KindRetakeStarted:
		return "retake_started"
	case KindRetakeFOVComplete:
		return "retake_fov_complete"
	case KindRetakesComplete:
		return "retakes_complete"
	case KindFOVCaptured:
		return "fov_captured"
	case KindTimepointCaptured:
		return "timepoint_captured"
	case KindQCMetricsUpdated:
		return "qc_metrics_updated"
	case KindQCPolicyDecision:
		return "qc_policy_decision"
	default:
		return "unknown"
	}
}

// Event is the single envelope carried by the Observer bus. Only the
// fields relevant to Kind are populated; the rest are zero.
type Event struct {
	Kind      Kind
	At        time.Time
	Timepoint int

	OldState, NewState timepoint.State
	FOV                types.FOVID
	RetakeList         []types.FOVID
	Metrics            types.FOVMetrics
	Decision           qcpolicy.Decision
}
