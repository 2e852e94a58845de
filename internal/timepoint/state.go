package timepoint

// State is the 4-case variant governing acquisition flow within one
// timepoint (spec.md §3).
type State int

const (
	// Acquiring is the initial state: the worker is capturing FOVs.
	Acquiring State = iota
	// Paused means the worker has finished its in-flight FOV and is
	// waiting for an external resume/retake/abort decision.
	Paused
	// Retaking means the worker is re-capturing the FOVs named by the
	// current retake list.
	Retaking
	// Captured means every planned FOV for this timepoint has been
	// captured (normal completion, or resume from Paused with no FOVs
	// remaining).
	Captured
)

func (s State) String() string {
	switch s {
	case Acquiring:
		return "acquiring"
	case Paused:
		return "paused"
	case Retaking:
		return "retaking"
	case Captured:
		return "captured"
	default:
		return "unknown"
	}
}
