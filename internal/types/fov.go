// Package types holds the data model shared by every Acquisition Control
// Core component: FOV identifiers, capture records, images, and metrics.
package types

import "fmt"

// FOVID is the immutable address of a capture site: a named region plus
// an index within that region. Two FOVIDs are equal iff both fields match,
// so it is safe to use as a map key directly.
type FOVID struct {
	RegionID string
	FOVIndex int
}

// String renders the identifier for logs and error messages.
func (f FOVID) String() string {
	return fmt.Sprintf("%s[%d]", f.RegionID, f.FOVIndex)
}

// Less orders FOVIDs by (RegionID asc, FOVIndex asc), the fixed capture
// order required by spec.md §4.E.
func (f FOVID) Less(other FOVID) bool {
	if f.RegionID != other.RegionID {
		return f.RegionID < other.RegionID
	}
	return f.FOVIndex < other.FOVIndex
}

// SortFOVIDs returns a copy of ids sorted in the deterministic capture
// order (region ascending, then fov_index ascending).
func SortFOVIDs(ids []FOVID) []FOVID {
	out := make([]FOVID, len(ids))
	copy(out, ids)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Less(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
