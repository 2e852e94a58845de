package jobrunner

import (
	acqerrors "github.com/cephla-io/squid-acquisition/internal/errors"
	"github.com/cephla-io/squid-acquisition/internal/types"
)

// Kind tags a Job/JobResult with its concrete variant, the Go
// re-architecture of the source's open-ended job subtyping into a
// closed, dispatchable set (spec.md §9, "Dynamic dispatch over job
// kinds").
type Kind int

const (
	KindSaveImage Kind = iota
	KindQC
)

func (k Kind) String() string {
	switch k {
	case KindSaveImage:
		return "save_image"
	case KindQC:
		return "qc"
	default:
		return "unknown"
	}
}

// Job is the common capability every dispatchable unit of background
// work exposes: run to completion and report a tagged JobResult. Run
// must never panic on job-internal failure — it reports the failure in
// the result instead (spec.md §4.C, "A job failure is captured in its
// JobResult ... it never crashes the worker").
type Job interface {
	Kind() Kind
	FOV() types.FOVID
	// PayloadBytes estimates the in-flight memory this job holds, used
	// by the Runner's backpressure accounting.
	PayloadBytes() int
	Run() JobResult
}

// JobResult is the tagged result of running a Job. Exactly one of
// SaveInfo, QCMetrics is populated, matching Kind; Err is set on
// failure (SaveInfo/QCMetrics are then nil/zero).
type JobResult struct {
	Kind Kind
	FOV  types.FOVID

	SaveInfo  *SaveResult
	QCMetrics *types.FOVMetrics

	Err *acqerrors.AcqError
}

// SaveResult is the success payload of a Save-image job.
type SaveResult struct {
	Path  string
	Bytes int
}
