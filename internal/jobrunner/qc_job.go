package jobrunner

import (
	"github.com/cephla-io/squid-acquisition/internal/focus"
	"github.com/cephla-io/squid-acquisition/internal/types"
)

// QCConfig selects which metrics a QCJob computes and which focus-score
// algorithm to use (spec.md §3, QC configuration). The focus-score
// method is selected once per run.
type QCConfig struct {
	Enabled               bool
	ComputeFocusScore     bool
	ComputeLaserAF        bool
	ComputeZDiff          bool
	FocusScoreMethod      types.FocusScoreMethod
}

// QCJob computes an FOV-metrics record from a captured image and its
// capture info (spec.md §4.C/§4.D). It never touches state-machine
// state directly; a QC failure is recorded as a metric-level error and
// never pauses the run by itself.
type QCJob struct {
	Image            *SharedImage
	Info             types.CaptureInfo
	Config           QCConfig
	LaserAFZUM       *float64 // optional laser-AF displacement reading, nil if unavailable
	PrevTimepointZUM *float64 // this FOV's Z at the previous timepoint; nil disables z-diff
}

func (j *QCJob) Kind() Kind { return KindQC }

func (j *QCJob) FOV() types.FOVID { return j.Info.FOV }

func (j *QCJob) PayloadBytes() int {
	if j.Image == nil || j.Image.Image() == nil {
		return 0
	}
	return len(j.Image.Image().Data)
}

// Run computes the configured metrics. Z-diff is computed only when
// PrevTimepointZUM is provided (spec.md §4.D).
func (j *QCJob) Run() JobResult {
	defer j.Image.Release()

	img := j.Image.Image()
	metrics := &types.FOVMetrics{
		FOV:       j.Info.FOV,
		Timestamp: j.Info.CapturedAt,
		ZPosition: j.absoluteZUM(),
	}

	if img == nil {
		metrics.Error = "qc: image already released"
		return JobResult{Kind: KindQC, FOV: j.Info.FOV, QCMetrics: metrics}
	}

	if j.Config.ComputeFocusScore {
		score := focus.Compute(j.Config.FocusScoreMethod, img)
		metrics.FocusScore = types.F64(score)
	}

	if j.Config.ComputeLaserAF && j.LaserAFZUM != nil {
		metrics.LaserAFDisplacementUM = types.F64(*j.LaserAFZUM)
	}

	if j.Config.ComputeZDiff && j.PrevTimepointZUM != nil {
		diff := metrics.ZPosition - *j.PrevTimepointZUM
		metrics.ZDiffFromLastTimepoint = types.F64(diff)
	}

	return JobResult{Kind: KindQC, FOV: j.Info.FOV, QCMetrics: metrics}
}

func (j *QCJob) absoluteZUM() float64 {
	if j.Info.PiezoZUM != nil {
		return j.Info.Stage.ZMM*1000 + *j.Info.PiezoZUM
	}
	return j.Info.Stage.ZMM * 1000
}
